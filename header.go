package btltipc

import (
	"encoding/binary"

	"code.hybscloud.com/btltipc/internal/bo"
)

// hdrType enumerates the wire message types from spec.md §6.
type hdrType uint8

const (
	hdrSend hdrType = 1
	hdrPut  hdrType = 2
	hdrGet  hdrType = 3
	hdrFin  hdrType = 4
)

// Wire sizes, per spec.md §6's diagram: an 8-byte fixed header
// (type:1, count:1, tag:2, size:4), followed for PUT/GET by an 8-byte base
// field, followed by payload[size] (SEND) or, for PUT, segments[count]
// (16 bytes each: addr:8, len:4, key:4) and then each segment's data.
const (
	fixedHeaderLen = 8
	baseFieldLen   = 8
	segmentLen     = 16
)

// fragHeader is the in-memory shape of one fragment's wire header.
type fragHeader struct {
	Type  hdrType
	Count uint8
	Tag   uint16
	Size  uint32
	Base  uint64 // valid for PUT/GET only
}

func (h *fragHeader) hasBase() bool { return h.Type == hdrPut || h.Type == hdrGet }

// headerLen returns the number of wire bytes this header occupies, which
// depends on its Type (PUT/GET carry the extra 8-byte Base field).
func (h *fragHeader) headerLen() int {
	if h.hasBase() {
		return fixedHeaderLen + baseFieldLen
	}
	return fixedHeaderLen
}

// encodeHeader writes h into buf (which must be at least h.headerLen()
// bytes) using order, the sender's native byte order.
func encodeHeader(buf []byte, h *fragHeader, order binary.ByteOrder) {
	buf[0] = byte(h.Type)
	buf[1] = h.Count
	order.PutUint16(buf[2:4], h.Tag)
	order.PutUint32(buf[4:8], h.Size)
	if h.hasBase() {
		order.PutUint64(buf[8:16], h.Base)
	}
}

// decodeHeader parses the fixed 8-byte portion of a header. The caller must
// inspect the returned Type and, for PUT/GET, read baseFieldLen further
// bytes and call decodeBase.
func decodeHeader(buf []byte, order binary.ByteOrder) fragHeader {
	return fragHeader{
		Type:  hdrType(buf[0]),
		Count: buf[1],
		Tag:   order.Uint16(buf[2:4]),
		Size:  order.Uint32(buf[4:8]),
	}
}

func decodeBase(buf []byte, order binary.ByteOrder) uint64 {
	return order.Uint64(buf[:8])
}

// segment is the wire shape of one PUT target descriptor: a remote address,
// a length, and an opaque registration key (emulated RDMA handle).
type segment struct {
	Addr uint64
	Len  uint32
	Key  uint32
}

func encodeSegment(buf []byte, s segment, order binary.ByteOrder) {
	order.PutUint64(buf[0:8], s.Addr)
	order.PutUint32(buf[8:12], s.Len)
	order.PutUint32(buf[12:16], s.Key)
}

func decodeSegment(buf []byte, order binary.ByteOrder) segment {
	return segment{
		Addr: order.Uint64(buf[0:8]),
		Len:  order.Uint32(buf[8:12]),
		Key:  order.Uint32(buf[12:16]),
	}
}

// handshakeSentinel is the known 32-bit constant, in the local machine's
// native byte order, that handshakeRecord carries so the receiver can infer
// the sender's byte order by comparing the two possible readings.
const handshakeSentinel uint32 = 0x4f50414c // "OPAL" in ASCII, big-endian reading

const (
	handshakeMagic   uint32 = 0xB7B0B7B0
	handshakeVersion uint32 = 1
)

// handshakeLen is the wire size of one handshakeRecord: magic(4) +
// version(4) + jobID(4) + vpid(4) + sentinel(4).
const handshakeLen = 20

// handshakeRecord is the fixed-size record exchanged right after connect
// (outbound) or accept (inbound), per spec.md §4.2 "Handshake".
type handshakeRecord struct {
	Magic    uint32
	Version  uint32
	Identity Identity
	Sentinel uint32
}

func encodeHandshake(buf []byte, h handshakeRecord) {
	// Handshake is always encoded in the local machine's native order; the
	// sentinel is what lets the peer discover that order.
	order := bo.Native()
	order.PutUint32(buf[0:4], h.Magic)
	order.PutUint32(buf[4:8], h.Version)
	order.PutUint32(buf[8:12], h.Identity.JobID)
	order.PutUint32(buf[12:16], h.Identity.VPID)
	order.PutUint32(buf[16:20], h.Sentinel)
}

// decodeHandshake parses buf trying both byte orders and returns the parsed
// record plus the byte order that made Sentinel come out as
// handshakeSentinel. foreign reports whether that order differs from this
// machine's native order (i.e. whether frag headers from this peer need
// byte-swapping on receipt).
func decodeHandshake(buf []byte) (rec handshakeRecord, peerOrder binary.ByteOrder, foreign bool, ok bool) {
	native := bo.Native()
	for _, order := range []binary.ByteOrder{native, otherOrder(native)} {
		sentinel := order.Uint32(buf[16:20])
		if sentinel != handshakeSentinel {
			continue
		}
		rec = handshakeRecord{
			Magic:   order.Uint32(buf[0:4]),
			Version: order.Uint32(buf[4:8]),
			Identity: Identity{
				JobID: order.Uint32(buf[8:12]),
				VPID:  order.Uint32(buf[12:16]),
			},
			Sentinel: sentinel,
		}
		return rec, order, order != native, true
	}
	return handshakeRecord{}, nil, false, false
}

func otherOrder(order binary.ByteOrder) binary.ByteOrder {
	if order == binary.BigEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
