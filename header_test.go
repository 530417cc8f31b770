package btltipc

import (
	"encoding/binary"
	"testing"
)

func TestHeaderEncodeDecodeSend(t *testing.T) {
	h := fragHeader{Type: hdrSend, Count: 0, Tag: 42, Size: 128}
	var buf [fixedHeaderLen]byte
	encodeHeader(buf[:], &h, binary.BigEndian)

	got := decodeHeader(buf[:], binary.BigEndian)
	if got.Type != h.Type || got.Tag != h.Tag || got.Size != h.Size {
		t.Fatalf("decodeHeader = %+v, want %+v", got, h)
	}
	if h.headerLen() != fixedHeaderLen {
		t.Errorf("headerLen() = %d, want %d (SEND carries no Base)", h.headerLen(), fixedHeaderLen)
	}
}

func TestHeaderPutCarriesBase(t *testing.T) {
	h := fragHeader{Type: hdrPut, Count: 1, Size: 64, Base: 0xdeadbeef}
	if !h.hasBase() {
		t.Fatal("hasBase() = false for PUT, want true")
	}
	if want := fixedHeaderLen + baseFieldLen; h.headerLen() != want {
		t.Errorf("headerLen() = %d, want %d", h.headerLen(), want)
	}

	buf := make([]byte, h.headerLen())
	encodeHeader(buf, &h, binary.LittleEndian)
	base := decodeBase(buf[fixedHeaderLen:], binary.LittleEndian)
	if base != h.Base {
		t.Errorf("decodeBase = %#x, want %#x", base, h.Base)
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	s := segment{Addr: 0x1122334455667788, Len: 4096, Key: 0xcafef00d}
	buf := make([]byte, segmentLen)
	encodeSegment(buf, s, binary.BigEndian)
	got := decodeSegment(buf, binary.BigEndian)
	if got != s {
		t.Errorf("decodeSegment = %+v, want %+v", got, s)
	}
}

func TestHandshakeByteOrderDiscovery(t *testing.T) {
	rec := handshakeRecord{
		Magic:    handshakeMagic,
		Version:  handshakeVersion,
		Identity: Identity{JobID: 9, VPID: 1},
		Sentinel: handshakeSentinel,
	}
	var buf [handshakeLen]byte
	encodeHandshake(buf[:], rec)

	got, order, foreign, ok := decodeHandshake(buf[:])
	if !ok {
		t.Fatal("decodeHandshake: ok = false, want true")
	}
	if foreign {
		t.Error("foreign = true for a record encoded in native order, want false")
	}
	if order == nil {
		t.Fatal("order = nil")
	}
	if got.Identity != rec.Identity {
		t.Errorf("Identity = %+v, want %+v", got.Identity, rec.Identity)
	}

	// Flip to the other byte order by hand to exercise the foreign branch.
	var swapped [handshakeLen]byte
	other := otherOrder(order)
	other.PutUint32(swapped[0:4], rec.Magic)
	other.PutUint32(swapped[4:8], rec.Version)
	other.PutUint32(swapped[8:12], rec.Identity.JobID)
	other.PutUint32(swapped[12:16], rec.Identity.VPID)
	other.PutUint32(swapped[16:20], rec.Sentinel)

	got2, order2, foreign2, ok2 := decodeHandshake(swapped[:])
	if !ok2 {
		t.Fatal("decodeHandshake on swapped record: ok = false, want true")
	}
	if !foreign2 {
		t.Error("foreign = false for a record encoded in the non-native order, want true")
	}
	if order2 != other {
		t.Error("recovered order does not match the order the record was actually encoded in")
	}
	if got2.Identity != rec.Identity {
		t.Errorf("Identity (swapped) = %+v, want %+v", got2.Identity, rec.Identity)
	}
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	var buf [handshakeLen]byte
	for i := range buf {
		buf[i] = 0xff
	}
	if _, _, _, ok := decodeHandshake(buf[:]); ok {
		t.Fatal("decodeHandshake accepted a buffer with no valid sentinel in either order")
	}
}
