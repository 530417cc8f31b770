package btltipc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/btltipc/internal/bo"
	"code.hybscloud.com/btltipc/internal/rawsock"
)

// State enumerates an Endpoint's connection lifecycle, per spec.md §4.2.
type State uint8

const (
	StateClosed State = iota
	StateResolving
	StateConnecting
	StateConnectAck
	StateConnected
	StateShuttingDown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnectAck:
		return "connect_ack"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Endpoint is one peer connection: state machine, send queue, current
// send/recv fragments, and the negotiated byte order for that peer. It is
// the Go shape of mca_btl_tipc_endpoint_t.
type Endpoint struct {
	module *Module
	log    *logrus.Entry

	peer Identity

	mu    sync.Mutex // send lock: guards state, sock, sendQueue, sendCur
	state State
	sock  *rawsock.Socket

	sendQueue []*Fragment
	sendCur   *Fragment

	recvMu  sync.Mutex
	recvCur *Fragment
	order   binary.ByteOrder // negotiated at handshake

	cache *endpointCache
}

func newEndpoint(m *Module, peer Identity) *Endpoint {
	return &Endpoint{
		module: m,
		log:    endpointLog(m.log, peer),
		peer:   peer,
		state:  StateClosed,
		order:  bo.Native(),
		cache:  newEndpointCache(m.component.opts.EndpointCache),
	}
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Send implements the send-queue discipline of spec.md §4.2: if CONNECTED
// with no fragment currently in flight, write immediately; otherwise queue.
// An endpoint in CLOSED/FAILED initiates a fresh connection attempt.
func (e *Endpoint) Send(f *Fragment) error {
	e.mu.Lock()
	f.Endpoint = e

	switch e.state {
	case StateClosed, StateFailed:
		e.sendQueue = append(e.sendQueue, f)
		err := e.beginConnectLocked()
		e.mu.Unlock()
		return err
	case StateConnected:
		if e.sendCur == nil {
			e.sendCur = f
			fd := e.sock.FD
			e.mu.Unlock()
			e.driveSend(fd)
			return nil
		}
		e.sendQueue = append(e.sendQueue, f)
		e.mu.Unlock()
		return nil
	default:
		e.sendQueue = append(e.sendQueue, f)
		e.mu.Unlock()
		return nil
	}
}

// beginConnectLocked starts a non-blocking outbound connect. Caller holds e.mu.
func (e *Endpoint) beginConnectLocked() error {
	addr, _, ok := e.module.component.lookupAddr(e.peer)
	if !ok {
		e.state = StateFailed
		return ErrNotReachable
	}
	sock, err := e.module.dial(addr)
	if err != nil {
		e.state = StateFailed
		return err
	}
	e.sock = sock
	e.state = StateConnecting
	e.module.registerConnecting(e)
	return nil
}

// onConnectable is invoked by the progress engine once the connecting
// socket becomes writable: it checks for a completed connect and, if so,
// performs the blocking handshake exchange per spec.md §5's one permitted
// suspension point outside the fast path.
func (e *Endpoint) onConnectable() {
	e.mu.Lock()
	sock := e.sock
	e.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.ConnectError(); err != nil {
		e.fail(err)
		return
	}
	e.mu.Lock()
	e.state = StateConnectAck
	e.mu.Unlock()

	timeout := e.module.component.opts.HandshakeTimeout
	if err := e.handshakeSend(sock, timeout); err != nil {
		e.fail(err)
		return
	}
	peerID, peerOrder, err := e.handshakeRecv(sock, timeout)
	if err != nil {
		e.fail(err)
		return
	}
	e.completeConnect(sock, peerID, peerOrder)
}

// onAccepted is called by the Module when a fresh inbound socket has
// completed the handshake read; it implements the CLOSED/CONNECTING
// tie-break of spec.md §4.2.
func (e *Endpoint) onAccepted(sock *rawsock.Socket, peerOrder binary.ByteOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed, StateFailed:
		e.acceptLocked(sock, peerOrder)
	case StateConnecting, StateConnectAck:
		if e.module.component.localIdentity.Less(e.peer) {
			// We keep our outbound attempt; reject the inbound socket.
			_ = sock.Close()
			return
		}
		// Peer's outbound wins: replace our in-flight socket with theirs.
		if e.sock != nil {
			e.module.unregisterConnectingSock(e.sock)
			_ = e.sock.Close()
		}
		e.acceptLocked(sock, peerOrder)
	case StateConnected:
		// Duplicate inbound after convergence; refuse it.
		_ = sock.Close()
	default:
		_ = sock.Close()
	}
}

func (e *Endpoint) acceptLocked(sock *rawsock.Socket, peerOrder binary.ByteOrder) {
	e.sock = sock
	e.order = peerOrder
	e.state = StateConnected
	e.module.registerConnected(e)
	e.log.Debug("endpoint connected (inbound)")
	e.drainSendQueueLocked()
}

func (e *Endpoint) completeConnect(sock *rawsock.Socket, peerID Identity, peerOrder binary.ByteOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sock != sock {
		// We were superseded by a winning inbound socket mid-handshake.
		_ = sock.Close()
		return
	}
	_ = peerID
	e.order = peerOrder
	e.state = StateConnected
	e.module.registerConnected(e)
	e.log.Debug("endpoint connected (outbound)")
	e.drainSendQueueLocked()
}

// drainSendQueueLocked pops the queue's head as sendCur if none is active.
// Caller holds e.mu; the actual write is issued after unlocking.
func (e *Endpoint) drainSendQueueLocked() {
	if e.sendCur == nil && len(e.sendQueue) > 0 {
		e.sendCur = e.sendQueue[0]
		e.sendQueue = e.sendQueue[1:]
		fd := e.sock.FD
		go e.driveSend(fd)
	}
}

// driveSend issues sendOnce on the current fragment and, on completion,
// advances to the next queued fragment, looping until the queue empties or
// the socket would block (at which point the module arms the write event).
func (e *Endpoint) driveSend(fd int) {
	for {
		e.mu.Lock()
		f := e.sendCur
		if f == nil {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		done, err := f.sendOnce(fd)
		if err == ErrWouldBlock {
			e.module.armWrite(e)
			return
		}
		if err != nil {
			e.completeSend(f, err)
			e.fail(err)
			return
		}
		if !done {
			continue
		}
		e.completeSend(f, nil)

		e.mu.Lock()
		e.sendCur = nil
		queueEmpty := len(e.sendQueue) == 0
		if !queueEmpty {
			e.sendCur = e.sendQueue[0]
			e.sendQueue = e.sendQueue[1:]
		}
		e.mu.Unlock()
		if queueEmpty {
			e.module.disarmWrite(e)
			return
		}
	}
}

// OnWritable is invoked by the progress engine when a CONNECTED endpoint's
// write event fires.
func (e *Endpoint) OnWritable() {
	e.mu.Lock()
	if e.state != StateConnected || e.sock == nil {
		e.mu.Unlock()
		return
	}
	fd := e.sock.FD
	e.mu.Unlock()
	e.driveSend(fd)
}

func (e *Endpoint) completeSend(f *Fragment, err error) {
	f.Status = err
	owned := f.Flags&FlagOwnership != 0
	if f.OnComplete != nil {
		f.OnComplete(f)
	}
	if owned && f.originList != nil {
		f.originList.put(f)
	}
}

// OnReadable is invoked by the progress engine when a CONNECTED endpoint's
// socket becomes readable. It drives the fragment receive state machine
// until EAGAIN, delivering completed fragments to resolve/dispatch.
func (e *Endpoint) OnReadable(dispatch func(*Endpoint, *Fragment)) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()

	e.mu.Lock()
	fd := e.sock.FD
	order := e.order
	e.mu.Unlock()

	if e.recvCur == nil {
		e.recvCur = e.module.component.newRecvFragment()
		e.recvCur.beginRecvHeader()
	}

	// Drain the prefetch cache into the current phase before touching the
	// socket at all: spec.md §4.1's "reads first drain a per-endpoint ring
	// buffer via in-place copy... any residual iov participates in a
	// subsequent readv".
	if e.cache != nil && e.cache.length > 0 {
		n := e.recvCur.fillFromCache(e.cache.buf[e.cache.pos : e.cache.pos+e.cache.length])
		e.cache.pos += n
		e.cache.length -= n
		if e.cache.length == 0 {
			e.cache.pos = 0
		}
	}

	for {
		result, err := e.recvCur.recvOnce(fd, order, e.module.component.registry.Resolve)
		if err == ErrWouldBlock {
			return
		}
		if err == ErrPeerHungUp {
			e.log.Warn("peer hung up")
			e.fail(err)
			return
		}
		if err != nil {
			e.fail(err)
			return
		}
		switch result {
		case recvInProgress:
			continue
		case recvFin:
			e.closeGraceful()
			return
		case recvDeliverSend, recvDeliverPut, recvDeliverGet:
			done := e.recvCur
			e.recvCur = e.module.component.newRecvFragment()
			e.recvCur.beginRecvHeader()
			dispatch(e, done)
		}
	}
}

// fail transitions the endpoint to FAILED, closes its socket, and fails any
// outstanding fragments — the send-path half of spec.md §7's peer-visible
// error handling.
func (e *Endpoint) fail(err error) {
	e.mu.Lock()
	if e.state == StateFailed || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	sock := e.sock
	e.sock = nil
	cur := e.sendCur
	e.sendCur = nil
	pending := e.sendQueue
	e.sendQueue = nil
	e.mu.Unlock()

	if sock != nil {
		e.module.unregister(e)
		_ = sock.Close()
	}
	if cur != nil {
		e.completeSend(cur, err)
	}
	for _, f := range pending {
		e.completeSend(f, err)
	}
	e.log.WithError(err).Warn("endpoint failed")
	if e.module.errorCB != nil {
		e.module.errorCB(e.peer, err)
	}
}

// closeGraceful implements CONNECTED -> SHUTTING_DOWN -> CLOSED on receipt
// of a FIN, per spec.md §4.2.
func (e *Endpoint) closeGraceful() {
	e.mu.Lock()
	e.state = StateShuttingDown
	sock := e.sock
	e.sock = nil
	e.mu.Unlock()

	if sock != nil {
		e.module.unregister(e)
		_ = sock.Close()
	}

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
}

// removePeer tears an endpoint down for DelProcs: any queued fragment is
// completed with ErrPeerRemoved (spec.md §5's cancellation policy).
func (e *Endpoint) removePeer() {
	e.fail(ErrPeerRemoved)
}

func (e *Endpoint) dump() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := "endpoint " + e.peer.String() + " state=" + e.state.String()
	if e.sendCur != nil {
		s += " send:" + e.sendCur.dump()
	}
	return s
}

// --- handshake ---

// handshakeSend performs a bounded blocking write of the local handshake
// record, per spec.md §5's one permitted suspension point.
func (e *Endpoint) handshakeSend(sock *rawsock.Socket, timeout time.Duration) error {
	rec := handshakeRecord{
		Magic:    handshakeMagic,
		Version:  handshakeVersion,
		Identity: e.module.component.localIdentity,
		Sentinel: handshakeSentinel,
	}
	var buf [handshakeLen]byte
	encodeHandshake(buf[:], rec)
	return blockingWriteAll(sock.FD, buf[:], timeout)
}

// handshakeRecv performs a bounded blocking read of the peer's handshake
// record and returns its identity and negotiated byte order.
func (e *Endpoint) handshakeRecv(sock *rawsock.Socket, timeout time.Duration) (Identity, binary.ByteOrder, error) {
	var buf [handshakeLen]byte
	if err := blockingReadAll(sock.FD, buf[:], timeout); err != nil {
		return Identity{}, nil, err
	}
	rec, order, _, ok := decodeHandshake(buf[:])
	if !ok {
		return Identity{}, nil, ErrInvalidArgument
	}
	return rec.Identity, order, nil
}

// blockingWriteAll/blockingReadAll implement mca_btl_tipc_send_blocking and
// _recv_blocking: a bounded-timeout loop of non-blocking syscalls plus
// readiness polling, used only during the handshake exchange.
func blockingWriteAll(fd int, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		if n > 0 {
			off += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if time.Now().After(deadline) {
				return ErrInvalidArgument
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func blockingReadAll(fd int, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	off := 0
	for off < len(buf) {
		n, err := unix.Read(fd, buf[off:])
		if n > 0 {
			off += n
			continue
		}
		if n == 0 && err == nil {
			return ErrPeerHungUp
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if time.Now().After(deadline) {
				return ErrInvalidArgument
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// endpointCache is the optional per-endpoint prefetch cache of spec.md
// §4.1 and the original's MCA_BTL_TIPC_ENDPOINT_CACHE: a fixed-capacity
// buffer whose occupied bytes OnReadable copies into the current fragment
// before issuing a readv. pos/length always describe one contiguous occupied
// window. Nothing in this package fills it: fill and tailIov have no
// callers and readv never reads into the cache buffer, so the cache stays
// empty and every read goes to the socket.
type endpointCache struct {
	buf    []byte
	pos    int
	length int
}

func newEndpointCache(size int) *endpointCache {
	if size <= 0 {
		return nil
	}
	return &endpointCache{buf: make([]byte, size)}
}

// drain copies up to len(dst) cached bytes into dst, advancing pos, and
// reports how many bytes it supplied.
func (c *endpointCache) drain(dst []byte) int {
	if c == nil || c.length == 0 {
		return 0
	}
	n := copy(dst, c.buf[c.pos:c.pos+c.length])
	c.pos += n
	c.length -= n
	if c.length == 0 {
		c.pos = 0
	}
	return n
}

func (c *endpointCache) tailIov() []byte {
	if c == nil {
		return nil
	}
	return c.buf[:cap(c.buf)]
}

func (c *endpointCache) fill(n int) {
	if c == nil {
		return
	}
	c.pos = 0
	c.length = n
}
