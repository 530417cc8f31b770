// Package btltipc implements a reliable byte-transport layer (BTL): a
// point-to-point, in-order, connection-oriented transport between peer
// processes, built on top of non-blocking sockets and driven by either a
// caller-pumped or dedicated-thread progress engine.
//
// It is meant as the substrate for a higher-level messaging layer: callers
// hand it a tagged Fragment and the transport takes care of getting the
// bytes to the matching peer endpoint and invoking a completion callback.
package btltipc

import (
	"errors"

	"code.hybscloud.com/iox"
)

var (
	// ErrInvalidArgument reports a nil/invalid argument to a public entry point.
	ErrInvalidArgument = errors.New("btltipc: invalid argument")

	// ErrTooLong reports a fragment whose size exceeds btl_max_send_size; it
	// must be rejected at PrepareSrc, never deeper in the pipeline.
	ErrTooLong = errors.New("btltipc: message too long")

	// ErrClosed reports use of an endpoint or module after it was closed.
	ErrClosed = errors.New("btltipc: endpoint closed")

	// ErrPeerRemoved reports a fragment failed because DelProcs tore down its
	// endpoint while the fragment was still queued.
	ErrPeerRemoved = errors.New("btltipc: peer removed")

	// ErrNotReachable reports that no usable address for a peer was found on
	// any local module; Endpoint.Send returns it when a connection attempt
	// cannot resolve the peer. AddProcs reports the same condition through
	// its reachable slice instead of this error.
	ErrNotReachable = errors.New("btltipc: peer not reachable")

	// ErrNoInterfaces reports that interface discovery, after applying
	// if_include/if_exclude, produced zero usable local interfaces.
	ErrNoInterfaces = errors.New("btltipc: no usable local interfaces")

	// ErrPortRangeExhausted reports that every port in [port_min,
	// port_min+port_range) was already in use when a module tried to listen.
	ErrPortRangeExhausted = errors.New("btltipc: listening port range exhausted")

	// ErrPeerHungUp reports an orderly peer shutdown (readv returned 0) on a
	// connected endpoint, distinct from a reset (ECONNRESET).
	ErrPeerHungUp = errors.New("btltipc: peer hung up")

	// ErrComponentClosed is the cancellation status every fragment still
	// in flight or queued on an endpoint completes with when Component.Close
	// tears the transport down.
	ErrComponentClosed = errors.New("btltipc: component closed")
)

// Re-exported so callers of this package's non-blocking entry points
// (Endpoint.Send, the progress engine) don't need to import iox directly to
// recognize the two semantic control-flow signals. Fragment.sendOnce and
// Fragment.recvOnce return ErrWouldBlock on EAGAIN, and recvOnce also
// returns it after partial progress within a phase; no path in this package
// returns ErrMore.
var (
	// ErrWouldBlock means the current I/O phase cannot complete without
	// waiting for readiness; never surfaced past the progress engine.
	ErrWouldBlock = iox.ErrWouldBlock

	// ErrMore means the current phase made partial progress and must be
	// resumed with the same fragment; never surfaced past the progress engine.
	ErrMore = iox.ErrMore
)
