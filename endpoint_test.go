package btltipc

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/btltipc/internal/rawsock"
)

func netIfaceForTest() net.Interface {
	return net.Interface{Name: "test0"}
}

func newTestComponent(t *testing.T, local Identity) *Component {
	t.Helper()
	progress, err := newProgressEngine()
	if err != nil {
		t.Fatalf("newProgressEngine: %v", err)
	}
	t.Cleanup(func() { _ = progress.close() })
	return &Component{
		log:           componentLog("test"),
		opts:          defaultOptions,
		localIdentity: local,
		registry:      newRegistry(),
		progress:      progress,
	}
}

func socketpairSockets(t *testing.T) (*rawsock.Socket, *rawsock.Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	return &rawsock.Socket{FD: fds[0], Family: rawsock.FamilyUnix},
		&rawsock.Socket{FD: fds[1], Family: rawsock.FamilyUnix}
}

func TestEndpointStartsClosed(t *testing.T) {
	c := newTestComponent(t, Identity{JobID: 1})
	m := newModule(c, netIfaceForTest(), nil, nil)
	e := newEndpoint(m, Identity{JobID: 2})
	if got := e.State(); got != StateClosed {
		t.Errorf("State() = %v, want StateClosed", got)
	}
}

// TestEndpointTieBreakLowerIdentityKeepsOutbound exercises the branch of
// onAccepted where the local identity compares Less than the peer's: the
// in-flight outbound attempt must survive and the inbound socket is refused.
func TestEndpointTieBreakLowerIdentityKeepsOutbound(t *testing.T) {
	local := Identity{JobID: 1, VPID: 0}
	peer := Identity{JobID: 2, VPID: 0}
	c := newTestComponent(t, local)
	m := newModule(c, netIfaceForTest(), nil, nil)
	e := newEndpoint(m, peer)

	outSock, inSock := socketpairSockets(t)
	e.mu.Lock()
	e.sock = outSock
	e.state = StateConnecting
	e.mu.Unlock()
	m.component.progress.watchConnecting(e)

	e.onAccepted(inSock, e.order)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnecting {
		t.Errorf("state = %v, want StateConnecting (outbound attempt must survive)", e.state)
	}
	if e.sock != outSock {
		t.Error("endpoint's socket was replaced, want the original outbound socket kept")
	}
}

// TestEndpointTieBreakHigherIdentityYieldsToInbound exercises the opposite
// branch: the local identity compares greater, so the peer's outbound
// attempt wins and our in-flight connect is abandoned in favor of theirs.
func TestEndpointTieBreakHigherIdentityYieldsToInbound(t *testing.T) {
	local := Identity{JobID: 9, VPID: 0}
	peer := Identity{JobID: 1, VPID: 0}
	c := newTestComponent(t, local)
	m := newModule(c, netIfaceForTest(), nil, nil)
	e := newEndpoint(m, peer)

	outSock, inSock := socketpairSockets(t)
	e.mu.Lock()
	e.sock = outSock
	e.state = StateConnecting
	e.mu.Unlock()
	m.component.progress.watchConnecting(e)

	e.onAccepted(inSock, e.order)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		t.Errorf("state = %v, want StateConnected (peer's outbound should win)", e.state)
	}
	if e.sock != inSock {
		t.Error("endpoint kept the old outbound socket, want the winning inbound socket")
	}
}

func TestEndpointFailIsIdempotent(t *testing.T) {
	c := newTestComponent(t, Identity{JobID: 1})
	m := newModule(c, netIfaceForTest(), nil, nil)
	e := newEndpoint(m, Identity{JobID: 2})

	sock, _ := socketpairSockets(t)
	e.mu.Lock()
	e.sock = sock
	e.state = StateConnected
	e.mu.Unlock()

	e.fail(ErrPeerRemoved)
	if got := e.State(); got != StateFailed {
		t.Fatalf("State() = %v, want StateFailed", got)
	}

	// A second call must not panic on the already-nil socket or double-close.
	e.fail(ErrPeerRemoved)
	if got := e.State(); got != StateFailed {
		t.Errorf("State() after second fail() = %v, want StateFailed", got)
	}
}
