package btltipc

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestWatchConnectedFromFreshInbound covers the accept path: a socket never
// seen by watchConnecting must still be registered via Add, not silently
// dropped by a Modify on a never-added fd.
func TestWatchConnectedFromFreshInbound(t *testing.T) {
	p, err := newProgressEngine()
	if err != nil {
		t.Fatalf("newProgressEngine: %v", err)
	}
	defer p.close()

	a, b := socketpairSockets(t)
	defer a.Close()
	defer b.Close()

	c := newTestComponent(t, Identity{JobID: 1})
	c.progress = p
	m := newModule(c, netIfaceForTest(), nil, nil)
	e := newEndpoint(m, Identity{JobID: 2})
	e.sock = a

	p.watchConnected(e) // fresh inbound: a.FD was never watchConnecting'd

	if _, err := unix.Write(b.FD, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !waitReadable(t, p, a.FD, time.Second) {
		t.Fatal("fd registered via watchConnected (fresh inbound) never reported readable")
	}
}

// TestWatchConnectedFromConnecting covers the outbound path: a socket
// already registered via watchConnecting must have its interest set
// switched with Modify, not re-Added (which would fail on an already
// registered fd and previously went unnoticed because the error was
// swallowed).
func TestWatchConnectedFromConnecting(t *testing.T) {
	p, err := newProgressEngine()
	if err != nil {
		t.Fatalf("newProgressEngine: %v", err)
	}
	defer p.close()

	a, b := socketpairSockets(t)
	defer a.Close()
	defer b.Close()

	c := newTestComponent(t, Identity{JobID: 1})
	c.progress = p
	m := newModule(c, netIfaceForTest(), nil, nil)
	e := newEndpoint(m, Identity{JobID: 2})
	e.sock = a

	p.watchConnecting(e)
	p.watchConnected(e)

	p.mu.Lock()
	_, stillConnecting := p.connects[a.FD]
	_, isConn := p.conns[a.FD]
	p.mu.Unlock()
	if stillConnecting {
		t.Error("fd is still tracked as connecting after watchConnected promoted it")
	}
	if !isConn {
		t.Error("fd was not tracked as connected after watchConnected")
	}

	if _, err := unix.Write(b.FD, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !waitReadable(t, p, a.FD, time.Second) {
		t.Fatal("fd never reported readable after being promoted from connecting to connected")
	}
}

func waitReadable(t *testing.T, p *progressEngine, fd int, within time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		events, err := p.poller.Wait(nil, 50)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, ev := range events {
			if ev.FD == fd && ev.Readable {
				return true
			}
		}
	}
	return false
}
