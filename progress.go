package btltipc

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/btltipc/internal/netpoll"
	"code.hybscloud.com/btltipc/internal/rawsock"
)

// progressEngine drives socket readiness for every module/endpoint the
// Component owns, in either of the two modes spec.md §4.5 describes:
// inline (the caller pumps Progress) or dedicated-thread (this engine runs
// its own goroutine and a wake eventfd interrupts its blocked wait).
// trigger mirrors progress_thread_trigger: non-zero means the dedicated
// thread is running, observed with release/acquire ordering via
// atomic.Int32 so a caller on another goroutine knows whether to also poke
// the wake eventfd after changing the poller's interest set.
type progressEngine struct {
	poller *netpoll.Poller

	trigger atomic.Int32

	mu        sync.Mutex
	listeners map[int]*Module
	connects  map[int]*Endpoint
	conns     map[int]*Endpoint
	writeArmed map[int]bool

	stop chan struct{}
	done chan struct{}
}

func newProgressEngine() (*progressEngine, error) {
	p, err := netpoll.New()
	if err != nil {
		return nil, err
	}
	return &progressEngine{
		poller:     p,
		listeners:  make(map[int]*Module),
		connects:   make(map[int]*Endpoint),
		conns:      make(map[int]*Endpoint),
		writeArmed: make(map[int]bool),
	}, nil
}

func (p *progressEngine) close() error {
	if p.trigger.Load() > 0 {
		p.stopThread()
	}
	return p.poller.Close()
}

// startThread spawns the dedicated progress thread, per spec.md §4.5.
func (p *progressEngine) startThread() {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.trigger.Store(1)
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stop:
				return
			default:
			}
			p.pumpOnce(100)
		}
	}()
}

func (p *progressEngine) stopThread() {
	p.trigger.Store(0)
	close(p.stop)
	_ = p.poller.Wake()
	<-p.done
}

// Progress is the inline-mode entry point: the caller invokes this
// periodically to pump the event loop non-blockingly. It is a no-op while
// the dedicated thread is active (trigger > 0), since that thread already
// owns the poller.
func (p *progressEngine) Progress() {
	if p.trigger.Load() > 0 {
		return
	}
	p.pumpOnce(0)
}

func (p *progressEngine) pumpOnce(timeoutMS int) {
	events, err := p.poller.Wait(make([]netpoll.Event, 0, 16), timeoutMS)
	if err != nil {
		return
	}
	for _, ev := range events {
		p.dispatch(ev)
	}
}

func (p *progressEngine) dispatch(ev netpoll.Event) {
	p.mu.Lock()
	listener, isListener := p.listeners[ev.FD]
	connecting, isConnecting := p.connects[ev.FD]
	conn, isConn := p.conns[ev.FD]
	p.mu.Unlock()

	switch {
	case isListener && ev.Readable:
		listener.acceptOnce()
	case isConnecting && ev.Writable:
		connecting.onConnectable()
	case isConn:
		if ev.Readable || ev.HangUp {
			conn.OnReadable(dispatchFragment)
		}
		if ev.Writable {
			conn.OnWritable()
		}
	}
}

// dispatchFragment is the default tag-dispatch boundary: the upper layer
// registers its real handler via Component.SetTagHandler; until then,
// completed fragments are simply recycled.
func dispatchFragment(e *Endpoint, f *Fragment) {
	if e.module.component.tagHandler != nil {
		e.module.component.tagHandler(e, f)
	}
	if f.Flags&FlagOwnership != 0 && f.originList != nil {
		f.originList.put(f)
	}
}

func (p *progressEngine) watchListener(m *Module) {
	p.mu.Lock()
	p.listeners[m.listener.FD] = m
	p.mu.Unlock()
	_ = p.poller.Add(m.listener.FD, true, false, int32(m.listener.FD))
}

func (p *progressEngine) watchConnecting(e *Endpoint) {
	p.mu.Lock()
	p.connects[e.sock.FD] = e
	p.mu.Unlock()
	_ = p.poller.Add(e.sock.FD, false, true, int32(e.sock.FD))
}

func (p *progressEngine) watchConnected(e *Endpoint) {
	fd := e.sock.FD
	p.mu.Lock()
	_, wasConnecting := p.connects[fd]
	delete(p.connects, fd)
	p.conns[fd] = e
	p.mu.Unlock()
	if wasConnecting {
		// Socket is already registered with epoll (from watchConnecting);
		// just flip its interest set to read-only.
		_ = p.poller.Modify(fd, true, false, int32(fd))
		return
	}
	// Fresh inbound socket, never registered before.
	_ = p.poller.Add(fd, true, false, int32(fd))
}

func (p *progressEngine) unwatch(e *Endpoint) {
	e.mu.Lock()
	sock := e.sock
	e.mu.Unlock()
	p.unwatchSock(sock)
}

// unwatchSock is unwatch's lock-free half, for call sites that already hold
// e.mu and already have the socket in hand (onAccepted's tie-break loser
// path) — calling unwatch there would deadlock re-acquiring e.mu.
func (p *progressEngine) unwatchSock(sock *rawsock.Socket) {
	if sock == nil {
		return
	}
	p.mu.Lock()
	delete(p.connects, sock.FD)
	delete(p.conns, sock.FD)
	delete(p.writeArmed, sock.FD)
	p.mu.Unlock()
	_ = p.poller.Remove(sock.FD)
}

// armWrite and disarmWrite are this package's MCA_BTL_TIPC_ACTIVATE_EVENT:
// both change the socket's epoll interest set directly from the calling
// goroutine, in either mode. When the dedicated thread is active, armWrite
// additionally wakes it through the eventfd; no request is queued for the
// progress thread to apply, and disarmWrite does not wake it.
func (p *progressEngine) armWrite(e *Endpoint) {
	e.mu.Lock()
	sock := e.sock
	e.mu.Unlock()
	if sock == nil {
		return
	}
	p.mu.Lock()
	already := p.writeArmed[sock.FD]
	p.writeArmed[sock.FD] = true
	p.mu.Unlock()
	if already {
		return
	}
	_ = p.poller.Modify(sock.FD, true, true, int32(sock.FD))
	if p.trigger.Load() > 0 {
		_ = p.poller.Wake()
	}
}

func (p *progressEngine) disarmWrite(e *Endpoint) {
	e.mu.Lock()
	sock := e.sock
	e.mu.Unlock()
	if sock == nil {
		return
	}
	p.mu.Lock()
	p.writeArmed[sock.FD] = false
	p.mu.Unlock()
	_ = p.poller.Modify(sock.FD, true, false, int32(sock.FD))
}
