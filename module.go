package btltipc

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/btltipc/internal/rawsock"
)

// Module owns one listening socket bound to a chosen local interface and
// the set of endpoints reachable through it, per spec.md §4.3.
type Module struct {
	component *Component
	log       *logrus.Entry

	iface   net.Interface
	addr    net.IP
	netmask net.IPMask

	listener *rawsock.Socket
	port     int

	mu        sync.Mutex
	endpoints map[Identity]*Endpoint

	errorCB func(peer Identity, err error)
}

func newModule(c *Component, iface net.Interface, addr net.IP, mask net.IPMask) *Module {
	return &Module{
		component: c,
		log:       moduleLog(c.log, addr.String()),
		iface:     iface,
		addr:      addr,
		netmask:   mask,
		endpoints: make(map[Identity]*Endpoint),
	}
}

// listen binds and listens this module's socket in [portMin, portMin+portRange).
func (m *Module) listen(opts *Options) error {
	var sock *rawsock.Socket
	var err error
	switch opts.netKind {
	case netUnix:
		sock, err = rawsock.NewStream(rawsock.FamilyUnix)
	default:
		sock, err = rawsock.NewStream(rawsock.FamilyInet)
	}
	if err != nil {
		return err
	}
	if err := sock.SetBuffers(opts.SndBuf, opts.RcvBuf); err != nil {
		_ = sock.Close()
		return err
	}
	if opts.netKind == netUnix {
		if err := sock.BindUnix(unixSocketPath(opts.unixDir, m.addr)); err != nil {
			_ = sock.Close()
			return err
		}
	} else {
		port, err := sock.BindInetRange(m.addr, opts.PortMin, opts.PortRange)
		if err != nil {
			_ = sock.Close()
			return ErrPortRangeExhausted
		}
		m.port = port
	}
	if err := sock.Listen(64); err != nil {
		_ = sock.Close()
		return err
	}
	m.listener = sock
	m.component.progress.watchListener(m)
	m.log.WithField("port", m.port).Debug("module listening")
	return nil
}

func unixSocketPath(dir string, addr net.IP) string {
	if dir == "" {
		dir = "/tmp"
	}
	return dir + "/btltipc-" + addr.String() + ".sock"
}

// acceptOnce is invoked by the progress engine when the listening socket is
// readable; it accepts one connection and performs the handshake that
// resolves the peer identity before handing the endpoint over.
func (m *Module) acceptOnce() {
	for {
		sock, err := m.listener.Accept()
		if err != nil {
			return
		}
		go m.handleAccepted(sock)
	}
}

func (m *Module) handleAccepted(sock *rawsock.Socket) {
	timeout := m.component.opts.HandshakeTimeout
	var buf [handshakeLen]byte
	if err := blockingReadAll(sock.FD, buf[:], timeout); err != nil {
		_ = sock.Close()
		return
	}
	rec, order, _, ok := decodeHandshake(buf[:])
	if !ok {
		_ = sock.Close()
		return
	}
	localRec := handshakeRecord{
		Magic:    handshakeMagic,
		Version:  handshakeVersion,
		Identity: m.component.localIdentity,
		Sentinel: handshakeSentinel,
	}
	var outBuf [handshakeLen]byte
	encodeHandshake(outBuf[:], localRec)
	if err := blockingWriteAll(sock.FD, outBuf[:], timeout); err != nil {
		_ = sock.Close()
		return
	}

	ep := m.endpointFor(rec.Identity)
	ep.onAccepted(sock, order)
}

// endpointFor returns the endpoint for peer, creating it if this is the
// first time this module has heard of that identity.
func (m *Module) endpointFor(peer Identity) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[peer]
	if !ok {
		ep = newEndpoint(m, peer)
		m.endpoints[peer] = ep
	}
	return ep
}

func (m *Module) registerConnecting(e *Endpoint) {
	m.component.progress.watchConnecting(e)
}

// unregisterConnectingSock deregisters a connecting socket directly, for
// call sites that already hold the owning endpoint's lock and already have
// its socket in hand (going through unregister's Endpoint-based form there
// would re-lock and deadlock).
func (m *Module) unregisterConnectingSock(sock *rawsock.Socket) {
	m.component.progress.unwatchSock(sock)
}

func (m *Module) registerConnected(e *Endpoint) {
	m.component.progress.watchConnected(e)
}

func (m *Module) unregister(e *Endpoint) {
	m.component.progress.unwatch(e)
}

func (m *Module) armWrite(e *Endpoint) {
	m.component.progress.armWrite(e)
}

func (m *Module) disarmWrite(e *Endpoint) {
	m.component.progress.disarmWrite(e)
}

// dial starts a non-blocking outbound connection to addr.
func (m *Module) dial(addr PeerAddr) (*rawsock.Socket, error) {
	var sock *rawsock.Socket
	var err error
	if addr.Unix != "" {
		sock, err = rawsock.NewStream(rawsock.FamilyUnix)
		if err != nil {
			return nil, err
		}
		err = sock.ConnectUnix(addr.Unix)
	} else {
		sock, err = rawsock.NewStream(rawsock.FamilyInet)
		if err != nil {
			return nil, err
		}
		err = sock.ConnectInet(addr.IP, addr.Port)
	}
	if err != nil && err != unix.EINPROGRESS {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.SetBuffers(m.component.opts.SndBuf, m.component.opts.RcvBuf); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if !m.component.opts.NotUseNodelay {
		_ = sock.SetNoDelay(true)
	}
	return sock, nil
}

// matchScore ranks how well this module's interface matches a candidate
// peer address, per spec.md §4.3: same subnet beats same address family
// beats any.
func (m *Module) matchScore(addr PeerAddr) int {
	if addr.IP == nil {
		return 0
	}
	if m.netmask != nil && m.addr.Mask(m.netmask).Equal(addr.IP.Mask(m.netmask)) {
		return 3
	}
	sameFamily := (m.addr.To4() != nil) == (addr.IP.To4() != nil)
	if sameFamily {
		return 2
	}
	return 1
}

// dump reports every endpoint's state, grounded on mca_btl_tipc_dump's
// per-module diagnostic walk of its endpoint list.
func (m *Module) dump() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		out = append(out, e.dump())
	}
	return out
}
