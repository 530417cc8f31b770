package btltipc

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// PeerAddr is one address a peer's Component published: either an IP/port
// pair (TCP transport) or a Unix-domain socket path.
type PeerAddr struct {
	IP   net.IP
	Port int
	Unix string
}

// PeerDirectory is the external process-manager boundary spec.md §1 places
// out of scope: publication and lookup of peer addresses keyed by Identity.
// A real deployment backs this with whatever out-of-band rendezvous the
// surrounding runtime already has (a name server, a shared file, an
// out-of-band control channel); this package only defines the contract.
type PeerDirectory interface {
	Publish(id Identity, addrs []PeerAddr) error
	Lookup(id Identity) ([]PeerAddr, error)
}

// Component is the process-wide singleton owning every Module, the shared
// fragment free lists, the memory-registration registry, and the progress
// engine. Per spec.md §9's "global mutable singletons become an explicit
// runtime context", callers construct one Component per process and pass
// it (or the Endpoints it vends) to every subsequent operation rather than
// reaching for package-level state.
type Component struct {
	log           *logrus.Entry
	opts          Options
	localIdentity Identity
	directory     PeerDirectory

	modules []*Module

	eager *freeList
	max   *freeList
	user  *freeList

	registry *Registry

	progress *progressEngine

	tagHandler func(*Endpoint, *Fragment)

	eagerLimit int
	maxSend    int

	mu     sync.Mutex
	closed bool
}

// NewComponent brings the BTL up, per spec.md §4.4: interface discovery,
// one Module per included interface, address publication, free-list
// initialization, and (if configured) the dedicated progress thread.
func NewComponent(id Identity, dir PeerDirectory, eagerLimit, maxSend int, opts ...Option) (*Component, error) {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}

	c := &Component{
		log:           componentLog("btltipc"),
		opts:          o,
		localIdentity: id,
		directory:     dir,
		registry:      newRegistry(),
		eagerLimit:    eagerLimit,
		maxSend:       maxSend,
	}

	c.eager = newFreeList(classEager, eagerLimit, o.FreeListNum, o.FreeListMax, o.FreeListInc)
	c.max = newFreeList(classMax, maxSend, o.FreeListNum, o.FreeListMax, o.FreeListInc)
	c.user = newFreeList(classUser, 0, o.FreeListNum, o.FreeListMax, o.FreeListInc)

	progress, err := newProgressEngine()
	if err != nil {
		return nil, err
	}
	c.progress = progress

	ifaces, err := discoverInterfaces(o.IfInclude, o.IfExclude, o.ReportUnfoundInterfaces, c.log)
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, ErrNoInterfaces
	}

	var published []PeerAddr
	for _, nf := range ifaces {
		m := newModule(c, nf.iface, nf.addr, nf.mask)
		if err := m.listen(&o); err != nil {
			c.log.WithError(err).Warn("module failed to listen")
			continue
		}
		c.modules = append(c.modules, m)
		if o.netKind == netUnix {
			published = append(published, PeerAddr{Unix: unixSocketPath(o.unixDir, nf.addr)})
		} else {
			published = append(published, PeerAddr{IP: nf.addr, Port: m.port})
		}
	}
	if len(c.modules) == 0 {
		return nil, ErrNoInterfaces
	}
	if dir != nil {
		if err := dir.Publish(id, published); err != nil {
			return nil, err
		}
	}

	if o.EnableProgressThread {
		c.progress.startThread()
	}

	return c, nil
}

// SetTagHandler registers the upper-layer tag-dispatch callback invoked for
// every fragment this Component finishes receiving.
func (c *Component) SetTagHandler(fn func(*Endpoint, *Fragment)) {
	c.tagHandler = fn
}

// SetErrorHandler registers the upper-layer error callback invoked with a
// peer's identity whenever that peer's endpoint fails, per spec.md §7's
// peer-visible error propagation policy.
func (c *Component) SetErrorHandler(fn func(peer Identity, err error)) {
	for _, m := range c.modules {
		m.errorCB = fn
	}
}

// Progress pumps the inline progress engine once; a no-op when the
// dedicated progress thread is active.
func (c *Component) Progress() { c.progress.Progress() }

func (c *Component) newRecvFragment() *Fragment {
	f := c.max.get()
	if f != nil {
		f.Flags = FlagOwnership
	}
	return f
}

// lookupAddr resolves peer to its best-scoring address and the local
// module that scored it, per spec.md §4.3's "same subnet > same address
// family > any" interface-match rule.
func (c *Component) lookupAddr(peer Identity) (PeerAddr, *Module, bool) {
	if c.directory == nil {
		return PeerAddr{}, nil, false
	}
	addrs, err := c.directory.Lookup(peer)
	if err != nil || len(addrs) == 0 {
		return PeerAddr{}, nil, false
	}
	var best PeerAddr
	var bestModule *Module
	bestScore := -1
	for _, m := range c.modules {
		for _, a := range addrs {
			if s := m.matchScore(a); s > bestScore {
				bestScore = s
				best = a
				bestModule = m
			}
		}
	}
	if bestModule == nil {
		return PeerAddr{}, nil, false
	}
	return best, bestModule, true
}

// AddProcs resolves each peer's reachable address, per spec.md §6's
// add_procs contract: reachable[i] is set iff procs[i] has a usable
// address through at least one of this Component's modules.
func (c *Component) AddProcs(procs []Identity) (endpoints []*Endpoint, reachable []bool) {
	endpoints = make([]*Endpoint, len(procs))
	reachable = make([]bool, len(procs))
	for i, p := range procs {
		_, m, ok := c.lookupAddr(p)
		if !ok {
			continue
		}
		endpoints[i] = m.endpointFor(p)
		reachable[i] = true
	}
	return endpoints, reachable
}

// DelProcs tears down the named peers' endpoints, completing any
// outstanding fragments with ErrPeerRemoved.
func (c *Component) DelProcs(eps []*Endpoint) {
	for _, e := range eps {
		if e == nil {
			continue
		}
		e.removePeer()
	}
}

// Alloc returns a fragment with at least size bytes of addressable
// payload capacity, per spec.md §6.
func (c *Component) Alloc(size int) (*Fragment, error) {
	var fl *freeList
	switch {
	case size <= c.eagerLimit:
		fl = c.eager
	case size <= c.maxSend:
		fl = c.max
	default:
		return nil, ErrTooLong
	}
	f := fl.get()
	if f == nil {
		return nil, ErrInvalidArgument
	}
	f.Flags = FlagOwnership
	return f, nil
}

// Free returns a fragment to its origin free list.
func (c *Component) Free(f *Fragment) {
	if f.originList != nil {
		f.originList.put(f)
	}
}

// PrepareSrc returns a fragment carrying buf directly (no copy) when buf is
// contiguous, short-circuiting the eager/max pools — the "may simply point
// to the user buffer" case spec.md §6 describes. A size exceeding maxSend
// is rejected here, never deeper in the pipeline (spec.md §4.1's edge case).
func (c *Component) PrepareSrc(buf []byte) (*Fragment, error) {
	if len(buf) > c.maxSend {
		return nil, ErrTooLong
	}
	f := c.user.get()
	if f == nil {
		return nil, ErrInvalidArgument
	}
	f.payload = buf
	f.Flags = 0
	return f, nil
}

// Close tears the Component down, per spec.md §4.4: closes every module's
// listener, drains outstanding fragments via completion callbacks with a
// cancellation status, stops the progress thread if running, and drains the
// free lists.
func (c *Component) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, m := range c.modules {
		if m.listener != nil {
			_ = m.listener.Close()
		}
		m.mu.Lock()
		endpoints := make([]*Endpoint, 0, len(m.endpoints))
		for _, e := range m.endpoints {
			endpoints = append(endpoints, e)
		}
		m.mu.Unlock()
		for _, e := range endpoints {
			// fail() already implements the completion discipline this
			// teardown needs: it completes sendCur/sendQueue via
			// completeSend (returning owned fragments to their origin
			// free list) before closing the socket.
			e.fail(ErrComponentClosed)
		}
	}
	c.eager.drain(nil)
	c.max.drain(nil)
	c.user.drain(nil)
	return c.progress.close()
}

// Dump renders every module's endpoint states, grounded on
// mca_btl_tipc_dump.
func (c *Component) Dump() []string {
	var out []string
	for _, m := range c.modules {
		out = append(out, m.dump()...)
	}
	return out
}
