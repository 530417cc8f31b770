package btltipc

import (
	"sync"
)

// Handle is an opaque registration key for a locally-registered buffer,
// carried on the wire as a PUT/GET segment's Key field. It never crosses
// the wire as a literal pointer — spec.md's emulated-RDMA model resolves
// (Addr, Key) pairs back into local memory through a Registry instead.
type Handle uint32

// Registry maps Handles to the buffers they name, so that a PUT/GET segment
// descriptor received from a peer can be turned into a local []byte target
// without the peer ever holding a real pointer into this process. One
// Registry is shared by all endpoints of a Component.
type Registry struct {
	mu   sync.RWMutex
	next Handle
	bufs map[Handle][]byte
}

func newRegistry() *Registry {
	return &Registry{bufs: make(map[Handle][]byte)}
}

// Register records buf under a fresh Handle, for use as the target of a
// remote PUT or the source of a remote GET.
func (r *Registry) Register(buf []byte) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := r.next
	r.bufs[h] = buf
	return h
}

// Deregister removes a previously-registered buffer; further segments
// naming h fail to resolve.
func (r *Registry) Deregister(h Handle) {
	r.mu.Lock()
	delete(r.bufs, h)
	r.mu.Unlock()
}

// Resolve turns a wire segment into the local sub-slice it names: the
// registered buffer for Key, sliced to [Addr, Addr+Len). Addr is an offset
// into the registered buffer, not an absolute address — this process and
// its peer never share an address space.
func (r *Registry) Resolve(s segment) ([]byte, error) {
	r.mu.RLock()
	buf, ok := r.bufs[Handle(s.Key)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidArgument
	}
	end := s.Addr + uint64(s.Len)
	if s.Addr > uint64(len(buf)) || end > uint64(len(buf)) {
		return nil, ErrInvalidArgument
	}
	return buf[s.Addr:end], nil
}
