package btltipc

// Send enqueues f for transmission to e's peer tagged tag, per spec.md §6's
// send(endpoint, fragment, tag) contract. The fragment's iovec list is
// assembled here from its payload, then Endpoint.Send applies the
// send-queue discipline of spec.md §4.2.
func (c *Component) Send(e *Endpoint, f *Fragment, tag byte) error {
	if e == nil || f == nil {
		return ErrInvalidArgument
	}
	e.mu.Lock()
	order := e.order
	e.mu.Unlock()
	f.beginSendData(tag, f.payload, order)
	return e.Send(f)
}

// Put emulates an RDMA put over the byte stream: the local buf is streamed
// directly onto the wire, preceded by a single segment descriptor naming
// where the peer should land it (spec.md §6, §9's "zero-copy RDMA" Non-goal
// — this is the emulated substitute).
func (c *Component) Put(e *Endpoint, buf []byte, remoteAddr uint64, remoteHandle Handle) (*Fragment, error) {
	if e == nil {
		return nil, ErrInvalidArgument
	}
	f, err := c.PrepareSrc(buf)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	order := e.order
	e.mu.Unlock()
	f.beginSendPut(remoteAddr, remoteHandle, buf, order)
	if err := e.Send(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Get issues a GET request for size bytes at (remoteAddr, remoteHandle).
// The peer's endpoint does not answer it by itself: the GET is delivered to
// the peer's tag handler, and any reply is a Put issued from there.
// localHandle is not used.
func (c *Component) Get(e *Endpoint, localHandle Handle, size uint32, remoteAddr uint64, remoteHandle Handle) (*Fragment, error) {
	if e == nil {
		return nil, ErrInvalidArgument
	}
	f := c.user.get()
	if f == nil {
		return nil, ErrInvalidArgument
	}
	e.mu.Lock()
	order := e.order
	e.mu.Unlock()
	f.beginSendGet(remoteAddr, remoteHandle, size, order)
	if err := e.Send(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Fin sends the FIN header that begins graceful shutdown on e, per spec.md
// §4.2's CONNECTED -> SHUTTING_DOWN transition.
func (c *Component) Fin(e *Endpoint) error {
	if e == nil {
		return ErrInvalidArgument
	}
	f := c.user.get()
	if f == nil {
		return ErrInvalidArgument
	}
	f.Flags = FlagOwnership
	e.mu.Lock()
	order := e.order
	e.mu.Unlock()
	f.beginSendFin(order)
	return e.Send(f)
}
