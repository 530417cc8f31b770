package btltipc

import "net"

// fakeDirectory is a PeerDirectory fed directly in tests, bypassing any
// actual publish/lookup rendezvous mechanism.
type fakeDirectory struct {
	addrs map[Identity][]PeerAddr
}

func (d *fakeDirectory) Publish(Identity, []PeerAddr) error { return nil }

func (d *fakeDirectory) Lookup(id Identity) ([]PeerAddr, error) {
	return d.addrs[id], nil
}

func newTestModule(addr string, mask net.IPMask) *Module {
	return &Module{
		component: &Component{opts: defaultOptions},
		log:       componentLog("test"),
		addr:      net.ParseIP(addr),
		netmask:   mask,
		endpoints: make(map[Identity]*Endpoint),
	}
}
