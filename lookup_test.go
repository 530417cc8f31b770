package btltipc

import (
	"net"
	"testing"
)

func TestLookupAddrPicksBestScoringModule(t *testing.T) {
	peer := Identity{JobID: 1, VPID: 1}
	same := PeerAddr{IP: net.ParseIP("10.0.0.5"), Port: 9000}
	other := PeerAddr{IP: net.ParseIP("192.168.1.5"), Port: 9001}

	modA := newTestModule("10.0.0.1", net.CIDRMask(24, 32))  // same subnet as `same`
	modB := newTestModule("192.168.1.1", net.CIDRMask(24, 32)) // same subnet as `other`

	c := &Component{
		modules: []*Module{modA, modB},
		directory: &fakeDirectory{addrs: map[Identity][]PeerAddr{
			peer: {other, same},
		}},
	}

	addr, m, ok := c.lookupAddr(peer)
	if !ok {
		t.Fatal("lookupAddr: ok = false, want true")
	}
	if m != modA {
		t.Errorf("lookupAddr chose module for %v, want the module matching %v's subnet", addr.IP, same.IP)
	}
	if !addr.IP.Equal(same.IP) {
		t.Errorf("lookupAddr returned address %v, want %v (the same-subnet match)", addr.IP, same.IP)
	}
}

func TestAddProcsCreatesEndpointOnWinningModule(t *testing.T) {
	peer := Identity{JobID: 2, VPID: 0}
	addr := PeerAddr{IP: net.ParseIP("172.16.0.9"), Port: 9100}

	wrongModule := newTestModule("10.0.0.1", net.CIDRMask(24, 32))
	rightModule := newTestModule("172.16.0.1", net.CIDRMask(24, 32))

	c := &Component{
		modules: []*Module{wrongModule, rightModule},
		directory: &fakeDirectory{addrs: map[Identity][]PeerAddr{
			peer: {addr},
		}},
	}

	eps, reachable := c.AddProcs([]Identity{peer})
	if len(eps) != 1 || !reachable[0] {
		t.Fatalf("AddProcs: reachable = %v, want [true]", reachable)
	}
	if _, ok := rightModule.endpoints[peer]; !ok {
		t.Error("endpoint was not created on the module whose subnet actually matched")
	}
	if _, ok := wrongModule.endpoints[peer]; ok {
		t.Error("endpoint was created on the non-matching module instead")
	}
}

func TestLookupAddrUnreachableWithoutDirectory(t *testing.T) {
	c := &Component{modules: []*Module{newTestModule("10.0.0.1", nil)}}
	if _, _, ok := c.lookupAddr(Identity{JobID: 1}); ok {
		t.Error("lookupAddr with a nil directory returned ok=true, want false")
	}
}
