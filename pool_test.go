package btltipc

import "testing"

func TestFreeListGetPutRoundTrip(t *testing.T) {
	fl := newFreeList(classEager, 256, 2, 4, 1)

	f1 := fl.get()
	f2 := fl.get()
	if f1 == nil || f2 == nil {
		t.Fatal("get() returned nil with num=2 preallocated")
	}
	if f1 == f2 {
		t.Fatal("get() returned the same fragment twice")
	}
	if f1.originList != fl || f2.originList != fl {
		t.Fatal("fragment's originList does not point back to the list it came from")
	}

	fl.put(f1)
	f3 := fl.get()
	if f3 != f1 {
		t.Error("put/get did not recycle the same fragment instance")
	}
}

func TestFreeListGrowsOnDemand(t *testing.T) {
	fl := newFreeList(classMax, 64, 0, 0, 2)
	f := fl.get()
	if f == nil {
		t.Fatal("get() on an empty unbounded list returned nil")
	}
	if fl.allocated == 0 {
		t.Error("get() on an empty list did not grow allocated count")
	}
}

func TestFreeListRespectsMax(t *testing.T) {
	fl := newFreeList(classEager, 32, 1, 1, 4)
	f1 := fl.get()
	if f1 == nil {
		t.Fatal("first get() returned nil")
	}
	if f2 := fl.get(); f2 != nil {
		t.Error("get() exceeded configured max=1 and returned a fragment anyway")
	}
	fl.put(f1)
	if f3 := fl.get(); f3 == nil {
		t.Error("get() after put() at max capacity returned nil, want the recycled fragment")
	}
}

func TestFreeListDrainEmptiesAndVisits(t *testing.T) {
	fl := newFreeList(classUser, 0, 3, 0, 1)
	visited := 0
	fl.drain(func(*Fragment) { visited++ })
	if visited != 3 {
		t.Errorf("drain visited %d fragments, want 3", visited)
	}
	if len(fl.free) != 0 {
		t.Error("drain did not empty the free list")
	}
	if f := fl.get(); f == nil {
		t.Error("get() after drain did not regrow the list")
	}
}
