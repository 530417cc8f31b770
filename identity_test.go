package btltipc

import "testing"

func TestIdentityLess(t *testing.T) {
	cases := []struct {
		a, b Identity
		want bool
	}{
		{Identity{JobID: 1, VPID: 5}, Identity{JobID: 2, VPID: 0}, true},
		{Identity{JobID: 2, VPID: 0}, Identity{JobID: 1, VPID: 5}, false},
		{Identity{JobID: 1, VPID: 1}, Identity{JobID: 1, VPID: 2}, true},
		{Identity{JobID: 1, VPID: 2}, Identity{JobID: 1, VPID: 1}, false},
		{Identity{JobID: 1, VPID: 1}, Identity{JobID: 1, VPID: 1}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIdentityString(t *testing.T) {
	id := Identity{JobID: 7, VPID: 3}
	if got, want := id.String(), "7.3"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
