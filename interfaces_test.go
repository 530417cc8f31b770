package btltipc

import (
	"reflect"
	"testing"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want map[string]bool
	}{
		{"", map[string]bool{}},
		{"eth0", map[string]bool{"eth0": true}},
		{"eth0,eth1", map[string]bool{"eth0": true, "eth1": true}},
		{" eth0 , eth1 ,", map[string]bool{"eth0": true, "eth1": true}},
		{",,", map[string]bool{}},
	}
	for _, c := range cases {
		if got := splitCSV(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("splitCSV(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
