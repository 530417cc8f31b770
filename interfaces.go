package btltipc

import (
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

type netIface struct {
	iface net.Interface
	addr  net.IP
	mask  net.IPMask
}

// discoverInterfaces enumerates local interfaces and applies the
// if_include/if_exclude lists, per spec.md §4.4 and §6's configuration
// table. if_include, when set, wins outright over if_exclude (spec.md
// leaves the two as mutually exclusive). Loopback and down interfaces are
// skipped; only interfaces carrying a usable IPv4 address are returned,
// since the concrete transport here is TCP/IPv4 (see SPEC_FULL.md §1).
func discoverInterfaces(include, exclude string, reportUnfound bool, log *logrus.Entry) ([]netIface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	includeSet := splitCSV(include)
	excludeSet := splitCSV(exclude)
	seen := make(map[string]bool, len(includeSet)+len(excludeSet))

	var out []netIface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(includeSet) > 0 {
			if !includeSet[iface.Name] {
				continue
			}
			seen[iface.Name] = true
		} else if len(excludeSet) > 0 {
			if excludeSet[iface.Name] {
				seen[iface.Name] = true
				continue
			}
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			out = append(out, netIface{iface: iface, addr: ip4, mask: ipnet.Mask})
			break
		}
	}

	if reportUnfound {
		for name := range includeSet {
			if !seen[name] {
				log.WithField("interface", name).Warn("if_include entry not found")
			}
		}
		for name := range excludeSet {
			if !seen[name] {
				log.WithField("interface", name).Warn("if_exclude entry not found")
			}
		}
	}

	return out, nil
}

func splitCSV(s string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = true
		}
	}
	return out
}
