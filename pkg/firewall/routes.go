package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
)

// Route is one entry of the main routing table.
type Route struct {
	Dst netip.Prefix
	Dev string
}

// RouteTable is a snapshot of the host's IPv4 main table.
type RouteTable struct {
	Routes     []Route
	DefaultDev string
}

// Egress picks the interface traffic to subnet leaves through: the longest non-default
// route covering it, else the default route. downgraded reports the fallback.
func (rt RouteTable) Egress(subnet netip.Prefix) (dev string, downgraded bool) {
	subnet = subnet.Masked()
	best := -1
	for _, r := range rt.Routes {
		if r.Dst.Bits() == 0 || r.Dst.Bits() > subnet.Bits() || !r.Dst.Contains(subnet.Addr()) {
			continue
		}
		if r.Dst.Bits() > best {
			best = r.Dst.Bits()
			dev = r.Dev
		}
	}
	if best >= 0 {
		return dev, false
	}
	return rt.DefaultDev, true
}

var skipRouteTypes = map[string]bool{
	"unreachable": true,
	"blackhole":   true,
	"prohibit":    true,
	"throw":       true,
	"broadcast":   true,
	"local":       true,
	"multicast":   true,
}

// ParseRoutes parses `ip -4 route show` output.
func ParseRoutes(out string) RouteTable {
	var rt RouteTable
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || skipRouteTypes[fields[0]] {
			continue
		}
		dev := fieldAfter(fields, "dev")
		if dev == "" {
			continue
		}
		if fields[0] == "default" {
			if rt.DefaultDev == "" {
				rt.DefaultDev = dev
			}
			continue
		}
		dst, err := netip.ParsePrefix(fields[0])
		if err != nil {
			addr, aerr := netip.ParseAddr(fields[0])
			if aerr != nil {
				continue
			}
			dst = netip.PrefixFrom(addr, addr.BitLen())
		}
		rt.Routes = append(rt.Routes, Route{Dst: dst.Masked(), Dev: dev})
	}
	return rt
}

func fieldAfter(fields []string, key string) string {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == key {
			return fields[i+1]
		}
	}
	return ""
}

// ReadRoutes snapshots the main table via iproute2.
func ReadRoutes(ctx context.Context) (RouteTable, error) {
	out, err := exec.CommandContext(ctx, "ip", "-4", "route", "show", "table", "main").Output()
	if err != nil {
		return RouteTable{}, fmt.Errorf("ip route show: %w", err)
	}
	return ParseRoutes(string(out)), nil
}
