package firewall

import (
	"fmt"
	"net/netip"

	"ovpn-node/pkg/model"
)

const wildcardSubnet = "0.0.0.0/0"

// Plan is the rule set derived for one instance.
type Plan struct {
	Rules []model.Rule
	// Downgraded lists subnets that fell back to the default-route interface.
	Downgraded []string
}

// ComputeRules derives the forwarding and NAT rules for spec on iface. The result
// depends only on its inputs.
func ComputeRules(spec model.ServerSpec, iface string, rt RouteTable) (Plan, error) {
	if iface == "" {
		return Plan{}, fmt.Errorf("interface is required")
	}
	network, err := netip.ParsePrefix(spec.Network)
	if err != nil {
		return Plan{}, fmt.Errorf("server network %q: %w", spec.Network, err)
	}
	if !network.Addr().Is4() {
		return Plan{}, fmt.Errorf("server network %s: iptables rules need IPv4", network)
	}
	var plan Plan
	plan.Rules = append(plan.Rules, model.Rule{
		Table: "filter", Chain: "FORWARD",
		Args: []string{"-i", iface, "-j", "ACCEPT"},
	})

	subnets := spec.LocalSubnets
	if len(subnets) == 0 {
		subnets = []string{wildcardSubnet}
	}
	var egresses []string
	seenEgress := map[string]bool{}
	seenNAT := map[string]bool{}
	for _, raw := range subnets {
		subnet, err := netip.ParsePrefix(raw)
		if err != nil {
			return Plan{}, fmt.Errorf("local subnet %q: %w", raw, err)
		}
		if !subnet.Addr().Is4() {
			return Plan{}, fmt.Errorf("local subnet %s: iptables rules need IPv4", subnet)
		}
		subnet = subnet.Masked()
		egress, downgraded := rt.Egress(subnet)
		if egress == "" {
			return Plan{}, fmt.Errorf("no egress route for %s", subnet)
		}
		wildcard := subnet.Bits() == 0
		if downgraded && !wildcard {
			plan.Downgraded = append(plan.Downgraded, subnet.String())
		}
		args := []string{"-s", network.Masked().String()}
		if !wildcard {
			args = append(args, "-d", subnet.String())
		}
		args = append(args, "-o", egress, "-j", "MASQUERADE")
		nat := model.Rule{Table: "nat", Chain: "POSTROUTING", Args: args}
		if !seenNAT[nat.Key()] {
			seenNAT[nat.Key()] = true
			plan.Rules = append(plan.Rules, nat)
		}
		if !seenEgress[egress] {
			seenEgress[egress] = true
			egresses = append(egresses, egress)
		}
	}

	for _, egress := range egresses {
		plan.Rules = append(plan.Rules,
			model.Rule{Table: "filter", Chain: "FORWARD", Args: []string{
				"-i", iface, "-o", egress, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT",
			}},
			model.Rule{Table: "filter", Chain: "FORWARD", Args: []string{
				"-i", egress, "-o", iface, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT",
			}},
		)
	}
	return plan, nil
}
