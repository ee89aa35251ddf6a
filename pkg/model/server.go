package model

import (
	"fmt"
	"net/netip"
	"strings"
)

// RoutingMode selects which routes are pushed to clients.
type RoutingMode string

const (
	RoutingFullTunnel   RoutingMode = "full_tunnel"
	RoutingLocalSubnets RoutingMode = "local_subnets"
	RoutingVPNOnly      RoutingMode = "vpn_only"
)

// SameTunnel reports whether clients share one tunnel segment, i.e. client-to-client
// traffic is meaningful for this mode.
func (m RoutingMode) SameTunnel() bool {
	return m == RoutingLocalSubnets || m == RoutingVPNOnly
}

// Credentials is the PEM bundle embedded in the generated process config.
type Credentials struct {
	CA   string `json:"ca" yaml:"ca"`
	Cert string `json:"cert" yaml:"cert"`
	Key  string `json:"key" yaml:"key"`
	DH   string `json:"dh" yaml:"dh"`
}

// Complete reports whether every PEM block is present.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.CA) != "" &&
		strings.TrimSpace(c.Cert) != "" &&
		strings.TrimSpace(c.Key) != "" &&
		strings.TrimSpace(c.DH) != ""
}

// ServerSpec is the control-plane description of a VPN server. Read-only on the node.
type ServerSpec struct {
	ID             string      `json:"id" yaml:"id"`
	Network        string      `json:"network" yaml:"network"` // tunnel CIDR, e.g. 10.8.0.0/24
	Protocol       string      `json:"protocol" yaml:"protocol"`
	Port           int         `json:"port" yaml:"port"`
	Routing        RoutingMode `json:"routing" yaml:"routing"`
	DNSServers     []string    `json:"dnsServers,omitempty" yaml:"dns_servers,omitempty"`
	SearchDomain   string      `json:"searchDomain,omitempty" yaml:"search_domain,omitempty"`
	Compression    bool        `json:"compression" yaml:"compression"`
	ClientToClient bool        `json:"clientToClient" yaml:"client_to_client"`
	OTPAuth        bool        `json:"otpAuth,omitempty" yaml:"otp_auth,omitempty"`
	Replicas       int         `json:"replicas" yaml:"replicas"`
	Credentials    Credentials `json:"credentials" yaml:"credentials"`
	LocalSubnets   []string    `json:"localSubnets,omitempty" yaml:"local_subnets,omitempty"`
}

// Validate checks the fields the node needs to build config and rules.
func (s ServerSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("server id is required")
	}
	network, err := netip.ParsePrefix(s.Network)
	if err != nil {
		return fmt.Errorf("server %s: network %q: %w", s.ID, s.Network, err)
	}
	// NAT rules are programmed with iptables, which only covers IPv4.
	if !network.Addr().Is4() {
		return fmt.Errorf("server %s: network %s: only IPv4 tunnels are supported", s.ID, s.Network)
	}
	switch strings.ToLower(s.Protocol) {
	case "udp", "tcp", "udp6", "tcp6", "tcp-server":
	default:
		return fmt.Errorf("server %s: unsupported protocol %q", s.ID, s.Protocol)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server %s: port %d out of range", s.ID, s.Port)
	}
	switch s.Routing {
	case RoutingFullTunnel, RoutingLocalSubnets, RoutingVPNOnly:
	default:
		return fmt.Errorf("server %s: unknown routing mode %q", s.ID, s.Routing)
	}
	for _, sn := range s.LocalSubnets {
		p, err := netip.ParsePrefix(sn)
		if err != nil {
			return fmt.Errorf("server %s: local subnet %q: %w", s.ID, sn, err)
		}
		if !p.Addr().Is4() {
			return fmt.Errorf("server %s: local subnet %s: only IPv4 subnets are supported", s.ID, sn)
		}
	}
	return nil
}
