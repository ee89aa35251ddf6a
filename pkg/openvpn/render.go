package openvpn

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"ovpn-node/pkg/model"
)

// Paths are the on-disk locations referenced by the rendered config.
type Paths struct {
	PreAuth    string
	Connect    string
	Disconnect string
	UserAuth   string
	Status     string
}

// RenderOptions tune directives that do not come from the server spec.
type RenderOptions struct {
	Verbosity      int
	StatusInterval int // seconds between status file rewrites
}

// RenderConfig produces the openvpn server config for spec bound to iface.
// Directive groups are emitted in a fixed order: network, interface, callouts,
// status, verbosity, auth, compression, client-to-client, pushes, credentials.
func RenderConfig(spec model.ServerSpec, iface string, paths Paths, opts RenderOptions) (string, error) {
	if iface == "" {
		return "", fmt.Errorf("%w: interface name is empty", model.ErrConfigGeneration)
	}
	if !spec.Credentials.Complete() {
		return "", fmt.Errorf("%w: server %s: incomplete credentials", model.ErrConfigGeneration, spec.ID)
	}
	network, err := netip.ParsePrefix(spec.Network)
	if err != nil {
		return "", fmt.Errorf("%w: server %s: network %q: %v", model.ErrConfigGeneration, spec.ID, spec.Network, err)
	}
	if !network.Addr().Is4() {
		return "", fmt.Errorf("%w: server %s: network %s is not IPv4", model.ErrConfigGeneration, spec.ID, network)
	}
	if opts.Verbosity <= 0 {
		opts.Verbosity = 3
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 5
	}

	var b strings.Builder
	fmt.Fprintf(&b, "server %s %s\n", network.Masked().Addr(), netmask(network))
	fmt.Fprintf(&b, "port %d\n", spec.Port)
	fmt.Fprintf(&b, "proto %s\n", strings.ToLower(spec.Protocol))

	fmt.Fprintf(&b, "dev %s\n", iface)
	b.WriteString("dev-type tun\n")
	b.WriteString("topology subnet\n")
	b.WriteString("keepalive 10 60\n")
	b.WriteString("persist-key\n")

	b.WriteString("script-security 2\n")
	fmt.Fprintf(&b, "tls-verify %s\n", quote(paths.PreAuth))
	fmt.Fprintf(&b, "client-connect %s\n", quote(paths.Connect))
	fmt.Fprintf(&b, "client-disconnect %s\n", quote(paths.Disconnect))

	fmt.Fprintf(&b, "status %s %d\n", quote(paths.Status), opts.StatusInterval)
	b.WriteString("status-version 2\n")

	fmt.Fprintf(&b, "verb %d\n", opts.Verbosity)

	if spec.OTPAuth {
		if paths.UserAuth == "" {
			return "", fmt.Errorf("%w: server %s: otp auth enabled without script", model.ErrConfigGeneration, spec.ID)
		}
		fmt.Fprintf(&b, "auth-user-pass-verify %s via-env\n", quote(paths.UserAuth))
	}

	if spec.Compression {
		b.WriteString("compress lz4-v2\n")
		b.WriteString("push \"compress lz4-v2\"\n")
	}

	if spec.ClientToClient && spec.Routing.SameTunnel() {
		b.WriteString("client-to-client\n")
	}

	switch spec.Routing {
	case model.RoutingFullTunnel:
		b.WriteString("push \"redirect-gateway def1 bypass-dhcp\"\n")
	case model.RoutingLocalSubnets:
		for _, s := range spec.LocalSubnets {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return "", fmt.Errorf("%w: server %s: local subnet %q: %v", model.ErrConfigGeneration, spec.ID, s, err)
			}
			if !p.Addr().Is4() {
				return "", fmt.Errorf("%w: server %s: local subnet %s is not IPv4", model.ErrConfigGeneration, spec.ID, p)
			}
			fmt.Fprintf(&b, "push \"route %s %s\"\n", p.Masked().Addr(), netmask(p))
		}
	}
	for _, dns := range spec.DNSServers {
		fmt.Fprintf(&b, "push \"dhcp-option DNS %s\"\n", dns)
	}
	if spec.SearchDomain != "" {
		fmt.Fprintf(&b, "push \"dhcp-option DOMAIN %s\"\n", spec.SearchDomain)
	}

	inline(&b, "ca", spec.Credentials.CA)
	inline(&b, "cert", spec.Credentials.Cert)
	inline(&b, "key", spec.Credentials.Key)
	inline(&b, "dh", spec.Credentials.DH)
	return b.String(), nil
}

func netmask(p netip.Prefix) string {
	return net.IP(net.CIDRMask(p.Bits(), 32)).String()
}

func quote(path string) string {
	if strings.ContainsAny(path, " \t\"") {
		return `"` + strings.ReplaceAll(path, `"`, `\"`) + `"`
	}
	return path
}

func inline(b *strings.Builder, tag, pem string) {
	fmt.Fprintf(b, "<%s>\n%s\n</%s>\n", tag, strings.TrimSpace(pem), tag)
}
