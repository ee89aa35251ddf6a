package openvpn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovpn-node/pkg/model"
)

func testSpec() model.ServerSpec {
	return model.ServerSpec{
		ID:           "srv-1",
		Network:      "10.8.0.0/24",
		Protocol:     "udp",
		Port:         1194,
		Routing:      model.RoutingLocalSubnets,
		DNSServers:   []string{"10.8.0.1", "1.1.1.1"},
		SearchDomain: "corp.example",
		Replicas:     1,
		Credentials: model.Credentials{
			CA: "-----BEGIN CERTIFICATE-----\nca\n-----END CERTIFICATE-----", Cert: "cert", Key: "key", DH: "dh",
		},
		LocalSubnets: []string{"172.16.8.0/24", "192.168.0.0/16"},
	}
}

func testPaths() Paths {
	return Paths{PreAuth: "/w/pre-auth.sh", Connect: "/w/client-connect.sh", Disconnect: "/w/client-disconnect.sh", UserAuth: "/w/user-auth.sh", Status: "/w/status.log"}
}

func lineIndex(t *testing.T, lines []string, prefix string) int {
	t.Helper()
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	t.Fatalf("no line with prefix %q", prefix)
	return -1
}

func TestRenderDirectiveOrder(t *testing.T) {
	spec := testSpec()
	spec.OTPAuth = true
	spec.Compression = true
	spec.ClientToClient = true
	text, err := RenderConfig(spec, "tun3", testPaths(), RenderOptions{})
	require.NoError(t, err)
	lines := strings.Split(text, "\n")

	order := []string{
		"server 10.8.0.0 255.255.255.0",
		"port 1194",
		"proto udp",
		"dev tun3",
		"script-security 2",
		"tls-verify /w/pre-auth.sh",
		"client-connect /w/client-connect.sh",
		"client-disconnect /w/client-disconnect.sh",
		"status /w/status.log",
		"verb 3",
		"auth-user-pass-verify /w/user-auth.sh via-env",
		"compress lz4-v2",
		"client-to-client",
		"push \"route 172.16.8.0 255.255.255.0\"",
		"push \"route 192.168.0.0 255.255.0.0\"",
		"push \"dhcp-option DNS 10.8.0.1\"",
		"push \"dhcp-option DNS 1.1.1.1\"",
		"push \"dhcp-option DOMAIN corp.example\"",
		"<ca>",
		"<cert>",
		"<key>",
		"<dh>",
	}
	prev := -1
	for _, p := range order {
		idx := lineIndex(t, lines, p)
		assert.Greater(t, idx, prev, "directive %q out of order", p)
		prev = idx
	}
}

func TestRenderPushExclusivity(t *testing.T) {
	cases := []struct {
		mode       model.RoutingMode
		redirect   bool
		routeCount int
	}{
		{model.RoutingFullTunnel, true, 0},
		{model.RoutingLocalSubnets, false, 2},
		{model.RoutingVPNOnly, false, 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			spec := testSpec()
			spec.Routing = tc.mode
			text, err := RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
			require.NoError(t, err)
			assert.Equal(t, tc.redirect, strings.Contains(text, "redirect-gateway"))
			assert.Equal(t, tc.routeCount, strings.Count(text, "push \"route "))
		})
	}
}

func TestRenderCompressionAgrees(t *testing.T) {
	spec := testSpec()
	text, err := RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.NoError(t, err)
	assert.NotContains(t, text, "compress")

	spec.Compression = true
	text, err = RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.NoError(t, err)
	assert.Contains(t, text, "\ncompress lz4-v2\n")
	assert.Contains(t, text, "push \"compress lz4-v2\"")
}

func TestRenderClientToClientOnlySameTunnel(t *testing.T) {
	spec := testSpec()
	spec.ClientToClient = true
	spec.Routing = model.RoutingFullTunnel
	text, err := RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.NoError(t, err)
	assert.NotContains(t, text, "client-to-client")

	spec.Routing = model.RoutingVPNOnly
	text, err = RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.NoError(t, err)
	assert.Contains(t, text, "client-to-client\n")
}

func TestRenderNoDNSNoDomain(t *testing.T) {
	spec := testSpec()
	spec.DNSServers = nil
	spec.SearchDomain = ""
	text, err := RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.NoError(t, err)
	assert.NotContains(t, text, "dhcp-option")
	assert.NotContains(t, text, "auth-user-pass-verify")
}

func TestRenderIncompleteCredentials(t *testing.T) {
	spec := testSpec()
	spec.Credentials.DH = ""
	_, err := RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.ErrorIs(t, err, model.ErrConfigGeneration)
}

func TestRenderScript(t *testing.T) {
	s := RenderScript(HookConnect, "http://127.0.0.1:7506/", "tok'en")
	assert.True(t, strings.HasPrefix(s, "#!/bin/sh\n"))
	assert.Contains(t, s, `'Authorization: Bearer tok'\''en'`)
	assert.Contains(t, s, `--data-urlencode "ifconfig_pool_remote_ip=${ifconfig_pool_remote_ip}"`)
	assert.Contains(t, s, "'http://127.0.0.1:7506/hooks/client-connect'")
	assert.NotContains(t, s, "password")

	pre := RenderScript(HookPreAuth, "http://h", "t")
	assert.Contains(t, pre, `"depth=$1"`)
}

func TestRenderRejectsIPv6(t *testing.T) {
	spec := testSpec()
	spec.Network = "fd00:1::/64"
	_, err := RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.ErrorIs(t, err, model.ErrConfigGeneration)

	spec = testSpec()
	spec.LocalSubnets = []string{"fd00:8::/64"}
	_, err = RenderConfig(spec, "tun0", testPaths(), RenderOptions{})
	require.ErrorIs(t, err, model.ErrConfigGeneration)
}
