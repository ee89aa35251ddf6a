package openvpn

import (
	"fmt"
	"strings"
)

// Hook names the callout a helper script reports to.
type Hook string

const (
	HookPreAuth    Hook = "pre-auth"
	HookConnect    Hook = "client-connect"
	HookDisconnect Hook = "client-disconnect"
	HookUserAuth   Hook = "user-auth"
)

// hookFields lists the openvpn environment variables forwarded per hook.
var hookFields = map[Hook][]string{
	HookPreAuth:    {"common_name", "untrusted_ip", "untrusted_port"},
	HookConnect:    {"common_name", "untrusted_ip", "untrusted_port", "ifconfig_pool_remote_ip", "time_unix"},
	HookDisconnect: {"common_name", "untrusted_ip", "ifconfig_pool_remote_ip", "bytes_received", "bytes_sent", "time_duration"},
	HookUserAuth:   {"common_name", "untrusted_ip", "username", "password"},
}

// RenderScript produces a POSIX shell helper that posts the callout environment
// to the hook server. A non-2xx answer makes curl exit non-zero, which openvpn
// treats as rejection.
func RenderScript(h Hook, baseURL, token string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# %s callout\n", h)
	b.WriteString("exec curl -fsS -m 5 -o /dev/null -X POST \\\n")
	fmt.Fprintf(&b, "  -H %s \\\n", shellQuote("Authorization: Bearer "+token))
	for _, f := range hookFields[h] {
		fmt.Fprintf(&b, "  --data-urlencode \"%s=${%s}\" \\\n", f, f)
	}
	if h == HookPreAuth {
		b.WriteString("  --data-urlencode \"depth=$1\" \\\n")
		b.WriteString("  --data-urlencode \"subject=$2\" \\\n")
	}
	fmt.Fprintf(&b, "  %s\n", shellQuote(strings.TrimRight(baseURL, "/")+"/hooks/"+string(h)))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
