package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryTables is an in-process stand-in for iptables, intended for dev/tests. It keeps
// iptables' exit-code contract: 0 success, 1 rule not found, 2 bad invocation.
type MemoryTables struct {
	mu      sync.Mutex
	chains  map[string][]string
	appends int

	// FailAppend makes -A fail for matching rule text (table|chain|args).
	FailAppend map[string]bool
	// RefuseDelete makes -D fail with exit 4 for matching rule text.
	RefuseDelete map[string]bool
}

func NewMemoryTables() *MemoryTables {
	return &MemoryTables{
		chains:       make(map[string][]string),
		FailAppend:   make(map[string]bool),
		RefuseDelete: make(map[string]bool),
	}
}

func (m *MemoryTables) Exec(_ context.Context, args []string) (int, []byte, error) {
	if len(args) < 4 || args[0] != "-t" {
		return 2, []byte("bad invocation"), nil
	}
	table, op, chain := args[1], args[2], args[3]
	spec := strings.Join(args[4:], " ")
	key := table + "|" + chain
	full := key + "|" + spec

	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.chains[key]
	idx := -1
	for i, r := range rules {
		if r == spec {
			idx = i
			break
		}
	}
	switch op {
	case "-C":
		if idx < 0 {
			return 1, []byte("Bad rule (does a matching rule exist in that chain?)."), nil
		}
		return 0, nil, nil
	case "-A":
		if m.FailAppend[full] {
			return 4, []byte("iptables: Resource temporarily unavailable."), nil
		}
		m.chains[key] = append(rules, spec)
		m.appends++
		return 0, nil, nil
	case "-D":
		if m.RefuseDelete[full] {
			return 4, []byte("iptables: Permission denied."), nil
		}
		if idx < 0 {
			return 1, []byte("Bad rule (does a matching rule exist in that chain?)."), nil
		}
		m.chains[key] = append(rules[:idx:idx], rules[idx+1:]...)
		return 0, nil, nil
	}
	return 2, []byte(fmt.Sprintf("unknown option %s", op)), nil
}

// Snapshot copies the current rule state, keyed by table|chain.
func (m *MemoryTables) Snapshot() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.chains))
	for k, v := range m.chains {
		if len(v) == 0 {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Len counts installed rules across all chains.
func (m *MemoryTables) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.chains {
		n += len(v)
	}
	return n
}

// Appends counts successful -A invocations.
func (m *MemoryTables) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}
