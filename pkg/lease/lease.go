// Package lease hands out the host's scarce virtual interfaces to lifecycles.
package lease

import (
	"context"
	"fmt"
	"sync"

	"ovpn-node/pkg/firewall"
	"ovpn-node/pkg/model"
)

// RouteReader snapshots the host route table.
type RouteReader func(ctx context.Context) (firewall.RouteTable, error)

// Lease is an exclusive claim on one interface plus the route table observed while
// the claim was taken.
type Lease struct {
	Iface  string
	Routes firewall.RouteTable
}

// HostResourceManager owns the interface pool of one host. One instance is shared by
// every lifecycle on the host; the lock is held only while the pool is mutated.
type HostResourceManager struct {
	mu     sync.Mutex
	free   []string
	held   map[string]struct{}
	size   int
	routes RouteReader
}

// Names builds prefix0..prefix(n-1).
func Names(prefix string, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

func NewHostResourceManager(names []string, routes RouteReader) *HostResourceManager {
	free := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup || n == "" {
			continue
		}
		seen[n] = struct{}{}
		free = append(free, n)
	}
	return &HostResourceManager{
		free:   free,
		held:   make(map[string]struct{}),
		size:   len(free),
		routes: routes,
	}
}

// Acquire takes a free interface. It fails fast with model.ErrResourceExhausted rather
// than waiting for a release.
func (m *HostResourceManager) Acquire(ctx context.Context) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) == 0 {
		return Lease{}, fmt.Errorf("lease pool of %d: %w", m.size, model.ErrResourceExhausted)
	}
	iface := m.free[0]
	var rt firewall.RouteTable
	if m.routes != nil {
		var err error
		rt, err = m.routes(ctx)
		if err != nil {
			return Lease{}, fmt.Errorf("read routes: %w", err)
		}
	}
	m.free = m.free[1:]
	m.held[iface] = struct{}{}
	return Lease{Iface: iface, Routes: rt}, nil
}

// Claim takes the named interface, for processes adopted after an agent restart.
func (m *HostResourceManager) Claim(ctx context.Context, iface string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, n := range m.free {
		if n == iface {
			idx = i
			break
		}
	}
	if idx < 0 {
		if _, ok := m.held[iface]; ok {
			return Lease{}, fmt.Errorf("interface %s is already leased", iface)
		}
		return Lease{}, fmt.Errorf("interface %s is not in the pool", iface)
	}
	var rt firewall.RouteTable
	if m.routes != nil {
		var err error
		rt, err = m.routes(ctx)
		if err != nil {
			return Lease{}, fmt.Errorf("read routes: %w", err)
		}
	}
	m.free = append(m.free[:idx:idx], m.free[idx+1:]...)
	m.held[iface] = struct{}{}
	return Lease{Iface: iface, Routes: rt}, nil
}

// Release returns iface to the pool.
func (m *HostResourceManager) Release(iface string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[iface]; !ok {
		return fmt.Errorf("interface %s is not leased", iface)
	}
	delete(m.held, iface)
	m.free = append(m.free, iface)
	return nil
}

// Size is the total number of interfaces managed.
func (m *HostResourceManager) Size() int { return m.size }

// Free is the number of interfaces currently available.
func (m *HostResourceManager) Free() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// Held reports whether iface is currently leased.
func (m *HostResourceManager) Held(iface string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[iface]
	return ok
}
