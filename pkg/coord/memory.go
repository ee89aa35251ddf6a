package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ovpn-node/pkg/model"
)

// MemoryStore is an in-process Store for single-host runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.ServerRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.ServerRecord)}
}

func (m *MemoryStore) update(serverID string, fn func(*model.ServerRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[serverID]
	if !ok {
		rec = model.ServerRecord{ServerID: serverID}
	}
	rec = cloneRecord(rec)
	if err := fn(&rec); err != nil {
		return err
	}
	m.records[serverID] = rec
	return nil
}

func (m *MemoryStore) Register(_ context.Context, serverID string, desired int, inst model.InstanceRecord) error {
	return m.update(serverID, func(r *model.ServerRecord) error {
		return r.Register(inst, desired)
	})
}

func (m *MemoryStore) Reclaim(_ context.Context, serverID string, desired int, inst model.InstanceRecord) error {
	return m.update(serverID, func(r *model.ServerRecord) error {
		return r.Reclaim(inst, desired)
	})
}

func (m *MemoryStore) Heartbeat(_ context.Context, serverID, instanceID string, at time.Time, clients map[string]model.ClientStats) error {
	return m.update(serverID, func(r *model.ServerRecord) error {
		return r.Ping(instanceID, at, clients)
	})
}

func (m *MemoryStore) Deregister(_ context.Context, serverID, instanceID string) error {
	return m.update(serverID, func(r *model.ServerRecord) error {
		return r.Remove(instanceID)
	})
}

func (m *MemoryStore) Get(_ context.Context, serverID string) (model.ServerRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[serverID]
	if !ok {
		return model.ServerRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Evict removes instanceID as an operator or the scheduler would.
func (m *MemoryStore) Evict(serverID, instanceID string) error {
	return m.update(serverID, func(r *model.ServerRecord) error {
		return r.Remove(instanceID)
	})
}

// MemorySpecs is an in-process SpecSource.
type MemorySpecs struct {
	mu    sync.RWMutex
	specs map[string]model.ServerSpec
	creds map[string]model.Credentials
}

func NewMemorySpecs(specs ...model.ServerSpec) *MemorySpecs {
	m := &MemorySpecs{specs: map[string]model.ServerSpec{}, creds: map[string]model.Credentials{}}
	for _, s := range specs {
		m.specs[s.ID] = s
	}
	return m
}

func (m *MemorySpecs) Put(spec model.ServerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.ID] = spec
}

// PutCredentials stores a bundle returned by Credentials.
func (m *MemorySpecs) PutCredentials(serverID string, c model.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[serverID] = c
}

func (m *MemorySpecs) Spec(_ context.Context, serverID string) (model.ServerSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.specs[serverID]
	if !ok {
		return model.ServerSpec{}, fmt.Errorf("server %s: spec not found", serverID)
	}
	return s, nil
}

func (m *MemorySpecs) Credentials(_ context.Context, serverID string) (model.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.creds[serverID]; ok {
		return c, nil
	}
	if s, ok := m.specs[serverID]; ok {
		return s.Credentials, nil
	}
	return model.Credentials{}, fmt.Errorf("server %s: credentials not found", serverID)
}
