package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"ovpn-node/pkg/model"
)

const (
	serverPrefix = "vpn/servers/"
	maxCASTries  = 8
)

var errCASConflict = errors.New("record changed concurrently")

func recordKey(serverID string) string { return serverPrefix + serverID + "/record" }
func specKey(serverID string) string   { return serverPrefix + serverID + "/spec" }
func credsKey(serverID string) string  { return serverPrefix + serverID + "/credentials" }

// NewClient builds a consul API client for addr and token.
func NewClient(addr, token string) (*consulapi.Client, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	return consulapi.NewClient(cfg)
}

// ConsulStore keeps server records in consul KV and applies every mutation as
// a check-and-set on the key's ModifyIndex.
type ConsulStore struct {
	cli *consulapi.Client
}

func NewConsulStore(cli *consulapi.Client) *ConsulStore {
	return &ConsulStore{cli: cli}
}

func (s *ConsulStore) load(ctx context.Context, serverID string) (model.ServerRecord, uint64, error) {
	kv, _, err := s.cli.KV().Get(recordKey(serverID), (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return model.ServerRecord{}, 0, err
	}
	if kv == nil {
		return model.ServerRecord{ServerID: serverID}, 0, nil
	}
	var rec model.ServerRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return model.ServerRecord{}, 0, fmt.Errorf("decode record %s: %w", serverID, err)
	}
	return rec, kv.ModifyIndex, nil
}

// update retries only on CAS conflicts. Errors returned by fn are final.
func (s *ConsulStore) update(ctx context.Context, serverID string, fn func(*model.ServerRecord) error) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	for i := 0; i < maxCASTries; i++ {
		rec, index, err := s.load(ctx, serverID)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		ok, _, err := s.cli.KV().CAS(&consulapi.KVPair{Key: recordKey(serverID), Value: b, ModifyIndex: index}, (&consulapi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("server %s: %w after %d attempts", serverID, errCASConflict, maxCASTries)
}

func (s *ConsulStore) Register(ctx context.Context, serverID string, desired int, inst model.InstanceRecord) error {
	return s.update(ctx, serverID, func(r *model.ServerRecord) error {
		return r.Register(inst, desired)
	})
}

func (s *ConsulStore) Reclaim(ctx context.Context, serverID string, desired int, inst model.InstanceRecord) error {
	return s.update(ctx, serverID, func(r *model.ServerRecord) error {
		return r.Reclaim(inst, desired)
	})
}

func (s *ConsulStore) Heartbeat(ctx context.Context, serverID, instanceID string, at time.Time, clients map[string]model.ClientStats) error {
	return s.update(ctx, serverID, func(r *model.ServerRecord) error {
		return r.Ping(instanceID, at, clients)
	})
}

func (s *ConsulStore) Deregister(ctx context.Context, serverID, instanceID string) error {
	return s.update(ctx, serverID, func(r *model.ServerRecord) error {
		return r.Remove(instanceID)
	})
}

func (s *ConsulStore) Get(ctx context.Context, serverID string) (model.ServerRecord, bool, error) {
	if s.cli == nil {
		return model.ServerRecord{}, false, fmt.Errorf("consul client not configured")
	}
	rec, index, err := s.load(ctx, serverID)
	if err != nil {
		return model.ServerRecord{}, false, err
	}
	return rec, index != 0, nil
}

// ConsulSpecs reads server specs and credential bundles from consul KV.
type ConsulSpecs struct {
	cli *consulapi.Client
}

func NewConsulSpecs(cli *consulapi.Client) *ConsulSpecs {
	return &ConsulSpecs{cli: cli}
}

func (s *ConsulSpecs) getJSON(ctx context.Context, key string, v any) (bool, error) {
	if s.cli == nil {
		return false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || kv == nil {
		return false, err
	}
	return true, json.Unmarshal(kv.Value, v)
}

func (s *ConsulSpecs) putJSON(ctx context.Context, key string, v any) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (s *ConsulSpecs) Spec(ctx context.Context, serverID string) (model.ServerSpec, error) {
	var spec model.ServerSpec
	ok, err := s.getJSON(ctx, specKey(serverID), &spec)
	if err != nil {
		return model.ServerSpec{}, err
	}
	if !ok {
		return model.ServerSpec{}, fmt.Errorf("server %s: spec not found", serverID)
	}
	return spec, nil
}

func (s *ConsulSpecs) Credentials(ctx context.Context, serverID string) (model.Credentials, error) {
	var c model.Credentials
	ok, err := s.getJSON(ctx, credsKey(serverID), &c)
	if err != nil {
		return model.Credentials{}, err
	}
	if ok {
		return c, nil
	}
	spec, err := s.Spec(ctx, serverID)
	if err != nil {
		return model.Credentials{}, err
	}
	return spec.Credentials, nil
}

func (s *ConsulSpecs) PutSpec(ctx context.Context, spec model.ServerSpec) error {
	return s.putJSON(ctx, specKey(spec.ID), spec)
}

func (s *ConsulSpecs) PutCredentials(ctx context.Context, serverID string, c model.Credentials) error {
	return s.putJSON(ctx, credsKey(serverID), c)
}
