package coord

import (
	"context"
	"time"

	"ovpn-node/pkg/model"
)

// Store is the shared coordination store. Every mutation is a single
// conditional update on the server record.
type Store interface {
	// Register appends inst when fewer than desired instances are registered.
	// It fails with model.ErrAdmissionDenied otherwise and never retries.
	Register(ctx context.Context, serverID string, desired int, inst model.InstanceRecord) error
	// Reclaim takes over the existing entry of inst.InstanceID, or registers
	// inst under the same cap when there is none.
	Reclaim(ctx context.Context, serverID string, desired int, inst model.InstanceRecord) error
	// Heartbeat refreshes the ping timestamp and client table of instanceID.
	// It fails with model.ErrNoRecord when the instance was removed.
	Heartbeat(ctx context.Context, serverID, instanceID string, at time.Time, clients map[string]model.ClientStats) error
	// Deregister removes instanceID and decrements the running count.
	Deregister(ctx context.Context, serverID, instanceID string) error
	Get(ctx context.Context, serverID string) (model.ServerRecord, bool, error)
}

// SpecSource reads server specifications written by the control plane.
type SpecSource interface {
	Spec(ctx context.Context, serverID string) (model.ServerSpec, error)
	// Credentials re-reads the credential bundle issued for serverID.
	Credentials(ctx context.Context, serverID string) (model.Credentials, error)
}

func cloneRecord(r model.ServerRecord) model.ServerRecord {
	out := r
	out.Instances = make([]model.InstanceRecord, len(r.Instances))
	for i, inst := range r.Instances {
		out.Instances[i] = inst
		if inst.Clients != nil {
			c := make(map[string]model.ClientStats, len(inst.Clients))
			for k, v := range inst.Clients {
				c[k] = v
			}
			out.Instances[i].Clients = c
		}
	}
	return out
}
