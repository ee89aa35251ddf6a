package model

import "time"

// ClientStats is one row of the live client table.
type ClientStats struct {
	ClientID       string    `json:"clientId"`
	RealAddress    string    `json:"realAddress,omitempty"`
	VirtualAddress string    `json:"virtualAddress,omitempty"`
	BytesReceived  uint64    `json:"bytesReceived"`
	BytesSent      uint64    `json:"bytesSent"`
	DeltaReceived  uint64    `json:"deltaReceived"`
	DeltaSent      uint64    `json:"deltaSent"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	LastSeen       time.Time `json:"lastSeen"`
}

// RunningInstance is the node-local view of one lifecycle attempt.
type RunningInstance struct {
	ID         string                 `json:"id"`
	ServerID   string                 `json:"serverId"`
	HostID     string                 `json:"hostId"`
	Iface      string                 `json:"iface"`
	PID        int                    `json:"pid,omitempty"`
	External   bool                   `json:"external,omitempty"` // process not spawned by this agent
	LeasedAt   time.Time              `json:"leasedAt"`
	LastPing   time.Time              `json:"lastPing,omitempty"`
	Clients    map[string]ClientStats `json:"clients,omitempty"`
	Applied    []Rule                 `json:"applied,omitempty"`
	CleanExit  bool                   `json:"cleanExit"`
	WorkDir    string                 `json:"workDir,omitempty"`
	ConfigPath string                 `json:"configPath,omitempty"`
}

// InstanceRecord is one entry of the coordination-store record.
type InstanceRecord struct {
	InstanceID    string                 `json:"instance_id"`
	HostID        string                 `json:"host_id"`
	PingTimestamp time.Time              `json:"ping_timestamp"`
	Clients       map[string]ClientStats `json:"clients,omitempty"`
}

// ServerRecord is the coordination-store document for one server.
type ServerRecord struct {
	ServerID       string           `json:"server_id"`
	Instances      []InstanceRecord `json:"instances"`
	InstancesCount int              `json:"instances_count"`
}

// Register appends inst when the running count is below desired.
func (r *ServerRecord) Register(inst InstanceRecord, desired int) error {
	if r.InstancesCount >= desired {
		return ErrAdmissionDenied
	}
	for _, existing := range r.Instances {
		if existing.InstanceID == inst.InstanceID {
			return ErrAdmissionDenied
		}
	}
	r.Instances = append(r.Instances, inst)
	r.InstancesCount++
	return nil
}

// Reclaim hands the entry of inst.InstanceID to inst.HostID without touching
// the count, so a process adopted after an agent restart keeps its slot.
// Without such an entry it behaves like Register.
func (r *ServerRecord) Reclaim(inst InstanceRecord, desired int) error {
	for i := range r.Instances {
		if r.Instances[i].InstanceID == inst.InstanceID {
			r.Instances[i].HostID = inst.HostID
			r.Instances[i].PingTimestamp = inst.PingTimestamp
			return nil
		}
	}
	return r.Register(inst, desired)
}

// Ping refreshes the heartbeat of instanceID. ErrNoRecord when it was removed.
func (r *ServerRecord) Ping(instanceID string, at time.Time, clients map[string]ClientStats) error {
	for i := range r.Instances {
		if r.Instances[i].InstanceID == instanceID {
			r.Instances[i].PingTimestamp = at
			r.Instances[i].Clients = clients
			return nil
		}
	}
	return ErrNoRecord
}

// Remove drops instanceID and decrements the count. ErrNoRecord when absent.
func (r *ServerRecord) Remove(instanceID string) error {
	for i := range r.Instances {
		if r.Instances[i].InstanceID == instanceID {
			r.Instances = append(r.Instances[:i], r.Instances[i+1:]...)
			if r.InstancesCount > 0 {
				r.InstancesCount--
			}
			return nil
		}
	}
	return ErrNoRecord
}
