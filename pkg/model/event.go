package model

import "time"

// EventKind classifies lifecycle events published to the control plane.
type EventKind string

const (
	EventLog   EventKind = "log"
	EventState EventKind = "state"
	EventAlert EventKind = "alert"
)

// Event is published on the events bus.
type Event struct {
	Kind       EventKind `json:"kind"`
	ServerID   string    `json:"server_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	HostID     string    `json:"host_id,omitempty"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}
