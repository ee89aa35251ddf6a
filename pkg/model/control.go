package model

// ControlKind is the closed set of control messages an instance reacts to.
type ControlKind int

const (
	ControlStop ControlKind = iota + 1
	ControlForceStop
)

func (k ControlKind) String() string {
	switch k {
	case ControlStop:
		return "stop"
	case ControlForceStop:
		return "force_stop"
	default:
		return "unknown"
	}
}

// ParseControl maps a wire message to a ControlKind. ok is false for messages
// this node does not act on.
func ParseControl(message string) (ControlKind, bool) {
	switch message {
	case "stop":
		return ControlStop, true
	case "force_stop":
		return ControlForceStop, true
	}
	return 0, false
}

// ControlChannel is the pub/sub channel carrying server control messages.
const ControlChannel = "servers"

// ControlMessage is the wire envelope on ControlChannel.
type ControlMessage struct {
	Channel  string            `json:"channel"`
	ServerID string            `json:"server_id"`
	Message  string            `json:"message"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// RunChannel carries RunRequest payloads from the scheduler.
const RunChannel = "vpn-run"

// RunRequest asks a host to start one replica of a server.
type RunRequest struct {
	ServerID string `json:"server_id"`
	HostID   string `json:"host_id"`
}
