package supervisor

// State is the supervised process lifecycle.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Stopping
	StoppedClean
	StoppedUnclean
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case StoppedClean:
		return "stopped_clean"
	case StoppedUnclean:
		return "stopped_unclean"
	default:
		return "unknown"
	}
}

// Stopped reports whether s is terminal.
func (s State) Stopped() bool {
	return s == StoppedClean || s == StoppedUnclean
}
