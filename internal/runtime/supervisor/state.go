package supervisor

// State is the lifecycle phase of a Supervisor.
type State int32

const (
	StateBooting State = iota
	StateSupervising
	StateTerminatingGracefully
	StateTerminatingImmediately
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateSupervising:
		return "supervising"
	case StateTerminatingGracefully:
		return "terminating_gracefully"
	case StateTerminatingImmediately:
		return "terminating_immediately"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminating reports whether a termination sequence is running. Children
// that exit while terminating are not replaced.
func (s State) Terminating() bool {
	return s == StateTerminatingGracefully || s == StateTerminatingImmediately
}
