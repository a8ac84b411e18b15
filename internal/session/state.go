package session

// ActivityState is the one connectivity/activity enumeration the UI observes
// per session. Everything else (transport states, auth, queues) stays behind
// this derivation.
type ActivityState int

const (
	// StateChecking: an attach attempt is in flight.
	StateChecking ActivityState = iota
	// StateInactive: the remote agent process is not running. Recoverable
	// with an explicit (or typed-message-triggered) start.
	StateInactive
	// StateStarting: a start request is in flight.
	StateStarting
	// StateConnected: transport open, subscription confirmed, process alive.
	StateConnected
	// StateDisconnected: was connected, transport dropped; reconnection is
	// being attempted. Recoverable.
	StateDisconnected
	// StateError: terminal for this attempt — auth rejected, reconnects
	// exhausted, or the start action failed. Requires explicit retry.
	StateError
)

func (s ActivityState) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// Recoverable reports whether the user can act on the state without a full
// retry: inactive and disconnected sessions heal via start/reconnect.
func (s ActivityState) Recoverable() bool {
	return s == StateInactive || s == StateDisconnected
}
