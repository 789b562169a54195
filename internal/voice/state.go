package voice

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle is the state of a session that has not been started.
	StateIdle State = iota

	// StateConnecting means devices are being opened and the remote endpoint
	// has not yet acknowledged the session setup.
	StateConnecting

	// StateOpen means audio is flowing in both directions.
	StateOpen

	// StateClosed is the terminal state of a session that ended normally.
	StateClosed

	// StateError is the terminal state of a session that failed.
	StateError
)

// String returns the lowercase name of s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// canTransition reports whether from → to is a legal edge of the session
// state machine.
func canTransition(from, to State) bool {
	switch to {
	case StateConnecting:
		return from == StateIdle
	case StateOpen:
		return from == StateConnecting
	case StateClosed, StateError:
		return !from.Terminal()
	default:
		return false
	}
}
