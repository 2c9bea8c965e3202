package endpoint

// State is a supervisor state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDeclaring
	StateConsuming
	StateConnectionLost
	StateCancelled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDeclaring:
		return "declaring"
	case StateConsuming:
		return "consuming"
	case StateConnectionLost:
		return "connection_lost"
	case StateCancelled:
		return "cancelled"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
