package session

// State is the position of a session in its lifecycle.
type State int

const (
	StateConnected State = iota
	StateProgramSent
	StateDataSent
	StateResultFetched
	StateShutdownRequested
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateProgramSent:
		return "program_sent"
	case StateDataSent:
		return "data_sent"
	case StateResultFetched:
		return "result_fetched"
	case StateShutdownRequested:
		return "shutdown_requested"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// open reports whether the channel may still carry requests.
func (s State) open() bool {
	return s != StateShutdownRequested && s != StateClosed
}
