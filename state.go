package duplex

import "sync/atomic"

// State is the lifecycle state of one socket connection.
type State int32

const (
	// Disconnected means no socket is open. It is the initial and the terminal state.
	Disconnected State = iota
	// Connecting means a dial (and handshake, for TLS) is in progress.
	Connecting
	// Connected means the socket is open and both loops are running.
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// validTransition reports whether from -> to is an edge of the state machine:
// Disconnected -> Connecting -> Connected -> Disconnected, or Connecting -> Disconnected.
func validTransition(from, to State) bool {
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected || to == Disconnected
	case Connected:
		return to == Disconnected
	}
	return false
}

// stateMachine holds a State and only moves it along valid edges.
// All transitions are compare-and-swap, so two goroutines can never both
// leave Disconnected for Connecting.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// transition moves from -> to. It fails if the current state is not from
// or the edge is not part of the machine.
func (m *stateMachine) transition(from, to State) bool {
	if !validTransition(from, to) {
		return false
	}
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// reset forces the machine back to Disconnected from whatever state it is in
// and returns the previous state.
func (m *stateMachine) reset() State {
	return State(m.v.Swap(int32(Disconnected)))
}
