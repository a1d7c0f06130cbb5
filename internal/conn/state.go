package conn

import "slices"

// State represents the connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	StateError   State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Disconnected, StateError},
	Connecting:   {Connected, Disconnected, StateError},
	Connected:    {Disconnected, StateError},
	StateError:   {Connecting, Disconnected, StateError},
}

func transitionAllowed(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Status is the connection snapshot delivered to state handlers.
type Status struct {
	State    State
	Attempts int
	Err      error
}
