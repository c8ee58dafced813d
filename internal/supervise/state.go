package supervise

import (
	"fmt"
	"slices"
)

// State is a symbolic task state.
type State string

const (
	StateUnmonitored State = "unmonitored"
	StateInit        State = "init"
	StateUp          State = "up"
	StateStart       State = "start"
	StateRestart     State = "restart"
	StateStop        State = "stop"
)

// Lifecycle keys the metrics that stay enabled in every monitored state.
const Lifecycle State = ""

// WatchStates are the states every Watch declares.
var WatchStates = []State{StateInit, StateUp, StateStart, StateRestart}

func (s State) String() string {
	if s == Lifecycle {
		return "lifecycle"
	}
	return string(s)
}

// Destination maps a condition result to the state to move to.
type Destination map[bool]State

// To is the canonical destination for an unconditional transition.
func To(s State) Destination { return Destination{true: s} }

// Branch moves to onTrue or onFalse depending on the result.
func Branch(onTrue, onFalse State) Destination {
	return Destination{true: onTrue, false: onFalse}
}

// Lookup returns the state for result, if any.
func (d Destination) Lookup(result bool) (State, bool) {
	if d == nil {
		return "", false
	}
	s, ok := d[result]
	return s, ok && s != ""
}

func (d Destination) String() string {
	if d == nil {
		return "none"
	}
	return fmt.Sprintf("{true => %s, false => %s}", orNone(d[true]), orNone(d[false]))
}

func orNone(s State) string {
	if s == "" {
		return "none"
	}
	return string(s)
}

// StateChange is the payload of a state_change broadcast.
type StateChange struct {
	From State
	To   State
}

// EventStateChange is the broadcast name for completed moves.
const EventStateChange = "state_change"

func containsState(states []State, s State) bool {
	return slices.Contains(states, s)
}
