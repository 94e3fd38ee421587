package binding

import (
	"github.com/ophyd-epics-devices/epicsdev/pkg/connection"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
)

// State is the connection state of a binding.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// stateOf maps the connection manager states onto binding states. A binding
// waiting for a reconnect is Disconnected; a failed explicit attempt is Error.
func stateOf(s connection.State) State {
	switch s {
	case connection.StateConnecting:
		return StateConnecting
	case connection.StateConnected:
		return StateConnected
	case connection.StateFailed:
		return StateError
	default:
		return StateDisconnected
	}
}

// EventKind distinguishes value updates from state transitions.
type EventKind uint8

const (
	EventValue EventKind = iota
	EventState
)

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind

	// PV is the canonical PV name.
	PV string

	// State is the binding state when the event was queued.
	State State

	// Value is set for EventValue.
	Value pvdata.Value

	// Err is the reason for a Disconnected or Error transition.
	Err error
}
