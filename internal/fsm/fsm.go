// Package fsm defines the control-channel states of the instance bus and the
// transitions senders and the listener may apply to them.
package fsm

import (
	"errors"
	"fmt"
)

// State is the value stored in the one-byte control channel.
type State uint8

type Event string

const (
	StateIdle         State = 0
	StateNewDocument  State = 1
	StateOpenDocument State = 2
)

const (
	EventRequestNew  Event = "request-new"
	EventRequestOpen Event = "request-open"
	EventDrain       Event = "drain"
)

// ErrBusy reports a request event against a channel that already carries a request.
var ErrBusy = errors.New("request already in flight")

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNewDocument:
		return "new-document"
	case StateOpenDocument:
		return "open-document"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Known reports whether s is one of the defined control values.
func (s State) Known() bool {
	return s <= StateOpenDocument
}

// IsRequest reports whether s carries a pending request.
func (s State) IsRequest() bool {
	return s == StateNewDocument || s == StateOpenDocument
}

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventRequestNew:
			return StateNewDocument, nil
		case EventRequestOpen:
			return StateOpenDocument, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateNewDocument, StateOpenDocument:
		switch event {
		case EventDrain:
			return StateIdle, nil
		case EventRequestNew, EventRequestOpen:
			return current, ErrBusy
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
