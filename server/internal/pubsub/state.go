package pubsub

import (
	"errors"
	"fmt"
	"sync"
)

// State is the broker connection state.
type State int

const (
	Disconnected State = iota
	Connecting
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
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrIllegalTransition is returned for a transition the machine does not allow.
var ErrIllegalTransition = errors.New("pubsub: illegal state transition")

// legal lists the allowed transitions:
//
//	Disconnected -> Connecting
//	Connecting   -> Connected | Disconnected
//	Connected    -> Disconnected
var legal = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine guards the connection state. The zero value starts Disconnected.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewMachine returns a Disconnected machine that calls onChange after every
// successful transition. onChange may be nil.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next, or returns ErrIllegalTransition and stays put.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	from := m.state
	ok := false
	for _, s := range legal[from] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	m.state = next
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, next)
	}
	return nil
}
