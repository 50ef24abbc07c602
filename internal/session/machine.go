// Package session runs live conversations: the per-call state machine, turn
// taking over carrier webhooks or a media stream, and terminal handling.
package session

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidState = errors.New("session: invalid state transition")

type State int

const (
	AwaitingStart State = iota
	Greeting
	Listening
	Processing
	Speaking
	Ended
)

func (s State) String() string {
	switch s {
	case AwaitingStart:
		return "awaiting_start"
	case Greeting:
		return "greeting"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions is the only place allowed moves are defined.
var transitions = map[State][]State{
	AwaitingStart: {Greeting, Ended},
	Greeting:      {Listening, Ended},
	Listening:     {Processing, Ended},
	Processing:    {Speaking, Listening, Ended},
	Speaking:      {Listening, Ended},
	Ended:         {},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine guards one session's state. It is safe for concurrent use by the
// stream read loop and the worker.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine {
	return &Machine{state: AwaitingStart}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves to next or returns ErrInvalidState and leaves the state unchanged.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, m.state, next)
	}
	m.state = next
	return nil
}

// From moves from -> to only if the machine is currently in from.
func (m *Machine) From(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from || !CanTransition(from, to) {
		return false
	}
	m.state = to
	return true
}

// End moves to Ended from anywhere. It reports false if already ended.
func (m *Machine) End() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Ended {
		return false
	}
	m.state = Ended
	return true
}

func (m *Machine) AcceptsAudio() bool {
	return m.State() == Listening
}
