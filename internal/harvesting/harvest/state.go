package harvest

import (
	"errors"
	"slices"
	"time"
)

// State is a phase of one harvest run.
type State string

const (
	StateStarted       State = "STARTED"
	StateFetching      State = "FETCHING"
	StateCheckpointing State = "CHECKPOINTING"
	StateSucceeded     State = "SUCCEEDED"
	StateAborted       State = "ABORTED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateStarted:       {StateFetching},
	StateFetching:      {StateFetching, StateCheckpointing, StateSucceeded},
	StateCheckpointing: {StateFetching, StateAborted},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateAborted
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// machine records the path one run takes through the states.
type machine struct {
	current State
	history []Transition
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{current: StateStarted, now: now}
}

func (m *machine) to(next State, reason string) error {
	if !CanTransition(m.current, next) {
		return ErrInvalidTransition
	}
	m.history = append(m.history, Transition{
		From:      m.current,
		To:        next,
		Reason:    reason,
		Timestamp: m.now(),
	})
	m.current = next
	return nil
}
