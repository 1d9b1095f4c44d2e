package driver

import (
	"errors"
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// State is the driver's position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateCatchingUp State = "catching_up"
	StateSteady     State = "steady"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle:       {StateCatchingUp, StateSteady, StateFailed, StateStopped},
	StateCatchingUp: {StateSteady, StateFailed, StateStopped},
	StateSteady:     {StateCatchingUp, StateFailed, StateStopped},
	StateFailed:     {},
	StateStopped:    {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the driver has stopped consuming blocks.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateStopped
}

// Health maps a state to the health written to the progress store.
// Stopped keeps whatever was computed last, so it reports false.
func (s State) Health() (domain.Health, bool) {
	switch s {
	case StateIdle, StateCatchingUp, StateSteady:
		return domain.HealthHealthy, true
	case StateFailed:
		return domain.HealthFailed, true
	}
	return "", false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - progress not read yet"
	case StateCatchingUp:
		return "Catching up - behind the buffer head"
	case StateSteady:
		return "Steady - following the buffer head"
	case StateFailed:
		return "Failed - halted on a fatal error, needs reassignment"
	case StateStopped:
		return "Stopped - halted by request or stop block"
	default:
		return "Unknown state"
	}
}
