package proto

import "fmt"

// Phase is the high-level stage of the implementation loop.
type Phase string

const (
	// PhasePlanning covers the Architect session.
	PhasePlanning Phase = "planning"
	// PhaseExecution covers the Driver/Navigator inner loop.
	PhaseExecution Phase = "execution"
	// PhaseReview covers a Navigator code review in progress.
	PhaseReview Phase = "review"
	// PhaseComplete is terminal.
	PhaseComplete Phase = "complete"
)

// String implements the Stringer interface.
func (p Phase) String() string {
	return string(p)
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhasePlanning, PhaseExecution, PhaseReview, PhaseComplete:
		return Phase(s), nil
	default:
		return "", fmt.Errorf("invalid phase: %s", s)
	}
}

// ValidPhaseTransitions is the phase graph. Phases advance monotonically
// except for review going back to execution on a failed review.
var ValidPhaseTransitions = map[Phase][]Phase{
	PhasePlanning:  {PhaseExecution, PhaseComplete},
	PhaseExecution: {PhaseReview, PhaseComplete},
	PhaseReview:    {PhaseExecution, PhaseComplete},
	PhaseComplete:  {},
}

// IsValidPhaseTransition reports whether from -> to is allowed.
func IsValidPhaseTransition(from, to Phase) bool {
	for _, next := range ValidPhaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// State is a lifecycle state of the implementation loop. States are a
// superset of phases: INIT and FAILED have no phase equivalent.
type State string

const (
	StateInit      State = "INIT"
	StatePlanning  State = "PLANNING"
	StateExecuting State = "EXECUTING"
	StateReviewing State = "REVIEWING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
)

// String implements the Stringer interface.
func (s State) String() string {
	return string(s)
}

// ValidStateTransitions is the loop's transition table. COMPLETE and FAILED
// are terminal.
var ValidStateTransitions = map[State][]State{
	StateInit:      {StatePlanning, StateFailed},
	StatePlanning:  {StateExecuting, StateFailed},
	StateExecuting: {StateReviewing, StateComplete, StateFailed},
	StateReviewing: {StateExecuting, StateComplete, StateFailed},
	StateComplete:  {},
	StateFailed:    {},
}

// IsValidStateTransition reports whether from -> to is allowed.
func IsValidStateTransition(from, to State) bool {
	for _, next := range ValidStateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether the state has no outgoing transitions.
func IsTerminalState(s State) bool {
	return len(ValidStateTransitions[s]) == 0
}
