package rotation

import (
	"fmt"
)

// State is the state of a rotation job.
type State string

const (
	StatePending      State = "PENDING"
	StateHealthCheck  State = "HEALTH_CHECK"
	StateApprovalWait State = "APPROVAL_WAIT"
	StateGenerating   State = "GENERATING"
	StateDistributing State = "DISTRIBUTING"
	StateValidating   State = "VALIDATING"
	StateActivating   State = "ACTIVATING"
	StateCleanup      State = "CLEANUP"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateRolledBack   State = "ROLLED_BACK"
	StateCancelled    State = "CANCELLED"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for COMPLETED, FAILED, ROLLED_BACK and CANCELLED.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack, StateCancelled:
		return true
	}
	return false
}

// ValidTransitions defines the job graph. Jobs only move forward. FAILED is
// reachable from HEALTH_CHECK onward and ROLLED_BACK once a version exists.
var ValidTransitions = map[State][]State{
	StatePending:      {StateHealthCheck, StateCancelled, StateFailed},
	StateHealthCheck:  {StateApprovalWait, StateGenerating, StateCompleted, StateFailed, StateCancelled},
	StateApprovalWait: {StateGenerating, StateFailed, StateCancelled},
	StateGenerating:   {StateDistributing, StateFailed, StateRolledBack, StateCancelled},
	StateDistributing: {StateValidating, StateFailed, StateRolledBack, StateCancelled},
	StateValidating:   {StateActivating, StateFailed, StateRolledBack, StateCancelled},
	StateActivating:   {StateCleanup, StateFailed, StateRolledBack},
	StateCleanup:      {StateCompleted, StateFailed, StateRolledBack},
	StateCompleted:    {},
	StateFailed:       {},
	StateRolledBack:   {},
	StateCancelled:    {},
}

// CanTransitionTo checks if a transition from current state to new state is valid.
func (s State) CanTransitionTo(newState State) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == newState {
			return true
		}
	}
	return false
}

// Cancellable reports whether an operator may cancel a job in this state,
// and whether doing so needs the minted version revoked first.
func (s State) Cancellable() (ok bool, compensate bool) {
	switch s {
	case StatePending, StateHealthCheck, StateApprovalWait:
		return true, false
	case StateGenerating, StateDistributing, StateValidating:
		return true, true
	}
	return false, false
}

// Mutated reports whether the store may have been written by a job that
// reached this state.
func (s State) Mutated() bool {
	switch s {
	case StatePending, StateHealthCheck, StateApprovalWait:
		return false
	}
	return true
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := ValidTransitions[st]; !ok {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return st, nil
}
