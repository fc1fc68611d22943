package backup

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a restore operation.
type State string

const (
	// StateIdle indicates no restore is in progress.
	StateIdle State = "idle"

	// StateTriggered indicates a restore has been requested but not started.
	StateTriggered State = "triggered"

	// StateInProgress indicates the previous version is being re-activated.
	StateInProgress State = "in_progress"

	// StateVerifying indicates the store is being checked for the restored version.
	StateVerifying State = "verifying"

	// StateCompleted indicates the restore completed successfully.
	StateCompleted State = "completed"

	// StateFailed indicates the restore failed.
	StateFailed State = "failed"
)

// IsTerminal returns true if this is a terminal state (completed or failed).
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ValidTransitions defines allowed restore state transitions.
var ValidTransitions = map[State][]State{
	StateIdle:       {StateTriggered},
	StateTriggered:  {StateInProgress, StateFailed},
	StateInProgress: {StateVerifying, StateFailed},
	StateVerifying:  {StateCompleted, StateFailed},
	StateCompleted:  {StateIdle},
	StateFailed:     {StateIdle, StateTriggered},
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

// Transition is one recorded state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RestoreInfo tracks the restore of one class.
type RestoreInfo struct {
	mu sync.RWMutex

	Current       State
	ClassID       string
	TargetVersion string
	FailedVersion string
	Reason        string
	StartedAt     time.Time
	CompletedAt   time.Time
	Err           error
	Transitions   []Transition
	Attempts      int
}

// NewRestoreInfo creates idle restore state for a class.
func NewRestoreInfo(classID string) *RestoreInfo {
	return &RestoreInfo{Current: StateIdle, ClassID: classID}
}

// TransitionTo moves to newState at the given time.
func (ri *RestoreInfo) TransitionTo(newState State, reason string, err error, at time.Time) error {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	if !ri.Current.CanTransitionTo(newState) {
		return fmt.Errorf("invalid restore transition from %s to %s", ri.Current, newState)
	}

	t := Transition{From: ri.Current, To: newState, Reason: reason, Timestamp: at}
	if err != nil {
		t.Error = err.Error()
	}
	ri.Transitions = append(ri.Transitions, t)
	ri.Current = newState

	if newState == StateTriggered {
		if ri.StartedAt.IsZero() {
			ri.StartedAt = at
		}
		ri.Attempts++
	}
	if newState.IsTerminal() {
		ri.CompletedAt = at
		ri.Err = err
	}
	return nil
}

// State returns the current state.
func (ri *RestoreInfo) State() State {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.Current
}

// AttemptCount returns the number of attempts so far.
func (ri *RestoreInfo) AttemptCount() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.Attempts
}

// Duration returns how long the restore took, or 0 if unfinished.
func (ri *RestoreInfo) Duration() time.Duration {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	if ri.StartedAt.IsZero() || ri.CompletedAt.IsZero() {
		return 0
	}
	return ri.CompletedAt.Sub(ri.StartedAt)
}
