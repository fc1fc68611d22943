package rotation

import (
	"time"

	"github.com/google/uuid"

	dserrors "github.com/systmms/rotord/internal/errors"
)

// Job is one execution of the state machine for a secret class. Jobs are
// persisted after every transition and archived, never deleted, once
// terminal and older than the retention window.
type Job struct {
	ID          string     `json:"id"`
	ClassID     string     `json:"class_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *JobError  `json:"error,omitempty"`

	DryRun           bool   `json:"dry_run,omitempty"`
	Force            bool   `json:"force,omitempty"`
	TriggeredBy      string `json:"triggered_by"`
	ApprovalRequired bool   `json:"approval_required,omitempty"`

	// Version bookkeeping. OldVersionID is the active version observed
	// before minting and is the expected value of the activation CAS.
	OldVersionID string `json:"old_version_id,omitempty"`
	NewVersionID string `json:"new_version_id,omitempty"`
	NewVersion   int    `json:"new_version_number,omitempty"`
	BackupRef    string `json:"backup_ref,omitempty"`

	// ActivationIssued is set, and persisted, immediately before the CAS
	// call so a restarted engine reconciles instead of re-issuing it.
	ActivationIssued bool `json:"activation_issued,omitempty"`

	DependentFailures int  `json:"dependent_failures,omitempty"`
	CancelRequested   bool `json:"cancel_requested,omitempty"`
	Archived          bool `json:"archived,omitempty"`

	// Outcome is a short machine readable result, e.g. "rotated", "dry-run".
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobError records why a job did not complete.
type JobError struct {
	Kind    dserrors.Kind `json:"kind"`
	Message string        `json:"message"`
	State   State         `json:"state"`
}

func (e *JobError) Error() string {
	return string(e.Kind) + " in " + string(e.State) + ": " + e.Message
}

// NewJob creates a PENDING job.
func NewJob(classID, triggeredBy string, scheduledAt, now time.Time) *Job {
	return &Job{
		ID:          uuid.NewString(),
		ClassID:     classID,
		ScheduledAt: scheduledAt.UTC(),
		State:       StatePending,
		TriggeredBy: triggeredBy,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// IsTerminal reports whether the job has finished.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Status is what GetStatus reports for a class.
type Status struct {
	ClassID       string        `json:"class_id" yaml:"class_id"`
	LastRotation  *time.Time    `json:"last_rotation,omitempty" yaml:"last_rotation,omitempty"`
	NextDue       *time.Time    `json:"next_due,omitempty" yaml:"next_due,omitempty"`
	CurrentState  State         `json:"current_state,omitempty" yaml:"current_state,omitempty"`
	CurrentJobID  string        `json:"current_job_id,omitempty" yaml:"current_job_id,omitempty"`
	ActiveVersion string        `json:"active_version,omitempty" yaml:"active_version,omitempty"`
	LastError     *JobError     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Halted        bool          `json:"halted,omitempty" yaml:"halted,omitempty"`
	HaltReason    string        `json:"halt_reason,omitempty" yaml:"halt_reason,omitempty"`
	Disabled      bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Frequency     time.Duration `json:"rotation_frequency" yaml:"rotation_frequency"`
}

// ClassState is the persisted per-class scheduling state. It lives in the
// state store, never in process memory, so any replica can take over.
type ClassState struct {
	ClassID        string     `json:"class_id"`
	LastRotationAt *time.Time `json:"last_rotation_at,omitempty"`
	LastJobID      string     `json:"last_job_id,omitempty"`
	LastError      *JobError  `json:"last_error,omitempty"`
	Halted         bool       `json:"halted,omitempty"`
	HaltReason     string     `json:"halt_reason,omitempty"`
	HaltedAt       *time.Time `json:"halted_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobFilter selects jobs from the state store.
type JobFilter struct {
	ClassID         string
	States          []State
	NonTerminal     bool
	IncludeArchived bool
	DueBefore       *time.Time
	Limit           int
}

// Matches reports whether a job passes the filter.
func (f JobFilter) Matches(j *Job) bool {
	if f.ClassID != "" && j.ClassID != f.ClassID {
		return false
	}
	if f.NonTerminal && j.IsTerminal() {
		return false
	}
	if !f.IncludeArchived && j.Archived {
		return false
	}
	if f.DueBefore != nil && j.ScheduledAt.After(*f.DueBefore) {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if j.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
