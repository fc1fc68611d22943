package notifications

import (
	"strings"
	"time"
)

// EventType represents the type of rotation event.
type EventType string

const (
	// EventTypeStarted indicates a job has left PENDING.
	EventTypeStarted EventType = "started"

	// EventTypeCompleted indicates a job completed (including dry runs).
	EventTypeCompleted EventType = "completed"

	// EventTypeFailed indicates a job failed.
	EventTypeFailed EventType = "failed"

	// EventTypeRollback indicates a job ended ROLLED_BACK.
	EventTypeRollback EventType = "rollback"

	// EventTypeCancelled indicates an operator cancelled a job.
	EventTypeCancelled EventType = "cancelled"

	// EventTypeApproval indicates a job is waiting for approvals.
	EventTypeApproval EventType = "approval"

	// EventTypeIncident indicates an incident report was opened for operator
	// review, such as a class halt or an activation conflict.
	EventTypeIncident EventType = "incident"
)

// RotationEvent represents a rotation lifecycle event for notifications.
// It never carries secret material.
type RotationEvent struct {
	// Type is the type of event.
	Type EventType

	// JobID identifies the rotation job.
	JobID string

	// ClassID is the secret class being rotated.
	ClassID string

	// Outcome is the job's terminal state or "dry-run".
	Outcome string

	// Kind is the error classification when the job did not succeed.
	Kind string

	// Error is the last error message, if any.
	Error string

	// Severity is set on incident events.
	Severity string

	// Duration is how long the job took.
	Duration time.Duration

	// Metadata contains additional context such as version IDs.
	Metadata map[string]string

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// TriggeredBy indicates who or what initiated the rotation.
	TriggeredBy string
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeStarted,
		EventTypeCompleted,
		EventTypeFailed,
		EventTypeRollback,
		EventTypeCancelled,
		EventTypeApproval,
		EventTypeIncident,
	}
}

// EventForOutcome maps a terminal job state to the event announcing it.
func EventForOutcome(outcome string) EventType {
	switch outcome {
	case "FAILED":
		return EventTypeFailed
	case "ROLLED_BACK":
		return EventTypeRollback
	case "CANCELLED":
		return EventTypeCancelled
	default:
		return EventTypeCompleted
	}
}

func supports(events []string, eventType EventType) bool {
	for _, e := range events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}
