package rotation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotDue is returned by Rotate when the class is not due and force is
	// not set. No job is created.
	ErrNotDue = errors.New("rotation not due")
)

// Store persists engine state. Implementations must make CreateJobIfIdle
// atomic so that a class never has two non-terminal jobs, even across
// engine replicas sharing one store.
type Store interface {
	// CreateJobIfIdle inserts job unless its class already has a
	// non-terminal job, in which case that job is returned and created is
	// false.
	CreateJobIfIdle(ctx context.Context, job *Job) (created bool, existing *Job, err error)
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// GetClassState returns the persisted class state, or an empty state
	// for classes that were never scheduled.
	GetClassState(ctx context.Context, classID string) (*ClassState, error)
	SaveClassState(ctx context.Context, state *ClassState) error

	// AcquireLease takes or renews the named lease for holder until
	// now+ttl. It reports false when another holder has an unexpired lease.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}
