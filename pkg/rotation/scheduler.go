package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/audit"
	"github.com/systmms/rotord/pkg/secretstore"
)

// SchedulerLease is the lease that elects the scheduling replica.
const SchedulerLease = "scheduler"

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// InstanceID is the lease holder identity of this replica.
	InstanceID string

	// StaggerWindow spreads simultaneously due jobs over [0, window).
	StaggerWindow time.Duration

	TickInterval time.Duration
	LeaseTTL     time.Duration

	// FailureCooldown keeps a class whose last job did not complete from
	// being rescheduled on every tick.
	FailureCooldown time.Duration
}

// Scheduler enqueues jobs for classes that are due. All scheduling state
// lives in the store so any replica holding the lease can take over.
type Scheduler struct {
	c      Components
	config SchedulerConfig
	logger *logging.Logger

	// scheduled is called after a tick created at least one job.
	scheduled func()
}

// NewScheduler creates a scheduler.
func NewScheduler(c Components, config SchedulerConfig) *Scheduler {
	c = c.withDefaults()
	if config.TickInterval <= 0 {
		config.TickInterval = time.Minute
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 3 * config.TickInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = "rotord"
	}
	return &Scheduler{c: c, config: config, logger: c.Logger.With("scheduler")}
}

// Tick creates a job for every due class that has none in flight. Only the
// lease holder schedules; other replicas return without doing anything.
func (s *Scheduler) Tick(ctx context.Context) ([]*Job, error) {
	now := s.c.Clock.Now().UTC()
	leader, err := s.c.Store.AcquireLease(ctx, SchedulerLease, s.config.InstanceID, s.config.LeaseTTL, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire scheduler lease: %w", err)
	}
	if !leader {
		s.logger.Debug("Not the scheduling instance, skipping tick")
		return nil, nil
	}

	var due []policy.SecretClass
	for _, class := range s.c.Policies.List() {
		if class.Disabled {
			continue
		}
		ok, err := s.shouldSchedule(ctx, class, now)
		if err != nil {
			s.logger.Warn("Cannot decide whether %s is due: %v", class.ID, err)
			continue
		}
		if ok {
			due = append(due, class)
		}
	}

	offsets := Stagger(len(due), s.config.StaggerWindow)
	var created []*Job
	for i, class := range due {
		job := NewJob(class.ID, "scheduler", now.Add(offsets[i]), now)
		ok, _, err := s.c.Store.CreateJobIfIdle(ctx, job)
		if err != nil {
			return created, fmt.Errorf("failed to create job for %s: %w", class.ID, err)
		}
		if !ok {
			continue
		}
		if _, err := s.c.Audit.Record(ctx, audit.Record{
			JobID:    job.ID,
			ClassID:  class.ID,
			Actor:    "scheduler",
			Action:   audit.ActionJobCreated,
			NewState: string(StatePending),
			Result:   audit.ResultSuccess,
			Message:  "scheduled for " + job.ScheduledAt.Format(time.RFC3339),
		}); err != nil {
			return created, err
		}
		s.logger.Info("Scheduled rotation of %s at %s", class.ID, job.ScheduledAt.Format(time.RFC3339))
		created = append(created, job)
	}
	if len(created) > 0 && s.scheduled != nil {
		s.scheduled()
	}
	return created, nil
}

func (s *Scheduler) shouldSchedule(ctx context.Context, class policy.SecretClass, now time.Time) (bool, error) {
	inflight, err := s.c.Store.ListJobs(ctx, JobFilter{ClassID: class.ID, NonTerminal: true, Limit: 1})
	if err != nil {
		return false, err
	}
	if len(inflight) > 0 {
		return false, nil
	}

	st, err := s.c.Store.GetClassState(ctx, class.ID)
	if err != nil {
		return false, err
	}
	if st.Halted {
		return false, nil
	}
	if st.LastError != nil && s.config.FailureCooldown > 0 && now.Sub(st.UpdatedAt) < s.config.FailureCooldown {
		return false, nil
	}
	return s.isDue(ctx, class, st, now)
}

func (s *Scheduler) isDue(ctx context.Context, class policy.SecretClass, st *ClassState, now time.Time) (bool, error) {
	last, err := s.lastRotation(ctx, class.ID, st)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return now.Sub(*last) >= class.RotationFrequency.Std(), nil
}

// lastRotation prefers the persisted schedule state and falls back to the
// creation time of the active version. nil means the class never rotated.
func (s *Scheduler) lastRotation(ctx context.Context, classID string, st *ClassState) (*time.Time, error) {
	if st.LastRotationAt != nil {
		t := *st.LastRotationAt
		return &t, nil
	}
	active, err := s.c.Client.GetMetadata(ctx, classID)
	if err != nil {
		var nf secretstore.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	t := active.CreatedAt
	return &t, nil
}

// Run ticks until ctx is done, then gives up the lease.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		if err := s.c.Store.ReleaseLease(context.Background(), SchedulerLease, s.config.InstanceID); err != nil {
			s.logger.Warn("Failed to release scheduler lease: %v", err)
		}
	}()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.c.Clock.After(s.config.TickInterval):
		}
	}
}

// Stagger returns n start offsets in [0, window). Slot i is drawn uniformly
// from [i*window/n, (i+1)*window/n) and slots are shuffled, so the offsets
// cover the whole window regardless of n.
func Stagger(n int, window time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	if n == 0 || window <= 0 {
		return out
	}
	width := window / time.Duration(n)
	for i := range out {
		out[i] = time.Duration(i) * width
		if width > 0 {
			out[i] += time.Duration(rand.Int64N(int64(width)))
		}
	}
	rand.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
