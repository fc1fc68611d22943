package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/systmms/rotord/internal/config"
	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/audit"
	"github.com/systmms/rotord/pkg/secretstore"
)

// ErrJobBusy is returned when another engine instance holds a job's lease.
var ErrJobBusy = errors.New("job is being run by another instance")

// Engine is the trigger, approval and status interface of the rotation
// system. It owns the scheduler, the orchestrator and the worker pool.
type Engine struct {
	c            Components
	config       config.EngineConfig
	holder       string
	orchestrator *Orchestrator
	scheduler    *Scheduler
	logger       *logging.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	claimed map[string]bool
}

// NewEngine wires an engine. It installs itself as the approval gate's
// quorum callback.
func NewEngine(cfg config.EngineConfig, c Components) *Engine {
	c = c.withDefaults()
	if cfg.MaxConcurrentRotations <= 0 {
		cfg.MaxConcurrentRotations = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = config.Duration(3 * time.Minute)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.Duration(time.Minute)
	}
	e := &Engine{
		c:      c,
		config: cfg,
		// Distinct per process so a CLI invocation and a server on the
		// same host never share a job lease.
		holder:       cfg.InstanceID + "/" + uuid.NewString()[:8],
		orchestrator: NewOrchestrator(c, cfg.MaxBackoff.Std()),
		scheduler: NewScheduler(c, SchedulerConfig{
			InstanceID:      cfg.InstanceID,
			StaggerWindow:   cfg.StaggerWindow.Std(),
			TickInterval:    cfg.TickInterval.Std(),
			LeaseTTL:        cfg.LeaseTTL.Std(),
			FailureCooldown: cfg.MaxBackoff.Std(),
		}),
		logger:  c.Logger.With("engine"),
		wake:    make(chan struct{}, 1),
		claimed: make(map[string]bool),
	}
	e.scheduler.scheduled = e.poke
	if c.Approvals != nil {
		c.Approvals.OnQuorum = e.onQuorum
	}
	return e
}

// Scheduler returns the engine's scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Orchestrator returns the engine's orchestrator.
func (e *Engine) Orchestrator() *Orchestrator { return e.orchestrator }

func (e *Engine) now() time.Time {
	return e.c.Clock.Now().UTC()
}

// Rotate requests a rotation of a class. When the class already has a job
// in flight that job is returned. When the class is not due and force is
// not set, ErrNotDue is returned and no job is created. Dry runs ignore the
// schedule.
func (e *Engine) Rotate(ctx context.Context, classID string, force, dryRun bool, actor string) (*Job, error) {
	if actor == "" {
		actor = "cli"
	}
	class, err := e.c.Policies.Get(classID)
	if err != nil {
		return nil, err
	}
	if class.Disabled && !force {
		return nil, dserrors.UserError{
			Message:    fmt.Sprintf("Class %s is disabled", classID),
			Suggestion: "Enable the class in its policy or pass --force",
			Err:        dserrors.Ef(dserrors.KindPolicy, "class %s is disabled", classID),
		}
	}
	st, err := e.c.Store.GetClassState(ctx, classID)
	if err != nil {
		return nil, err
	}
	if st.Halted {
		return nil, dserrors.UserError{
			Message:    fmt.Sprintf("Automated rotation of %s is halted", classID),
			Details:    st.HaltReason,
			Suggestion: fmt.Sprintf("Review the incident report, then run: rotord policy resume %s", classID),
			Err:        dserrors.Ef(dserrors.KindPolicy, "class %s is halted", classID),
		}
	}

	inflight, err := e.c.Store.ListJobs(ctx, JobFilter{ClassID: classID, NonTerminal: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(inflight) > 0 {
		return inflight[0], nil
	}

	now := e.now()
	if !force && !dryRun {
		due, err := e.scheduler.isDue(ctx, class, st, now)
		if err != nil {
			return nil, err
		}
		if !due {
			return nil, ErrNotDue
		}
	}

	job := NewJob(classID, actor, now, now)
	job.Force = force
	job.DryRun = dryRun
	created, existing, err := e.c.Store.CreateJobIfIdle(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		return existing, nil
	}

	msg := "requested"
	switch {
	case dryRun:
		msg = "dry run requested"
	case force:
		msg = "forced rotation requested"
	}
	if _, err := e.c.Audit.Record(ctx, audit.Record{
		JobID:    job.ID,
		ClassID:  classID,
		Actor:    actor,
		Action:   audit.ActionJobCreated,
		NewState: string(StatePending),
		Result:   audit.ResultSuccess,
		Message:  msg,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("Rotation of %s requested by %s (job %s)", classID, actor, job.ID)
	e.poke()
	return job, nil
}

// Execute advances a job in this process until it is terminal or waiting
// for approval. It holds the job's lease for the duration.
func (e *Engine) Execute(ctx context.Context, jobID string) (*Job, error) {
	name := "job:" + jobID
	ttl := e.config.LeaseTTL.Std()
	ok, err := e.c.Store.AcquireLease(ctx, name, e.holder, ttl, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobBusy, jobID)
	}
	defer func() {
		if err := e.c.Store.ReleaseLease(context.Background(), name, e.holder); err != nil {
			e.logger.Warn("Failed to release lease of job %s: %v", jobID, err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.renew(ctx, name, cancel)

	return e.orchestrator.Advance(ctx, jobID)
}

// renew keeps a job lease alive and cancels the job when it is lost.
func (e *Engine) renew(ctx context.Context, name string, lost context.CancelFunc) {
	ttl := e.config.LeaseTTL.Std()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.c.Clock.After(ttl / 3):
		}
		ok, err := e.c.Store.AcquireLease(ctx, name, e.holder, ttl, e.now())
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("Failed to renew lease %s: %v", name, err)
			}
			continue
		}
		if !ok {
			e.logger.Error("Lost lease %s, stopping", name)
			lost()
			return
		}
	}
}

// GetStatus reports the schedule and current state of a class.
func (e *Engine) GetStatus(ctx context.Context, classID string) (*Status, error) {
	class, err := e.c.Policies.Get(classID)
	if err != nil {
		return nil, err
	}
	st, err := e.c.Store.GetClassState(ctx, classID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		ClassID:    classID,
		Halted:     st.Halted,
		HaltReason: st.HaltReason,
		Disabled:   class.Disabled,
		Frequency:  class.RotationFrequency.Std(),
		LastError:  st.LastError,
	}

	last, err := e.scheduler.lastRotation(ctx, classID, st)
	if err != nil {
		e.logger.Warn("Cannot read last rotation of %s: %v", classID, err)
	}
	status.LastRotation = last
	next := e.now()
	if last != nil {
		next = last.Add(status.Frequency)
	}
	status.NextDue = &next

	active, err := e.c.Client.GetMetadata(ctx, classID)
	var nf secretstore.NotFoundError
	switch {
	case err == nil:
		status.ActiveVersion = active.ID
	case !errors.As(err, &nf):
		e.logger.Warn("Cannot read active version of %s: %v", classID, err)
	}

	inflight, err := e.c.Store.ListJobs(ctx, JobFilter{ClassID: classID, NonTerminal: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	switch {
	case len(inflight) > 0:
		status.CurrentState = inflight[0].State
		status.CurrentJobID = inflight[0].ID
	case st.LastJobID != "":
		if last, err := e.c.Store.GetJob(ctx, st.LastJobID); err == nil {
			status.CurrentState = last.State
			status.CurrentJobID = last.ID
		}
	}
	return status, nil
}

// Statuses returns the status of every registered class.
func (e *Engine) Statuses(ctx context.Context) ([]*Status, error) {
	var out []*Status
	for _, class := range e.c.Policies.List() {
		st, err := e.GetStatus(ctx, class.ID)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Job returns a job by ID.
func (e *Engine) Job(ctx context.Context, jobID string) (*Job, error) {
	return e.c.Store.GetJob(ctx, jobID)
}

// Jobs lists jobs.
func (e *Engine) Jobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return e.c.Store.ListJobs(ctx, filter)
}

// Approve records an approval for a job waiting in APPROVAL_WAIT and
// reports whether quorum is reached. Outside Run the job is resumed in the
// calling process.
func (e *Engine) Approve(ctx context.Context, jobID, actor string) (bool, error) {
	actor = strings.TrimSpace(actor)
	job, err := e.c.Store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.State != StateApprovalWait {
		return false, dserrors.UserError{
			Message: fmt.Sprintf("Job %s is not waiting for approval", jobID),
			Details: "current state: " + string(job.State),
			Err:     dserrors.Ef(dserrors.KindConflict, "job %s is %s", jobID, job.State),
		}
	}

	before, err := e.c.Approvals.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	reached, err := e.c.Approvals.Approve(ctx, jobID, actor)
	if err != nil {
		return false, err
	}
	req, err := e.c.Approvals.Get(ctx, jobID)
	if err != nil {
		return reached, err
	}

	// Repeat approvals and approvals after quorum are kept apart from the
	// ones that counted.
	rec := audit.Record{
		JobID:   jobID,
		ClassID: job.ClassID,
		Actor:   actor,
		Action:  audit.ActionApprovalGranted,
		Result:  audit.ResultPending,
		Message: fmt.Sprintf("%d of %d approvals", len(req.Approvals), req.ApproversRequired),
	}
	switch {
	case before.HasApproved(actor) || !req.HasApproved(actor):
		rec.Action = audit.ActionApprovalIgnored
		rec.Result = ""
		if before.HasApproved(actor) {
			rec.Message = "repeat approval, " + rec.Message
		} else {
			rec.Message = "approval after request was " + string(req.Status) + ", " + rec.Message
		}
	case reached:
		rec.Result = audit.ResultSuccess
	}
	if _, err := e.c.Audit.Record(ctx, rec); err != nil {
		return reached, err
	}

	if reached && !e.isRunning() {
		if _, err := e.Execute(ctx, jobID); err != nil && !errors.Is(err, ErrJobBusy) {
			return reached, err
		}
	}
	return reached, nil
}

func (e *Engine) onQuorum(_ context.Context, req *approval.Request) {
	e.logger.Info("Quorum reached for job %s (%s)", req.JobID, req.ClassID)
	e.poke()
}

// PendingApprovals lists approval requests still collecting approvals.
func (e *Engine) PendingApprovals(ctx context.Context) ([]*approval.Request, error) {
	return e.c.Approvals.ListPending(ctx)
}

// Cancel stops a job. Jobs that have not minted a version are cancelled
// directly, jobs that have get their pending version abandoned first. Jobs
// in ACTIVATING or CLEANUP cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID, actor string) (*Job, error) {
	if actor == "" {
		actor = "cli"
	}
	job, err := e.c.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, dserrors.Ef(dserrors.KindConflict, "job %s already finished %s", jobID, job.State)
	}
	if ok, _ := job.State.Cancellable(); !ok {
		return job, dserrors.Ef(dserrors.KindConflict, "job %s is %s and can no longer be cancelled", jobID, job.State)
	}

	if _, err := e.c.Audit.Record(ctx, audit.Record{
		JobID:         jobID,
		ClassID:       job.ClassID,
		Actor:         actor,
		Action:        audit.ActionCancelRequested,
		PreviousState: string(job.State),
		Result:        audit.ResultPending,
	}); err != nil {
		return nil, err
	}

	e.orchestrator.RequestCancel(jobID, actor)
	job, err = e.Execute(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobBusy) {
			e.orchestrator.forgetCancel(jobID)
			return nil, dserrors.UserError{
				Message:    fmt.Sprintf("Job %s is running on another instance", jobID),
				Suggestion: fmt.Sprintf("Cancel it through that instance: POST /v1/jobs/%s/cancel", jobID),
				Err:        err,
			}
		}
		return job, err
	}
	if job.State != StateCancelled {
		return job, dserrors.Ef(dserrors.KindConflict, "job %s reached %s before the cancellation took effect", jobID, job.State)
	}
	return job, nil
}

// Recover advances every due non-terminal job once, in order. Jobs waiting
// for approvals that have not been decided are skipped.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	now := e.now()
	jobs, err := e.c.Store.ListJobs(ctx, JobFilter{NonTerminal: true, DueBefore: &now})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if !e.runnable(ctx, job) {
			continue
		}
		if _, err := e.Execute(ctx, job.ID); err != nil {
			if errors.Is(err, ErrJobBusy) {
				continue
			}
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			e.logger.Error("Job %s could not be resumed: %v", job.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// runnable reports whether advancing the job can make progress now.
func (e *Engine) runnable(ctx context.Context, job *Job) bool {
	if job.State != StateApprovalWait {
		return true
	}
	req, err := e.c.Approvals.Get(ctx, job.ID)
	if err != nil {
		return true
	}
	if req.Status != approval.StatusPending {
		return true
	}
	expired, err := e.c.Approvals.IsExpired(ctx, job.ID)
	return err == nil && expired
}

// SweepApprovals fails every job whose approval window closed without
// quorum and returns how many were failed.
func (e *Engine) SweepApprovals(ctx context.Context) (int, error) {
	expired, err := e.c.Approvals.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range expired {
		job, err := e.Execute(ctx, req.JobID)
		if err != nil {
			if errors.Is(err, ErrJobBusy) {
				continue
			}
			return n, err
		}
		if job.State == StateFailed {
			n++
		}
	}
	if pending, err := e.c.Approvals.ListPending(ctx); err == nil {
		e.c.Metrics.SetApprovalsPending(len(pending))
	}
	return n, nil
}

// Reap moves revoked-pending-grace versions whose grace period elapsed to
// revoked, and abandons pending versions no job owns. Classes with a job in
// flight are left alone.
func (e *Engine) Reap(ctx context.Context) (int, error) {
	now := e.now()
	reaped := 0
	for _, class := range e.c.Policies.List() {
		inflight, err := e.c.Store.ListJobs(ctx, JobFilter{ClassID: class.ID, NonTerminal: true, Limit: 1})
		if err != nil {
			return reaped, err
		}
		if len(inflight) > 0 {
			continue
		}
		versions, err := e.c.Client.ListVersions(ctx, class.ID)
		if err != nil {
			e.logger.Warn("Reaper cannot list versions of %s: %v", class.ID, err)
			continue
		}
		for _, v := range versions {
			var to secretstore.Status
			switch {
			case v.Status == secretstore.StatusRevokedPendingGrace && v.RevokedAt != nil &&
				!now.Before(v.RevokedAt.Add(class.GracePeriod.Std())):
				to = secretstore.StatusRevoked
			case v.Status == secretstore.StatusPending:
				to = secretstore.StatusAbandoned
			default:
				continue
			}
			rec := audit.Record{
				ClassID:   class.ID,
				Actor:     "reaper",
				Action:    audit.ActionVersionRevoked,
				Result:    audit.ResultSuccess,
				VersionID: v.ID,
				Message:   fmt.Sprintf("version %d moved from %s to %s", v.Number, v.Status, to),
			}
			if err := e.c.Client.Revoke(ctx, class.ID, v.ID, to); err != nil {
				e.logger.Warn("Reaper failed to move %s version %d to %s: %v", class.ID, v.Number, to, err)
				rec.Result = audit.ResultFailure
				rec.Kind = classify(err)
				rec.Message = err.Error()
			} else {
				reaped++
			}
			if _, err := e.c.Audit.Record(ctx, rec); err != nil {
				return reaped, err
			}
		}
	}
	if reaped > 0 {
		e.logger.Info("Reaper moved %d version(s)", reaped)
	}
	return reaped, nil
}

// Archive marks terminal jobs older than the job retention archived. Jobs
// are never deleted.
func (e *Engine) Archive(ctx context.Context) (int, error) {
	retention := e.config.JobRetention.Std()
	if retention <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-retention)
	jobs, err := e.c.Store.ListJobs(ctx, JobFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if !job.IsTerminal() || job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		job.Archived = true
		if err := e.c.Store.SaveJob(ctx, job); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PruneBackups deletes expired snapshots that no job in flight refers to.
func (e *Engine) PruneBackups(ctx context.Context) (int, error) {
	inflight, err := e.c.Store.ListJobs(ctx, JobFilter{NonTerminal: true})
	if err != nil {
		return 0, err
	}
	protected := make(map[string]bool, len(inflight))
	for _, job := range inflight {
		if job.BackupRef != "" {
			protected[job.BackupRef] = true
		}
	}
	classes := e.c.Policies.List()
	ids := make([]string, len(classes))
	for i, c := range classes {
		ids[i] = c.ID
	}
	return e.c.Backups.Prune(ctx, ids, protected)
}

// ResumeClass clears the halt of a class after operator review and resolves
// its open incidents.
func (e *Engine) ResumeClass(ctx context.Context, classID, actor, notes string) error {
	if _, err := e.c.Policies.Get(classID); err != nil {
		return err
	}
	st, err := e.c.Store.GetClassState(ctx, classID)
	if err != nil {
		return err
	}
	if !st.Halted {
		return dserrors.UserError{Message: fmt.Sprintf("Class %s is not halted", classID)}
	}
	reason := st.HaltReason
	st.Halted = false
	st.HaltReason = ""
	st.HaltedAt = nil
	st.UpdatedAt = e.now()
	if err := e.c.Store.SaveClassState(ctx, st); err != nil {
		return err
	}
	if _, err := e.c.Audit.Record(ctx, audit.Record{
		ClassID: classID,
		Actor:   actor,
		Action:  audit.ActionClassResumed,
		Result:  audit.ResultSuccess,
		Message: "halt cleared: " + reason,
	}); err != nil {
		return err
	}
	if e.c.Incidents != nil {
		n, err := e.c.Incidents.ResolveClass(classID, actor, notes)
		if err != nil {
			e.logger.Warn("Failed to resolve incidents of %s: %v", classID, err)
		} else if n > 0 {
			e.logger.Info("Resolved %d incident(s) for %s", n, classID)
		}
	}
	e.logger.Info("Automated rotation of %s resumed by %s", classID, actor)
	return nil
}

// Run schedules, dispatches and sweeps until ctx is done. Up to
// max_concurrent_rotations jobs run at once.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine is already running")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.Info("Engine %s starting with %d worker(s)", e.holder, e.config.MaxConcurrentRotations)
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan string)

	g.Go(func() error { return e.scheduler.Run(ctx) })
	g.Go(func() error { return e.dispatch(ctx, queue) })
	g.Go(func() error { return e.sweep(ctx) })
	for i := 0; i < e.config.MaxConcurrentRotations; i++ {
		g.Go(func() error {
			e.work(ctx, queue)
			return nil
		})
	}
	err := g.Wait()
	e.logger.Info("Engine %s stopped", e.holder)
	return err
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) claim(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed[jobID] {
		return false
	}
	e.claimed[jobID] = true
	return true
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.claimed, jobID)
}

// dispatch feeds due jobs to the workers.
func (e *Engine) dispatch(ctx context.Context, queue chan<- string) error {
	interval := e.config.TickInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		now := e.now()
		jobs, err := e.c.Store.ListJobs(ctx, JobFilter{NonTerminal: true, DueBefore: &now})
		if err != nil && ctx.Err() == nil {
			e.logger.Error("Dispatcher cannot list jobs: %v", err)
		}
		for _, job := range jobs {
			if !e.runnable(ctx, job) || !e.claim(job.ID) {
				continue
			}
			select {
			case queue <- job.ID:
			case <-ctx.Done():
				e.release(job.ID)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case <-e.c.Clock.After(interval):
		}
	}
}

func (e *Engine) work(ctx context.Context, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-queue:
			job, err := e.Execute(ctx, jobID)
			e.release(jobID)
			switch {
			case err == nil:
				// Approvals may have arrived while the job was claimed.
				if !job.IsTerminal() {
					e.poke()
				}
			case errors.Is(err, ErrJobBusy), ctx.Err() != nil:
			default:
				e.logger.Error("Job %s stopped: %v", jobID, err)
			}
		}
	}
}

// sweep runs the periodic maintenance tasks.
func (e *Engine) sweep(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.c.Clock.After(e.config.SweepInterval.Std()):
		}
		if _, err := e.SweepApprovals(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Approval sweep failed: %v", err)
		}
		if _, err := e.Reap(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Reaper failed: %v", err)
		}
		if _, err := e.Archive(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Job archival failed: %v", err)
		}
		if _, err := e.PruneBackups(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Backup pruning failed: %v", err)
		}
	}
}
