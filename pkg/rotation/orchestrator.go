package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/retry"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/incident"
	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/audit"
	"github.com/systmms/rotord/internal/rotation/backup"
	"github.com/systmms/rotord/internal/rotation/health"
	"github.com/systmms/rotord/internal/rotation/notifications"
	"github.com/systmms/rotord/pkg/secretstore"
)

// Job outcomes.
const (
	OutcomeRotated    = "rotated"
	OutcomeDryRun     = "dry-run"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled-back"
	OutcomeCancelled  = "cancelled"
)

// Components are the collaborators shared by the orchestrator, scheduler
// and engine. Notifier and Incidents may be nil.
type Components struct {
	Store     Store
	Policies  *policy.Registry
	Client    secretstore.Client
	Validator *health.Validator
	Approvals *approval.Gate
	Backups   *backup.Manager
	Audit     *audit.Recorder
	Incidents *incident.Manager
	Notifier  *notifications.Manager
	Metrics   *health.RotationMetrics
	Clock     clock.Clock
	Logger    *logging.Logger
}

func (c Components) withDefaults() Components {
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Metrics == nil {
		c.Metrics = health.NewRotationMetrics()
	}
	return c
}

// Orchestrator drives jobs through the rotation state machine. Each
// transition is persisted and then audited. Store mutations that must not be
// repeated blindly are announced in the audit log before they are issued.
type Orchestrator struct {
	c          Components
	maxBackoff time.Duration
	logger     *logging.Logger

	jobLocks   *kmutex.Kmutex
	classLocks *kmutex.Kmutex

	mu      sync.Mutex
	cancels map[string]string
}

// NewOrchestrator creates an orchestrator. maxBackoff caps the delay between
// retries of a store call.
func NewOrchestrator(c Components, maxBackoff time.Duration) *Orchestrator {
	c = c.withDefaults()
	return &Orchestrator{
		c:          c,
		maxBackoff: maxBackoff,
		logger:     c.Logger.With("orchestrator"),
		jobLocks:   kmutex.New(),
		classLocks: kmutex.New(),
		cancels:    make(map[string]string),
	}
}

// RequestCancel asks a job to stop at its next step boundary. Jobs that
// already passed VALIDATING ignore the request.
func (o *Orchestrator) RequestCancel(jobID, actor string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[jobID] = actor
}

func (o *Orchestrator) forgetCancel(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, jobID)
}

func (o *Orchestrator) cancelRequest(job *Job) (string, bool) {
	o.mu.Lock()
	actor, ok := o.cancels[job.ID]
	o.mu.Unlock()
	if ok {
		return actor, true
	}
	if job.CancelRequested {
		return "operator", true
	}
	return "", false
}

// Advance runs a job until it is terminal or waiting for approval. A
// cancelled ctx leaves the job persisted in its current state; Advance can
// be called again to resume it.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) (*Job, error) {
	o.jobLocks.Lock(jobID)
	defer o.jobLocks.Unlock(jobID)

	job, err := o.c.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		o.forgetCancel(jobID)
		return job, nil
	}

	o.c.Metrics.JobStarted()
	defer o.c.Metrics.JobFinished()

	for !job.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return job.Clone(), err
		}
		suspended, err := o.step(ctx, job)
		if err != nil {
			return job.Clone(), err
		}
		if suspended {
			return job.Clone(), nil
		}
	}
	o.forgetCancel(jobID)
	return job.Clone(), nil
}

func (o *Orchestrator) step(ctx context.Context, job *Job) (bool, error) {
	if ok, compensate := job.State.Cancellable(); ok {
		if actor, requested := o.cancelRequest(job); requested {
			return false, o.cancel(ctx, job, actor, compensate)
		}
	}
	if job.State == StatePending {
		return false, o.start(ctx, job)
	}

	class, err := o.c.Policies.Get(job.ClassID)
	if err != nil {
		return false, o.fail(ctx, job, err)
	}

	switch job.State {
	case StateHealthCheck:
		return false, o.healthCheck(ctx, job, class)
	case StateApprovalWait:
		return o.awaitApproval(ctx, job, class)
	case StateGenerating:
		return false, o.generate(ctx, job, class)
	case StateDistributing:
		return false, o.distribute(ctx, job, class)
	case StateValidating:
		return false, o.validate(ctx, job, class)
	case StateActivating:
		return false, o.activate(ctx, job, class)
	case StateCleanup:
		return false, o.cleanup(ctx, job, class)
	}
	return false, fmt.Errorf("job %s is in unknown state %s", job.ID, job.State)
}

func (o *Orchestrator) start(ctx context.Context, job *Job) error {
	now := o.now()
	job.StartedAt = &now
	if err := o.transition(ctx, job, StateHealthCheck, nil); err != nil {
		return err
	}
	o.c.Metrics.RecordRotationStarted(job.ClassID)
	o.notify(job, notifications.EventTypeStarted)
	return nil
}

func (o *Orchestrator) healthCheck(ctx context.Context, job *Job, class policy.SecretClass) error {
	if class.Disabled && !job.Force {
		return o.fail(ctx, job, dserrors.Ef(dserrors.KindPolicy, "class %s is disabled", class.ID))
	}
	st, err := o.c.Store.GetClassState(ctx, class.ID)
	if err != nil {
		return err
	}
	if st.Halted {
		return o.fail(ctx, job, dserrors.Ef(dserrors.KindPolicy, "class %s is halted: %s", class.ID, st.HaltReason))
	}

	var result health.Result
	err = o.retry(ctx, job, class, "pre-flight", func(ctx context.Context) error {
		var err error
		result, err = o.c.Validator.PreCheck(ctx, class)
		return err
	})
	if rerr := o.recordCheck(ctx, job, "pre-flight", result, err); rerr != nil {
		return rerr
	}
	if err != nil {
		return o.fail(ctx, job, err)
	}

	switch {
	case job.DryRun:
		job.Outcome = OutcomeDryRun
		return o.transition(ctx, job, StateCompleted, nil)
	case class.RequiresApproval:
		return o.requestApproval(ctx, job, class)
	}
	return o.transition(ctx, job, StateGenerating, nil)
}

func (o *Orchestrator) requestApproval(ctx context.Context, job *Job, class policy.SecretClass) error {
	_, err := o.c.Approvals.Get(ctx, job.ID)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		req, err := o.c.Approvals.Open(ctx, job.ID, class.ID, class.ApproversRequired, class.ApprovalTTL.Std())
		if err != nil {
			return o.fail(ctx, job, err)
		}
		if err := o.record(ctx, job, audit.Record{
			Action: audit.ActionApprovalOpened,
			Result: audit.ResultPending,
			Message: fmt.Sprintf("%d approval(s) required before %s",
				req.ApproversRequired, req.Expiry.Format(time.RFC3339)),
		}); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	job.ApprovalRequired = true
	if err := o.transition(ctx, job, StateApprovalWait, nil); err != nil {
		return err
	}
	o.notify(job, notifications.EventTypeApproval)
	return nil
}

// awaitApproval reports true when the job has to keep waiting.
func (o *Orchestrator) awaitApproval(ctx context.Context, job *Job, class policy.SecretClass) (bool, error) {
	req, err := o.c.Approvals.Get(ctx, job.ID)
	if errors.Is(err, approval.ErrNotFound) {
		req, err = o.c.Approvals.Open(ctx, job.ID, class.ID, class.ApproversRequired, class.ApprovalTTL.Std())
	}
	if err != nil {
		return false, err
	}

	switch req.Status {
	case approval.StatusApproved:
		job.Attempts = 0
		return false, o.transitionMsg(ctx, job, StateGenerating, nil,
			"quorum reached: "+strings.Join(req.Actors(), ", "), "")
	case approval.StatusCancelled:
		return false, o.cancel(ctx, job, "operator", false)
	}

	expired, err := o.c.Approvals.IsExpired(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !expired {
		return true, nil
	}
	if err := o.c.Approvals.Expire(ctx, job.ID); err != nil {
		return false, err
	}
	if err := o.record(ctx, job, audit.Record{
		Action:  audit.ActionApprovalExpired,
		Result:  audit.ResultFailure,
		Message: fmt.Sprintf("%d of %d approvals received", len(req.Approvals), req.ApproversRequired),
	}); err != nil {
		return false, err
	}
	return false, o.fail(ctx, job, dserrors.Ef(dserrors.KindPolicy,
		"approval window closed at %s without quorum", req.Expiry.Format(time.RFC3339)))
}

func (o *Orchestrator) generate(ctx context.Context, job *Job, class policy.SecretClass) error {
	if job.NewVersionID == "" {
		versions, err := o.versions(ctx, job, class)
		if err != nil {
			return o.fail(ctx, job, err)
		}
		job.OldVersionID = activeID(versions)

		version, adopted := o.leftover(job, versions)
		if !adopted {
			err = o.retry(ctx, job, class, "mint", func(ctx context.Context) error {
				var err error
				version, err = o.c.Client.MintVersion(ctx, class.ID)
				return err
			})
			if err != nil {
				return o.fail(ctx, job, err)
			}
		}

		job.NewVersionID = version.ID
		job.NewVersion = version.Number
		if err := o.save(ctx, job); err != nil {
			return err
		}
		msg := fmt.Sprintf("minted version %d", version.Number)
		if adopted {
			msg = fmt.Sprintf("resumed with pending version %d", version.Number)
		}
		if err := o.record(ctx, job, audit.Record{
			Action:    audit.ActionVersionMinted,
			Result:    audit.ResultSuccess,
			VersionID: version.ID,
			Message:   msg,
		}); err != nil {
			return err
		}
	}
	return o.transition(ctx, job, StateDistributing, nil)
}

// leftover finds a pending version minted for this job before a restart
// interrupted it, so the job does not mint twice.
func (o *Orchestrator) leftover(job *Job, versions []secretstore.SecretVersion) (secretstore.SecretVersion, bool) {
	if job.StartedAt == nil {
		return secretstore.SecretVersion{}, false
	}
	var found secretstore.SecretVersion
	ok := false
	for _, v := range versions {
		if v.Status != secretstore.StatusPending || v.CreatedAt.Before(*job.StartedAt) {
			continue
		}
		if !ok || v.Number > found.Number {
			found, ok = v, true
		}
	}
	return found, ok
}

func (o *Orchestrator) distribute(ctx context.Context, job *Job, class policy.SecretClass) error {
	job.DependentFailures = o.c.Validator.Distribute(ctx, class, job.newVersion())
	if len(class.Dependents) > 0 {
		result := audit.ResultSuccess
		if job.DependentFailures > 0 {
			result = audit.ResultFailure
		}
		if err := o.record(ctx, job, audit.Record{
			Action:    audit.ActionDependentUpdated,
			Result:    result,
			VersionID: job.NewVersionID,
			Message:   fmt.Sprintf("%d of %d dependent(s) failed", job.DependentFailures, len(class.Dependents)),
		}); err != nil {
			return err
		}
	}
	return o.transition(ctx, job, StateValidating, nil)
}

func (o *Orchestrator) validate(ctx context.Context, job *Job, class policy.SecretClass) error {
	result, err := o.postCheck(ctx, job, class)
	if rerr := o.recordCheck(ctx, job, "synthetic authentication", result, err); rerr != nil {
		return rerr
	}
	if err == nil {
		return o.transition(ctx, job, StateActivating, nil)
	}
	if classify(err) == dserrors.KindFatal {
		return o.fail(ctx, job, err)
	}
	return o.abandon(ctx, job, class, err)
}

// abandon revokes the pending version of a job that never activated and
// ends the job ROLLED_BACK.
func (o *Orchestrator) abandon(ctx context.Context, job *Job, class policy.SecretClass, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := o.revoke(ctx, job, class, job.NewVersionID, secretstore.StatusAbandoned); err != nil {
		return o.fail(ctx, job, fmt.Errorf("%s; abandoning version %s: %w", cause, job.NewVersionID, err))
	}
	return o.transition(ctx, job, StateRolledBack, cause)
}

func (o *Orchestrator) activate(ctx context.Context, job *Job, class policy.SecretClass) error {
	if job.ActivationIssued {
		return o.reconcile(ctx, job, class)
	}

	versions, err := o.versions(ctx, job, class)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	if job.OldVersionID != "" && job.BackupRef == "" {
		old, ok := secretstore.FindVersion(versions, job.OldVersionID)
		if !ok || old.Status != secretstore.StatusActive {
			return o.activationFailed(ctx, job, class, secretstore.ConflictError{
				Store:    o.c.Client.Name(),
				ClassID:  class.ID,
				Expected: job.OldVersionID,
				Actual:   activeID(versions),
				Message:  "active version changed before snapshot",
			}, true)
		}

		var ref string
		err := o.retry(ctx, job, class, "snapshot", func(ctx context.Context) error {
			var err error
			ref, err = o.c.Backups.Snapshot(ctx, class.ID, old, class.BackupRetention.Std())
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// No snapshot, no activation.
			if rerr := o.revoke(ctx, job, class, job.NewVersionID, secretstore.StatusAbandoned); rerr != nil {
				o.logger.Warn("Failed to abandon version %s of %s: %v", job.NewVersionID, class.ID, rerr)
			}
			return o.fail(ctx, job, fmt.Errorf("snapshot of %s version %d: %w", class.ID, old.Number, err))
		}

		job.BackupRef = ref
		if err := o.save(ctx, job); err != nil {
			return err
		}
		if err := o.record(ctx, job, audit.Record{
			Action:    audit.ActionBackupTaken,
			Result:    audit.ResultSuccess,
			VersionID: old.ID,
			Message:   "snapshot " + ref,
		}); err != nil {
			return err
		}
	}

	o.classLocks.Lock(class.ID)
	defer o.classLocks.Unlock(class.ID)
	return o.issueActivation(ctx, job, class)
}

// issueActivation performs the single compare-and-swap of the active
// version. The class lock must be held.
func (o *Orchestrator) issueActivation(ctx context.Context, job *Job, class policy.SecretClass) error {
	expected := job.OldVersionID
	if expected == "" {
		expected = "none"
	}
	if err := o.record(ctx, job, audit.Record{
		Action:    audit.ActionActivateBegin,
		Result:    audit.ResultPending,
		VersionID: job.NewVersionID,
		Message:   fmt.Sprintf("activating version %d, expected active %s", job.NewVersion, expected),
	}); err != nil {
		return err
	}
	job.ActivationIssued = true
	if err := o.save(ctx, job); err != nil {
		return err
	}

	err := o.c.Client.Activate(ctx, class.ID, job.OldVersionID, job.NewVersionID)
	known := true
	if err != nil {
		var conflict secretstore.ConflictError
		if !errors.As(err, &conflict) {
			// The call may have landed even though it reported an error.
			active, rerr := o.activeVersion(ctx, job, class)
			switch {
			case rerr != nil:
				known = false
			case active == job.NewVersionID:
				err = nil
			}
		}
	}
	if err != nil {
		return o.activationFailed(ctx, job, class, err, known)
	}

	if err := o.record(ctx, job, audit.Record{
		Action:    audit.ActionActivated,
		Result:    audit.ResultSuccess,
		VersionID: job.NewVersionID,
		Message:   fmt.Sprintf("version %d active", job.NewVersion),
	}); err != nil {
		return err
	}
	return o.verifyActivation(ctx, job, class)
}

// reconcile resumes a job that crashed after announcing its activation.
func (o *Orchestrator) reconcile(ctx context.Context, job *Job, class policy.SecretClass) error {
	active, err := o.activeVersion(ctx, job, class)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	o.classLocks.Lock(class.ID)
	defer o.classLocks.Unlock(class.ID)

	switch active {
	case job.NewVersionID:
		if err := o.record(ctx, job, audit.Record{
			Action:    audit.ActionActivated,
			Result:    audit.ResultSuccess,
			VersionID: job.NewVersionID,
			Message:   fmt.Sprintf("version %d active, confirmed on resume", job.NewVersion),
		}); err != nil {
			return err
		}
		return o.verifyActivation(ctx, job, class)
	case job.OldVersionID:
		o.logger.Info("Activation of %s version %d did not take effect, issuing it again", class.ID, job.NewVersion)
		return o.issueActivation(ctx, job, class)
	}
	return o.activationFailed(ctx, job, class, secretstore.ConflictError{
		Store:    o.c.Client.Name(),
		ClassID:  class.ID,
		Expected: job.OldVersionID,
		Actual:   active,
		Message:  "active version changed while activation was in flight",
	}, true)
}

// activationFailed ends a job whose activation did not happen. When known
// is false the store state could not be confirmed and the new version is
// left for an operator.
func (o *Orchestrator) activationFailed(ctx context.Context, job *Job, class policy.SecretClass, cause error, known bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	kind := classify(cause)
	if err := o.record(ctx, job, audit.Record{
		Action:    audit.ActionActivated,
		Result:    audit.ResultFailure,
		Kind:      kind,
		VersionID: job.NewVersionID,
		Message:   cause.Error(),
	}); err != nil {
		return err
	}
	if kind == dserrors.KindConflict {
		o.raiseIncident(job, incident.TypeActivationConflict, incident.SeverityHigh,
			fmt.Sprintf("Activation of %s rejected by the secret store", class.ID), cause)
	}
	if known {
		if err := o.revoke(ctx, job, class, job.NewVersionID, secretstore.StatusAbandoned); err != nil {
			o.logger.Warn("Failed to abandon version %s of %s: %v", job.NewVersionID, class.ID, err)
		}
	}
	return o.fail(ctx, job, cause)
}

// verifyActivation re-checks the single-active invariant and authenticates
// with the now active version. The class lock must be held.
func (o *Orchestrator) verifyActivation(ctx context.Context, job *Job, class policy.SecretClass) error {
	if _, err := o.versions(ctx, job, class); err != nil {
		if classify(err) == dserrors.KindFatal {
			return o.fail(ctx, job, err)
		}
		o.logger.Warn("Could not list versions of %s after activation: %v", class.ID, err)
	}

	result, err := o.postCheck(ctx, job, class)
	if rerr := o.recordCheck(ctx, job, "post-activation check", result, err); rerr != nil {
		return rerr
	}
	if err == nil {
		return o.transition(ctx, job, StateCleanup, nil)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return o.rollBack(ctx, job, class, err)
}

// rollBack re-activates the snapshot taken before this job activated.
func (o *Orchestrator) rollBack(ctx context.Context, job *Job, class policy.SecretClass, cause error) error {
	if job.BackupRef == "" {
		return o.failWith(ctx, job, dserrors.E(dserrors.KindFatal,
			"post-activation check failed and there is no earlier version to restore", cause),
			incident.TypeRollbackFailed)
	}

	if err := o.record(ctx, job, audit.Record{
		Action:    audit.ActionRollbackBegin,
		Result:    audit.ResultPending,
		VersionID: job.NewVersionID,
		Message:   "restoring snapshot " + job.BackupRef + ": " + cause.Error(),
	}); err != nil {
		return err
	}

	res, err := o.c.Backups.Restore(ctx, backup.RestoreRequest{
		ClassID:         class.ID,
		Ref:             job.BackupRef,
		CurrentActiveID: job.NewVersionID,
		FailedVersionID: job.NewVersionID,
		Reason:          cause.Error(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rerr := o.record(ctx, job, audit.Record{
			Action:  audit.ActionRestored,
			Result:  audit.ResultFailure,
			Kind:    classify(err),
			Message: err.Error(),
		}); rerr != nil {
			return rerr
		}
		return o.failWith(ctx, job, dserrors.E(dserrors.KindFatal,
			fmt.Sprintf("rollback to snapshot %s failed", job.BackupRef), err),
			incident.TypeRollbackFailed)
	}

	if err := o.record(ctx, job, audit.Record{
		Action:    audit.ActionRestored,
		Result:    audit.ResultSuccess,
		VersionID: res.TargetVersion,
		Message:   fmt.Sprintf("restored in %d attempt(s)", res.Attempts),
	}); err != nil {
		return err
	}
	return o.transition(ctx, job, StateRolledBack, cause)
}

func (o *Orchestrator) cleanup(ctx context.Context, job *Job, class policy.SecretClass) error {
	if job.OldVersionID != "" {
		// The activation normally displaces the old version already.
		if err := o.revoke(ctx, job, class, job.OldVersionID, secretstore.StatusRevokedPendingGrace); err != nil {
			o.logger.Warn("Failed to mark %s version %s revoked-pending-grace: %v", class.ID, job.OldVersionID, err)
		}
	}
	job.Outcome = OutcomeRotated
	return o.transition(ctx, job, StateCompleted, nil)
}

func (o *Orchestrator) cancel(ctx context.Context, job *Job, actor string, compensate bool) error {
	job.CancelRequested = true
	if compensate && job.NewVersionID != "" {
		class, err := o.c.Policies.Get(job.ClassID)
		if err != nil {
			return o.fail(ctx, job, err)
		}
		if err := o.revoke(ctx, job, class, job.NewVersionID, secretstore.StatusAbandoned); err != nil {
			return o.fail(ctx, job, fmt.Errorf("cancellation could not abandon version %s: %w", job.NewVersionID, err))
		}
	}
	if job.ApprovalRequired {
		if err := o.c.Approvals.Cancel(ctx, job.ID); err != nil {
			return err
		}
	}
	job.Outcome = OutcomeCancelled
	return o.transitionMsg(ctx, job, StateCancelled,
		dserrors.Ef(dserrors.KindCancelled, "cancelled by %s", actor), "", actor)
}

// fail ends the job FAILED. Fatal errors halt the class first.
func (o *Orchestrator) fail(ctx context.Context, job *Job, cause error) error {
	return o.failWith(ctx, job, cause, incident.TypeClassHalted)
}

func (o *Orchestrator) failWith(ctx context.Context, job *Job, cause error, incidentType string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if classify(cause) == dserrors.KindFatal {
		if err := o.halt(ctx, job, incidentType, cause); err != nil {
			return err
		}
	}
	return o.transition(ctx, job, StateFailed, cause)
}

// halt stops automated rotation of a class until an operator resumes it.
func (o *Orchestrator) halt(ctx context.Context, job *Job, incidentType string, cause error) error {
	st, err := o.c.Store.GetClassState(ctx, job.ClassID)
	if err != nil {
		return err
	}
	now := o.now()
	st.Halted = true
	st.HaltReason = cause.Error()
	st.HaltedAt = &now
	st.UpdatedAt = now
	if err := o.c.Store.SaveClassState(ctx, st); err != nil {
		return fmt.Errorf("failed to halt class %s: %w", job.ClassID, err)
	}
	if err := o.record(ctx, job, audit.Record{
		Action:  audit.ActionClassHalted,
		Result:  audit.ResultFailure,
		Kind:    dserrors.KindFatal,
		Message: cause.Error(),
	}); err != nil {
		return err
	}
	o.logger.Error("Automated rotation of %s halted: %v", job.ClassID, cause)
	o.raiseIncident(job, incidentType, incident.SeverityCritical,
		fmt.Sprintf("Automated rotation of %s halted", job.ClassID), cause)
	return nil
}

func (o *Orchestrator) raiseIncident(job *Job, incidentType, severity, title string, cause error) {
	if o.c.Incidents == nil {
		return
	}
	report, err := o.c.Incidents.CreateReport(incidentType, severity, job.ClassID, job.ID, title, cause.Error(),
		map[string]string{
			"state":       string(job.State),
			"old_version": job.OldVersionID,
			"new_version": job.NewVersionID,
			"backup_ref":  job.BackupRef,
		})
	if err != nil {
		o.logger.Error("Failed to write incident report for %s: %v", job.ClassID, err)
		return
	}
	o.logger.Warn("Incident %s opened: %s", report.ID, title)

	if o.c.Notifier == nil {
		return
	}
	o.c.Notifier.Send(notifications.RotationEvent{
		Type:        notifications.EventTypeIncident,
		JobID:       job.ID,
		ClassID:     job.ClassID,
		Kind:        string(classify(cause)),
		Error:       cause.Error(),
		Severity:    severity,
		Timestamp:   o.now(),
		TriggeredBy: job.TriggeredBy,
		Metadata: map[string]string{
			"incident_id":   report.ID,
			"incident_type": incidentType,
			"title":         title,
		},
	})
}

func (o *Orchestrator) transition(ctx context.Context, job *Job, to State, cause error) error {
	return o.transitionMsg(ctx, job, to, cause, "", "")
}

// transitionMsg persists the new state and then audits it.
func (o *Orchestrator) transitionMsg(ctx context.Context, job *Job, to State, cause error, msg, actor string) error {
	from := job.State
	if !from.CanTransitionTo(to) {
		return dserrors.Ef(dserrors.KindFatal, "job %s cannot move from %s to %s", job.ID, from, to)
	}

	now := o.now()
	job.State = to
	job.UpdatedAt = now
	rec := audit.Record{
		JobID:         job.ID,
		ClassID:       job.ClassID,
		Actor:         actor,
		Action:        audit.ActionTransition,
		PreviousState: string(from),
		NewState:      string(to),
		Result:        audit.ResultSuccess,
		Message:       msg,
		VersionID:     job.NewVersionID,
	}
	if cause != nil {
		kind := classify(cause)
		job.Error = &JobError{Kind: kind, Message: cause.Error(), State: from}
		rec.Kind = kind
		rec.Message = cause.Error()
		if to == StateFailed || to == StateRolledBack {
			rec.Result = audit.ResultFailure
		}
	}
	if to.IsTerminal() {
		job.CompletedAt = &now
		if job.Outcome == "" {
			job.Outcome = outcomeFor(to)
		}
	}

	if err := o.c.Store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	if _, err := o.c.Audit.Record(ctx, rec); err != nil {
		return fmt.Errorf("failed to audit job %s: %w", job.ID, err)
	}

	if cause != nil {
		o.logger.Warn("Job %s (%s) %s -> %s: %v", job.ID, job.ClassID, from, to, cause)
	} else {
		o.logger.Debug("Job %s (%s) %s -> %s", job.ID, job.ClassID, from, to)
	}

	if to.IsTerminal() {
		return o.finish(ctx, job)
	}
	return nil
}

// finish updates the class schedule state and reports a terminal job.
func (o *Orchestrator) finish(ctx context.Context, job *Job) error {
	st, err := o.c.Store.GetClassState(ctx, job.ClassID)
	if err != nil {
		return err
	}
	st.LastJobID = job.ID
	st.UpdatedAt = *job.CompletedAt
	switch {
	case job.State == StateCompleted && !job.DryRun:
		st.LastRotationAt = job.CompletedAt
		st.LastError = nil
	case job.Error != nil:
		e := *job.Error
		st.LastError = &e
	}
	if err := o.c.Store.SaveClassState(ctx, st); err != nil {
		return fmt.Errorf("failed to update schedule of %s: %w", job.ClassID, err)
	}

	var took time.Duration
	if job.StartedAt != nil {
		took = job.CompletedAt.Sub(*job.StartedAt)
	}
	o.c.Metrics.RecordRotationCompleted(job.ClassID, job.Outcome, took.Seconds())
	if job.State == StateRolledBack {
		reason := "rollback"
		if job.Error != nil {
			reason = strings.ToLower(string(job.Error.Kind))
		}
		o.c.Metrics.RecordRollback(job.ClassID, reason)
	}
	o.notify(job, notifications.EventForOutcome(string(job.State)))

	o.logger.Info("Job %s for %s finished %s (%s)", job.ID, job.ClassID, job.State, job.Outcome)
	return nil
}

func (o *Orchestrator) notify(job *Job, eventType notifications.EventType) {
	if o.c.Notifier == nil {
		return
	}
	ev := notifications.RotationEvent{
		Type:        eventType,
		JobID:       job.ID,
		ClassID:     job.ClassID,
		Outcome:     job.Outcome,
		Timestamp:   o.now(),
		TriggeredBy: job.TriggeredBy,
		Metadata: map[string]string{
			"state": string(job.State),
		},
	}
	if job.NewVersionID != "" {
		ev.Metadata["new_version"] = job.NewVersionID
	}
	if job.OldVersionID != "" {
		ev.Metadata["old_version"] = job.OldVersionID
	}
	if job.Error != nil {
		ev.Kind = string(job.Error.Kind)
		ev.Error = job.Error.Message
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		ev.Duration = job.CompletedAt.Sub(*job.StartedAt)
	}
	o.c.Notifier.Send(ev)
}

func (o *Orchestrator) record(ctx context.Context, job *Job, rec audit.Record) error {
	rec.JobID = job.ID
	rec.ClassID = job.ClassID
	if _, err := o.c.Audit.Record(ctx, rec); err != nil {
		return fmt.Errorf("failed to audit job %s: %w", job.ID, err)
	}
	return nil
}

func (o *Orchestrator) recordCheck(ctx context.Context, job *Job, what string, result health.Result, cause error) error {
	rec := audit.Record{
		Action:    audit.ActionHealthCheck,
		Result:    audit.ResultSuccess,
		VersionID: job.NewVersionID,
		Message:   what + ": " + result.Message,
	}
	if cause != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec.Result = audit.ResultFailure
		rec.Message = what + ": " + cause.Error()
	}
	return o.record(ctx, job, rec)
}

func (o *Orchestrator) save(ctx context.Context, job *Job) error {
	job.UpdatedAt = o.now()
	if err := o.c.Store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	return nil
}

func (o *Orchestrator) postCheck(ctx context.Context, job *Job, class policy.SecretClass) (health.Result, error) {
	var result health.Result
	err := o.retry(ctx, job, class, "synthetic authentication", func(ctx context.Context) error {
		var err error
		result, err = o.c.Validator.PostCheck(ctx, class, job.newVersion())
		return err
	})
	return result, err
}

// versions lists the versions of a class and enforces the single active
// version invariant.
func (o *Orchestrator) versions(ctx context.Context, job *Job, class policy.SecretClass) ([]secretstore.SecretVersion, error) {
	var versions []secretstore.SecretVersion
	err := o.retry(ctx, job, class, "list versions", func(ctx context.Context) error {
		var err error
		versions, err = o.c.Client.ListVersions(ctx, class.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if n := secretstore.CountActive(versions); n > 1 {
		return versions, dserrors.Ef(dserrors.KindFatal, "class %s has %d active versions", class.ID, n)
	}
	return versions, nil
}

// activeVersion returns the active version ID, or "" for a class that was
// never activated.
func (o *Orchestrator) activeVersion(ctx context.Context, job *Job, class policy.SecretClass) (string, error) {
	var active string
	err := o.retry(ctx, job, class, "read metadata", func(ctx context.Context) error {
		meta, err := o.c.Client.GetMetadata(ctx, class.ID)
		var nf secretstore.NotFoundError
		switch {
		case errors.As(err, &nf):
			active = ""
			return nil
		case err != nil:
			return err
		}
		active = meta.ID
		return nil
	})
	return active, err
}

func (o *Orchestrator) revoke(ctx context.Context, job *Job, class policy.SecretClass, versionID string, to secretstore.Status) error {
	err := o.retry(ctx, job, class, "revoke", func(ctx context.Context) error {
		return o.c.Client.Revoke(ctx, class.ID, versionID, to)
	})
	rec := audit.Record{
		Action:    audit.ActionVersionRevoked,
		Result:    audit.ResultSuccess,
		VersionID: versionID,
		Message:   "moved to " + string(to),
	}
	if err != nil {
		rec.Result = audit.ResultFailure
		rec.Kind = classify(err)
		rec.Message = fmt.Sprintf("move to %s failed: %v", to, err)
	}
	if rerr := o.record(ctx, job, rec); rerr != nil && err == nil {
		return rerr
	}
	return err
}

// retry calls fn until it succeeds, fails with a non-transient error or the
// class's retry budget is spent. Delays grow as backoff_base * 2^attempt.
func (o *Orchestrator) retry(ctx context.Context, job *Job, class policy.SecretClass, what string, fn func(context.Context) error) error {
	attempts := class.MaxRetry + 1
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return fn(ctx)
		},
		IsFatalError: func(err error) bool {
			return !dserrors.IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			job.Attempts++
			if attempt < attempts {
				o.logger.Warn("%s of %s failed (attempt %d/%d): %v", what, class.ID, attempt, attempts, err)
			}
		},
		Attempts: attempts,
		Delay:    class.BackoffFor(0, o.maxBackoff),
		MaxDelay: o.maxBackoff,
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			return class.BackoffFor(attempt-1, o.maxBackoff)
		},
		Clock: o.c.Clock,
		Stop:  ctx.Done(),
	})
	if err != nil && (retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err)) {
		err = retry.LastError(err)
	}
	return err
}

func (o *Orchestrator) now() time.Time {
	return o.c.Clock.Now().UTC()
}

func (j *Job) newVersion() secretstore.SecretVersion {
	return secretstore.SecretVersion{
		ID:      j.NewVersionID,
		ClassID: j.ClassID,
		Number:  j.NewVersion,
		Status:  secretstore.StatusPending,
	}
}

func activeID(versions []secretstore.SecretVersion) string {
	for _, v := range versions {
		if v.Status == secretstore.StatusActive {
			return v.ID
		}
	}
	return ""
}

func outcomeFor(s State) string {
	switch s {
	case StateCompleted:
		return OutcomeRotated
	case StateRolledBack:
		return OutcomeRolledBack
	case StateCancelled:
		return OutcomeCancelled
	}
	return OutcomeFailed
}

// classify maps an error to its kind. A version that vanished from the store
// is an invariant violation; unclassified errors are treated as transient.
func classify(err error) dserrors.Kind {
	if kind := dserrors.KindOf(err); kind != dserrors.KindUnknown {
		return kind
	}
	var nf secretstore.NotFoundError
	if errors.As(err, &nf) {
		return dserrors.KindFatal
	}
	return dserrors.KindTransient
}
