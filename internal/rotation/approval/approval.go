// Package approval implements the quorum approval gate for secret classes
// that require human sign-off before a new version is generated.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/logging"
)

// Status is the resolution status of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned when a job has no approval request.
var ErrNotFound = errors.New("approval request not found")

// Approval is one sign-off.
type Approval struct {
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Request is the approval state of one job.
type Request struct {
	JobID             string     `json:"job_id"`
	ClassID           string     `json:"class_id"`
	RequestedAt       time.Time  `json:"requested_at"`
	ApproversRequired int        `json:"approvers_required"`
	Approvals         []Approval `json:"approvals"`
	Expiry            time.Time  `json:"expiry"`
	Status            Status     `json:"status"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// QuorumReached reports whether enough distinct actors approved.
func (r *Request) QuorumReached() bool {
	return len(r.Approvals) >= r.ApproversRequired
}

// HasApproved reports whether actor already approved.
func (r *Request) HasApproved(actor string) bool {
	for _, a := range r.Approvals {
		if a.Actor == actor {
			return true
		}
	}
	return false
}

// Actors returns the approving actors in order.
func (r *Request) Actors() []string {
	out := make([]string, len(r.Approvals))
	for i, a := range r.Approvals {
		out[i] = a.Actor
	}
	return out
}

// Store persists approval requests.
type Store interface {
	SaveApproval(ctx context.Context, req *Request) error
	GetApproval(ctx context.Context, jobID string) (*Request, error)
	ListApprovals(ctx context.Context, status Status) ([]*Request, error)
}

// Gate enforces N-of-M approval. Quorum is persisted before OnQuorum is
// called so a crashed engine resumes the job instead of waiting again.
type Gate struct {
	store  Store
	clock  clock.Clock
	logger *logging.Logger
	locks  *kmutex.Kmutex

	// OnQuorum is invoked after quorum is durably recorded.
	OnQuorum func(ctx context.Context, req *Request)
}

// NewGate creates an approval gate.
func NewGate(store Store, clk clock.Clock, logger *logging.Logger) *Gate {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gate{
		store:  store,
		clock:  clk,
		logger: logger.With("approval"),
		locks:  kmutex.New(),
	}
}

// Open creates the approval request for a job. Opening a job that already
// has a request returns the existing one unchanged.
func (g *Gate) Open(ctx context.Context, jobID, classID string, approversRequired int, ttl time.Duration) (*Request, error) {
	if approversRequired < 1 {
		return nil, dserrors.E(dserrors.KindConfig, "approvers_required must be at least 1", nil)
	}
	g.locks.Lock(jobID)
	defer g.locks.Unlock(jobID)

	existing, err := g.store.GetApproval(ctx, jobID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := g.clock.Now().UTC()
	req := &Request{
		JobID:             jobID,
		ClassID:           classID,
		RequestedAt:       now,
		ApproversRequired: approversRequired,
		Approvals:         []Approval{},
		Expiry:            now.Add(ttl),
		Status:            StatusPending,
	}
	if err := g.store.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist approval request: %w", err)
	}
	g.logger.Info("Approval requested for job %s (%s): %d approver(s) before %s",
		jobID, classID, approversRequired, req.Expiry.Format(time.RFC3339))
	return req, nil
}

// Approve records an approval and reports whether quorum is reached.
// Repeat approvals by the same actor are ignored.
func (g *Gate) Approve(ctx context.Context, jobID, actor string) (bool, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return false, dserrors.UserError{
			Message:    "An approver identity is required",
			Suggestion: "Pass --actor with your user name",
		}
	}

	req, reached, err := g.approve(ctx, jobID, actor)
	if err != nil {
		return false, err
	}
	if reached && g.OnQuorum != nil {
		g.OnQuorum(ctx, req)
	}
	return reached, nil
}

func (g *Gate) approve(ctx context.Context, jobID, actor string) (*Request, bool, error) {
	g.locks.Lock(jobID)
	defer g.locks.Unlock(jobID)

	req, err := g.store.GetApproval(ctx, jobID)
	if err != nil {
		return nil, false, err
	}

	switch req.Status {
	case StatusApproved:
		return req, false, nil
	case StatusExpired, StatusCancelled:
		return nil, false, dserrors.Ef(dserrors.KindPolicy, "approval request for job %s is %s", jobID, req.Status)
	}

	now := g.clock.Now().UTC()
	if !now.Before(req.Expiry) {
		return nil, false, dserrors.Ef(dserrors.KindPolicy,
			"approval window for job %s closed at %s", jobID, req.Expiry.Format(time.RFC3339))
	}

	if req.HasApproved(actor) {
		g.logger.Debug("Ignoring repeat approval by %s for job %s", actor, jobID)
		return req, false, nil
	}

	req.Approvals = append(req.Approvals, Approval{Actor: actor, At: now})
	reached := req.QuorumReached()
	if reached {
		req.Status = StatusApproved
		req.ResolvedAt = &now
	}
	if err := g.store.SaveApproval(ctx, req); err != nil {
		return nil, false, fmt.Errorf("failed to persist approval: %w", err)
	}

	g.logger.Info("Job %s approved by %s (%d/%d)", jobID, actor, len(req.Approvals), req.ApproversRequired)
	return req, reached, nil
}

// IsExpired reports whether the request expired without quorum.
func (g *Gate) IsExpired(ctx context.Context, jobID string) (bool, error) {
	req, err := g.store.GetApproval(ctx, jobID)
	if err != nil {
		return false, err
	}
	return g.expired(req), nil
}

func (g *Gate) expired(req *Request) bool {
	switch req.Status {
	case StatusExpired:
		return true
	case StatusPending:
		return !g.clock.Now().Before(req.Expiry)
	}
	return false
}

// Get returns the request of a job.
func (g *Gate) Get(ctx context.Context, jobID string) (*Request, error) {
	return g.store.GetApproval(ctx, jobID)
}

// ListPending returns requests still collecting approvals.
func (g *Gate) ListPending(ctx context.Context) ([]*Request, error) {
	all, err := g.store.ListApprovals(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(all))
	for _, r := range all {
		if !g.expired(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Cancel resolves a pending request as cancelled.
func (g *Gate) Cancel(ctx context.Context, jobID string) error {
	return g.resolve(ctx, jobID, StatusCancelled)
}

// Expire resolves a pending request as expired.
func (g *Gate) Expire(ctx context.Context, jobID string) error {
	return g.resolve(ctx, jobID, StatusExpired)
}

func (g *Gate) resolve(ctx context.Context, jobID string, status Status) error {
	g.locks.Lock(jobID)
	defer g.locks.Unlock(jobID)

	req, err := g.store.GetApproval(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if req.Status != StatusPending {
		return nil
	}
	now := g.clock.Now().UTC()
	req.Status = status
	req.ResolvedAt = &now
	return g.store.SaveApproval(ctx, req)
}

// SweepExpired marks every overdue pending request expired and returns them.
func (g *Gate) SweepExpired(ctx context.Context) ([]*Request, error) {
	pending, err := g.store.ListApprovals(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	var expired []*Request
	for _, r := range pending {
		if !g.expired(r) {
			continue
		}
		if err := g.Expire(ctx, r.JobID); err != nil {
			return expired, err
		}
		r.Status = StatusExpired
		expired = append(expired, r)
		g.logger.Warn("Approval for job %s (%s) expired with %d/%d approvals",
			r.JobID, r.ClassID, len(r.Approvals), r.ApproversRequired)
	}
	return expired, nil
}
