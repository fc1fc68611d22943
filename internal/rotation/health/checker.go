// Package health validates the secret store before a rotation and candidate
// versions against dependents before and after activation.
package health

import (
	"context"
	"time"

	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/secure"
)

// ProtocolType represents the protocol used by a health checker.
type ProtocolType string

const (
	// ProtocolSQL represents SQL database connections.
	ProtocolSQL ProtocolType = "sql"

	// ProtocolHTTP represents HTTP API endpoints.
	ProtocolHTTP ProtocolType = "http"

	// ProtocolNoop accepts every candidate.
	ProtocolNoop ProtocolType = "noop"
)

// Target is one synthetic authentication against a dependent.
type Target struct {
	ClassID       string
	VersionID     string
	VersionNumber int
	Dependent     policy.Dependent

	// Material is the candidate secret. Checkers must not retain it.
	Material *secure.Material
}

// HealthChecker authenticates against one kind of dependent. Check never
// mutates the dependent.
type HealthChecker interface {
	// Name returns the health checker name.
	Name() string

	// Check performs a single synthetic authentication.
	Check(ctx context.Context, target Target) (HealthResult, error)

	// Protocol returns the protocol type this checker supports.
	Protocol() ProtocolType
}

// Distributor pushes a new version reference to a dependent. Only the
// reference is sent, never the material.
type Distributor interface {
	Distribute(ctx context.Context, target Target) error
}

// HealthResult represents the outcome of a health check.
type HealthResult struct {
	// Healthy indicates whether the health check passed.
	Healthy bool

	// Message provides details about the health check result.
	Message string

	// Duration is how long the health check took.
	Duration time.Duration

	// Timestamp is when the health check was performed.
	Timestamp time.Time

	// Metadata contains additional check-specific data.
	Metadata map[string]interface{}
}

// NoopChecker accepts every candidate. It backs dependents that have no
// way to test a credential before use.
type NoopChecker struct{}

// Name returns "noop".
func (NoopChecker) Name() string { return "noop" }

// Protocol returns ProtocolNoop.
func (NoopChecker) Protocol() ProtocolType { return ProtocolNoop }

// Check always succeeds.
func (NoopChecker) Check(_ context.Context, target Target) (HealthResult, error) {
	return HealthResult{
		Healthy:   true,
		Message:   "noop dependent " + target.Dependent.Name,
		Timestamp: time.Now(),
	}, nil
}

// Distribute does nothing.
func (NoopChecker) Distribute(context.Context, Target) error { return nil }
