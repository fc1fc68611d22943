// Package secretstore defines the narrow client the rotation engine uses to
// talk to an external secret store.
//
// A secret class is a named credential with an ordered list of versions. At
// most one version of a class is active at any time. The engine never writes
// the active pointer locally; it asks the store to swap it with Activate,
// which is a compare-and-swap on the currently active version ID.
//
// # Version lifecycle
//
//	pending ──► active ──► revoked-pending-grace ──► revoked
//	   │                        │      ▲
//	   ▼                        ▼      │ (rollback)
//	abandoned ◄─────────────────┘      └── active
//
// Every call except Activate is safe to retry. Activate must be issued at
// most once per rotation job; the orchestrator guards it.
//
// # Errors
//
// Backends return the typed errors in this package so callers can classify
// failures without knowing the backend:
//   - UnreachableError: the store could not be reached or timed out
//   - AuthFailedError: the store rejected our credentials
//   - ConflictError: a compare-and-swap or status precondition did not hold
//   - NotFoundError: the class or version does not exist
package secretstore

import (
	"context"
	"time"
)

// Status is the lifecycle status of a secret version.
type Status string

const (
	StatusPending             Status = "pending"
	StatusActive              Status = "active"
	StatusRevokedPendingGrace Status = "revoked-pending-grace"
	StatusRevoked             Status = "revoked"
	StatusAbandoned           Status = "abandoned"
)

// validStatusTransitions lists the only status moves a store accepts.
// revoked-pending-grace -> active is the rollback edge.
var validStatusTransitions = map[Status][]Status{
	StatusPending:             {StatusActive, StatusAbandoned},
	StatusActive:              {StatusRevokedPendingGrace},
	StatusRevokedPendingGrace: {StatusRevoked, StatusActive, StatusAbandoned},
	StatusRevoked:             {},
	StatusAbandoned:           {},
}

// CanTransitionTo reports whether a version may move from s to target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validStatusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further status change is possible.
func (s Status) IsTerminal() bool {
	return len(validStatusTransitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validStatusTransitions[s]
	return ok
}

// SecretVersion is the metadata of one version of a secret class. It never
// carries the secret material itself.
type SecretVersion struct {
	ID        string     `json:"id"`
	ClassID   string     `json:"class_id"`
	Number    int        `json:"version_number"`
	CreatedAt time.Time  `json:"created_at"`
	Status    Status     `json:"status"`
	Checksum  string     `json:"checksum"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// StoreHealth is what a store reports about itself for pre-flight checks.
type StoreHealth struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	// FreeCapacity is the number of versions the store can still accept.
	// Negative means the backend does not report capacity.
	FreeCapacity int    `json:"free_capacity"`
	Message      string `json:"message,omitempty"`
}

// Client is the interface every secret store backend implements.
type Client interface {
	// Name returns the backend name used in logs and audit records.
	Name() string

	// GetMetadata returns the active version of a class. It returns
	// NotFoundError when the class has never been activated.
	GetMetadata(ctx context.Context, classID string) (SecretVersion, error)

	// ListVersions returns every known version of a class ordered by Number.
	ListVersions(ctx context.Context, classID string) ([]SecretVersion, error)

	// MintVersion asks the store to generate new material and returns the
	// resulting pending version.
	MintVersion(ctx context.Context, classID string) (SecretVersion, error)

	// ReadValue returns the material of a version. Callers must not log it.
	ReadValue(ctx context.Context, classID, versionID string) ([]byte, error)

	// Activate atomically makes newID active provided expectedActiveID is the
	// current active version ("" when the class has none). The displaced
	// version moves to revoked-pending-grace. A mismatch returns ConflictError.
	Activate(ctx context.Context, classID, expectedActiveID, newID string) error

	// Revoke moves a non-active version to the given status. Setting the
	// status a version already has is a no-op.
	Revoke(ctx context.Context, classID, versionID string, to Status) error

	// Health reports reachability, latency and free capacity.
	Health(ctx context.Context) (StoreHealth, error)
}

// CountActive returns how many of the given versions are active.
func CountActive(versions []SecretVersion) int {
	n := 0
	for _, v := range versions {
		if v.Status == StatusActive {
			n++
		}
	}
	return n
}

// FindVersion returns the version with the given ID.
func FindVersion(versions []SecretVersion, id string) (SecretVersion, bool) {
	for _, v := range versions {
		if v.ID == id {
			return v, true
		}
	}
	return SecretVersion{}, false
}
