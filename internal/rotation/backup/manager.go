// Package backup snapshots the active version of a secret class before
// activation and restores it when a rotation has to be rolled back.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/secure"
	"github.com/systmms/rotord/pkg/secretstore"
)

const (
	// DefaultTimeout is the default timeout for one restore attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of extra restore attempts.
	DefaultMaxRetries = 2
)

// ErrNotFound is returned for unknown snapshot references.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is an encrypted copy of a version's material.
type Snapshot struct {
	Ref           string    `json:"ref"`
	ClassID       string    `json:"class_id"`
	VersionID     string    `json:"version_id"`
	VersionNumber int       `json:"version_number"`
	Checksum      string    `json:"checksum"`
	Ciphertext    []byte    `json:"ciphertext"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Store persists snapshots. SaveSnapshot must not return until the
// snapshot is durable.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, ref string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, classID string) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, ref string) error
}

// Config holds restore behaviour.
type Config struct {
	// Timeout bounds one restore attempt.
	Timeout time.Duration

	// MaxRetries is the number of times to retry a failed restore.
	MaxRetries int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries}
}

// Manager takes snapshots and restores them.
type Manager struct {
	config Config
	store  Store
	client secretstore.Client
	sealer *Sealer
	clock  clock.Clock
	logger *logging.Logger

	states   map[string]*RestoreInfo
	statesMu sync.RWMutex
}

// NewManager creates a backup manager.
func NewManager(config Config, store Store, client secretstore.Client, sealer *Sealer, clk clock.Clock, logger *logging.Logger) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		config: config,
		store:  store,
		client: client,
		sealer: sealer,
		clock:  clk,
		logger: logger.With("backup"),
		states: make(map[string]*RestoreInfo),
	}
}

// Snapshot encrypts the material of version and persists it with the given
// retention. It returns only after the snapshot is durable.
func (m *Manager) Snapshot(ctx context.Context, classID string, version secretstore.SecretVersion, retention time.Duration) (string, error) {
	value, err := m.client.ReadValue(ctx, classID, version.ID)
	if err != nil {
		return "", fmt.Errorf("failed to read version %s for snapshot: %w", version.ID, err)
	}
	material := secure.NewMaterial(value)
	defer material.Destroy()

	var ciphertext []byte
	var checksum string
	err = material.Use(func(plaintext []byte) error {
		sum := sha256.Sum256(plaintext)
		checksum = hex.EncodeToString(sum[:])
		var sealErr error
		ciphertext, sealErr = m.sealer.Seal(plaintext)
		return sealErr
	})
	if err != nil {
		return "", err
	}

	if version.Checksum != "" && version.Checksum != checksum {
		return "", dserrors.Ef(dserrors.KindFatal,
			"material of version %s does not match its checksum", version.ID)
	}

	now := m.clock.Now().UTC()
	snap := &Snapshot{
		Ref:           "bak-" + uuid.NewString(),
		ClassID:       classID,
		VersionID:     version.ID,
		VersionNumber: version.Number,
		Checksum:      checksum,
		Ciphertext:    ciphertext,
		CreatedAt:     now,
		ExpiresAt:     now.Add(retention),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("failed to persist snapshot: %w", err)
	}

	m.logger.Info("Snapshot %s taken of %s version %d (expires %s)",
		snap.Ref, classID, version.Number, snap.ExpiresAt.Format(time.RFC3339))
	return snap.Ref, nil
}

// Get returns snapshot metadata and ciphertext.
func (m *Manager) Get(ctx context.Context, ref string) (*Snapshot, error) {
	return m.store.GetSnapshot(ctx, ref)
}

// Open decrypts a snapshot into protected memory and checks its checksum.
func (m *Manager) Open(ctx context.Context, ref string) (*secure.Material, error) {
	snap, err := m.store.GetSnapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	plaintext, err := m.sealer.Open(snap.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", ref, err)
	}
	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != snap.Checksum {
		return nil, dserrors.Ef(dserrors.KindFatal, "snapshot %s failed checksum verification", ref)
	}
	return secure.NewMaterial(plaintext), nil
}

// RestoreRequest contains information needed to perform a restore.
type RestoreRequest struct {
	ClassID string
	Ref     string

	// CurrentActiveID is the version expected to be active now, i.e. the
	// version that is being rolled back.
	CurrentActiveID string

	// FailedVersionID is marked abandoned after a successful restore.
	FailedVersionID string

	Reason string
}

// RestoreResult contains the outcome of a restore.
type RestoreResult struct {
	Success       bool
	State         State
	TargetVersion string
	Duration      time.Duration
	Attempts      int
	Error         error
}

// GetState returns the restore state of a class, or nil.
func (m *Manager) GetState(classID string) *RestoreInfo {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	return m.states[classID]
}

// Restore re-activates the snapshotted version. Activation is only re-issued
// after confirming the previous attempt did not already take effect.
func (m *Manager) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	snap, err := m.store.GetSnapshot(ctx, req.Ref)
	if err != nil {
		return nil, fmt.Errorf("cannot restore %s: %w", req.Ref, err)
	}
	if snap.ClassID != req.ClassID {
		return nil, dserrors.Ef(dserrors.KindFatal, "snapshot %s belongs to class %s, not %s", req.Ref, snap.ClassID, req.ClassID)
	}

	m.statesMu.Lock()
	state, exists := m.states[req.ClassID]
	if !exists {
		state = NewRestoreInfo(req.ClassID)
		m.states[req.ClassID] = state
	}
	current := state.State()
	if current != StateIdle && !current.IsTerminal() {
		m.statesMu.Unlock()
		return nil, fmt.Errorf("restore already in progress for %s", req.ClassID)
	}
	if current == StateCompleted {
		_ = state.TransitionTo(StateIdle, "new restore", nil, m.clock.Now())
	}
	state.mu.Lock()
	state.TargetVersion = snap.VersionID
	state.FailedVersion = req.FailedVersionID
	state.Reason = req.Reason
	state.mu.Unlock()
	m.statesMu.Unlock()

	result := &RestoreResult{TargetVersion: snap.VersionID}

	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if err := state.TransitionTo(StateTriggered, req.Reason, nil, m.clock.Now()); err != nil {
			result.Error = err
			return result, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		err := m.doRestore(attemptCtx, state, snap, req)
		cancel()

		if err == nil {
			result.Success = true
			result.State = StateCompleted
			result.Duration = state.Duration()
			result.Attempts = state.AttemptCount()
			m.logger.Info("Restored %s to version %d", req.ClassID, snap.VersionNumber)
			m.abandon(ctx, req)
			return result, nil
		}

		m.logger.Warn("Restore attempt %d for %s failed: %v", attempt+1, req.ClassID, err)
		if !dserrors.IsRetryable(err) || ctx.Err() != nil {
			result.Error = err
			break
		}
		result.Error = err
	}

	result.State = StateFailed
	result.Duration = state.Duration()
	result.Attempts = state.AttemptCount()
	return result, result.Error
}

func (m *Manager) doRestore(ctx context.Context, state *RestoreInfo, snap *Snapshot, req RestoreRequest) error {
	if err := state.TransitionTo(StateInProgress, "re-activating snapshot version", nil, m.clock.Now()); err != nil {
		return err
	}

	fail := func(reason string, err error) error {
		_ = state.TransitionTo(StateFailed, reason, err, m.clock.Now())
		return err
	}

	active, err := m.activeID(ctx, req.ClassID)
	if err != nil {
		return fail("reading active version", err)
	}
	if active != snap.VersionID {
		if active != req.CurrentActiveID {
			return fail("active version moved", secretstore.ConflictError{
				Store:    m.client.Name(),
				ClassID:  req.ClassID,
				Expected: req.CurrentActiveID,
				Actual:   active,
			})
		}
		if err := m.client.Activate(ctx, req.ClassID, req.CurrentActiveID, snap.VersionID); err != nil {
			return fail("activate failed", err)
		}
	}

	if err := state.TransitionTo(StateVerifying, "activation issued, verifying", nil, m.clock.Now()); err != nil {
		return err
	}

	meta, err := m.client.GetMetadata(ctx, req.ClassID)
	if err != nil {
		return fail("verification read failed", err)
	}
	if meta.ID != snap.VersionID {
		return fail("verification failed", dserrors.Ef(dserrors.KindFatal,
			"after restore %s has active version %s, expected %s", req.ClassID, meta.ID, snap.VersionID))
	}
	if meta.Checksum != "" && meta.Checksum != snap.Checksum {
		return fail("verification failed", dserrors.Ef(dserrors.KindFatal,
			"restored version %s checksum differs from snapshot %s", meta.ID, snap.Ref))
	}

	return state.TransitionTo(StateCompleted, "restore complete", nil, m.clock.Now())
}

func (m *Manager) activeID(ctx context.Context, classID string) (string, error) {
	meta, err := m.client.GetMetadata(ctx, classID)
	if err != nil {
		var nf secretstore.NotFoundError
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", err
	}
	return meta.ID, nil
}

func (m *Manager) abandon(ctx context.Context, req RestoreRequest) {
	if req.FailedVersionID == "" {
		return
	}
	if err := m.client.Revoke(ctx, req.ClassID, req.FailedVersionID, secretstore.StatusAbandoned); err != nil {
		m.logger.Warn("Failed to mark version %s of %s abandoned: %v", req.FailedVersionID, req.ClassID, err)
	}
}

// Prune deletes snapshots that expired before now, skipping protected refs.
func (m *Manager) Prune(ctx context.Context, classIDs []string, protected map[string]bool) (int, error) {
	now := m.clock.Now()
	pruned := 0
	for _, classID := range classIDs {
		snaps, err := m.store.ListSnapshots(ctx, classID)
		if err != nil {
			return pruned, err
		}
		for _, s := range snaps {
			if protected[s.Ref] || now.Before(s.ExpiresAt) {
				continue
			}
			if err := m.store.DeleteSnapshot(ctx, s.Ref); err != nil && !errors.Is(err, ErrNotFound) {
				return pruned, err
			}
			pruned++
		}
	}
	if pruned > 0 {
		m.logger.Info("Pruned %d expired snapshot(s)", pruned)
	}
	return pruned, nil
}
