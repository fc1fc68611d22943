package backup

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/pkg/secretstore"
)

type memStore struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	err   error
}

func newMemStore() *memStore { return &memStore{snaps: make(map[string]*Snapshot)} }

func (m *memStore) SaveSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	c := *s
	m.snaps[s.Ref] = &c
	return nil
}

func (m *memStore) GetSnapshot(_ context.Context, ref string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[ref]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *memStore) ListSnapshots(_ context.Context, classID string) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for _, s := range m.snaps {
		if s.ClassID == classID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) DeleteSnapshot(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snaps[ref]; !ok {
		return ErrNotFound
	}
	delete(m.snaps, ref)
	return nil
}

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mgr    *Manager
	store  *memStore
	client *secretstore.MemoryStore
	clock  *testclock.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(epoch)
	client := secretstore.NewMemoryStore(secretstore.WithMemoryClock(clk))
	sealer, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	store := newMemStore()
	cfg := Config{Timeout: time.Second, MaxRetries: 2}
	return &fixture{
		mgr:    NewManager(cfg, store, client, sealer, clk, nil),
		store:  store,
		client: client,
		clock:  clk,
	}
}

func TestSealer(t *testing.T) {
	t.Parallel()

	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)

	s, err := NewSealer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	box, err := s.Seal([]byte("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(box), "hunter2")

	plain, err := s.Open(box)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))

	other, _ := NewSealer(bytes.Repeat([]byte{2}, 32))
	_, err = other.Open(box)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = s.Open([]byte("tiny"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestManager_SnapshotAndOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	v := f.client.Seed("database", secretstore.StatusActive, []byte("s3cret"))
	ref, err := f.mgr.Snapshot(ctx, "database", v, 30*24*time.Hour)
	require.NoError(t, err)

	snap, err := f.mgr.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, v.ID, snap.VersionID)
	assert.Equal(t, v.Checksum, snap.Checksum)
	assert.Equal(t, epoch.Add(30*24*time.Hour), snap.ExpiresAt)
	assert.NotContains(t, string(snap.Ciphertext), "s3cret")

	material, err := f.mgr.Open(ctx, ref)
	require.NoError(t, err)
	defer material.Destroy()
	plain, err := material.Copy()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(plain))
}

func TestManager_SnapshotFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("store write fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		v := f.client.Seed("db", secretstore.StatusActive, []byte("x"))
		f.store.err = errors.New("disk full")
		_, err := f.mgr.Snapshot(ctx, "db", v, time.Hour)
		assert.Error(t, err)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		v := f.client.Seed("db", secretstore.StatusActive, []byte("x"))
		v.Checksum = "deadbeef"
		_, err := f.mgr.Snapshot(ctx, "db", v, time.Hour)
		assert.True(t, dserrors.IsKind(err, dserrors.KindFatal))
	})

	t.Run("tampered snapshot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		v := f.client.Seed("db", secretstore.StatusActive, []byte("x"))
		ref, err := f.mgr.Snapshot(ctx, "db", v, time.Hour)
		require.NoError(t, err)
		f.store.snaps[ref].Checksum = "00"
		_, err = f.mgr.Open(ctx, ref)
		assert.True(t, dserrors.IsKind(err, dserrors.KindFatal))
	})
}

// rotateTo simulates a rotation that activated a new version.
func rotateTo(t *testing.T, f *fixture, classID string) (old, next secretstore.SecretVersion, ref string) {
	t.Helper()
	ctx := context.Background()
	old = f.client.Seed(classID, secretstore.StatusActive, []byte("old"))
	var err error
	ref, err = f.mgr.Snapshot(ctx, classID, old, time.Hour)
	require.NoError(t, err)
	next, err = f.client.MintVersion(ctx, classID)
	require.NoError(t, err)
	require.NoError(t, f.client.Activate(ctx, classID, old.ID, next.ID))
	return old, next, ref
}

func TestManager_Restore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	old, next, ref := rotateTo(t, f, "database")

	result, err := f.mgr.Restore(ctx, RestoreRequest{
		ClassID:         "database",
		Ref:             ref,
		CurrentActiveID: next.ID,
		FailedVersionID: next.ID,
		Reason:          "post-check failed",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 1, result.Attempts)

	active, err := f.client.GetMetadata(ctx, "database")
	require.NoError(t, err)
	assert.Equal(t, old.ID, active.ID)

	versions, err := f.client.ListVersions(ctx, "database")
	require.NoError(t, err)
	assert.Equal(t, 1, secretstore.CountActive(versions))
	failed, ok := secretstore.FindVersion(versions, next.ID)
	require.True(t, ok)
	assert.Equal(t, secretstore.StatusAbandoned, failed.Status)

	info := f.mgr.GetState("database")
	require.NotNil(t, info)
	assert.Equal(t, StateCompleted, info.State())
	assert.Len(t, info.Transitions, 4)
}

func TestManager_RestoreRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	old, next, ref := rotateTo(t, f, "database")

	f.client.InjectFault(secretstore.OpActivate,
		secretstore.UnreachableError{Store: "memory", Op: secretstore.OpActivate}, 1)

	result, err := f.mgr.Restore(ctx, RestoreRequest{
		ClassID: "database", Ref: ref, CurrentActiveID: next.ID, FailedVersionID: next.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)

	active, err := f.client.GetMetadata(ctx, "database")
	require.NoError(t, err)
	assert.Equal(t, old.ID, active.ID)
}

func TestManager_RestoreIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	old, next, ref := rotateTo(t, f, "database")

	// An earlier attempt already re-activated the snapshot version.
	require.NoError(t, f.client.Activate(ctx, "database", next.ID, old.ID))
	activations := f.client.Calls(secretstore.OpActivate)

	result, err := f.mgr.Restore(ctx, RestoreRequest{
		ClassID: "database", Ref: ref, CurrentActiveID: next.ID,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, activations, f.client.Calls(secretstore.OpActivate), "no second activation")
}

func TestManager_RestoreFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown ref", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.Restore(ctx, RestoreRequest{ClassID: "db", Ref: "bak-missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("wrong class", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, next, ref := rotateTo(t, f, "db")
		_, err := f.mgr.Restore(ctx, RestoreRequest{ClassID: "other", Ref: ref, CurrentActiveID: next.ID})
		assert.True(t, dserrors.IsKind(err, dserrors.KindFatal))
	})

	t.Run("active version moved", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, _, ref := rotateTo(t, f, "db")
		result, err := f.mgr.Restore(ctx, RestoreRequest{ClassID: "db", Ref: ref, CurrentActiveID: "someone-else"})
		require.Error(t, err)
		assert.True(t, dserrors.IsKind(err, dserrors.KindConflict))
		assert.Equal(t, StateFailed, result.State)
		assert.Equal(t, 1, result.Attempts, "conflicts are not retried")
	})

	t.Run("store stays down", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, next, ref := rotateTo(t, f, "db")
		f.client.InjectFault(secretstore.OpGetMetadata,
			secretstore.UnreachableError{Store: "memory", Op: secretstore.OpGetMetadata}, 0)
		result, err := f.mgr.Restore(ctx, RestoreRequest{ClassID: "db", Ref: ref, CurrentActiveID: next.ID})
		require.Error(t, err)
		assert.Equal(t, 3, result.Attempts)
		assert.Equal(t, StateFailed, f.mgr.GetState("db").State())
	})
}

func TestManager_Prune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	v := f.client.Seed("db", secretstore.StatusActive, []byte("x"))
	short, err := f.mgr.Snapshot(ctx, "db", v, time.Hour)
	require.NoError(t, err)
	protected, err := f.mgr.Snapshot(ctx, "db", v, time.Hour)
	require.NoError(t, err)
	long, err := f.mgr.Snapshot(ctx, "db", v, 48*time.Hour)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	n, err := f.mgr.Prune(ctx, []string{"db"}, map[string]bool{protected: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mgr.Get(ctx, short)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.mgr.Get(ctx, protected)
	assert.NoError(t, err)
	_, err = f.mgr.Get(ctx, long)
	assert.NoError(t, err)
}

func TestRestoreInfo_Transitions(t *testing.T) {
	t.Parallel()

	info := NewRestoreInfo("db")
	assert.Error(t, info.TransitionTo(StateCompleted, "", nil, epoch))
	require.NoError(t, info.TransitionTo(StateTriggered, "go", nil, epoch))
	require.NoError(t, info.TransitionTo(StateInProgress, "", nil, epoch))
	require.NoError(t, info.TransitionTo(StateFailed, "boom", errors.New("boom"), epoch.Add(time.Second)))
	assert.Equal(t, time.Second, info.Duration())
	assert.Equal(t, "boom", info.Transitions[2].Error)
	require.NoError(t, info.TransitionTo(StateTriggered, "retry", nil, epoch.Add(2*time.Second)))
	assert.Equal(t, 2, info.AttemptCount())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateVerifying.IsTerminal())
}
