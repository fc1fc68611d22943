package secretstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/rotord/internal/errors"
)

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusAbandoned, true},
		{StatusPending, StatusRevoked, false},
		{StatusActive, StatusRevokedPendingGrace, true},
		{StatusActive, StatusRevoked, false},
		{StatusActive, StatusAbandoned, false},
		{StatusRevokedPendingGrace, StatusRevoked, true},
		{StatusRevokedPendingGrace, StatusActive, true},
		{StatusRevokedPendingGrace, StatusAbandoned, true},
		{StatusRevoked, StatusActive, false},
		{StatusAbandoned, StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.True(t, StatusRevoked.IsTerminal())
	assert.True(t, StatusAbandoned.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, Status("bogus").Valid())
}

func TestMemoryStore_MintAndActivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithMemoryClock(testclock.NewClock(now)))

	_, err := store.GetMetadata(ctx, "db")
	var nf NotFoundError
	require.True(t, errors.As(err, &nf))

	v1, err := store.MintVersion(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, v1.Status)
	assert.Equal(t, 1, v1.Number)
	assert.Len(t, v1.Checksum, 64)
	assert.Equal(t, now, v1.CreatedAt)

	require.NoError(t, store.Activate(ctx, "db", "", v1.ID))
	active, err := store.GetMetadata(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	v2, err := store.MintVersion(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)
	require.NoError(t, store.Activate(ctx, "db", v1.ID, v2.ID))

	versions, err := store.ListVersions(ctx, "db")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, CountActive(versions))
	assert.Equal(t, StatusRevokedPendingGrace, versions[0].Status)
	require.NotNil(t, versions[0].RevokedAt)
	assert.Equal(t, StatusActive, versions[1].Status)
}

func TestMemoryStore_ActivateConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	v1 := store.Seed("api", StatusActive, []byte("first-secret"))
	v2, err := store.MintVersion(ctx, "api")
	require.NoError(t, err)

	err = store.Activate(ctx, "api", "someone-else", v2.ID)
	var conflict ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, v1.ID, conflict.Actual)
	assert.Equal(t, dserrors.KindConflict, dserrors.KindOf(err))

	active, err := store.GetMetadata(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID, "active pointer unchanged after conflict")
}

func TestMemoryStore_ActivateRejectsTerminalVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	v1 := store.Seed("api", StatusActive, []byte("first-secret"))
	v2, err := store.MintVersion(ctx, "api")
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, "api", v2.ID, StatusAbandoned))

	err = store.Activate(ctx, "api", v1.ID, v2.ID)
	assert.True(t, dserrors.IsKind(err, dserrors.KindConflict))

	err = store.Activate(ctx, "api", v1.ID, "missing")
	var nf NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestMemoryStore_RollbackPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	old := store.Seed("db", StatusActive, []byte("old-password"))
	next, err := store.MintVersion(ctx, "db")
	require.NoError(t, err)
	require.NoError(t, store.Activate(ctx, "db", old.ID, next.ID))

	// Re-activate the displaced version and abandon the failed one.
	require.NoError(t, store.Activate(ctx, "db", next.ID, old.ID))
	require.NoError(t, store.Revoke(ctx, "db", next.ID, StatusAbandoned))

	versions, err := store.ListVersions(ctx, "db")
	require.NoError(t, err)
	got, _ := FindVersion(versions, old.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.RevokedAt)
	got, _ = FindVersion(versions, next.ID)
	assert.Equal(t, StatusAbandoned, got.Status)
	assert.Equal(t, 1, CountActive(versions))
}

func TestMemoryStore_Revoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	active := store.Seed("db", StatusActive, []byte("password-1"))
	grace := store.Seed("db", StatusRevokedPendingGrace, []byte("password-0"))

	assert.Error(t, store.Revoke(ctx, "db", active.ID, StatusRevoked), "active cannot skip grace")
	assert.Error(t, store.Revoke(ctx, "db", grace.ID, StatusActive), "activation goes through Activate")
	assert.NoError(t, store.Revoke(ctx, "db", grace.ID, StatusRevokedPendingGrace), "same status is a no-op")
	require.NoError(t, store.Revoke(ctx, "db", grace.ID, StatusRevoked))
	assert.Error(t, store.Revoke(ctx, "db", grace.ID, StatusAbandoned))

	var nf NotFoundError
	assert.True(t, errors.As(store.Revoke(ctx, "db", "nope", StatusRevoked), &nf))
}

func TestMemoryStore_ReadValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	v := store.Seed("db", StatusActive, []byte("s3cret-value"))
	value, err := store.ReadValue(ctx, "db", v.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret-value"), value)

	value[0] = 'X'
	again, err := store.ReadValue(ctx, "db", v.ID)
	require.NoError(t, err)
	assert.Equal(t, byte('s'), again[0], "returned slice is a copy")

	_, err = store.ReadValue(ctx, "db", "missing")
	assert.Error(t, err)
}

func TestMemoryStore_Faults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	unreachable := UnreachableError{Store: "memory", Op: OpMintVersion, Err: errors.New("connection refused")}
	store.InjectFault(OpMintVersion, unreachable, 2)

	_, err := store.MintVersion(ctx, "db")
	assert.True(t, dserrors.IsRetryable(err))
	_, err = store.MintVersion(ctx, "db")
	assert.Error(t, err)
	_, err = store.MintVersion(ctx, "db")
	assert.NoError(t, err)
	assert.Equal(t, 3, store.Calls(OpMintVersion))

	store.InjectFault(OpHealth, errors.New("down"), 0)
	_, err = store.Health(ctx)
	assert.Error(t, err)
	_, err = store.Health(ctx)
	assert.Error(t, err)
	store.ClearFaults()
	_, err = store.Health(ctx)
	assert.NoError(t, err)
}

func TestMemoryStore_Health(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(WithMemoryCapacity(3))

	store.Seed("db", StatusActive, []byte("one-value"))
	h, err := store.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Reachable)
	assert.Equal(t, 2, h.FreeCapacity)

	store.Seed("db", StatusPending, []byte("two-value"))
	store.Seed("db", StatusPending, []byte("three-value"))
	_, err = store.MintVersion(ctx, "db")
	assert.True(t, dserrors.IsKind(err, dserrors.KindConflict))

	store.SetHealth(&StoreHealth{Reachable: false, Message: "maintenance"})
	h, err = store.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Reachable)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.MintVersion(ctx, "db")
	var ue UnreachableError
	assert.True(t, errors.As(err, &ue))
}
