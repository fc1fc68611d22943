package secretstores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/secretstores/awssm"
	"github.com/systmms/rotord/internal/secretstores/vault"
	"github.com/systmms/rotord/pkg/secretstore"
)

func TestSecretStoreRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	t.Run("GetSupportedTypes", func(t *testing.T) {
		assert.Equal(t, []string{TypeAWSSecretsManager, TypeMemory, TypeVault}, registry.GetSupportedTypes())
	})

	t.Run("IsSupported", func(t *testing.T) {
		assert.True(t, registry.IsSupported("vault"))
		assert.True(t, registry.IsSupported("aws.secretsmanager"))
		assert.False(t, registry.IsSupported("aws.ssm"))
		assert.False(t, registry.IsSupported("unknown"))
	})

	t.Run("CreateSecretStore_Memory", func(t *testing.T) {
		store, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{
			Type:   TypeMemory,
			Config: map[string]interface{}{"capacity": 2},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, TypeMemory, store.Name())

		h, err := store.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, h.FreeCapacity)
	})

	t.Run("CreateSecretStore_BadCapacity", func(t *testing.T) {
		_, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{
			Type:   TypeMemory,
			Config: map[string]interface{}{"capacity": "lots"},
		}, nil)
		assert.ErrorContains(t, err, "invalid capacity")
	})

	t.Run("CreateSecretStore_Vault", func(t *testing.T) {
		store, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{
			Type:      TypeVault,
			TimeoutMs: 1500,
			Config:    map[string]interface{}{"address": "http://127.0.0.1:8200", "token": "t"},
		}, clock.WallClock)
		require.NoError(t, err)
		assert.IsType(t, &vault.Store{}, store)
	})

	t.Run("CreateSecretStore_AWS", func(t *testing.T) {
		store, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{
			Type: TypeAWSSecretsManager,
			Config: map[string]interface{}{
				"region":            "us-west-2",
				"access_key_id":     "AKIDEXAMPLE",
				"secret_access_key": "secret",
			},
		}, nil)
		require.NoError(t, err)
		assert.IsType(t, &awssm.Store{}, store)
	})

	t.Run("CreateSecretStore_UnsupportedType", func(t *testing.T) {
		_, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{Type: "postgres"}, nil)
		assert.ErrorContains(t, err, "unknown secret store type: postgres")
	})
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	boom := errors.New("boom")
	registry.Register("broken", func(context.Context, config.StoreConfig, clock.Clock) (secretstore.Client, error) {
		return nil, boom
	})

	assert.True(t, registry.IsSupported("broken"))
	_, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{Type: "broken"}, nil)
	assert.ErrorIs(t, err, boom)
}

// slowStore blocks every call until its context ends.
type slowStore struct {
	*secretstore.MemoryStore
}

func (s slowStore) GetMetadata(ctx context.Context, _ string) (secretstore.SecretVersion, error) {
	<-ctx.Done()
	return secretstore.SecretVersion{}, ctx.Err()
}

func (s slowStore) Activate(ctx context.Context, classID, _, _ string) error {
	<-ctx.Done()
	return secretstore.ConflictError{Store: "slow", ClassID: classID, Message: "raced"}
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	mem := secretstore.NewMemoryStore()
	assert.Same(t, mem, WithTimeout(mem, 0), "zero timeout leaves the client alone")

	client := WithTimeout(slowStore{mem}, 20*time.Millisecond)
	assert.Equal(t, mem.Name(), client.Name())

	_, err := client.GetMetadata(context.Background(), "db")
	var unreachable secretstore.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, secretstore.OpGetMetadata, unreachable.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Typed errors that are not transient pass through.
	err = client.Activate(context.Background(), "db", "", "v1")
	var conflict secretstore.ConflictError
	assert.ErrorAs(t, err, &conflict)

	// Calls that finish in time are untouched.
	v := mem.Seed("db", secretstore.StatusActive, []byte("x"))
	versions, err := client.ListVersions(context.Background(), "db")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, v.ID, versions[0].ID)
}
