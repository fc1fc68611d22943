// Package secretstores builds secret store clients from configuration.
package secretstores

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/secretstores/awssm"
	"github.com/systmms/rotord/internal/secretstores/vault"
	"github.com/systmms/rotord/pkg/secretstore"
)

// Built-in store types.
const (
	TypeMemory            = "memory"
	TypeVault             = "vault"
	TypeAWSSecretsManager = "aws.secretsmanager"
)

// Factory creates a client for one store type.
type Factory func(ctx context.Context, cfg config.StoreConfig, clk clock.Clock) (secretstore.Client, error)

// Registry manages secret store creation and registration
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new secret store registry with built-in secret stores
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeMemory, newMemory)
	r.Register(TypeVault, newVault)
	r.Register(TypeAWSSecretsManager, newAWSSecretsManager)
	return r
}

// Register adds or replaces the factory for a store type.
func (r *Registry) Register(storeType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[storeType] = f
}

// CreateSecretStore creates a secret store instance from configuration
func (r *Registry) CreateSecretStore(ctx context.Context, cfg config.StoreConfig, clk clock.Clock) (secretstore.Client, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown secret store type: %s", cfg.Type)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	client, err := f(ctx, cfg, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s secret store: %w", cfg.Type, err)
	}
	return client, nil
}

// GetSupportedTypes returns a list of supported secret store types
func (r *Registry) GetSupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for storeType := range r.factories {
		types = append(types, storeType)
	}
	sort.Strings(types)
	return types
}

// IsSupported checks if a secret store type is supported
func (r *Registry) IsSupported(storeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[storeType]
	return ok
}

func newMemory(_ context.Context, cfg config.StoreConfig, clk clock.Clock) (secretstore.Client, error) {
	opts := []secretstore.MemoryOption{secretstore.WithMemoryClock(clk), secretstore.WithMemoryName(TypeMemory)}
	switch v := cfg.Config["capacity"].(type) {
	case int:
		opts = append(opts, secretstore.WithMemoryCapacity(v))
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid capacity %q", v)
		}
		opts = append(opts, secretstore.WithMemoryCapacity(n))
	}
	return secretstore.NewMemoryStore(opts...), nil
}

func newVault(_ context.Context, cfg config.StoreConfig, clk clock.Clock) (secretstore.Client, error) {
	vc := vault.ConfigFromOptions(cfg.Config)
	if cfg.TimeoutMs > 0 {
		vc.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return vault.New(TypeVault, vc, clk)
}

func newAWSSecretsManager(ctx context.Context, cfg config.StoreConfig, clk clock.Clock) (secretstore.Client, error) {
	return awssm.New(ctx, TypeAWSSecretsManager, awssm.ConfigFromOptions(cfg.Config), awssm.WithClock(clk))
}
