package commands

import (
	"context"
	"fmt"

	"github.com/juju/clock"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/incident"
	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/audit"
	"github.com/systmms/rotord/internal/rotation/backup"
	"github.com/systmms/rotord/internal/rotation/health"
	"github.com/systmms/rotord/internal/rotation/notifications"
	"github.com/systmms/rotord/internal/rotation/storage"
	"github.com/systmms/rotord/internal/secretstores"
	"github.com/systmms/rotord/pkg/rotation"
	"github.com/systmms/rotord/pkg/secretstore"
)

// app is a fully wired engine and the resources it owns.
type app struct {
	def       *config.Definition
	state     storage.Storage
	policies  *policy.Registry
	client    secretstore.Client
	audit     *audit.Recorder
	incidents *incident.Manager
	notifier  *notifications.Manager
	engine    *rotation.Engine
	logger    *logging.Logger
}

func loadConfig(cfg *config.Config) (*config.Definition, *logging.Logger, error) {
	if err := cfg.Load(); err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return cfg.Definition, logger, nil
}

// openPolicies opens the state store and loads the policy registry from it,
// the inline classes and every policy file, in that order.
func openPolicies(ctx context.Context, def *config.Definition, logger *logging.Logger) (storage.Storage, *policy.Registry, error) {
	state, err := storage.Open(def.State)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}
	policies := policy.NewRegistry(state, logger)
	if err := loadPolicies(ctx, policies, def); err != nil {
		_ = state.Close()
		return nil, nil, err
	}
	return state, policies, nil
}

func loadPolicies(ctx context.Context, policies *policy.Registry, def *config.Definition) error {
	if err := policies.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for _, class := range def.Classes {
		if err := policies.Upsert(ctx, class); err != nil {
			return err
		}
	}
	for _, path := range def.PolicyFiles {
		if _, err := policies.LoadFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// openApp loads the configuration and wires every component the engine
// needs. The caller must call close.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	def, logger, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{def: def, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.state, a.policies, err = openPolicies(ctx, def, logger)
	if err != nil {
		return nil, err
	}

	clk := clock.WallClock
	var client secretstore.Client
	client, err = secretstores.NewRegistry().CreateSecretStore(ctx, def.Store, clk)
	if err != nil {
		return nil, err
	}
	a.client = secretstores.WithTimeout(client, def.StoreTimeout())

	var key []byte
	key, err = def.BackupKey()
	if err != nil {
		return nil, err
	}
	var sealer *backup.Sealer
	sealer, err = backup.NewSealer(key)
	if err != nil {
		return nil, err
	}

	a.audit, err = audit.Open(def.Audit.Path, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a.incidents = incident.NewManager(def.Incidents.Dir, clk)
	a.notifier, err = notifications.NewFromConfig(def.Notifications, logger)
	if err != nil {
		return nil, err
	}

	validator := health.NewValidator(health.ValidatorConfig{
		LatencyBudget:   def.Engine.LatencyBudget.Std(),
		MinFreeCapacity: def.Engine.MinFreeCapacity,
		CheckTimeout:    def.Engine.CheckTimeout.Std(),
	}, a.client, logger)

	a.engine = rotation.NewEngine(def.Engine, rotation.Components{
		Store:     a.state,
		Policies:  a.policies,
		Client:    a.client,
		Validator: validator,
		Approvals: approval.NewGate(a.state, clk, logger),
		Backups:   backup.NewManager(backup.DefaultConfig(), a.state, a.client, sealer, clk, logger),
		Audit:     a.audit,
		Incidents: a.incidents,
		Notifier:  a.notifier,
		Clock:     clk,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("closing audit log: %v", err)
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn("closing state store: %v", err)
		}
	}
}
