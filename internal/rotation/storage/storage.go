// Package storage persists engine state: jobs, approval requests, backup
// snapshots, policies, per-class schedule state and leases.
//
// FileStorage keeps one JSON document per record under a state directory and
// is meant for single-instance deployments. SQLStorage keeps the same
// documents in PostgreSQL or MySQL and is safe to share between replicas.
package storage

import (
	"fmt"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/backup"
	"github.com/systmms/rotord/pkg/rotation"
)

// Storage is everything the engine persists.
type Storage interface {
	rotation.Store
	approval.Store
	backup.Store
	policy.Persister

	Close() error
}

// Open returns the storage described by cfg.
func Open(cfg config.StateConfig) (Storage, error) {
	switch cfg.Type {
	case "", config.StateFile:
		return NewFileStorage(cfg.Dir), nil
	case config.StatePostgres, config.StateMySQL:
		s, err := OpenSQL(cfg.Type, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported state store type %q", cfg.Type)
	}
}

var (
	_ Storage = (*FileStorage)(nil)
	_ Storage = (*SQLStorage)(nil)
)
