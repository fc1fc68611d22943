package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/policy"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where rotord looks for its configuration file.
const DefaultPath = "rotord.yaml"

// Environment variables that override file settings.
const (
	EnvStateDir   = "ROTORD_STATE_DIR"
	EnvVaultToken = "ROTORD_VAULT_TOKEN"
	EnvBackupKey  = "ROTORD_BACKUP_KEY"
)

// Duration accepts Go duration syntax plus a "d" unit.
type Duration = policy.Duration

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition represents the rotord.yaml structure
type Definition struct {
	Version       int                  `yaml:"version"`
	Engine        EngineConfig         `yaml:"engine"`
	Store         StoreConfig          `yaml:"store"`
	State         StateConfig          `yaml:"state"`
	Audit         AuditConfig          `yaml:"audit"`
	Backup        BackupConfig         `yaml:"backup"`
	Incidents     IncidentConfig       `yaml:"incidents"`
	Notifications *NotificationConfig  `yaml:"notifications,omitempty"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Classes       []policy.SecretClass `yaml:"classes,omitempty"`
	PolicyFiles   []string             `yaml:"policy_files,omitempty"`
}

// EngineConfig tunes the scheduler and orchestrator.
type EngineConfig struct {
	// InstanceID identifies this replica in the scheduler lease. Defaults to hostname.
	InstanceID             string   `yaml:"instance_id,omitempty"`
	MaxConcurrentRotations int      `yaml:"max_concurrent_rotations,omitempty"`
	StaggerWindow          Duration `yaml:"stagger_window,omitempty"`
	TickInterval           Duration `yaml:"tick_interval,omitempty"`
	StoreTimeout           Duration `yaml:"store_timeout,omitempty"`
	MaxBackoff             Duration `yaml:"max_backoff,omitempty"`
	LeaseTTL               Duration `yaml:"lease_ttl,omitempty"`
	JobRetention           Duration `yaml:"job_retention,omitempty"`
	SweepInterval          Duration `yaml:"sweep_interval,omitempty"`

	// Pre-flight budget for the secret store.
	LatencyBudget   Duration `yaml:"latency_budget,omitempty"`
	MinFreeCapacity int      `yaml:"min_free_capacity,omitempty"`
	CheckTimeout    Duration `yaml:"check_timeout,omitempty"`
}

// StoreConfig selects and configures the secret store backend
type StoreConfig struct {
	Type      string                 `yaml:"type"`
	TimeoutMs int                    `yaml:"timeout_ms,omitempty"`
	Config    map[string]interface{} `yaml:",inline"`
}

// State store types.
const (
	StateFile     = "file"
	StatePostgres = "postgres"
	StateMySQL    = "mysql"
)

// StateConfig selects where jobs, approvals, backups and leases live.
type StateConfig struct {
	Type string `yaml:"type,omitempty"` // file, postgres, mysql
	Dir  string `yaml:"dir,omitempty"`
	DSN  string `yaml:"dsn,omitempty"`
}

// AuditConfig locates the append-only audit log.
type AuditConfig struct {
	Path string `yaml:"path,omitempty"`
}

// BackupConfig locates the 32-byte key used to encrypt snapshots.
type BackupConfig struct {
	KeyFile string `yaml:"key_file,omitempty"`
	KeyEnv  string `yaml:"key_env,omitempty"`
}

// IncidentConfig locates incident reports written on Fatal errors.
type IncidentConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// MetricsConfig controls the metrics and API server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// Load reads and parses the rotord.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a rotord.yaml or pass --config",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}
	def.ApplyEnv()

	for i, p := range def.PolicyFiles {
		if !filepath.IsAbs(p) {
			def.PolicyFiles[i] = filepath.Join(filepath.Dir(c.Path), p)
		}
	}

	c.Definition = def
	return nil
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 && def.Version != 1 {
		return nil, dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 1' at the top of your rotord.yaml file",
		}
	}

	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ApplyDefaults fills unset fields.
func (d *Definition) ApplyDefaults() {
	e := &d.Engine
	if e.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			e.InstanceID = host
		} else {
			e.InstanceID = "rotord"
		}
	}
	if e.MaxConcurrentRotations <= 0 {
		e.MaxConcurrentRotations = 4
	}
	if e.TickInterval <= 0 {
		e.TickInterval = Duration(time.Minute)
	}
	if e.StoreTimeout <= 0 {
		e.StoreTimeout = Duration(30 * time.Second)
	}
	if e.MaxBackoff <= 0 {
		e.MaxBackoff = Duration(5 * time.Minute)
	}
	if e.LeaseTTL <= 0 {
		e.LeaseTTL = Duration(3 * e.TickInterval)
	}
	if e.JobRetention <= 0 {
		e.JobRetention = Duration(90 * policy.Day)
	}
	if e.SweepInterval <= 0 {
		e.SweepInterval = Duration(time.Minute)
	}
	if e.LatencyBudget <= 0 {
		e.LatencyBudget = Duration(2 * time.Second)
	}
	if e.CheckTimeout <= 0 {
		e.CheckTimeout = Duration(10 * time.Second)
	}

	if d.Store.Type == "" {
		d.Store.Type = "memory"
	}
	if d.State.Type == "" {
		d.State.Type = StateFile
	}
	if d.State.Type == StateFile && d.State.Dir == "" {
		d.State.Dir = DefaultStateDir()
	}
	if d.Audit.Path == "" {
		d.Audit.Path = filepath.Join(DefaultStateDir(), "audit.jsonl")
	}
	if d.Incidents.Dir == "" {
		d.Incidents.Dir = filepath.Join(DefaultStateDir(), "incidents")
	}
	if d.Backup.KeyEnv == "" {
		d.Backup.KeyEnv = EnvBackupKey
	}
	if d.Metrics.Port == 0 {
		d.Metrics.Port = 9090
	}
	if d.Metrics.Path == "" {
		d.Metrics.Path = "/metrics"
	}
}

// ApplyEnv applies environment overrides.
func (d *Definition) ApplyEnv() {
	if dir := os.Getenv(EnvStateDir); dir != "" && d.State.Type == StateFile {
		d.State.Dir = dir
	}
	if d.Store.Type == "vault" {
		token := os.Getenv(EnvVaultToken)
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token != "" {
			if d.Store.Config == nil {
				d.Store.Config = make(map[string]interface{})
			}
			d.Store.Config["token"] = token
		}
	}
}

// Validate checks cross-field constraints.
func (d *Definition) Validate() error {
	switch d.State.Type {
	case StateFile:
	case StatePostgres, StateMySQL:
		if d.State.DSN == "" {
			return dserrors.ConfigError{
				Field:      "state.dsn",
				Message:    "a DSN is required for " + d.State.Type + " state",
				Suggestion: "Set state.dsn, for example postgres://rotord@db/rotord?sslmode=require",
			}
		}
	default:
		return dserrors.ConfigError{
			Field:      "state.type",
			Value:      d.State.Type,
			Message:    "unknown state backend",
			Suggestion: "Use one of: file, postgres, mysql",
		}
	}

	if d.Engine.StaggerWindow < 0 {
		return dserrors.ConfigError{Field: "engine.stagger_window", Value: d.Engine.StaggerWindow.String(), Message: "stagger window cannot be negative"}
	}
	if d.Engine.LeaseTTL.Std() <= d.Engine.TickInterval.Std() {
		return dserrors.ConfigError{
			Field:      "engine.lease_ttl",
			Value:      d.Engine.LeaseTTL.String(),
			Message:    "lease TTL must be longer than the tick interval",
			Suggestion: "Use at least twice the tick interval so the leader renews before expiry",
		}
	}

	seen := make(map[string]bool, len(d.Classes))
	for i, class := range d.Classes {
		if seen[class.ID] {
			return dserrors.ConfigError{Field: fmt.Sprintf("classes[%d].id", i), Value: class.ID, Message: "duplicate class id"}
		}
		seen[class.ID] = true
		if err := class.Validate(); err != nil {
			return err
		}
	}

	if d.Notifications != nil {
		if err := d.Notifications.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StoreTimeout returns the per-call store timeout, honouring a store-level timeout_ms.
func (d *Definition) StoreTimeout() time.Duration {
	if d.Store.TimeoutMs > 0 {
		return time.Duration(d.Store.TimeoutMs) * time.Millisecond
	}
	return d.Engine.StoreTimeout.Std()
}

// BackupKey returns the 32-byte snapshot encryption key from key_file or the
// configured environment variable. Keys may be raw or hex encoded.
func (d *Definition) BackupKey() ([]byte, error) {
	var raw string
	switch {
	case d.Backup.KeyFile != "":
		data, err := os.ReadFile(d.Backup.KeyFile)
		if err != nil {
			return nil, dserrors.ConfigError{
				Field:      "backup.key_file",
				Value:      d.Backup.KeyFile,
				Message:    "cannot read backup key: " + err.Error(),
				Suggestion: "Generate one with: head -c 32 /dev/urandom | xxd -p -c 64 > backup.key",
			}
		}
		raw = strings.TrimSpace(string(data))
	default:
		raw = strings.TrimSpace(os.Getenv(d.Backup.KeyEnv))
	}
	if raw == "" {
		return nil, dserrors.ConfigError{
			Field:      "backup",
			Message:    "no backup encryption key configured",
			Suggestion: fmt.Sprintf("Set %s or backup.key_file to a 32-byte (64 hex character) key", d.Backup.KeyEnv),
		}
	}
	return DecodeKey(raw)
}

// StringOption reads a string from the backend options map.
func (s StoreConfig) StringOption(key string) string {
	if s.Config == nil {
		return ""
	}
	if v, ok := s.Config[key].(string); ok {
		return v
	}
	return ""
}

// DefaultStateDir returns the default state directory
func DefaultStateDir() string {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "rotord")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "rotord")
	}

	return filepath.Join(os.TempDir(), "rotord")
}
