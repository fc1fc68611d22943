package policy

import (
	"fmt"
	"regexp"
	"time"

	dserrors "github.com/systmms/rotord/internal/errors"
)

// Dependent types understood by the health validator.
const (
	DependentHTTP     = "http"
	DependentPostgres = "postgres"
	DependentMySQL    = "mysql"
	DependentNoop     = "noop"
)

// Defaults applied to unset policy fields.
const (
	DefaultBackoffBase     = Duration(time.Second)
	DefaultGracePeriod     = Duration(24 * time.Hour)
	DefaultBackupRetention = Duration(30 * Day)
	DefaultApprovalTTL     = Duration(24 * time.Hour)
	DefaultMaxRetry        = 3
)

var classIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// SecretClass is the rotation policy of one category of credential.
type SecretClass struct {
	ID                string      `yaml:"id" json:"id"`
	Description       string      `yaml:"description,omitempty" json:"description,omitempty"`
	RotationFrequency Duration    `yaml:"rotation_frequency" json:"rotation_frequency"`
	RequiresApproval  bool        `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	ApproversRequired int         `yaml:"approvers_required,omitempty" json:"approvers_required,omitempty"`
	MaxRetry          int         `yaml:"max_retry" json:"max_retry"`
	BackoffBase       Duration    `yaml:"backoff_base,omitempty" json:"backoff_base,omitempty"`
	Dependents        []Dependent `yaml:"dependents,omitempty" json:"dependents,omitempty"`

	// Representative names the dependent used for synthetic authentication.
	// Empty means every dependent is checked.
	Representative  string   `yaml:"representative,omitempty" json:"representative,omitempty"`
	GracePeriod     Duration `yaml:"grace_period,omitempty" json:"grace_period,omitempty"`
	BackupRetention Duration `yaml:"backup_retention,omitempty" json:"backup_retention,omitempty"`
	ApprovalTTL     Duration `yaml:"approval_ttl,omitempty" json:"approval_ttl,omitempty"`
	Disabled        bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Dependent is a system that consumes the secret and must accept new versions.
type Dependent struct {
	Name     string            `yaml:"name" json:"name"`
	Type     string            `yaml:"type" json:"type"`
	Endpoint string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Options  map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// WithDefaults returns a copy with unset optional fields filled in.
func (c SecretClass) WithDefaults() SecretClass {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.BackupRetention <= 0 {
		c.BackupRetention = DefaultBackupRetention
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = DefaultApprovalTTL
	}
	return c
}

// Validate checks the class at registration time.
func (c SecretClass) Validate() error {
	if !classIDPattern.MatchString(c.ID) {
		return dserrors.ConfigError{
			Field:      "id",
			Value:      c.ID,
			Message:    "class id must be lowercase alphanumeric with . _ or -",
			Suggestion: "Use an id like 'database' or 'payments-api'",
		}
	}
	if c.RotationFrequency <= 0 {
		return dserrors.ConfigError{
			Field:      c.ID + ".rotation_frequency",
			Value:      c.RotationFrequency.String(),
			Message:    "rotation frequency must be greater than zero",
			Suggestion: "Set a frequency such as '90d' or '24h'",
		}
	}
	if c.RequiresApproval && c.ApproversRequired < 1 {
		return dserrors.ConfigError{
			Field:      c.ID + ".approvers_required",
			Value:      c.ApproversRequired,
			Message:    "at least one approver is required when requires_approval is true",
			Suggestion: "Set approvers_required to 1 or more, or disable requires_approval",
		}
	}
	if c.MaxRetry < 0 {
		return dserrors.ConfigError{
			Field:   c.ID + ".max_retry",
			Value:   c.MaxRetry,
			Message: "max_retry cannot be negative",
		}
	}
	if c.BackoffBase < 0 {
		return dserrors.ConfigError{
			Field:   c.ID + ".backoff_base",
			Value:   c.BackoffBase.String(),
			Message: "backoff_base cannot be negative",
		}
	}

	seen := make(map[string]bool, len(c.Dependents))
	for i, dep := range c.Dependents {
		field := fmt.Sprintf("%s.dependents[%d]", c.ID, i)
		if dep.Name == "" {
			return dserrors.ConfigError{Field: field + ".name", Message: "dependent name is required"}
		}
		if seen[dep.Name] {
			return dserrors.ConfigError{Field: field + ".name", Value: dep.Name, Message: "duplicate dependent name"}
		}
		seen[dep.Name] = true
		switch dep.Type {
		case DependentHTTP, DependentPostgres, DependentMySQL:
			if dep.Endpoint == "" {
				return dserrors.ConfigError{Field: field + ".endpoint", Message: "endpoint is required for " + dep.Type + " dependents"}
			}
		case DependentNoop:
		default:
			return dserrors.ConfigError{
				Field:      field + ".type",
				Value:      dep.Type,
				Message:    "unknown dependent type",
				Suggestion: "Use one of: http, postgres, mysql, noop",
			}
		}
	}
	if c.Representative != "" && !seen[c.Representative] {
		return dserrors.ConfigError{
			Field:   c.ID + ".representative",
			Value:   c.Representative,
			Message: "representative must name one of the class dependents",
		}
	}
	return nil
}

// Dependent returns the named dependent.
func (c SecretClass) Dependent(name string) (Dependent, bool) {
	for _, d := range c.Dependents {
		if d.Name == name {
			return d, true
		}
	}
	return Dependent{}, false
}

// ValidationTargets returns the dependents used for synthetic authentication.
func (c SecretClass) ValidationTargets() []Dependent {
	if c.Representative != "" {
		if d, ok := c.Dependent(c.Representative); ok {
			return []Dependent{d}
		}
	}
	return c.Dependents
}

// BackoffFor returns backoff_base * 2^attempt capped at max.
func (c SecretClass) BackoffFor(attempt int, max time.Duration) time.Duration {
	base := c.BackoffBase.Std()
	if base <= 0 {
		base = DefaultBackoffBase.Std()
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
