package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/secure"
	"github.com/systmms/rotord/pkg/secretstore"
)

// Defaults for the validator budget.
const (
	DefaultLatencyBudget = 2 * time.Second
	DefaultCheckTimeout  = 10 * time.Second
)

// ValidatorConfig is the pre-flight budget and per-check timeout.
type ValidatorConfig struct {
	// LatencyBudget is the highest store latency accepted before rotating.
	LatencyBudget time.Duration

	// MinFreeCapacity is the number of versions the store must still accept.
	// Stores that do not report capacity always pass.
	MinFreeCapacity int

	// CheckTimeout bounds every store health call and synthetic authentication.
	CheckTimeout time.Duration
}

// DefaultValidatorConfig returns the default validator budget.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		LatencyBudget:   DefaultLatencyBudget,
		MinFreeCapacity: 1,
		CheckTimeout:    DefaultCheckTimeout,
	}
}

// CheckResult is the outcome against one dependent.
type CheckResult struct {
	Dependent string        `json:"dependent"`
	Checker   string        `json:"checker"`
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Result is the outcome of a pre-flight or post-check.
type Result struct {
	Healthy bool          `json:"healthy"`
	Message string        `json:"message,omitempty"`
	Checks  []CheckResult `json:"checks,omitempty"`
}

// Validator runs store pre-flight checks and synthetic authentication of
// candidate versions. It never mutates a dependent.
type Validator struct {
	config   ValidatorConfig
	client   secretstore.Client
	checkers map[string]HealthChecker
	metrics  *RotationMetrics
	logger   *logging.Logger
}

// NewValidator creates a validator with checkers for every dependent type.
func NewValidator(config ValidatorConfig, client secretstore.Client, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Discard()
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = DefaultCheckTimeout
	}
	httpConfig := DefaultHTTPHealthConfig()
	httpConfig.Timeout = config.CheckTimeout
	sqlChecker := NewSQLHealthChecker("sql", DefaultSQLHealthConfig())

	return &Validator{
		config: config,
		client: client,
		checkers: map[string]HealthChecker{
			policy.DependentHTTP:     NewHTTPHealthChecker("http", httpConfig),
			policy.DependentPostgres: sqlChecker,
			policy.DependentMySQL:    sqlChecker,
			policy.DependentNoop:     NoopChecker{},
		},
		metrics: NewRotationMetrics(),
		logger:  logger.With("health"),
	}
}

// Register replaces the checker used for a dependent type.
func (v *Validator) Register(depType string, checker HealthChecker) {
	v.checkers[depType] = checker
}

// PreCheck verifies the store is reachable, within the latency budget and has
// room for a new version. Any failure is Transient.
func (v *Validator) PreCheck(ctx context.Context, class policy.SecretClass) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, v.config.CheckTimeout)
	defer cancel()

	start := time.Now()
	h, err := v.client.Health(ctx)
	v.metrics.RecordHealthCheck(class.ID, "store", err == nil && h.Reachable, time.Since(start).Seconds())
	if err != nil {
		if dserrors.KindOf(err) == dserrors.KindUnknown {
			err = dserrors.E(dserrors.KindTransient, "store health check failed", err)
		}
		return Result{Healthy: false, Message: err.Error()}, err
	}

	var problems []string
	if !h.Reachable {
		problems = append(problems, "store unreachable")
		if h.Message != "" {
			problems[0] += ": " + h.Message
		}
	}
	if v.config.LatencyBudget > 0 && h.Latency > v.config.LatencyBudget {
		problems = append(problems, fmt.Sprintf("store latency %v exceeds budget %v", h.Latency, v.config.LatencyBudget))
	}
	if h.FreeCapacity >= 0 && h.FreeCapacity < v.config.MinFreeCapacity {
		problems = append(problems, fmt.Sprintf("store free capacity %d below minimum %d", h.FreeCapacity, v.config.MinFreeCapacity))
	}

	if len(problems) > 0 {
		msg := strings.Join(problems, "; ")
		v.logger.Warn("pre-flight for %s failed: %s", class.ID, msg)
		return Result{Healthy: false, Message: msg}, dserrors.E(dserrors.KindTransient, "pre-flight failed: "+msg, nil)
	}
	return Result{Healthy: true, Message: fmt.Sprintf("store %s healthy in %v", v.client.Name(), h.Latency)}, nil
}

// PostCheck reads the version's material and authenticates with it against
// the class's validation targets. Any rejection is a Validation error.
func (v *Validator) PostCheck(ctx context.Context, class policy.SecretClass, version secretstore.SecretVersion) (Result, error) {
	targets := class.ValidationTargets()
	if len(targets) == 0 {
		return Result{Healthy: true, Message: "no dependents to validate"}, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, v.config.CheckTimeout)
	value, err := v.client.ReadValue(readCtx, class.ID, version.ID)
	cancel()
	if err != nil {
		var auth secretstore.AuthFailedError
		if errors.As(err, &auth) {
			err = dserrors.E(dserrors.KindValidation, "candidate material could not be read", err)
		}
		return Result{Healthy: false, Message: err.Error()}, err
	}
	material := secure.NewMaterial(value)
	defer material.Destroy()

	return v.Authenticate(ctx, class, version, material)
}

// Authenticate runs one synthetic authentication per validation target with
// the given material.
func (v *Validator) Authenticate(ctx context.Context, class policy.SecretClass, version secretstore.SecretVersion, material *secure.Material) (Result, error) {
	result := Result{Healthy: true}
	var failed []string

	for _, dep := range class.ValidationTargets() {
		checker, ok := v.checkers[dep.Type]
		if !ok {
			return Result{Healthy: false, Message: "no checker for " + dep.Type},
				dserrors.Ef(dserrors.KindConfig, "no health checker for dependent type %q", dep.Type)
		}

		checkCtx, cancel := context.WithTimeout(ctx, v.config.CheckTimeout)
		res, err := checker.Check(checkCtx, Target{
			ClassID:       class.ID,
			VersionID:     version.ID,
			VersionNumber: version.Number,
			Dependent:     dep,
			Material:      material,
		})
		cancel()

		healthy := err == nil && res.Healthy
		msg := res.Message
		if err != nil && msg == "" {
			msg = err.Error()
		}
		v.metrics.RecordHealthCheck(class.ID, dep.Name, healthy, res.Duration.Seconds())
		result.Checks = append(result.Checks, CheckResult{
			Dependent: dep.Name,
			Checker:   checker.Name(),
			Healthy:   healthy,
			Message:   msg,
			Duration:  res.Duration,
		})
		if !healthy {
			failed = append(failed, dep.Name+": "+msg)
		}
	}

	if len(failed) > 0 {
		result.Healthy = false
		result.Message = strings.Join(failed, "; ")
		v.logger.Warn("synthetic authentication of %s version %s failed: %s", class.ID, version.ID, result.Message)
		return result, dserrors.E(dserrors.KindValidation, "synthetic authentication failed: "+result.Message, nil)
	}
	result.Message = fmt.Sprintf("%d dependent(s) accepted version %d", len(result.Checks), version.Number)
	return result, nil
}

// Distribute pushes the version reference to every dependent whose checker
// can distribute. It returns the number of dependents that failed; failures
// never stop the rotation.
func (v *Validator) Distribute(ctx context.Context, class policy.SecretClass, version secretstore.SecretVersion) int {
	failures := 0
	for _, dep := range class.Dependents {
		d, ok := v.checkers[dep.Type].(Distributor)
		if !ok {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, v.config.CheckTimeout)
		err := d.Distribute(dctx, Target{
			ClassID:       class.ID,
			VersionID:     version.ID,
			VersionNumber: version.Number,
			Dependent:     dep,
		})
		cancel()
		if err != nil {
			failures++
			v.logger.Warn("distribution of %s version %s to %s failed: %v", class.ID, version.ID, dep.Name, err)
		}
	}
	return failures
}
