package rotation_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rotord/internal/config"
	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/incident"
	"github.com/systmms/rotord/internal/logging"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/audit"
	"github.com/systmms/rotord/internal/rotation/backup"
	"github.com/systmms/rotord/internal/rotation/health"
	"github.com/systmms/rotord/internal/rotation/storage"
	"github.com/systmms/rotord/pkg/rotation"
	"github.com/systmms/rotord/pkg/secretstore"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// harness wires an engine over a file state store and an in-memory secret
// store in a temporary directory.
type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     clock.Clock
	state     *storage.FileStorage
	store     *secretstore.MemoryStore
	policies  *policy.Registry
	validator *health.Validator
	gate      *approval.Gate
	audit     *audit.Recorder
	incidents *incident.Manager
	engine    *rotation.Engine
	checker   *scriptedChecker
}

// newHarness uses a test clock; store calls that fail and get retried would
// block on it, so tests injecting transient faults use newWallHarness.
func newHarness(t *testing.T) (*harness, *testclock.Clock) {
	clk := testclock.NewClock(epoch)
	return build(t, clk), clk
}

func newWallHarness(t *testing.T) *harness {
	return build(t, clock.WallClock)
}

func build(t *testing.T, clk clock.Clock) *harness {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	state := storage.NewFileStorage(filepath.Join(dir, "state"))
	store := secretstore.NewMemoryStore(secretstore.WithMemoryClock(clk))
	policies := policy.NewRegistry(state, logging.Discard())
	validator := health.NewValidator(health.DefaultValidatorConfig(), store, logging.Discard())
	checker := &scriptedChecker{}
	validator.Register(policy.DependentNoop, checker)

	sealer, err := backup.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	recorder, err := audit.Open(filepath.Join(dir, "audit.log"), clk, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = recorder.Close() })

	h := &harness{
		t:         t,
		ctx:       ctx,
		clock:     clk,
		state:     state,
		store:     store,
		policies:  policies,
		validator: validator,
		gate:      approval.NewGate(state, clk, logging.Discard()),
		audit:     recorder,
		incidents: incident.NewManager(filepath.Join(dir, "incidents"), clk),
		checker:   checker,
	}
	h.engine = rotation.NewEngine(config.EngineConfig{
		InstanceID:             "test",
		MaxConcurrentRotations: 2,
		TickInterval:           config.Duration(time.Minute),
		LeaseTTL:               config.Duration(3 * time.Minute),
		MaxBackoff:             config.Duration(time.Second),
		JobRetention:           config.Duration(90 * policy.Day),
		SweepInterval:          config.Duration(time.Minute),
	}, h.components(sealer))
	return h
}

func (h *harness) components(sealer *backup.Sealer) rotation.Components {
	return rotation.Components{
		Store:     h.state,
		Policies:  h.policies,
		Client:    h.store,
		Validator: h.validator,
		Approvals: h.gate,
		Backups:   backup.NewManager(backup.Config{Timeout: 5 * time.Second, MaxRetries: 1}, h.state, h.store, sealer, h.clock, logging.Discard()),
		Audit:     h.audit,
		Incidents: h.incidents,
		Clock:     h.clock,
		Logger:    logging.Discard(),
	}
}

// class registers a class with fast backoff and one noop dependent, which
// the harness answers through its scripted checker.
func (h *harness) class(id string, mutate ...func(*policy.SecretClass)) policy.SecretClass {
	h.t.Helper()
	c := policy.SecretClass{
		ID:                id,
		RotationFrequency: policy.Duration(90 * policy.Day),
		MaxRetry:          2,
		BackoffBase:       policy.Duration(time.Millisecond),
		Dependents:        []policy.Dependent{{Name: "app", Type: policy.DependentNoop}},
	}
	for _, m := range mutate {
		m(&c)
	}
	require.NoError(h.t, h.policies.Upsert(h.ctx, c))
	got, err := h.policies.Get(id)
	require.NoError(h.t, err)
	return got
}

// seed stores an active version created long enough ago to be due.
func (h *harness) seed(classID string) secretstore.SecretVersion {
	h.t.Helper()
	v := h.store.Seed(classID, secretstore.StatusActive, []byte("initial-"+classID))
	h.store.SetCreatedAt(classID, v.ID, h.clock.Now().Add(-91*24*time.Hour))
	return v
}

func (h *harness) active(classID string) string {
	h.t.Helper()
	meta, err := h.store.GetMetadata(h.ctx, classID)
	require.NoError(h.t, err)
	return meta.ID
}

func (h *harness) version(classID, id string) secretstore.SecretVersion {
	h.t.Helper()
	versions, err := h.store.ListVersions(h.ctx, classID)
	require.NoError(h.t, err)
	v, ok := secretstore.FindVersion(versions, id)
	require.True(h.t, ok, "version %s not found", id)
	return v
}

// run forces a rotation and advances it in the calling goroutine.
func (h *harness) run(classID string) *rotation.Job {
	h.t.Helper()
	job, err := h.engine.Rotate(h.ctx, classID, true, false, "tester")
	require.NoError(h.t, err)
	job, err = h.engine.Execute(h.ctx, job.ID)
	require.NoError(h.t, err)
	return job
}

func (h *harness) records(f audit.Filter) []audit.Record {
	h.t.Helper()
	recs, err := h.audit.Query(h.ctx, f)
	require.NoError(h.t, err)
	return recs
}

func (h *harness) countKind(jobID string, kind dserrors.Kind) int {
	n := 0
	for _, r := range h.records(audit.Filter{JobID: jobID}) {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func (h *harness) classState(classID string) *rotation.ClassState {
	h.t.Helper()
	st, err := h.state.GetClassState(h.ctx, classID)
	require.NoError(h.t, err)
	return st
}

// scriptedChecker fails the calls whose 1-based index is listed in failOn.
type scriptedChecker struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (c *scriptedChecker) failCalls(n ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOn = make(map[int]bool, len(n))
	for _, i := range n {
		c.failOn[i] = true
	}
}

func (c *scriptedChecker) Name() string { return "scripted" }

func (c *scriptedChecker) Protocol() health.ProtocolType { return health.ProtocolNoop }

func (c *scriptedChecker) Check(_ context.Context, target health.Target) (health.HealthResult, error) {
	c.mu.Lock()
	c.calls++
	fail := c.failOn[c.calls]
	c.mu.Unlock()
	if fail {
		return health.HealthResult{Healthy: false, Message: "rejected version " + target.VersionID}, nil
	}
	return health.HealthResult{Healthy: true, Message: "accepted"}, nil
}
