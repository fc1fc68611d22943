package secretstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Operation names used for fault injection on MemoryStore.
const (
	OpGetMetadata  = "get_metadata"
	OpListVersions = "list_versions"
	OpMintVersion  = "mint_version"
	OpReadValue    = "read_value"
	OpActivate     = "activate"
	OpRevoke       = "revoke"
	OpHealth       = "health"
)

// DefaultMemoryCapacity is the number of versions a MemoryStore accepts per class.
const DefaultMemoryCapacity = 1000

type memoryClass struct {
	versions []*SecretVersion
	values   map[string][]byte
}

type fault struct {
	err       error
	remaining int // <= 0 means until cleared
}

// MemoryStore is an in-process Client with the reference semantics of the
// interface. It is used in development mode and by tests, which can inject
// faults per operation.
type MemoryStore struct {
	mu       sync.Mutex
	name     string
	clock    clock.Clock
	capacity int
	classes  map[string]*memoryClass
	faults   map[string]*fault
	calls    map[string]int
	health   *StoreHealth
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used to stamp versions.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(m *MemoryStore) { m.clock = c }
}

// WithMemoryCapacity sets the per-class version capacity.
func WithMemoryCapacity(n int) MemoryOption {
	return func(m *MemoryStore) { m.capacity = n }
}

// WithMemoryName sets the backend name.
func WithMemoryName(name string) MemoryOption {
	return func(m *MemoryStore) { m.name = name }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		name:     "memory",
		clock:    clock.WallClock,
		capacity: DefaultMemoryCapacity,
		classes:  make(map[string]*memoryClass),
		faults:   make(map[string]*fault),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the backend name.
func (m *MemoryStore) Name() string { return m.name }

// InjectFault makes the next count calls of op fail with err. A count of
// zero or less fails every call until ClearFaults.
func (m *MemoryStore) InjectFault(op string, err error, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{err: err, remaining: count}
}

// ClearFaults removes every injected fault.
func (m *MemoryStore) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string]*fault)
}

// Calls returns how many times op was invoked, including failed calls.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SetHealth overrides what Health reports. Passing nil restores the default.
func (m *MemoryStore) SetHealth(h *StoreHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

// Seed inserts a version with the given status and material, bypassing the
// status graph. It exists so tests and dev setups can start from an
// established class.
func (m *MemoryStore) Seed(classID string, status Status, value []byte) SecretVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.addVersionLocked(classID, status, value)
	return *v
}

// SetCreatedAt rewrites the creation time of a version.
func (m *MemoryStore) SetCreatedAt(classID, versionID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.findLocked(classID, versionID); v != nil {
		v.CreatedAt = at
	}
}

func (m *MemoryStore) enter(op string) error {
	m.calls[op]++
	f, ok := m.faults[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(m.faults, op)
		}
	}
	return f.err
}

func (m *MemoryStore) class(classID string) *memoryClass {
	c, ok := m.classes[classID]
	if !ok {
		c = &memoryClass{values: make(map[string][]byte)}
		m.classes[classID] = c
	}
	return c
}

func (m *MemoryStore) addVersionLocked(classID string, status Status, value []byte) *SecretVersion {
	c := m.class(classID)
	sum := sha256.Sum256(value)
	v := &SecretVersion{
		ID:        uuid.NewString(),
		ClassID:   classID,
		Number:    len(c.versions) + 1,
		CreatedAt: m.clock.Now().UTC(),
		Status:    status,
		Checksum:  hex.EncodeToString(sum[:]),
	}
	c.versions = append(c.versions, v)
	c.values[v.ID] = append([]byte(nil), value...)
	return v
}

func (m *MemoryStore) findLocked(classID, versionID string) *SecretVersion {
	c, ok := m.classes[classID]
	if !ok {
		return nil
	}
	for _, v := range c.versions {
		if v.ID == versionID {
			return v
		}
	}
	return nil
}

func (m *MemoryStore) activeLocked(classID string) *SecretVersion {
	c, ok := m.classes[classID]
	if !ok {
		return nil
	}
	for _, v := range c.versions {
		if v.Status == StatusActive {
			return v
		}
	}
	return nil
}

// GetMetadata returns the active version of a class.
func (m *MemoryStore) GetMetadata(ctx context.Context, classID string) (SecretVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetMetadata); err != nil {
		return SecretVersion{}, err
	}
	if err := ctx.Err(); err != nil {
		return SecretVersion{}, UnreachableError{Store: m.name, Op: OpGetMetadata, Err: err}
	}
	v := m.activeLocked(classID)
	if v == nil {
		return SecretVersion{}, NotFoundError{Store: m.name, ClassID: classID}
	}
	return *v, nil
}

// ListVersions returns every version of a class ordered by number.
func (m *MemoryStore) ListVersions(ctx context.Context, classID string) ([]SecretVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListVersions); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, UnreachableError{Store: m.name, Op: OpListVersions, Err: err}
	}
	c, ok := m.classes[classID]
	if !ok {
		return nil, nil
	}
	out := make([]SecretVersion, 0, len(c.versions))
	for _, v := range c.versions {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// MintVersion generates 32 random bytes as a new pending version.
func (m *MemoryStore) MintVersion(ctx context.Context, classID string) (SecretVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpMintVersion); err != nil {
		return SecretVersion{}, err
	}
	if err := ctx.Err(); err != nil {
		return SecretVersion{}, UnreachableError{Store: m.name, Op: OpMintVersion, Err: err}
	}
	if c, ok := m.classes[classID]; ok && len(c.versions) >= m.capacity {
		return SecretVersion{}, ConflictError{Store: m.name, ClassID: classID, Message: "version capacity exhausted"}
	}
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return SecretVersion{}, err
	}
	v := m.addVersionLocked(classID, StatusPending, material)
	return *v, nil
}

// ReadValue returns a copy of the material of a version.
func (m *MemoryStore) ReadValue(ctx context.Context, classID, versionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpReadValue); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, UnreachableError{Store: m.name, Op: OpReadValue, Err: err}
	}
	c, ok := m.classes[classID]
	if !ok {
		return nil, NotFoundError{Store: m.name, ClassID: classID, VersionID: versionID}
	}
	value, ok := c.values[versionID]
	if !ok {
		return nil, NotFoundError{Store: m.name, ClassID: classID, VersionID: versionID}
	}
	return append([]byte(nil), value...), nil
}

// Activate swaps the active version if expectedActiveID still holds.
func (m *MemoryStore) Activate(ctx context.Context, classID, expectedActiveID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpActivate); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return UnreachableError{Store: m.name, Op: OpActivate, Err: err}
	}

	current := m.activeLocked(classID)
	currentID := ""
	if current != nil {
		currentID = current.ID
	}
	if currentID != expectedActiveID {
		return ConflictError{Store: m.name, ClassID: classID, Expected: expectedActiveID, Actual: currentID}
	}

	next := m.findLocked(classID, newID)
	if next == nil {
		return NotFoundError{Store: m.name, ClassID: classID, VersionID: newID}
	}
	if !next.Status.CanTransitionTo(StatusActive) {
		return ConflictError{Store: m.name, ClassID: classID,
			Message: "version " + newID + " is " + string(next.Status) + " and cannot be activated"}
	}

	now := m.clock.Now().UTC()
	if current != nil {
		current.Status = StatusRevokedPendingGrace
		current.RevokedAt = &now
	}
	next.Status = StatusActive
	next.RevokedAt = nil
	return nil
}

// Revoke moves a version along the status graph.
func (m *MemoryStore) Revoke(ctx context.Context, classID, versionID string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRevoke); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return UnreachableError{Store: m.name, Op: OpRevoke, Err: err}
	}
	v := m.findLocked(classID, versionID)
	if v == nil {
		return NotFoundError{Store: m.name, ClassID: classID, VersionID: versionID}
	}
	if v.Status == to {
		return nil
	}
	if to == StatusActive || !v.Status.CanTransitionTo(to) {
		return ConflictError{Store: m.name, ClassID: classID,
			Message: "cannot move version " + versionID + " from " + string(v.Status) + " to " + string(to)}
	}
	now := m.clock.Now().UTC()
	if to == StatusRevokedPendingGrace || v.RevokedAt == nil {
		v.RevokedAt = &now
	}
	v.Status = to
	return nil
}

// Health reports the overridden health if set, otherwise a reachable store
// whose free capacity is that of the fullest class.
func (m *MemoryStore) Health(ctx context.Context) (StoreHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpHealth); err != nil {
		return StoreHealth{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoreHealth{}, UnreachableError{Store: m.name, Op: OpHealth, Err: err}
	}
	if m.health != nil {
		return *m.health, nil
	}
	free := m.capacity
	for _, c := range m.classes {
		if left := m.capacity - len(c.versions); left < free {
			free = left
		}
	}
	return StoreHealth{Reachable: true, FreeCapacity: free}, nil
}

var _ Client = (*MemoryStore)(nil)
