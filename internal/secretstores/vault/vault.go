// Package vault is a secret store backend on HashiCorp Vault's KV version 2
// engine.
//
// Each class keeps two KV entries under the configured prefix:
//
//	<prefix>/<class>/material   one KV version per secret version
//	<prefix>/<class>/state      the active pointer and the status of every version
//
// The state entry is only ever written with check-and-set against the KV
// version it was read at, so two engines racing to activate see exactly one
// winner. Material comes from Vault's sys/tools/random endpoint and never
// leaves Vault except through ReadValue.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/juju/clock"

	"github.com/systmms/rotord/pkg/secretstore"
)

const (
	DefaultMount  = "secret"
	DefaultPrefix = "rotord"

	// materialBytes is the amount of randomness requested per version.
	materialBytes = 32

	// stateWriteAttempts bounds check-and-set retries for writes that do
	// not themselves need to win a race (mint, revoke).
	stateWriteAttempts = 3
)

// Config holds Vault connection settings.
type Config struct {
	Address    string
	Token      string
	Namespace  string
	Mount      string
	Prefix     string
	MaxRetries int
	Timeout    time.Duration
}

// ConfigFromOptions reads backend options from the store section of rotord.yaml.
func ConfigFromOptions(opts map[string]interface{}) Config {
	cfg := Config{
		Mount:      DefaultMount,
		Prefix:     DefaultPrefix,
		MaxRetries: 2,
	}
	str := func(key string) string {
		v, _ := opts[key].(string)
		return v
	}
	cfg.Address = str("address")
	cfg.Token = str("token")
	cfg.Namespace = str("namespace")
	if m := str("mount"); m != "" {
		cfg.Mount = strings.Trim(m, "/")
	}
	if p := str("prefix"); p != "" {
		cfg.Prefix = strings.Trim(p, "/")
	}
	switch v := opts["max_retries"].(type) {
	case int:
		cfg.MaxRetries = v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	return cfg
}

// Store implements secretstore.Client on Vault KV v2.
type Store struct {
	name   string
	client *api.Client
	kv     *api.KVv2
	prefix string
	clock  clock.Clock
}

// New connects a Vault client. No request is made until the first call.
func New(name string, cfg Config, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Mount == "" {
		cfg.Mount = DefaultMount
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	apiCfg := api.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("failed to read vault environment: %w", apiCfg.Error)
	}
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		apiCfg.Timeout = cfg.Timeout
	}
	apiCfg.MaxRetries = cfg.MaxRetries

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if client.Token() == "" {
		return nil, fmt.Errorf("no vault token configured")
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &Store{
		name:   name,
		client: client,
		kv:     client.KVv2(cfg.Mount),
		prefix: cfg.Prefix,
		clock:  clk,
	}, nil
}

// Name returns the backend name.
func (s *Store) Name() string { return s.name }

// classState is the document stored at <prefix>/<class>/state.
type classState struct {
	Active   string                      `json:"active"`
	Versions []secretstore.SecretVersion `json:"versions"`
}

func (c *classState) find(id string) *secretstore.SecretVersion {
	for i := range c.Versions {
		if c.Versions[i].ID == id {
			return &c.Versions[i]
		}
	}
	return nil
}

func (s *Store) materialPath(classID string) string {
	return s.prefix + "/" + classID + "/material"
}

func (s *Store) statePath(classID string) string {
	return s.prefix + "/" + classID + "/state"
}

func versionID(n int) string { return "v" + strconv.Itoa(n) }

func parseVersionID(id string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "v"))
	if err != nil || n <= 0 || !strings.HasPrefix(id, "v") {
		return 0, false
	}
	return n, true
}

// loadState returns the class document and the KV version it was read at.
// A class that was never written has an empty document at version 0.
func (s *Store) loadState(ctx context.Context, op, classID string) (*classState, int, error) {
	secret, err := s.kv.Get(ctx, s.statePath(classID))
	if errors.Is(err, api.ErrSecretNotFound) {
		return &classState{}, 0, nil
	}
	if err != nil {
		return nil, 0, s.classify(op, classID, "", err)
	}

	state := &classState{}
	if raw, ok := secret.Data["doc"].(string); ok {
		if err := json.Unmarshal([]byte(raw), state); err != nil {
			return nil, 0, fmt.Errorf("corrupt state document for class %s: %w", classID, err)
		}
	}
	cas := 0
	if secret.VersionMetadata != nil {
		cas = secret.VersionMetadata.Version
	}
	return state, cas, nil
}

func (s *Store) saveState(ctx context.Context, op, classID string, state *classState, cas int) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, s.statePath(classID), map[string]interface{}{"doc": string(doc)}, api.WithCheckAndSet(cas))
	return s.classify(op, classID, "", err)
}

// updateState applies fn and writes the result, re-reading when another
// writer got in between.
func (s *Store) updateState(ctx context.Context, op, classID string, fn func(*classState) (bool, error)) error {
	var lastErr error
	for attempt := 0; attempt < stateWriteAttempts; attempt++ {
		state, cas, err := s.loadState(ctx, op, classID)
		if err != nil {
			return err
		}
		changed, err := fn(state)
		if err != nil || !changed {
			return err
		}
		lastErr = s.saveState(ctx, op, classID, state, cas)
		var conflict secretstore.ConflictError
		if !errors.As(lastErr, &conflict) {
			return lastErr
		}
	}
	return lastErr
}

// GetMetadata returns the active version of a class.
func (s *Store) GetMetadata(ctx context.Context, classID string) (secretstore.SecretVersion, error) {
	state, _, err := s.loadState(ctx, secretstore.OpGetMetadata, classID)
	if err != nil {
		return secretstore.SecretVersion{}, err
	}
	if v := state.find(state.Active); v != nil {
		return *v, nil
	}
	return secretstore.SecretVersion{}, secretstore.NotFoundError{Store: s.name, ClassID: classID}
}

// ListVersions returns every version recorded in the class document.
func (s *Store) ListVersions(ctx context.Context, classID string) ([]secretstore.SecretVersion, error) {
	state, _, err := s.loadState(ctx, secretstore.OpListVersions, classID)
	if err != nil {
		return nil, err
	}
	out := append([]secretstore.SecretVersion(nil), state.Versions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// MintVersion writes fresh random material as a new KV version and records
// it as pending.
func (s *Store) MintVersion(ctx context.Context, classID string) (secretstore.SecretVersion, error) {
	const op = secretstore.OpMintVersion

	random, err := s.client.Logical().WriteWithContext(ctx,
		"sys/tools/random/"+strconv.Itoa(materialBytes),
		map[string]interface{}{"format": "base64"})
	if err != nil {
		return secretstore.SecretVersion{}, s.classify(op, classID, "", err)
	}
	if random == nil {
		return secretstore.SecretVersion{}, fmt.Errorf("vault returned no random bytes")
	}
	encoded, _ := random.Data["random_bytes"].(string)
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(material) == 0 {
		return secretstore.SecretVersion{}, fmt.Errorf("vault returned malformed random bytes")
	}
	sum := sha256.Sum256(material)
	for i := range material {
		material[i] = 0
	}

	written, err := s.kv.Put(ctx, s.materialPath(classID), map[string]interface{}{"value": encoded})
	if err != nil {
		return secretstore.SecretVersion{}, s.classify(op, classID, "", err)
	}
	if written.VersionMetadata == nil {
		return secretstore.SecretVersion{}, fmt.Errorf("vault did not report the written version")
	}

	n := written.VersionMetadata.Version
	created := written.VersionMetadata.CreatedTime
	if created.IsZero() {
		created = s.clock.Now()
	}
	v := secretstore.SecretVersion{
		ID:        versionID(n),
		ClassID:   classID,
		Number:    n,
		CreatedAt: created.UTC(),
		Status:    secretstore.StatusPending,
		Checksum:  hex.EncodeToString(sum[:]),
	}

	err = s.updateState(ctx, op, classID, func(state *classState) (bool, error) {
		if state.find(v.ID) != nil {
			return false, nil
		}
		state.Versions = append(state.Versions, v)
		return true, nil
	})
	if err != nil {
		return secretstore.SecretVersion{}, err
	}
	return v, nil
}

// ReadValue returns the material of a version.
func (s *Store) ReadValue(ctx context.Context, classID, id string) ([]byte, error) {
	n, ok := parseVersionID(id)
	if !ok {
		return nil, secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: id}
	}
	secret, err := s.kv.GetVersion(ctx, s.materialPath(classID), n)
	if err != nil {
		return nil, s.classify(secretstore.OpReadValue, classID, id, err)
	}
	encoded, ok := secret.Data["value"].(string)
	if !ok {
		// Destroyed versions keep their metadata but lose their data.
		return nil, secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: id}
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed material for %s/%s: %w", classID, id, err)
	}
	return value, nil
}

// Activate swaps the active pointer with a single check-and-set write.
// It is not retried here: losing the race is the answer.
func (s *Store) Activate(ctx context.Context, classID, expectedActiveID, newID string) error {
	const op = secretstore.OpActivate

	state, cas, err := s.loadState(ctx, op, classID)
	if err != nil {
		return err
	}
	if state.Active != expectedActiveID {
		return secretstore.ConflictError{Store: s.name, ClassID: classID, Expected: expectedActiveID, Actual: state.Active}
	}
	next := state.find(newID)
	if next == nil {
		return secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: newID}
	}
	if !next.Status.CanTransitionTo(secretstore.StatusActive) {
		return secretstore.ConflictError{Store: s.name, ClassID: classID,
			Message: "version " + newID + " is " + string(next.Status) + " and cannot be activated"}
	}

	now := s.clock.Now().UTC()
	if current := state.find(state.Active); current != nil {
		current.Status = secretstore.StatusRevokedPendingGrace
		current.RevokedAt = &now
	}
	next.Status = secretstore.StatusActive
	next.RevokedAt = nil
	state.Active = newID

	return s.saveState(ctx, op, classID, state, cas)
}

// Revoke moves a version along the status graph. Moving to revoked or
// abandoned destroys the KV version holding its material.
func (s *Store) Revoke(ctx context.Context, classID, id string, to secretstore.Status) error {
	const op = secretstore.OpRevoke

	state, _, err := s.loadState(ctx, op, classID)
	if err != nil {
		return err
	}
	v := state.find(id)
	if v == nil {
		return secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: id}
	}
	if v.Status == to {
		return nil
	}
	if to == secretstore.StatusActive || !v.Status.CanTransitionTo(to) {
		return secretstore.ConflictError{Store: s.name, ClassID: classID,
			Message: "cannot move version " + id + " from " + string(v.Status) + " to " + string(to)}
	}

	if to == secretstore.StatusRevoked || to == secretstore.StatusAbandoned {
		if err := s.kv.Destroy(ctx, s.materialPath(classID), []int{v.Number}); err != nil {
			return s.classify(op, classID, id, err)
		}
	}

	return s.updateState(ctx, op, classID, func(state *classState) (bool, error) {
		v := state.find(id)
		if v == nil {
			return false, secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: id}
		}
		if v.Status == to {
			return false, nil
		}
		if !v.Status.CanTransitionTo(to) {
			return false, secretstore.ConflictError{Store: s.name, ClassID: classID,
				Message: "cannot move version " + id + " from " + string(v.Status) + " to " + string(to)}
		}
		now := s.clock.Now().UTC()
		if to == secretstore.StatusRevokedPendingGrace || v.RevokedAt == nil {
			v.RevokedAt = &now
		}
		v.Status = to
		return true, nil
	})
}

// Health asks Vault's health endpoint. Vault does not report capacity.
func (s *Store) Health(ctx context.Context) (secretstore.StoreHealth, error) {
	start := s.clock.Now()
	resp, err := s.client.Sys().HealthWithContext(ctx)
	latency := s.clock.Now().Sub(start)
	if err != nil {
		return secretstore.StoreHealth{Latency: latency, FreeCapacity: -1, Message: err.Error()},
			s.classify(secretstore.OpHealth, "", "", err)
	}

	h := secretstore.StoreHealth{Reachable: true, Latency: latency, FreeCapacity: -1}
	switch {
	case !resp.Initialized:
		h.Reachable = false
		h.Message = "vault is not initialized"
	case resp.Sealed:
		h.Reachable = false
		h.Message = "vault is sealed"
	case resp.Standby:
		h.Message = "vault node is a standby"
	}
	return h, nil
}

// classify maps Vault client errors onto the store's typed errors.
func (s *Store) classify(op, classID, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrSecretNotFound) {
		return secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: id}
	}

	var respErr *api.ResponseError
	if !errors.As(err, &respErr) {
		return secretstore.UnreachableError{Store: s.name, Op: op, Err: err}
	}
	switch {
	case respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden:
		return secretstore.AuthFailedError{Store: s.name, Message: strings.Join(respErr.Errors, "; ")}
	case respErr.StatusCode == http.StatusNotFound:
		return secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: id}
	case respErr.StatusCode == http.StatusBadRequest && isCASMismatch(respErr):
		return secretstore.ConflictError{Store: s.name, ClassID: classID, Message: "state changed concurrently (check-and-set mismatch)"}
	case respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests:
		return secretstore.UnreachableError{Store: s.name, Op: op, Err: err}
	}
	return fmt.Errorf("vault %s failed: %w", op, err)
}

func isCASMismatch(err *api.ResponseError) bool {
	for _, msg := range err.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}

var _ secretstore.Client = (*Store)(nil)
