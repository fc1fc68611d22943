package policy

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/logging"
)

//go:embed schema.json
var documentSchema string

// ErrClassNotFound is returned by Get for unknown class ids.
var ErrClassNotFound = dserrors.E(dserrors.KindConfig, "secret class not found", nil)

// Persister stores policies so every engine replica sees the same classes.
type Persister interface {
	SaveClass(ctx context.Context, class SecretClass) error
	ListClasses(ctx context.Context) ([]SecretClass, error)
}

// Document is the on-disk form of a policy file.
type Document struct {
	Version int           `yaml:"version,omitempty" json:"version,omitempty"`
	Classes []SecretClass `yaml:"classes" json:"classes"`
}

// Registry holds the validated SecretClass policies. Classes are never
// deleted, only disabled, so historical audit records always resolve.
type Registry struct {
	mu        sync.RWMutex
	classes   map[string]SecretClass
	persister Persister
	logger    *logging.Logger
}

// NewRegistry creates a registry. persister may be nil for a purely
// in-memory registry.
func NewRegistry(persister Persister, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		classes:   make(map[string]SecretClass),
		persister: persister,
		logger:    logger.With("policy"),
	}
}

// Refresh reloads every class from the persister.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	classes, err := r.persister.ListClasses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range classes {
		r.classes[c.ID] = c.WithDefaults()
	}
	return nil
}

// Get returns the class with the given id.
func (r *Registry) Get(id string) (SecretClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[id]
	if !ok {
		return SecretClass{}, fmt.Errorf("%s: %w", id, ErrClassNotFound)
	}
	return c, nil
}

// Upsert validates and stores a class. Validation failures leave the
// registry unchanged.
func (r *Registry) Upsert(ctx context.Context, class SecretClass) error {
	if err := class.Validate(); err != nil {
		return err
	}
	class = class.WithDefaults()

	if r.persister != nil {
		if err := r.persister.SaveClass(ctx, class); err != nil {
			return fmt.Errorf("failed to persist class %s: %w", class.ID, err)
		}
	}

	r.mu.Lock()
	_, existed := r.classes[class.ID]
	r.classes[class.ID] = class
	r.mu.Unlock()

	if existed {
		r.logger.Debug("Updated secret class %s (every %s)", class.ID, class.RotationFrequency)
	} else {
		r.logger.Info("Registered secret class %s (every %s)", class.ID, class.RotationFrequency)
	}
	return nil
}

// Disable stops the scheduler from enqueueing jobs for a class.
func (r *Registry) Disable(ctx context.Context, id string) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.Disabled = true
	return r.Upsert(ctx, c)
}

// List returns every class ordered by id.
func (r *Registry) List() []SecretClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SecretClass, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadFile parses, validates and upserts every class in a policy file.
func (r *Registry) LoadFile(ctx context.Context, path string) ([]SecretClass, error) {
	classes, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	for _, c := range classes {
		if err := r.Upsert(ctx, c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return classes, nil
}

// ParseFile reads a YAML or JSON policy document from disk.
func ParseFile(path string) ([]SecretClass, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dserrors.UserError{
			Message:    "Failed to read policy file",
			Details:    err.Error(),
			Suggestion: "Check the path passed to 'rotord policy apply'",
			Err:        err,
		}
	}
	return ParseDocument(data)
}

// ParseDocument validates a policy document against the embedded JSON schema
// and decodes it. Both YAML and JSON input are accepted.
func ParseDocument(data []byte) ([]SecretClass, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in policy document",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
		}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, dserrors.ConfigError{
			Message: "failed to decode policy document: " + err.Error(),
		}
	}

	for _, c := range doc.Classes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Classes, nil
}

func validateSchema(raw interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal policy for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(documentSchema),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return dserrors.ConfigError{
			Message:    "policy document failed schema validation:\n  - " + strings.Join(errorMessages, "\n  - "),
			Suggestion: "Run 'rotord policy validate <file>' after fixing the listed fields",
		}
	}
	return nil
}
