package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned by Use after Destroy.
var ErrDestroyed = errors.New("secure material has been destroyed")

// Material holds secret bytes in a memguard enclave.
type Material struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	size      int
	destroyed bool
}

// NewMaterial seals data into an enclave. The caller's slice is wiped.
func NewMaterial(data []byte) *Material {
	size := len(data)
	if size == 0 {
		// memguard refuses empty enclaves.
		return &Material{}
	}
	return &Material{
		enclave: memguard.NewEnclave(data),
		size:    size,
	}
}

// Len returns the size of the protected value.
func (m *Material) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return 0
	}
	return m.size
}

// Use decrypts the material into a locked buffer, passes it to fn and wipes
// the buffer afterwards.
func (m *Material) Use(fn func(plaintext []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.destroyed {
		return ErrDestroyed
	}
	if m.enclave == nil {
		return fn(nil)
	}

	locked, err := m.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()
	return fn(locked.Bytes())
}

// Copy returns an unprotected copy. Only for handing material to APIs that
// need to own it, such as an encrypting writer.
func (m *Material) Copy() ([]byte, error) {
	var out []byte
	err := m.Use(func(p []byte) error {
		out = append([]byte(nil), p...)
		return nil
	})
	return out, err
}

// Destroy drops the enclave. It is idempotent.
func (m *Material) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enclave = nil
	m.destroyed = true
}
