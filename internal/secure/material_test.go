package secure

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMaterial_WipesInput(t *testing.T) {
	t.Parallel()

	input := []byte("candidate-password")
	m := NewMaterial(input)
	defer m.Destroy()

	for _, b := range input {
		assert.Equal(t, byte(0), b, "input slice should be wiped")
	}
	assert.Equal(t, len("candidate-password"), m.Len())
}

func TestMaterial_Use(t *testing.T) {
	t.Parallel()

	m := NewMaterial([]byte("s3cret"))
	defer m.Destroy()

	var seen string
	require.NoError(t, m.Use(func(p []byte) error {
		seen = string(p)
		return nil
	}))
	assert.Equal(t, "s3cret", seen)

	boom := errors.New("auth failed")
	err := m.Use(func([]byte) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestMaterial_Copy(t *testing.T) {
	t.Parallel()

	m := NewMaterial([]byte("copy-me"))
	defer m.Destroy()

	out, err := m.Copy()
	require.NoError(t, err)
	assert.Equal(t, []byte("copy-me"), out)

	out[0] = 'X'
	again, err := m.Copy()
	require.NoError(t, err)
	assert.Equal(t, []byte("copy-me"), again)
}

func TestMaterial_Empty(t *testing.T) {
	t.Parallel()

	m := NewMaterial(nil)
	assert.Equal(t, 0, m.Len())
	require.NoError(t, m.Use(func(p []byte) error {
		assert.Empty(t, p)
		return nil
	}))
}

func TestMaterial_Destroy(t *testing.T) {
	t.Parallel()

	m := NewMaterial([]byte("gone"))
	m.Destroy()
	m.Destroy()

	assert.Equal(t, 0, m.Len())
	err := m.Use(func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestMaterial_ConcurrentUse(t *testing.T) {
	t.Parallel()

	m := NewMaterial([]byte("shared"))
	defer m.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Use(func(p []byte) error {
				assert.Equal(t, "shared", string(p))
				return nil
			})
		}()
	}
	wg.Wait()
}
