package config

import (
	"encoding/hex"

	dserrors "github.com/systmms/rotord/internal/errors"
)

// KeySize is the length of the snapshot encryption key.
const KeySize = 32

// DecodeKey accepts a 64 character hex key or 32 raw bytes.
func DecodeKey(raw string) ([]byte, error) {
	if len(raw) == 2*KeySize {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	if len(raw) == KeySize {
		return []byte(raw), nil
	}
	return nil, dserrors.ConfigError{
		Field:      "backup",
		Message:    "backup key must be 32 bytes or 64 hex characters",
		Suggestion: "Generate one with: head -c 32 /dev/urandom | xxd -p -c 64",
	}
}
