// Package cryptoutil decodes operator-supplied key material.
package cryptoutil

import (
	"encoding/hex"
	"fmt"
)

// IsHexString reports whether s consists entirely of hexadecimal characters.
// It returns true for an empty string.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// DecodeKey interprets key as hex when it is an even-length hex string of at
// least 2*minBytes characters, otherwise as raw bytes. The result must be at
// least minBytes long.
func DecodeKey(key string, minBytes int) ([]byte, error) {
	if len(key) >= 2*minBytes && len(key)%2 == 0 && IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("key hex decode: %w", err)
		}
		return decoded, nil
	}
	if len(key) < minBytes {
		return nil, fmt.Errorf("key must be at least %d bytes (got %d)", minBytes, len(key))
	}
	return []byte(key), nil
}

// DecodeKey32 is DecodeKey for keys that must be exactly 32 bytes.
func DecodeKey32(key string) (*[32]byte, error) {
	b, err := DecodeKey(key, 32)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key must be exactly 32 bytes or 64 hex characters (got %d bytes)", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return &out, nil
}
