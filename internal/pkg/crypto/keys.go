package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHexKey indicates the hex key is malformed or wrong length.
var ErrInvalidHexKey = errors.New("invalid hex key: must be 64 hex characters (32 bytes)")

// GenerateMasterKey generates a random 32-byte master key for AES-256.
// Returns the key as a 64-character hex string.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// GenerateSigningKey generates a random URL-safe secret for proxy link signing.
func GenerateSigningKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// ParseHexKey parses a hex-encoded key string into bytes.
// Expects 64 hex characters (32 bytes).
func ParseHexKey(hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)

	if len(hexKey) != KeySize*2 {
		return nil, ErrInvalidHexKey
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHexKey, err)
	}

	return key, nil
}
