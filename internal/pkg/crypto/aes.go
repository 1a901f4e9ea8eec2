// Package crypto provides cryptographic utilities for Alexander Drives.
// This includes AES-256-GCM encryption of stored provider credentials and
// streaming content hashes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the AES-256 key in bytes.
	KeySize = 32

	// NonceSize is the size of the GCM nonce in bytes.
	NonceSize = 12

	// SealedPrefix marks an encrypted storage setting value.
	SealedPrefix = "enc:"

	credentialKeyInfo = "alexander-drives storage credentials v1"
)

// Errors
var (
	// ErrInvalidKeySize indicates the encryption key is not 32 bytes.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes (256 bits)")

	// ErrInvalidCiphertext indicates the ciphertext is malformed or too short.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short or malformed")

	// ErrDecryptionFailed indicates decryption failed (wrong key or corrupted data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")
)

// Encryptor provides AES-256-GCM encryption and decryption.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates a new Encryptor with the given master key.
// The key must be exactly 32 bytes (256 bits).
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{gcm: gcm}, nil
}

// NewEncryptorFromSecret derives the credential key from an arbitrary secret
// with HKDF-SHA256. A 64 character hex secret is used as the key directly.
func NewEncryptorFromSecret(secret string) (*Encryptor, error) {
	if key, err := ParseHexKey(secret); err == nil {
		return NewEncryptor(key)
	}
	key, err := DeriveKey([]byte(secret), nil, credentialKeyInfo)
	if err != nil {
		return nil, err
	}
	return NewEncryptor(key)
}

// DeriveKey expands secret into a 32 byte key bound to info.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is empty")
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts the plaintext and returns base64-encoded ciphertext.
// The ciphertext format is: base64(nonce || ciphertext || tag)
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext and returns plaintext.
// Expects format: base64(nonce || ciphertext || tag)
func (e *Encryptor) Decrypt(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	// nonce + at least 1 byte + tag
	minLength := NonceSize + 1 + e.gcm.Overhead()
	if len(ciphertext) < minLength {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:NonceSize]
	encryptedData := ciphertext[NonceSize:]

	plaintext, err := e.gcm.Open(nil, nonce, encryptedData, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Seal encrypts a setting value and adds the SealedPrefix.
func (e *Encryptor) Seal(value string) (string, error) {
	ct, err := e.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Open returns the plaintext of a sealed setting value. Values without the
// SealedPrefix are returned unchanged.
func (e *Encryptor) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	pt, err := e.Decrypt(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsSealed reports whether value carries the SealedPrefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}
