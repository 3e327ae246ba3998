// Package crypto seals configuration secrets with AES-256-GCM so config
// files can carry credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a sealed value.
const SealedPrefix = "enc:"

var (
	// ErrNoMasterKey is returned when a sealed value is opened without a key.
	ErrNoMasterKey = errors.New("sealed secret requires a master key")
	// ErrInvalidKey is returned for a key that is not 32 base64 bytes.
	ErrInvalidKey = errors.New("master key must be 32 bytes, base64 encoded")
)

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool { return strings.HasPrefix(value, SealedPrefix) }

// Seal encrypts plaintext with masterKey and returns "enc:" + base64 of
// nonce || ciphertext. Empty input stays empty.
func Seal(plaintext, masterKey string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the prefix are returned
// unchanged, so plain and sealed secrets can be mixed.
func Open(value, masterKey string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if masterKey == "" {
		return "", ErrNoMasterKey
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	n := gcm.NonceSize()
	if len(data) < n+gcm.Overhead() {
		return "", errors.New("sealed value too short")
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateMasterKey returns a random 256-bit key, base64 encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func newGCM(masterKey string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
