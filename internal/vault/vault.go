// Package vault seals provider API keys at rest with authenticated encryption
// (XChaCha20-Poly1305 under a key derived from the configured master key).
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	versionPrefix = "v1:"
	hkdfInfo      = "spendly credential vault v1"
	minMasterKey  = 32
)

// ErrDecrypt is returned when a ciphertext fails authentication or is
// malformed. Callers must never fall back to using the stored value.
var ErrDecrypt = errors.New("vault: decryption failed")

// Sealer is the encrypt/decrypt capability the core depends on.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Vault implements Sealer.
type Vault struct {
	key []byte
}

// New derives the sealing key from a base64-encoded master key of at least
// 32 bytes.
func New(masterKeyB64 string) (*Vault, error) {
	if masterKeyB64 == "" {
		return nil, fmt.Errorf("vault master key is required (set SPENDLY_VAULT_KEY)")
	}
	master, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("vault master key is not valid base64: %w", err)
	}
	if len(master) < minMasterKey {
		return nil, fmt.Errorf("vault master key must be at least %d bytes, got %d", minMasterKey, len(master))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	return &Vault{key: key}, nil
}

// GenerateMasterKey returns a fresh base64-encoded 32-byte master key.
func GenerateMasterKey() (string, error) {
	buf := make([]byte, minMasterKey)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Encrypt seals plaintext under a random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. A modified or truncated
// ciphertext returns ErrDecrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, versionPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrDecrypt)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
