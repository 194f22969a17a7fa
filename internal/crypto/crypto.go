// Package crypto seals the secrets this system stores at rest: account
// credentials, per-agent overrides, connector refresh tokens, and
// webhook trigger secrets.
//
// A Cipher is built once from the configured passphrase and shared by
// the store and the per-request credential resolvers. Sealed values are
// written as "enc:" + base64(nonce + AES-256-GCM ciphertext); values
// without the prefix are treated as legacy plaintext and pass through
// Open unchanged, so enabling encryption against an existing database
// is safe. A disabled Cipher (no key configured) stores plaintext and
// refuses to open sealed values.
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
)

// sealedPrefix marks values produced by Seal.
const sealedPrefix = "enc:"

// Typed failures so callers can distinguish configuration problems from
// corrupt or foreign ciphertext.
var (
	// ErrNoKey means a sealed value was found but no encryption key is
	// configured (or the Cipher is the disabled passthrough).
	ErrNoKey = errors.New("credential is sealed but no encryption key is configured")

	// ErrMalformed means the value carries the sealed prefix but its
	// payload cannot be decoded.
	ErrMalformed = errors.New("sealed credential is malformed")

	// ErrOpen means authenticated decryption failed: wrong key or
	// tampered ciphertext.
	ErrOpen = errors.New("credential cannot be opened with the configured key")
)

// Cipher seals and opens stored secrets. The zero value and Disabled()
// are the passthrough cipher used when no key is configured.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from the passphrase (SHA-256) and
// prepares the AEAD once, so Seal/Open never re-derive per call.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("encryption passphrase must not be empty")
	}

	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Disabled returns the passthrough cipher: Seal stores plaintext, Open
// rejects sealed values with ErrNoKey.
func Disabled() *Cipher {
	return &Cipher{}
}

// Enabled reports whether the cipher holds a key.
func (c *Cipher) Enabled() bool {
	return c != nil && c.aead != nil
}

// Seal encrypts a secret for storage. Empty values stay empty, and a
// disabled cipher stores plaintext.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if plaintext == "" || !c.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open returns the plaintext of a stored value. Legacy plaintext (no
// prefix) passes through; sealed values need the matching key.
func (c *Cipher) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if !c.Enabled() {
		return "", ErrNoKey
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize {
		return "", fmt.Errorf("%w: payload shorter than nonce", ErrMalformed)
	}

	plaintext, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", ErrOpen
	}

	return string(plaintext), nil
}

// IsSealed reports whether the value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
