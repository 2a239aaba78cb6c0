// Package codec encrypts the session store payload.
//
// Keys are derived from a passphrase with PBKDF2-SHA256 and a fixed salt, so
// every deployment sharing a passphrase and salt shares a key. Blobs are
// AES-256-GCM sealed and encoded as hex(nonce):hex(tag):hex(ciphertext).
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length in bytes (AES-256).
	KeySize = 32

	// DefaultIterations is the PBKDF2 iteration count.
	DefaultIterations = 100000

	// DefaultSalt is the salt used when none is configured.
	DefaultSalt = "paychat-session-store"

	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrDecryption is returned when a blob is malformed or fails authentication.
	ErrDecryption = errors.New("decryption failed")

	// ErrEmptyPassphrase is returned by New for an empty passphrase.
	ErrEmptyPassphrase = errors.New("passphrase is required")
)

// DeriveKey derives a KeySize key from the passphrase and salt.
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
}

// Codec seals and opens blobs with a key derived once at construction.
type Codec struct {
	aead cipher.AEAD
}

// Options tune key derivation. Zero values select the defaults.
type Options struct {
	Salt       string
	Iterations int
}

// New derives the key for passphrase and returns a ready Codec.
func New(passphrase string, opts Options) (*Codec, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	salt := opts.Salt
	if salt == "" {
		salt = DefaultSalt
	}

	return NewWithKey(DeriveKey(passphrase, []byte(salt), opts.Iterations))
}

// NewWithKey builds a Codec from a raw KeySize key.
func NewWithKey(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed or tampered input
// yields an error wrapping ErrDecryption.
func (c *Codec) Decrypt(blob string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(blob), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 fields, got %d", ErrDecryption, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrDecryption, err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrDecryption, err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrDecryption, err)
	}

	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecryption, nonceSize)
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("%w: tag must be %d bytes", ErrDecryption, tagSize)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}
