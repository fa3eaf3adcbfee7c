// Package crypto implements the authenticated envelope cipher used to wrap
// custody key material. Blobs are self-contained: a fresh random nonce is
// generated per encryption and stored as a prefix of the ciphertext, with the
// GCM authentication tag appended by the cipher itself.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// ErrDecryptionFailed signals an authentication-tag mismatch or a malformed
// blob. It is fatal: retrying cannot fix tampered or corrupted ciphertext.
var ErrDecryptionFailed = errors.New("decryption failed: ciphertext integrity check failed")

const (
	// KeySize is the symmetric key length for AES-256-GCM.
	KeySize = 32

	// kdfIterations is the PBKDF2 stretch count applied to every secret
	// before it is used as a cipher key.
	kdfIterations = 100_000
)

// DeriveKey stretches an arbitrary-length secret into a KeySize-byte
// symmetric key using PBKDF2-SHA256. Secrets are never used raw.
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, kdfIterations, KeySize, sha256.New)
}

// Encrypt seals plaintext under key with AES-256-GCM.
// The returned blob is nonce || ciphertext || tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d (want %d)", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering with the blob,
// including a single flipped bit, yields ErrDecryptionFailed rather than
// corrupted plaintext.
func Decrypt(blob, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d (want %d)", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize+gcm.Overhead() {
		return nil, ErrDecryptionFailed
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// RandomKey returns a fresh high-entropy KeySize-byte key. Used for the
// per-record session keys that wrap wallet private keys.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
