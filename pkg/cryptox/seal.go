// Package cryptox seals small secrets at rest with a passphrase.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Configuration for the Argon2id key derivation.
const (
	memory      = 19 * 1024 // Memory usage in KiB (19 MiB)
	iterations  = 2         // Iteration count
	parallelism = 1         // Number of threads
	keyLength   = 32        // AES-256
	saltLength  = 16        // Length of the salt
)

const sealVersion byte = 1

var (
	// ErrDecrypt is returned when a sealed blob cannot be opened, either
	// because the passphrase is wrong or because the data was tampered with.
	ErrDecrypt = errors.New("cryptox: decryption failed")

	// ErrEmptyPassphrase is returned by Seal and Open for an empty passphrase.
	ErrEmptyPassphrase = errors.New("cryptox: empty passphrase")
)

// DeriveKey stretches a passphrase into a 32-byte AES key with Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, iterations, memory, parallelism, keyLength)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under a key derived from
// passphrase. The output format is:
// [1-byte version][16-byte salt][12-byte nonce][ciphertext + 16-byte tag]
// A fresh salt and nonce are drawn for every call.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, []byte{sealVersion}), nil
}

// Open reverses Seal. A wrong passphrase or a modified blob yields ErrDecrypt.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(sealed) < 1+saltLength {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrDecrypt, sealed[0])
	}

	salt := sealed[1 : 1+saltLength]
	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	rest := sealed[1+saltLength:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte{sealVersion})
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
