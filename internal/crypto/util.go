package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/dpapi/internal/misc"
)

// SealWithPassphrase encrypts data using a passphrase with Argon2id + XChaCha20-Poly1305.
// Output layout: salt (16) | nonce (24) | ciphertext+tag
func SealWithPassphrase(data, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}

	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	defer key.Destroy()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	result := make([]byte, 0, len(salt)+len(nonce)+len(data)+aead.Overhead())
	result = append(result, salt...)
	result = append(result, nonce...)
	return aead.Seal(result, nonce, data, salt), nil
}

// OpenWithPassphrase reverses SealWithPassphrase
func OpenWithPassphrase(sealed, passphrase []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSizeX
	if len(sealed) < misc.SaltSize+nonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("sealed data too short")
	}

	salt := sealed[:misc.SaltSize]
	nonce := sealed[misc.SaltSize : misc.SaltSize+nonceSize]
	ciphertext := sealed[misc.SaltSize+nonceSize:]

	key := DeriveKey(passphrase, salt)
	defer key.Destroy()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// DeriveKey stretches a passphrase into a 256-bit key held in locked memory
func DeriveKey(passphrase, salt []byte) *memguard.LockedBuffer {
	derivedKey := argon2.IDKey(
		passphrase,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes the source slice
	return memguard.NewBufferFromBytes(derivedKey)
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
