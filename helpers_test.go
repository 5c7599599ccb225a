//go:build unix

package dpapi

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"southwinds.dev/dpapi/audit"
)

// testKeySize keeps key generation fast while leaving room for the OAEP secret
const testKeySize = 1024

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		UserPath:    filepath.Join(dir, "user", ".mono", "keypairs"),
		MachinePath: filepath.Join(dir, "machine", ".mono", "keypairs"),
		KeySize:     testKeySize,
	}
}

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	return newTestKeyStoreWithOptions(t, testOptions(t), nil)
}

func newTestKeyStoreWithOptions(t *testing.T, options Options, logger audit.Logger) *KeyStore {
	t.Helper()
	ks, err := NewKeyStore(options, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	return ks
}

// testSecret builds a well-formed secret with random key and iv
func testSecret(t *testing.T, plaintext []byte, withEntropy bool) []byte {
	t.Helper()
	secret := make([]byte, SecretSize)
	secret[secretVersion] = versionWithoutEntropy
	if withEntropy {
		secret[secretVersion] = versionWithEntropy
	}
	secret[secretKeyLen] = sessionKeySize
	secret[secretIVLen] = sessionIVSize
	secret[secretDigestLen] = digestSize

	_, err := rand.Read(secret[secretKey : secretKey+sessionKeySize])
	require.NoError(t, err)
	_, err = rand.Read(secret[secretIV : secretIV+sessionIVSize])
	require.NoError(t, err)

	digest := sha256.Sum256(plaintext)
	copy(secret[secretDigest:], digest[:])
	return secret
}

// sealForTest produces a blob in the sealed format for kp
func sealForTest(t *testing.T, kp *Keypair, plaintext, entropy []byte) []byte {
	t.Helper()
	return sealSecret(t, kp, testSecret(t, plaintext, len(entropy) > 0), plaintext, entropy)
}

// sealSecret seals plaintext under an arbitrary secret, which may be malformed
func sealSecret(t *testing.T, kp *Keypair, secret, plaintext, entropy []byte) []byte {
	t.Helper()
	pub, err := kp.PublicKey()
	require.NoError(t, err)

	key := make([]byte, sessionKeySize)
	iv := make([]byte, sessionIVSize)
	if len(secret) >= SecretSize {
		copy(key, secret[secretKey:])
		copy(iv, secret[secretIV:])
	}
	if len(entropy) > 0 {
		mask := sha256.Sum256(entropy)
		for i := range key {
			key[i] ^= mask[i]
			iv[i] ^= mask[i+sessionKeySize]
		}
	}

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	body := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body, padded)

	header, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, secret, nil)
	require.NoError(t, err)
	return append(header, body...)
}

func assertWiped(t *testing.T, name string, buf []byte) {
	t.Helper()
	require.NotNil(t, buf, "%s should have been allocated", name)
	require.Equal(t, make([]byte, len(buf)), buf, "%s should be zeroed", name)
}
