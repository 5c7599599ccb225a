package dpapi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// SecretSize is the length of the secret carried in a sealed header:
// version | 16 | key | 16 | iv | 32 | sha256(plaintext)
const SecretSize = 68

const (
	secretVersion   = 0
	secretKeyLen    = 1
	secretKey       = 2
	secretIVLen     = 18
	secretIV        = 19
	secretDigestLen = 35
	secretDigest    = 36

	sessionKeySize = 16
	sessionIVSize  = 16
	digestSize     = sha256.Size

	versionWithoutEntropy = 1
	versionWithEntropy    = 2
)

// check is one validation result. All checks of an unseal are recorded before
// any of them is acted on, so the time taken does not reveal which one failed.
type check struct {
	name string
	ok   bool
}

type checkList []check

func (l *checkList) record(name string, ok bool) {
	*l = append(*l, check{name: name, ok: ok})
}

func (l checkList) passed() bool {
	failed := 0
	for _, c := range l {
		if !c.ok {
			failed++
		}
	}
	return failed == 0
}

// unsealContext owns every sensitive scratch buffer of one unseal call
type unsealContext struct {
	raw    []byte // OAEP output as returned
	secret []byte // exactly SecretSize bytes
	key    []byte
	iv     []byte
	mask   []byte
	checks checkList
}

func (c *unsealContext) wipe() {
	memguard.WipeBytes(c.raw)
	memguard.WipeBytes(c.secret)
	memguard.WipeBytes(c.key)
	memguard.WipeBytes(c.iv)
	memguard.WipeBytes(c.mask)
}

// unseal recovers the plaintext of a sealed blob:
//
//	header (modulus size) = RSA-OAEP(secret)
//	body                  = AES-128-CBC(key, iv, PKCS#7(plaintext))
//
// Entropy, when given, is hashed with SHA-256 and XOR-ed into key and iv.
// Any failure yields the same CryptographicError.
func unseal(blob, entropy []byte, kp *Keypair) ([]byte, error) {
	var c unsealContext
	return c.run(blob, entropy, kp)
}

func (c *unsealContext) run(blob, entropy []byte, kp *Keypair) ([]byte, error) {
	defer c.wipe()

	headerLen := kp.Size()
	header, body := blob, []byte(nil)
	c.checks.record("header length", headerLen > 0 && len(blob) >= headerLen)
	if len(blob) >= headerLen {
		header, body = blob[:headerLen], blob[headerLen:]
	}

	raw, err := kp.decryptKeyExchange(header)
	if err != nil {
		raw = nil
	}
	c.raw = raw
	c.checks.record("secret length", len(raw) == SecretSize)

	c.secret = make([]byte, SecretSize)
	if len(raw) == SecretSize {
		copy(c.secret, raw)
	}

	structure := c.secret[secretKeyLen] == sessionKeySize &&
		c.secret[secretIVLen] == sessionIVSize &&
		c.secret[secretDigestLen] == digestSize

	c.key = append([]byte(nil), c.secret[secretKey:secretKey+sessionKeySize]...)
	c.iv = append([]byte(nil), c.secret[secretIV:secretIV+sessionIVSize]...)

	if len(entropy) > 0 {
		mask := sha256.Sum256(entropy)
		c.mask = mask[:]
		for i := 0; i < sessionKeySize; i++ {
			c.key[i] ^= c.mask[i]
			c.iv[i] ^= c.mask[i+sessionKeySize]
		}
		structure = structure && c.secret[secretVersion] == versionWithEntropy
	} else {
		structure = structure && c.secret[secretVersion] == versionWithoutEntropy
	}
	c.checks.record("structure", structure)

	plaintext := decryptCBC(c.key, c.iv, body)

	digest := sha256.Sum256(plaintext)
	c.checks.record("digest", subtle.ConstantTimeCompare(digest[:], c.secret[secretDigest:secretDigest+digestSize]) == 1)
	memguard.WipeBytes(digest[:])

	if !c.checks.passed() {
		memguard.WipeBytes(plaintext)
		return nil, errUnseal
	}
	return plaintext, nil
}

// decryptCBC decrypts whole blocks and strips PKCS#7 padding. It never fails:
// a trailing partial block or bad padding withholds the last block, like a
// streaming decryptor that errors on its final block.
func decryptCBC(key, iv, body []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		return []byte{}
	}

	full := len(body) - len(body)%aes.BlockSize
	if full == 0 {
		return []byte{}
	}

	out := make([]byte, full)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body[:full])

	if full != len(body) {
		memguard.WipeBytes(out[full-aes.BlockSize:])
		return out[:full-aes.BlockSize]
	}

	n, ok := unpad(out)
	if !ok {
		memguard.WipeBytes(out[full-aes.BlockSize:])
		return out[:full-aes.BlockSize]
	}
	memguard.WipeBytes(out[n:])
	return out[:n]
}

// unpad returns the unpadded length of a PKCS#7 padded buffer
func unpad(data []byte) (int, bool) {
	padLen := int(data[len(data)-1])
	valid := subtle.ConstantTimeLessOrEq(1, padLen) & subtle.ConstantTimeLessOrEq(padLen, aes.BlockSize)

	for i := 1; i <= aes.BlockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(i, padLen)
		match := subtle.ConstantTimeByteEq(data[len(data)-i], byte(padLen))
		// bytes inside the padding must equal padLen
		valid &= ^inPad&1 | match
	}

	if valid != 1 {
		return 0, false
	}
	return len(data) - padLen, true
}
