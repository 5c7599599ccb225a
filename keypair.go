package dpapi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/awnumar/memguard"
	"southwinds.dev/dpapi/persist"
)

var errKeypairDestroyed = errors.New("keypair destroyed")

// Keypair is the RSA private key protecting one scope. It is owned by the
// KeyStore that materialized it and destroyed when that KeyStore closes.
type Keypair struct {
	scope     Scope
	identity  persist.Identity
	location  string
	generated bool

	mu  sync.RWMutex
	key *rsa.PrivateKey
}

func newKeypair(scope Scope, key *rsa.PrivateKey, kpp *persist.KeyPairPersistence, generated bool) *Keypair {
	return &Keypair{
		scope:     scope,
		identity:  kpp.Identity(),
		location:  kpp.Location(),
		generated: generated,
		key:       key,
	}
}

func (k *Keypair) Scope() Scope {
	return k.scope
}

// Identity is the persisted identity (provider type, container, key number)
func (k *Keypair) Identity() persist.Identity {
	return k.identity
}

// Location is where the keypair document is stored
func (k *Keypair) Location() string {
	return k.location
}

// Generated reports whether the keypair was created rather than loaded
func (k *Keypair) Generated() bool {
	return k.generated
}

// Size returns the modulus size in bytes, which is also the sealed header length
func (k *Keypair) Size() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return 0
	}
	return k.key.Size()
}

// PublicKey returns a copy of the public half, for sealing
func (k *Keypair) PublicKey() (*rsa.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return nil, errKeypairDestroyed
	}
	return &rsa.PublicKey{N: new(big.Int).Set(k.key.N), E: k.key.E}, nil
}

// decryptKeyExchange removes OAEP padding (SHA-1, no label) from a sealed header
func (k *Keypair) decryptKeyExchange(header []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return nil, errKeypairDestroyed
	}
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, k.key, header, nil)
}

// Destroy zeroes the private numbers. Copies made internally by the crypto
// runtime are out of reach.
func (k *Keypair) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == nil {
		return
	}
	wipeInt(k.key.D)
	for _, p := range k.key.Primes {
		wipeInt(p)
	}
	wipeInt(k.key.Precomputed.Dp)
	wipeInt(k.key.Precomputed.Dq)
	wipeInt(k.key.Precomputed.Qinv)
	for _, crt := range k.key.Precomputed.CRTValues {
		wipeInt(crt.Exp)
		wipeInt(crt.Coeff)
		wipeInt(crt.R)
	}
	k.key = nil
}

func wipeInt(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
}

// rsaKeyValue is the RSAKeyValue element: big-endian, base64 encoded integers
type rsaKeyValue struct {
	XMLName  xml.Name `xml:"RSAKeyValue"`
	Modulus  string   `xml:"Modulus"`
	Exponent string   `xml:"Exponent"`
	P        string   `xml:"P"`
	Q        string   `xml:"Q"`
	DP       string   `xml:"DP"`
	DQ       string   `xml:"DQ"`
	InverseQ string   `xml:"InverseQ"`
	D        string   `xml:"D"`
}

// marshalKeyValue encodes a two-prime private key. D is padded to the modulus
// length and the CRT parameters to half of it, as readers of this format expect.
func marshalKeyValue(key *rsa.PrivateKey) ([]byte, error) {
	if len(key.Primes) != 2 {
		return nil, fmt.Errorf("only two-prime keys can be persisted, got %d primes", len(key.Primes))
	}
	key.Precompute()

	size := key.Size()
	half := (size + 1) / 2

	value := rsaKeyValue{
		Modulus:  encodeInt(key.N, size),
		Exponent: encodeInt(big.NewInt(int64(key.E)), 0),
		P:        encodeInt(key.Primes[0], half),
		Q:        encodeInt(key.Primes[1], half),
		DP:       encodeInt(key.Precomputed.Dp, half),
		DQ:       encodeInt(key.Precomputed.Dq, half),
		InverseQ: encodeInt(key.Precomputed.Qinv, half),
		D:        encodeInt(key.D, size),
	}
	return xml.Marshal(&value)
}

// parseKeyValue decodes and validates a private RSAKeyValue element
func parseKeyValue(data []byte) (*rsa.PrivateKey, error) {
	var value rsaKeyValue
	if err := xml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("invalid RSAKeyValue: %w", err)
	}
	if value.D == "" || value.P == "" || value.Q == "" {
		return nil, fmt.Errorf("RSAKeyValue holds no private key")
	}

	n, err := decodeInt(value.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid Modulus: %w", err)
	}
	e, err := decodeInt(value.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid Exponent: %w", err)
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("unsupported public exponent")
	}
	d, err := decodeInt(value.D)
	if err != nil {
		return nil, fmt.Errorf("invalid D: %w", err)
	}
	p, err := decodeInt(value.P)
	if err != nil {
		return nil, fmt.Errorf("invalid P: %w", err)
	}
	q, err := decodeInt(value.Q)
	if err != nil {
		return nil, fmt.Errorf("invalid Q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	if err = key.Validate(); err != nil {
		wipeInt(d)
		wipeInt(p)
		wipeInt(q)
		return nil, fmt.Errorf("inconsistent RSA key: %w", err)
	}
	key.Precompute()
	return key, nil
}

func encodeInt(x *big.Int, size int) string {
	b := x.Bytes()
	if len(b) < size {
		padded := make([]byte, size)
		x.FillBytes(padded)
		memguard.WipeBytes(b)
		b = padded
	}
	defer memguard.WipeBytes(b)
	return base64.StdEncoding.EncodeToString(b)
}

func decodeInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing value")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(b)
	return new(big.Int).SetBytes(b), nil
}

// keyValue encodes the private key as an RSAKeyValue element. The caller wipes the result.
func (k *Keypair) keyValue() ([]byte, int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return nil, 0, errKeypairDestroyed
	}
	data, err := marshalKeyValue(k.key)
	return data, k.key.N.BitLen(), err
}

func wipeKey(key *rsa.PrivateKey) {
	(&Keypair{key: key}).Destroy()
}
