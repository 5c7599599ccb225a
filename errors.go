package dpapi

import (
	"errors"
	"fmt"
)

var (
	// ErrNilData is returned when Unprotect receives nil instead of a blob
	ErrNilData = errors.New("encrypted data cannot be nil")

	// ErrInvalidData is the only failure reported for a blob that does not
	// unseal, whatever the cause
	ErrInvalidData = errors.New("invalid data")

	// ErrKeyStoreClosed is returned by operations on a closed KeyStore
	ErrKeyStoreClosed = errors.New("key store is closed")
)

// CryptographicError reports a blob that failed validation. Its message is
// constant so callers cannot tell which check failed.
type CryptographicError struct{}

func (e *CryptographicError) Error() string {
	return ErrInvalidData.Error()
}

func (e *CryptographicError) Unwrap() error {
	return ErrInvalidData
}

// KeyStoreError reports a keypair that could not be created, loaded or removed.
// Unlike CryptographicError it carries the underlying cause.
type KeyStoreError struct {
	Scope Scope
	Op    string
	Err   error
}

func (e *KeyStoreError) Error() string {
	return fmt.Sprintf("key store %s %s: %v", e.Scope, e.Op, e.Err)
}

func (e *KeyStoreError) Unwrap() error {
	return e.Err
}

// PlatformUnsupportedError is returned where the operating system provides
// data protection natively and the managed implementation must not be used
type PlatformUnsupportedError struct {
	Platform string
}

func (e *PlatformUnsupportedError) Error() string {
	return fmt.Sprintf("managed data protection is not supported on %s, use the native API", e.Platform)
}

// errUnseal is the error value returned for every failed unseal
var errUnseal error = &CryptographicError{}
