package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned (wrapped) by Store.Load when the named document does not exist
var ErrNotFound = errors.New("not found")

// CreateOnly passed as the expected version makes Save fail with a
// ConcurrencyError when the document already exists
const CreateOnly = "*"

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store defines the interface for persisting keypair documents.
// A store is bound to one namespace (one scope's key directory or bucket
// prefix) and addresses documents by file name within it. Documents hold
// private key material in clear text, so implementations are responsible
// for restricting access to the namespace.
type Store interface {
	// Save writes the named document. When expectedVersion is not empty the
	// write only succeeds if the current version matches, otherwise a
	// ConcurrencyError is returned. CreateOnly matches only a missing document.
	Save(name string, data []byte, expectedVersion string) (newVersion string, err error)

	// Load retrieves the named document. Returns an error wrapping ErrNotFound
	// when the document does not exist.
	Load(name string) (*VersionedData, error)

	// Exists checks if the named document is present.
	Exists(name string) (bool, error)

	// Delete removes the named document. Deleting a missing document is not an error.
	Delete(name string) error

	// List returns the names of all documents in the namespace, sorted.
	List() ([]string, error)

	// Ping tests the connectivity for remote backends
	Ping() error

	// Close releases any resources the store holds
	Close() error

	// GetType returns the backend type, e.g. "filesystem"
	GetType() string

	// Location returns a human readable description of where documents live
	Location() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/home/alice/.config/.mono/keypairs"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// Example values: "filesystem", "s3".
	Type StoreType `json:"type" yaml:"type"`

	// Config contains configuration settings specific to the chosen storage backend.
	// For StoreTypeS3 this includes keys like "bucket" and "endpoint".
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is or wraps a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}
