package dpapi

import (
	"fmt"

	"southwinds.dev/dpapi/metrics"
	"southwinds.dev/dpapi/persist"
)

const (
	// DefaultKeySize is the modulus size of generated keypairs, in bits
	DefaultKeySize = 1536

	minKeySize = 1024
	maxKeySize = 16384
)

// Options configures a KeyStore.
//
// PATHS:
// UserPath and MachinePath override the per-scope key directories used by the
// filesystem store. Empty values select <user config dir>/.mono/keypairs and
// /usr/share/.mono/keypairs respectively. Both directories must satisfy the
// ownership and permission policy of their scope or every operation on that
// scope fails.
//
// STORE:
// Store selects the backend. A zero value (or type "filesystem") uses the
// directories above; type "s3" keeps keypair documents in a bucket, one
// namespace per scope and user, with access control delegated to the bucket.
//
// EPHEMERAL KEYPAIRS:
// With Ephemeral set, keypairs generated by this KeyStore are removed from
// the store when it closes. Data protected under them becomes unrecoverable.
// Keypairs that already existed are never removed.
//
// METRICS:
// Metrics, when set, receives unprotect results and keypair operations.
type Options struct {
	UserPath         string              `json:"user_path,omitempty" yaml:"user_path,omitempty"`
	MachinePath      string              `json:"machine_path,omitempty" yaml:"machine_path,omitempty"`
	KeySize          int                 `json:"key_size,omitempty" yaml:"key_size,omitempty"`
	EnableMemoryLock bool                `json:"enable_memory_lock" yaml:"enable_memory_lock"`
	Ephemeral        bool                `json:"ephemeral,omitempty" yaml:"ephemeral,omitempty"`
	Store            persist.StoreConfig `json:"store" yaml:"store"`
	Metrics          *metrics.Recorder   `json:"-" yaml:"-"`
}

// DefaultOptions returns the options used by Default
func DefaultOptions() Options {
	return Options{
		KeySize: DefaultKeySize,
		Store:   persist.StoreConfig{Type: persist.StoreTypeFileSystem},
	}
}

// Validate checks the options for consistency
func (o Options) Validate() error {
	if o.KeySize != 0 && (o.KeySize < minKeySize || o.KeySize > maxKeySize || o.KeySize%64 != 0) {
		return fmt.Errorf("key size must be a multiple of 64 between %d and %d bits, got %d", minKeySize, maxKeySize, o.KeySize)
	}

	switch o.Store.Type {
	case "", persist.StoreTypeFileSystem:
	case persist.StoreTypeS3:
		if bucket, _ := o.Store.Config["Bucket"].(string); bucket == "" {
			return fmt.Errorf("s3 store requires a Bucket")
		}
	default:
		return fmt.Errorf("unsupported store type: %s", o.Store.Type)
	}

	return nil
}

func (o Options) withDefaults() Options {
	if o.KeySize == 0 {
		o.KeySize = DefaultKeySize
	}
	if o.Store.Type == "" {
		o.Store.Type = persist.StoreTypeFileSystem
	}
	return o
}
