package dpapi

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"os/user"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"southwinds.dev/dpapi/audit"
	"southwinds.dev/dpapi/internal/debug"
	"southwinds.dev/dpapi/internal/mem"
	"southwinds.dev/dpapi/metrics"
	"southwinds.dev/dpapi/persist"
)

// ContainerName is the key container holding the data protection keypair of every scope
const ContainerName = "DAPI"

// KeyStore materializes one RSA keypair per scope, loading it from the
// store or generating and persisting it on first use.
//
// CONCURRENCY:
// Each scope has its own lock, so materializing the machine keypair never
// waits on the user keypair. Once a scope's keypair is cached it is read
// without locking, allowing unlimited concurrent Unprotect calls. Concurrent
// first calls for a scope produce exactly one load or generation.
//
// FAILURE:
// A keypair that could not be loaded or saved is never cached; the next
// call retries. Load, generate and save failures are reported as
// *KeyStoreError with the cause attached.
//
// LIFECYCLE:
// Close destroys the cached keypairs, closes the stores and, for Ephemeral
// key stores, removes the keypairs this KeyStore generated.
type KeyStore struct {
	options      Options
	storeFactory func(scope Scope) (persist.Store, error)
	audit        audit.Logger
	metrics      *metrics.Recorder

	slots [scopeCount]*scopeSlot

	memProtection mem.ProtectionLevel
	memLocked     bool

	closeMu sync.Mutex
	closed  atomic.Bool
}

// scopeSlot is the initialize-once cell of one scope
type scopeSlot struct {
	mu      sync.Mutex
	keypair atomic.Pointer[Keypair]
	store   persist.Store

	generations atomic.Int64
	loads       atomic.Int64
}

// ScopeStats describes the state of one scope
type ScopeStats struct {
	Scope       Scope  `json:"scope" yaml:"scope"`
	Cached      bool   `json:"cached" yaml:"cached"`
	Generated   bool   `json:"generated" yaml:"generated"`
	Generations int64  `json:"generations" yaml:"generations"`
	Loads       int64  `json:"loads" yaml:"loads"`
	Location    string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Stats describes a KeyStore
type Stats struct {
	Scopes           []ScopeStats `json:"scopes" yaml:"scopes"`
	MemoryProtection string       `json:"memory_protection" yaml:"memory_protection"`
	StoreType        string       `json:"store_type" yaml:"store_type"`
	Closed           bool         `json:"closed" yaml:"closed"`
}

// NewKeyStore creates a KeyStore over the filesystem or S3 store selected by options
func NewKeyStore(options Options, auditLogger audit.Logger) (*KeyStore, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	return NewKeyStoreWithStoreFactory(options, func(scope Scope) (persist.Store, error) {
		return newScopeStore(options, scope)
	}, auditLogger)
}

// NewKeyStoreWithStoreFactory creates a KeyStore whose per-scope stores come
// from storeFactory. The factory is called at most once per scope, on first use.
func NewKeyStoreWithStoreFactory(options Options, storeFactory func(scope Scope) (persist.Store, error), auditLogger audit.Logger) (*KeyStore, error) {
	if storeFactory == nil {
		return nil, fmt.Errorf("store factory cannot be nil")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	ks := &KeyStore{
		options:       options.withDefaults(),
		storeFactory:  storeFactory,
		audit:         auditLogger,
		metrics:       options.Metrics,
		memProtection: mem.ProtectionNone,
	}
	for i := range ks.slots {
		ks.slots[i] = &scopeSlot{}
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Printf("WARNING: memory locking failed, keypairs may be swapped to disk: %v\n", err)
		}
		if level == mem.ProtectionPartial {
			log.Printf("WARNING: memory locking unavailable (protection level: %s)\n", level)
		}
		ks.memProtection = level
		ks.memLocked = level == mem.ProtectionFull
	}

	return ks, nil
}

// newScopeStore builds the default store of a scope from options
func newScopeStore(options Options, scope Scope) (persist.Store, error) {
	namespace, err := scopeNamespace(scope)
	if err != nil {
		return nil, err
	}

	config := options.Store
	if config.Type == persist.StoreTypeFileSystem || config.Type == "" {
		path, err := options.scopePath(scope)
		if err != nil {
			return nil, err
		}
		config = persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": path},
		}
	}
	return persist.NewStore(config, namespace)
}

func scopeNamespace(scope Scope) (string, error) {
	if scope == LocalMachine {
		return persist.MachineNamespace, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to resolve current user: %w", err)
	}
	return persist.UserNamespace(u.Username), nil
}

func (o Options) scopePath(scope Scope) (string, error) {
	if scope == LocalMachine {
		if o.MachinePath != "" {
			return o.MachinePath, nil
		}
		return persist.DefaultMachinePath(), nil
	}
	if o.UserPath != "" {
		return o.UserPath, nil
	}
	return persist.DefaultUserPath()
}

// parameters selects the data protection keypair of a scope
func parameters(scope Scope) persist.Parameters {
	params := persist.Parameters{
		ProviderType:     persist.ProvRSAFull,
		KeyContainerName: ContainerName,
		KeyNumber:        persist.KeyNumberDefault,
	}
	if scope == LocalMachine {
		params.Flags |= persist.UseMachineKeyStore
	}
	return params
}

// Get returns the keypair of scope, materializing it on first use
func (ks *KeyStore) Get(scope Scope) (*Keypair, error) {
	if !scope.valid() {
		return nil, &KeyStoreError{Scope: scope, Op: "get", Err: fmt.Errorf("unknown scope")}
	}
	if ks.closed.Load() {
		return nil, &KeyStoreError{Scope: scope, Op: "get", Err: ErrKeyStoreClosed}
	}

	slot := ks.slots[scope]
	if kp := slot.keypair.Load(); kp != nil {
		return kp, nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if kp := slot.keypair.Load(); kp != nil {
		return kp, nil
	}
	// Close may have run while we waited
	if ks.closed.Load() {
		return nil, &KeyStoreError{Scope: scope, Op: "get", Err: ErrKeyStoreClosed}
	}

	kp, err := ks.materialize(scope, slot)
	if err != nil {
		ks.metrics.ObserveKeypair(scope.String(), metrics.OutcomeFailed, false)
		return nil, err
	}
	outcome := metrics.OutcomeLoaded
	if kp.Generated() {
		outcome = metrics.OutcomeGenerated
	}
	ks.metrics.ObserveKeypair(scope.String(), outcome, true)
	slot.keypair.Store(kp)
	return kp, nil
}

// materialize loads or generates the keypair. Called with slot.mu held.
func (ks *KeyStore) materialize(scope Scope, slot *scopeSlot) (*Keypair, error) {
	store, err := ks.scopeStore(scope, slot)
	if err != nil {
		return nil, &KeyStoreError{Scope: scope, Op: "open", Err: err}
	}

	kpp := persist.NewKeyPairPersistence(store, parameters(scope))
	defer kpp.Destroy()

	found, err := kpp.Load()
	if err != nil {
		ks.logAudit(audit.ActionKeypairLoad, scope, kpp, err, nil)
		return nil, &KeyStoreError{Scope: scope, Op: "load", Err: err}
	}

	if found {
		return ks.loadKeypair(scope, slot, kpp)
	}

	key, err := rsa.GenerateKey(rand.Reader, ks.options.KeySize)
	if err != nil {
		return nil, &KeyStoreError{Scope: scope, Op: "generate", Err: err}
	}
	kp := newKeypair(scope, key, kpp, true)

	keyValue, err := marshalKeyValue(key)
	if err != nil {
		kp.Destroy()
		return nil, &KeyStoreError{Scope: scope, Op: "generate", Err: err}
	}
	defer memguard.WipeBytes(keyValue)

	if err = kpp.Create(keyValue); err != nil {
		kp.Destroy()
		if persist.IsConcurrencyError(err) {
			// another process created the keypair first, so use theirs
			debug.Print("%s keypair created concurrently at %s, reloading\n", scope, kpp.Location())
			return ks.reloadKeypair(scope, slot, kpp)
		}
		ks.logAudit(audit.ActionKeypairGenerate, scope, kpp, err, nil)
		return nil, &KeyStoreError{Scope: scope, Op: "save", Err: err}
	}

	slot.generations.Add(1)
	debug.Print("generated %d-bit %s keypair at %s\n", ks.options.KeySize, scope, kpp.Location())
	ks.logAudit(audit.ActionKeypairGenerate, scope, kpp, nil, map[string]interface{}{
		"key_size": ks.options.KeySize,
	})
	return kp, nil
}

// loadKeypair parses the document kpp has loaded. Called with slot.mu held.
func (ks *KeyStore) loadKeypair(scope Scope, slot *scopeSlot, kpp *persist.KeyPairPersistence) (*Keypair, error) {
	keyValue := kpp.KeyValue()
	defer memguard.WipeBytes(keyValue)

	key, err := parseKeyValue(keyValue)
	if err != nil {
		err = fmt.Errorf("malformed keypair %s: %w", kpp.Filename(), err)
		ks.logAudit(audit.ActionKeypairLoad, scope, kpp, err, nil)
		return nil, &KeyStoreError{Scope: scope, Op: "load", Err: err}
	}

	slot.loads.Add(1)
	debug.Print("loaded %d-bit %s keypair from %s\n", key.N.BitLen(), scope, kpp.Location())
	ks.logAudit(audit.ActionKeypairLoad, scope, kpp, nil, map[string]interface{}{
		"key_size": key.N.BitLen(),
	})
	return newKeypair(scope, key, kpp, false), nil
}

// reloadKeypair loads the document a concurrent writer created. Called with slot.mu held.
func (ks *KeyStore) reloadKeypair(scope Scope, slot *scopeSlot, kpp *persist.KeyPairPersistence) (*Keypair, error) {
	found, err := kpp.Load()
	if err == nil && !found {
		err = fmt.Errorf("keypair %s disappeared after a concurrent create", kpp.Filename())
	}
	if err != nil {
		ks.logAudit(audit.ActionKeypairLoad, scope, kpp, err, nil)
		return nil, &KeyStoreError{Scope: scope, Op: "load", Err: err}
	}
	return ks.loadKeypair(scope, slot, kpp)
}

// scopeStore returns the store of a scope, creating it once. Called with slot.mu held.
func (ks *KeyStore) scopeStore(scope Scope, slot *scopeSlot) (persist.Store, error) {
	if slot.store != nil {
		return slot.store, nil
	}
	store, err := ks.storeFactory(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for %s: %w", scope, err)
	}
	slot.store = store
	return store, nil
}

// Location returns where the keypair document of scope lives, without loading it
func (ks *KeyStore) Location(scope Scope) (string, error) {
	if !scope.valid() {
		return "", &KeyStoreError{Scope: scope, Op: "locate", Err: fmt.Errorf("unknown scope")}
	}
	slot := ks.slots[scope]
	slot.mu.Lock()
	defer slot.mu.Unlock()

	store, err := ks.scopeStore(scope, slot)
	if err != nil {
		return "", &KeyStoreError{Scope: scope, Op: "locate", Err: err}
	}
	return persist.NewKeyPairPersistence(store, parameters(scope)).Location(), nil
}

// Exists reports whether scope has a persisted keypair, without loading it
func (ks *KeyStore) Exists(scope Scope) (bool, error) {
	if !scope.valid() {
		return false, &KeyStoreError{Scope: scope, Op: "exists", Err: fmt.Errorf("unknown scope")}
	}
	if ks.closed.Load() {
		return false, &KeyStoreError{Scope: scope, Op: "exists", Err: ErrKeyStoreClosed}
	}
	slot := ks.slots[scope]
	slot.mu.Lock()
	defer slot.mu.Unlock()

	store, err := ks.scopeStore(scope, slot)
	if err != nil {
		return false, &KeyStoreError{Scope: scope, Op: "exists", Err: err}
	}
	found, err := store.Exists(persist.NewKeyPairPersistence(store, parameters(scope)).Filename())
	if err != nil {
		return false, &KeyStoreError{Scope: scope, Op: "exists", Err: err}
	}
	return found, nil
}

// StoreCheck describes the store behind a scope
type StoreCheck struct {
	Backend   string   `json:"backend" yaml:"backend"`
	Location  string   `json:"location" yaml:"location"`
	Exists    bool     `json:"exists" yaml:"exists"`
	Documents []string `json:"documents,omitempty" yaml:"documents,omitempty"`
}

// Check verifies the store of scope is reachable and lists the documents it
// holds, without loading or generating a keypair
func (ks *KeyStore) Check(scope Scope) (StoreCheck, error) {
	if !scope.valid() {
		return StoreCheck{}, &KeyStoreError{Scope: scope, Op: "check", Err: fmt.Errorf("unknown scope")}
	}
	if ks.closed.Load() {
		return StoreCheck{}, &KeyStoreError{Scope: scope, Op: "check", Err: ErrKeyStoreClosed}
	}
	slot := ks.slots[scope]
	slot.mu.Lock()
	defer slot.mu.Unlock()

	store, err := ks.scopeStore(scope, slot)
	if err != nil {
		return StoreCheck{}, &KeyStoreError{Scope: scope, Op: "check", Err: err}
	}
	kpp := persist.NewKeyPairPersistence(store, parameters(scope))
	check := StoreCheck{Backend: store.GetType(), Location: kpp.Location()}

	if err = store.Ping(); err != nil {
		return check, &KeyStoreError{Scope: scope, Op: "check", Err: err}
	}
	if check.Documents, err = store.List(); err != nil {
		return check, &KeyStoreError{Scope: scope, Op: "check", Err: err}
	}
	for _, name := range check.Documents {
		if name == kpp.Filename() {
			check.Exists = true
		}
	}
	return check, nil
}

// Remove deletes the persisted keypair of scope and evicts it from the cache.
// Data protected under the removed keypair can no longer be recovered.
func (ks *KeyStore) Remove(scope Scope) error {
	if !scope.valid() {
		return &KeyStoreError{Scope: scope, Op: "remove", Err: fmt.Errorf("unknown scope")}
	}
	if ks.closed.Load() {
		return &KeyStoreError{Scope: scope, Op: "remove", Err: ErrKeyStoreClosed}
	}

	slot := ks.slots[scope]
	slot.mu.Lock()
	defer slot.mu.Unlock()

	store, err := ks.scopeStore(scope, slot)
	if err != nil {
		return &KeyStoreError{Scope: scope, Op: "remove", Err: err}
	}

	kpp := persist.NewKeyPairPersistence(store, parameters(scope))
	err = kpp.Remove()
	ks.logAudit(audit.ActionKeypairRemove, scope, kpp, err, nil)
	if err != nil {
		return &KeyStoreError{Scope: scope, Op: "remove", Err: err}
	}

	if kp := slot.keypair.Swap(nil); kp != nil {
		kp.Destroy()
	}
	ks.metrics.ObserveKeypair(scope.String(), metrics.OutcomeRemoved, false)
	return nil
}

// Stats reports per-scope cache and generation counters
func (ks *KeyStore) Stats() Stats {
	stats := Stats{
		MemoryProtection: ks.memProtection.String(),
		StoreType:        string(ks.options.Store.Type),
		Closed:           ks.closed.Load(),
	}
	for i, slot := range ks.slots {
		s := ScopeStats{
			Scope:       Scope(i),
			Generations: slot.generations.Load(),
			Loads:       slot.loads.Load(),
		}
		if kp := slot.keypair.Load(); kp != nil {
			s.Cached = true
			s.Generated = kp.Generated()
			s.Location = kp.Location()
		}
		stats.Scopes = append(stats.Scopes, s)
	}
	return stats
}

// Close destroys cached keypairs and closes the stores. It is safe to call more than once.
func (ks *KeyStore) Close() error {
	ks.closeMu.Lock()
	defer ks.closeMu.Unlock()

	if ks.closed.Swap(true) {
		return nil
	}

	var errs []error
	for i, slot := range ks.slots {
		scope := Scope(i)
		slot.mu.Lock()

		kp := slot.keypair.Swap(nil)
		if kp != nil {
			if ks.options.Ephemeral && kp.Generated() && slot.store != nil {
				kpp := persist.NewKeyPairPersistence(slot.store, parameters(scope))
				err := kpp.Remove()
				ks.logAudit(audit.ActionKeypairRemove, scope, kpp, err, map[string]interface{}{
					"ephemeral": true,
				})
				if err != nil {
					errs = append(errs, &KeyStoreError{Scope: scope, Op: "remove", Err: err})
				}
			}
			kp.Destroy()
			ks.metrics.Evict(scope.String())
		}

		if slot.store != nil {
			if err := slot.store.Close(); err != nil {
				errs = append(errs, &KeyStoreError{Scope: scope, Op: "close", Err: err})
			}
			slot.store = nil
		}
		slot.mu.Unlock()
	}

	if ks.memLocked {
		if err := mem.Unlock(); err != nil {
			log.Printf("WARNING: failed to release memory locks: %v\n", err)
		}
	}

	err := errors.Join(errs...)
	if auditErr := ks.audit.Log(audit.ActionKeyStoreClose, err == nil, nil); auditErr != nil {
		logAuditFailure(audit.ActionKeyStoreClose, auditErr)
	}
	return err
}

func (ks *KeyStore) logAudit(action string, scope Scope, kpp *persist.KeyPairPersistence, err error, metadata map[string]interface{}) {
	if ks.audit == nil {
		log.Printf("WARNING: skipping audit logging, logger not initialized\n")
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata[audit.MetaScope] = scope.String()
	if kpp != nil {
		metadata[audit.MetaContainer] = kpp.Identity().ContainerID
		metadata["location"] = kpp.Location()
	}
	if err != nil {
		metadata[audit.MetaError] = err.Error()
	}

	if auditErr := ks.audit.Log(action, err == nil, metadata); auditErr != nil {
		logAuditFailure(action, auditErr)
	}
}

var (
	defaultMu       sync.Mutex
	defaultKeyStore atomic.Pointer[KeyStore]
)

// Default returns the process-wide KeyStore used by Unprotect, creating it
// with DefaultOptions on first use
func Default() (*KeyStore, error) {
	if ks := defaultKeyStore.Load(); ks != nil {
		return ks, nil
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()

	if ks := defaultKeyStore.Load(); ks != nil {
		return ks, nil
	}
	ks, err := NewKeyStore(DefaultOptions(), nil)
	if err != nil {
		return nil, err
	}
	defaultKeyStore.Store(ks)
	return ks, nil
}

// SetDefault replaces the process-wide KeyStore, returning the previous one
// (which the caller should Close)
func SetDefault(ks *KeyStore) *KeyStore {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultKeyStore.Swap(ks)
}

// ResetDefault closes and discards the process-wide KeyStore
func ResetDefault() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if ks := defaultKeyStore.Swap(nil); ks != nil {
		return ks.Close()
	}
	return nil
}
