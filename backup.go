package dpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"southwinds.dev/dpapi/audit"
	"southwinds.dev/dpapi/internal/crypto"
	"southwinds.dev/dpapi/metrics"
	"southwinds.dev/dpapi/persist"
)

const (
	exportFormatVersion    = "1.0"
	exportEncryptionMethod = "argon2id+xchacha20poly1305"
	minPassphraseLength    = 12
)

// ErrKeypairExists is returned by Import when the scope already has a keypair and overwrite is not set
var ErrKeypairExists = errors.New("keypair already exists")

// ExportContainer is the passphrase-sealed envelope produced by Export
type ExportContainer struct {
	ExportID         string    `json:"export_id"`
	ExportTimestamp  time.Time `json:"export_timestamp"`
	FormatVersion    string    `json:"format_version"`
	Scope            string    `json:"scope"`
	Container        string    `json:"container"`
	KeySize          int       `json:"key_size"`
	EncryptionMethod string    `json:"encryption_method"`
	// Checksum is the SHA-256 of the sealed bytes, checked before decryption
	Checksum      string `json:"checksum"`
	EncryptedData string `json:"encrypted_data"`
}

// Export seals the keypair of scope under passphrase so it can be moved to
// another host with Import. The keypair is materialized if needed.
func (ks *KeyStore) Export(scope Scope, passphrase []byte) ([]byte, error) {
	data, kp, err := ks.export(scope, passphrase)

	metadata := map[string]interface{}{audit.MetaScope: scope.String()}
	if kp != nil {
		metadata[audit.MetaContainer] = kp.Identity().ContainerID
	}
	if err != nil {
		metadata[audit.MetaError] = err.Error()
	}
	if auditErr := ks.audit.Log(audit.ActionKeyStoreExport, err == nil, metadata); auditErr != nil {
		logAuditFailure(audit.ActionKeyStoreExport, auditErr)
	}
	return data, err
}

func (ks *KeyStore) export(scope Scope, passphrase []byte) ([]byte, *Keypair, error) {
	if err := validatePassphrase(passphrase); err != nil {
		return nil, nil, err
	}

	kp, err := ks.Get(scope)
	if err != nil {
		return nil, nil, err
	}

	keyValue, bits, err := kp.keyValue()
	if err != nil {
		return nil, kp, fmt.Errorf("failed to encode keypair: %w", err)
	}
	defer memguard.WipeBytes(keyValue)

	sealed, err := crypto.SealWithPassphrase(keyValue, passphrase)
	if err != nil {
		return nil, kp, fmt.Errorf("failed to encrypt with passphrase: %w", err)
	}

	container := ExportContainer{
		ExportID:         uuid.NewString(),
		ExportTimestamp:  time.Now().UTC(),
		FormatVersion:    exportFormatVersion,
		Scope:            scope.String(),
		Container:        kp.Identity().ContainerID,
		KeySize:          bits,
		EncryptionMethod: exportEncryptionMethod,
		Checksum:         crypto.CalculateChecksum(sealed),
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return nil, kp, fmt.Errorf("failed to serialize export: %w", err)
	}
	return data, kp, nil
}

// Import replaces the keypair of scope with one produced by Export. Without
// overwrite an existing keypair is left untouched and ErrKeypairExists
// returned. The previously cached keypair of scope is destroyed, so calls
// still holding it fail with invalid data.
func (ks *KeyStore) Import(scope Scope, data, passphrase []byte, overwrite bool) error {
	container, err := ks.importKeypair(scope, data, passphrase, overwrite)

	metadata := map[string]interface{}{
		audit.MetaScope: scope.String(),
		"overwrite":     overwrite,
	}
	if container != nil {
		metadata["export_id"] = container.ExportID
		metadata["source_scope"] = container.Scope
	}
	if err != nil {
		metadata[audit.MetaError] = err.Error()
	}
	if auditErr := ks.audit.Log(audit.ActionKeyStoreImport, err == nil, metadata); auditErr != nil {
		logAuditFailure(audit.ActionKeyStoreImport, auditErr)
	}
	return err
}

func (ks *KeyStore) importKeypair(scope Scope, data, passphrase []byte, overwrite bool) (*ExportContainer, error) {
	if !scope.valid() {
		return nil, &KeyStoreError{Scope: scope, Op: "import", Err: fmt.Errorf("unknown scope")}
	}
	if ks.closed.Load() {
		return nil, &KeyStoreError{Scope: scope, Op: "import", Err: ErrKeyStoreClosed}
	}

	container, err := ParseExport(data)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return container, fmt.Errorf("failed to decode export data: %w", err)
	}
	if crypto.CalculateChecksum(sealed) != container.Checksum {
		return container, fmt.Errorf("export checksum mismatch")
	}

	keyValue, err := crypto.OpenWithPassphrase(sealed, passphrase)
	if err != nil {
		return container, fmt.Errorf("failed to decrypt export: %w", err)
	}
	defer memguard.WipeBytes(keyValue)

	key, err := parseKeyValue(keyValue)
	if err != nil {
		return container, fmt.Errorf("export holds an invalid keypair: %w", err)
	}

	slot := ks.slots[scope]
	slot.mu.Lock()
	defer slot.mu.Unlock()

	store, err := ks.scopeStore(scope, slot)
	if err != nil {
		wipeKey(key)
		return container, &KeyStoreError{Scope: scope, Op: "import", Err: err}
	}

	kpp := persist.NewKeyPairPersistence(store, parameters(scope))
	defer kpp.Destroy()

	if overwrite {
		err = kpp.Save(keyValue)
	} else {
		err = kpp.Create(keyValue)
		if persist.IsConcurrencyError(err) {
			err = ErrKeypairExists
		}
	}
	if err != nil {
		wipeKey(key)
		return container, &KeyStoreError{Scope: scope, Op: "import", Err: err}
	}

	if old := slot.keypair.Swap(newKeypair(scope, key, kpp, false)); old != nil {
		old.Destroy()
	}
	ks.metrics.ObserveKeypair(scope.String(), metrics.OutcomeImported, true)
	return container, nil
}

// ParseExport reads an export envelope without decrypting it
func ParseExport(data []byte) (*ExportContainer, error) {
	var container ExportContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export: %w", err)
	}
	if container.FormatVersion != exportFormatVersion {
		return nil, fmt.Errorf("unsupported export version: %s", container.FormatVersion)
	}
	if container.EncryptionMethod != exportEncryptionMethod {
		return nil, fmt.Errorf("unsupported encryption method: %s", container.EncryptionMethod)
	}
	return &container, nil
}

func validatePassphrase(passphrase []byte) error {
	if len(passphrase) < minPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters long", minPassphraseLength)
	}
	return nil
}
