package dpapi

import (
	"time"

	"southwinds.dev/dpapi/audit"
)

// Unprotect recovers data sealed for scope, using the process-wide KeyStore.
//
// optionalEntropy must equal the entropy supplied when the data was sealed;
// nil and empty both mean "no entropy". The returned plaintext belongs to the
// caller, who should wipe it when done.
//
// ERRORS:
//   - ErrNilData when encryptedData is nil (an empty slice is a blob that fails validation)
//   - *PlatformUnsupportedError where the operating system provides data protection natively
//   - *KeyStoreError when the scope's keypair cannot be loaded or created
//   - *CryptographicError (errors.Is ErrInvalidData) for any blob that does not
//     unseal: truncated, tampered, sealed under another keypair or with other entropy.
//     The message never says which.
func Unprotect(encryptedData, optionalEntropy []byte, scope Scope) ([]byte, error) {
	if encryptedData == nil {
		return nil, ErrNilData
	}
	if err := checkPlatform(); err != nil {
		return nil, err
	}

	ks, err := Default()
	if err != nil {
		return nil, &KeyStoreError{Scope: scope, Op: "open", Err: err}
	}
	return ks.Unprotect(encryptedData, optionalEntropy, scope)
}

// Unprotect recovers data sealed for scope under this KeyStore's keypair
func (ks *KeyStore) Unprotect(encryptedData, optionalEntropy []byte, scope Scope) ([]byte, error) {
	if encryptedData == nil {
		return nil, ErrNilData
	}
	if err := checkPlatform(); err != nil {
		return nil, err
	}

	kp, err := ks.Get(scope)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	plaintext, err := unseal(encryptedData, optionalEntropy, kp)
	ks.metrics.ObserveUnprotect(scope.String(), err == nil, time.Since(started))

	metadata := map[string]interface{}{
		audit.MetaScope:     scope.String(),
		audit.MetaContainer: kp.Identity().ContainerID,
		"entropy":           len(optionalEntropy) > 0,
	}
	if err != nil {
		// never more detail than the caller gets
		metadata[audit.MetaError] = ErrInvalidData.Error()
	}
	if auditErr := ks.audit.Log(audit.ActionUnprotect, err == nil, metadata); auditErr != nil {
		logAuditFailure(audit.ActionUnprotect, auditErr)
	}

	return plaintext, err
}
