//go:build unix

package dpapi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"southwinds.dev/dpapi/audit"
	"southwinds.dev/dpapi/metrics"
	"southwinds.dev/dpapi/persist"
)

const dapiFilename = "[1][98f3a7e3-0d6e-f432-8a18-e1144b53633f][-1].xml"

// flakyStore fails Save until healed
type flakyStore struct {
	persist.Store
	failSave atomic.Bool
	saves    atomic.Int64
}

func (s *flakyStore) Save(name string, data []byte, expectedVersion string) (string, error) {
	s.saves.Add(1)
	if s.failSave.Load() {
		return "", errors.New("disk full")
	}
	return s.Store.Save(name, data, expectedVersion)
}

// staleStore reports the first Load as missing, as if another process
// created the document right after this one looked
type staleStore struct {
	persist.Store
	stale atomic.Bool
}

func (s *staleStore) Load(name string) (*persist.VersionedData, error) {
	if s.stale.Swap(false) {
		return nil, fmt.Errorf("%s: %w", name, persist.ErrNotFound)
	}
	return s.Store.Load(name)
}

func TestKeyStoreReusesKeypair(t *testing.T) {
	ks := newTestKeyStore(t)

	first, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	second, err := ks.Get(CurrentUser)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.True(t, first.Generated())
	assert.Equal(t, CurrentUser, first.Scope())
	assert.Equal(t, testKeySize/8, first.Size())
	assert.Equal(t, "98f3a7e3-0d6e-f432-8a18-e1144b53633f", first.Identity().ContainerID)

	stats := ks.Stats()
	assert.Equal(t, int64(1), stats.Scopes[CurrentUser].Generations)
	assert.True(t, stats.Scopes[CurrentUser].Cached)
	assert.False(t, stats.Scopes[LocalMachine].Cached)
}

func TestKeyStoreConcurrentFirstAccess(t *testing.T) {
	options := testOptions(t)
	ks := newTestKeyStoreWithOptions(t, options, nil)

	const workers = 32
	results := make([]*Keypair, workers)
	errs := make([]error, workers)

	var start sync.WaitGroup
	start.Add(1)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			results[i], errs[i] = ks.Get(CurrentUser)
		}(i)
	}
	start.Done()
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int64(1), ks.Stats().Scopes[CurrentUser].Generations)

	entries, err := os.ReadDir(options.UserPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dapiFilename, entries[0].Name())
}

func TestKeyStoreReloadsPersistedKeypair(t *testing.T) {
	options := testOptions(t)

	ks1, err := NewKeyStore(options, nil)
	require.NoError(t, err)
	kp1, err := ks1.Get(LocalMachine)
	require.NoError(t, err)
	pub1, err := kp1.PublicKey()
	require.NoError(t, err)

	blob := sealForTest(t, kp1, []byte("survives restarts"), []byte("e"))
	require.NoError(t, ks1.Close())

	ks2 := newTestKeyStoreWithOptions(t, options, nil)
	kp2, err := ks2.Get(LocalMachine)
	require.NoError(t, err)
	pub2, err := kp2.PublicKey()
	require.NoError(t, err)

	assert.False(t, kp2.Generated())
	assert.Equal(t, 0, pub1.N.Cmp(pub2.N))
	assert.Equal(t, pub1.E, pub2.E)

	stats := ks2.Stats().Scopes[LocalMachine]
	assert.Equal(t, int64(0), stats.Generations)
	assert.Equal(t, int64(1), stats.Loads)

	got, err := ks2.Unprotect(blob, []byte("e"), LocalMachine)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives restarts"), got)
}

func TestKeyStoreFailureIsNotCached(t *testing.T) {
	options := testOptions(t)
	stores := make(map[Scope]*flakyStore)
	factory := func(scope Scope) (persist.Store, error) {
		base, err := newScopeStore(options, scope)
		if err != nil {
			return nil, err
		}
		s := &flakyStore{Store: base}
		s.failSave.Store(true)
		stores[scope] = s
		return s, nil
	}

	ks, err := NewKeyStoreWithStoreFactory(options, factory, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	_, err = ks.Get(CurrentUser)
	var ksErr *KeyStoreError
	require.True(t, errors.As(err, &ksErr))
	assert.Equal(t, "save", ksErr.Op)
	assert.Equal(t, CurrentUser, ksErr.Scope)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, ks.Stats().Scopes[CurrentUser].Cached)

	// the next call retries and succeeds
	stores[CurrentUser].failSave.Store(false)
	kp, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	assert.NotNil(t, kp)
	assert.Equal(t, int64(2), stores[CurrentUser].saves.Load())
	assert.Equal(t, int64(1), ks.Stats().Scopes[CurrentUser].Generations)
}

func TestKeyStoreFactoryError(t *testing.T) {
	ks, err := NewKeyStoreWithStoreFactory(testOptions(t), func(Scope) (persist.Store, error) {
		return nil, errors.New("no backend")
	}, nil)
	require.NoError(t, err)
	defer ks.Close()

	_, err = ks.Get(LocalMachine)
	var ksErr *KeyStoreError
	require.True(t, errors.As(err, &ksErr))
	assert.Equal(t, "open", ksErr.Op)

	_, err = NewKeyStoreWithStoreFactory(testOptions(t), nil, nil)
	assert.Error(t, err)
}

func TestKeyStoreScopesAreIsolated(t *testing.T) {
	options := testOptions(t)
	ks := newTestKeyStoreWithOptions(t, options, nil)

	user, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	machine, err := ks.Get(LocalMachine)
	require.NoError(t, err)

	assert.NotSame(t, user, machine)
	assert.Equal(t, user.Identity(), machine.Identity())
	assert.FileExists(t, filepath.Join(options.UserPath, dapiFilename))
	assert.FileExists(t, filepath.Join(options.MachinePath, dapiFilename))

	userPub, err := user.PublicKey()
	require.NoError(t, err)
	machinePub, err := machine.PublicKey()
	require.NoError(t, err)
	assert.NotEqual(t, 0, userPub.N.Cmp(machinePub.N))
}

func TestKeyStoreInvalidScope(t *testing.T) {
	ks := newTestKeyStore(t)

	_, err := ks.Get(Scope(7))
	var ksErr *KeyStoreError
	require.True(t, errors.As(err, &ksErr))
	assert.Equal(t, Scope(7), ksErr.Scope)

	_, err = ks.Location(Scope(-1))
	assert.Error(t, err)
	assert.Error(t, ks.Remove(Scope(2)))
}

func TestKeyStoreMalformedKeypairFailsClosed(t *testing.T) {
	options := testOptions(t)
	require.NoError(t, os.MkdirAll(options.UserPath, 0o700))

	tests := map[string]string{
		"not xml":      "this is not a keypair",
		"no key value": `<KeyPair><Properties><Provider Type="1" /><Container Name="DAPI" /></Properties></KeyPair>`,
		"public only":  `<KeyPair><Properties><Provider Type="1" /><Container Name="DAPI" /></Properties><KeyValue><RSAKeyValue><Modulus>AQAB</Modulus><Exponent>AQAB</Exponent></RSAKeyValue></KeyValue></KeyPair>`,
		"inconsistent": `<KeyPair><Properties><Provider Type="1" /><Container Name="DAPI" /></Properties><KeyValue><RSAKeyValue><Modulus>AQAB</Modulus><Exponent>AQAB</Exponent><P>Bw==</P><Q>Cw==</Q><DP>AQ==</DP><DQ>AQ==</DQ><InverseQ>AQ==</InverseQ><D>AQ==</D></RSAKeyValue></KeyValue></KeyPair>`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(options.UserPath, dapiFilename)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			ks := newTestKeyStoreWithOptions(t, options, nil)
			_, err := ks.Get(CurrentUser)

			var ksErr *KeyStoreError
			require.True(t, errors.As(err, &ksErr), "got %v", err)
			assert.Equal(t, "load", ksErr.Op)
			assert.False(t, ks.Stats().Scopes[CurrentUser].Cached)

			// the broken document is left for the operator
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, content, string(data))
		})
	}
}

func TestKeyStoreRejectsUnprotectedDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can chmod any directory")
	}
	options := testOptions(t)
	// a directory we do not own cannot be tightened
	options.MachinePath = "/"

	ks := newTestKeyStoreWithOptions(t, options, nil)
	_, err := ks.Get(LocalMachine)
	var ksErr *KeyStoreError
	require.True(t, errors.As(err, &ksErr))
}

func TestKeyStoreClose(t *testing.T) {
	options := testOptions(t)
	ks, err := NewKeyStore(options, nil)
	require.NoError(t, err)

	kp, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	blob := sealForTest(t, kp, []byte("x"), nil)

	require.NoError(t, ks.Close())
	require.NoError(t, ks.Close())
	assert.True(t, ks.Stats().Closed)

	// the keypair is destroyed, its persisted document is not
	_, err = kp.PublicKey()
	assert.Error(t, err)
	assert.FileExists(t, filepath.Join(options.UserPath, dapiFilename))

	_, err = ks.Get(CurrentUser)
	assert.ErrorIs(t, err, ErrKeyStoreClosed)
	_, err = ks.Unprotect(blob, nil, CurrentUser)
	assert.ErrorIs(t, err, ErrKeyStoreClosed)
	assert.ErrorIs(t, ks.Remove(CurrentUser), ErrKeyStoreClosed)

	// a destroyed keypair unseals nothing
	_, err = unseal(blob, nil, kp)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestKeyStoreEphemeral(t *testing.T) {
	options := testOptions(t)

	// a persistent keypair that already exists is never removed
	persistent, err := NewKeyStore(options, nil)
	require.NoError(t, err)
	_, err = persistent.Get(LocalMachine)
	require.NoError(t, err)
	require.NoError(t, persistent.Close())

	options.Ephemeral = true
	ks, err := NewKeyStore(options, nil)
	require.NoError(t, err)
	_, err = ks.Get(CurrentUser)
	require.NoError(t, err)
	_, err = ks.Get(LocalMachine)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(options.UserPath, dapiFilename))
	require.NoError(t, ks.Close())

	assert.NoFileExists(t, filepath.Join(options.UserPath, dapiFilename))
	assert.FileExists(t, filepath.Join(options.MachinePath, dapiFilename))
}

func TestKeyStoreRemove(t *testing.T) {
	options := testOptions(t)
	ks := newTestKeyStoreWithOptions(t, options, nil)

	first, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	blob := sealForTest(t, first, []byte("gone"), nil)

	require.NoError(t, ks.Remove(CurrentUser))
	assert.NoFileExists(t, filepath.Join(options.UserPath, dapiFilename))
	assert.False(t, ks.Stats().Scopes[CurrentUser].Cached)

	// removing again is not an error
	require.NoError(t, ks.Remove(CurrentUser))

	second, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int64(2), ks.Stats().Scopes[CurrentUser].Generations)

	_, err = ks.Unprotect(blob, nil, CurrentUser)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestKeyStoreLocation(t *testing.T) {
	options := testOptions(t)
	ks := newTestKeyStoreWithOptions(t, options, nil)

	location, err := ks.Location(LocalMachine)
	require.NoError(t, err)
	abs, err := filepath.Abs(options.MachinePath)
	require.NoError(t, err)
	assert.Equal(t, abs+"/"+dapiFilename, location)

	// locating does not materialize
	assert.Equal(t, int64(0), ks.Stats().Scopes[LocalMachine].Generations)
	assert.NoFileExists(t, filepath.Join(options.MachinePath, dapiFilename))
}

func TestKeyStoreExists(t *testing.T) {
	ks := newTestKeyStore(t)

	found, err := ks.Exists(CurrentUser)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, ks.Stats().Scopes[CurrentUser].Cached)

	_, err = ks.Get(CurrentUser)
	require.NoError(t, err)
	found, err = ks.Exists(CurrentUser)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = ks.Exists(Scope(3))
	assert.Error(t, err)
}

func TestKeyStoreAudit(t *testing.T) {
	options := testOptions(t)
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Source:  "dpapi-test",
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": logPath},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	ks := newTestKeyStoreWithOptions(t, options, logger)
	kp, err := ks.Get(CurrentUser)
	require.NoError(t, err)

	blob := sealForTest(t, kp, []byte("audited"), nil)
	_, err = ks.Unprotect(blob, nil, CurrentUser)
	require.NoError(t, err)
	_, err = ks.Unprotect(blob, []byte("wrong"), CurrentUser)
	require.Error(t, err)

	result, err := logger.Query(audit.QueryOptions{Action: audit.ActionUnprotect})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)

	var failed *audit.Event
	for i := range result.Events {
		if !result.Events[i].Success {
			failed = &result.Events[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "invalid data", failed.Error)
	assert.Equal(t, CurrentUser.String(), failed.Scope)

	generated, err := logger.Query(audit.QueryOptions{Action: audit.ActionKeypairGenerate})
	require.NoError(t, err)
	assert.Equal(t, 1, generated.Filtered)
	assert.Len(t, generated.Events, 1)
}

func TestDefaultKeyStore(t *testing.T) {
	require.NoError(t, ResetDefault())

	ks, err := NewKeyStore(testOptions(t), nil)
	require.NoError(t, err)
	assert.Nil(t, SetDefault(ks))
	t.Cleanup(func() { _ = ResetDefault() })

	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, ks, got)

	kp, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	blob := sealForTest(t, kp, []byte("hello"), []byte("pepper"))

	plaintext, err := Unprotect(blob, []byte("pepper"), CurrentUser)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	_, err = Unprotect(blob, nil, CurrentUser)
	assert.ErrorIs(t, err, ErrInvalidData)

	require.NoError(t, ResetDefault())
	assert.True(t, ks.Stats().Closed)
}

func TestKeyStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	require.NoError(t, err)

	options := testOptions(t)
	options.Metrics = recorder
	ks, err := NewKeyStore(options, nil)
	require.NoError(t, err)

	kp, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	blob := sealForTest(t, kp, []byte("hello"), nil)

	_, err = ks.Unprotect(blob, nil, CurrentUser)
	require.NoError(t, err)
	_, err = ks.Unprotect(blob, []byte("pepper"), CurrentUser)
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg, "dpapi_unprotect_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, ks.Remove(CurrentUser))
	_, err = ks.Get(CurrentUser)
	require.NoError(t, err)
	require.NoError(t, ks.Close())

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			key := family.GetName()
			for _, label := range m.GetLabel() {
				key += "," + label.GetValue()
			}
			switch {
			case m.Counter != nil:
				values[key] = m.GetCounter().GetValue()
			case m.Gauge != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["dpapi_unprotect_total,success,CurrentUser"])
	assert.Equal(t, 1.0, values["dpapi_unprotect_total,invalid,CurrentUser"])
	assert.Equal(t, 2.0, values["dpapi_keypair_operations_total,generated,CurrentUser"])
	assert.Equal(t, 1.0, values["dpapi_keypair_operations_total,removed,CurrentUser"])
	assert.Equal(t, 0.0, values["dpapi_keypair_cached,CurrentUser"])
}

func TestKeyStoreKeepsConcurrentlyCreatedKeypair(t *testing.T) {
	options := testOptions(t)
	winner := newTestKeyStoreWithOptions(t, options, nil)
	winnerKey, err := winner.Get(CurrentUser)
	require.NoError(t, err)
	path := filepath.Join(options.UserPath, dapiFilename)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	ks, err := NewKeyStoreWithStoreFactory(options, func(scope Scope) (persist.Store, error) {
		base, err := newScopeStore(options, scope)
		if err != nil {
			return nil, err
		}
		s := &staleStore{Store: base}
		s.stale.Store(true)
		return s, nil
	}, nil)
	require.NoError(t, err)
	defer ks.Close()

	kp, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	assert.False(t, kp.Generated())
	assert.Equal(t, int64(0), ks.Stats().Scopes[CurrentUser].Generations)
	assert.Equal(t, int64(1), ks.Stats().Scopes[CurrentUser].Loads)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "the first keypair must never be replaced")

	blob := sealForTest(t, winnerKey, []byte("hello"), []byte("pepper"))
	plaintext, err := ks.Unprotect(blob, []byte("pepper"), CurrentUser)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestKeyStoresSharingDirectoryAgreeOnKeypair(t *testing.T) {
	options := testOptions(t)
	stores := []*KeyStore{
		newTestKeyStoreWithOptions(t, options, nil),
		newTestKeyStoreWithOptions(t, options, nil),
		newTestKeyStoreWithOptions(t, options, nil),
	}

	keypairs := make([]*Keypair, len(stores))
	var wg sync.WaitGroup
	for i, ks := range stores {
		wg.Add(1)
		go func(i int, ks *KeyStore) {
			defer wg.Done()
			kp, err := ks.Get(CurrentUser)
			assert.NoError(t, err)
			keypairs[i] = kp
		}(i, ks)
	}
	wg.Wait()

	var generations int64
	for _, ks := range stores {
		generations += ks.Stats().Scopes[CurrentUser].Generations
	}
	assert.Equal(t, int64(1), generations)

	require.NotNil(t, keypairs[0])
	blob := sealForTest(t, keypairs[0], []byte("hello"), nil)
	for i, ks := range stores {
		require.NotNil(t, keypairs[i])
		plaintext, err := ks.Unprotect(blob, nil, CurrentUser)
		require.NoError(t, err, "key store %d", i)
		assert.Equal(t, []byte("hello"), plaintext)
	}

	// a fresh key store sees the same keypair after a restart
	restarted := newTestKeyStoreWithOptions(t, options, nil)
	plaintext, err := restarted.Unprotect(blob, nil, CurrentUser)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestKeyStoreDefaultKeySize(t *testing.T) {
	options := testOptions(t)
	options.KeySize = 0
	ks := newTestKeyStoreWithOptions(t, options, nil)

	kp, err := ks.Get(CurrentUser)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeySize/8, kp.Size())
	assert.Equal(t, 192, kp.Size())

	blob := sealForTest(t, kp, []byte("hello"), []byte("pepper"))
	assert.Len(t, blob, 192+16)
	plaintext, err := ks.Unprotect(blob, []byte("pepper"), CurrentUser)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestKeyStoreCheck(t *testing.T) {
	options := testOptions(t)
	ks := newTestKeyStoreWithOptions(t, options, nil)

	check, err := ks.Check(CurrentUser)
	require.NoError(t, err)
	assert.Equal(t, string(persist.StoreTypeFileSystem), check.Backend)
	assert.False(t, check.Exists)
	assert.Empty(t, check.Documents)
	assert.Equal(t, int64(0), ks.Stats().Scopes[CurrentUser].Generations, "check never generates")

	_, err = ks.Get(CurrentUser)
	require.NoError(t, err)
	check, err = ks.Check(CurrentUser)
	require.NoError(t, err)
	assert.True(t, check.Exists)
	assert.Equal(t, []string{dapiFilename}, check.Documents)
	assert.True(t, strings.HasSuffix(check.Location, dapiFilename))

	_, err = ks.Check(Scope(7))
	assert.Error(t, err)

	require.NoError(t, ks.Close())
	_, err = ks.Check(CurrentUser)
	assert.ErrorIs(t, err, ErrKeyStoreClosed)
}
