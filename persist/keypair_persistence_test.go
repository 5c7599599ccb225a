package persist

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyValue = "<RSAKeyValue><Modulus>AQAB</Modulus><Exponent>AQAB</Exponent></RSAKeyValue>"

// memoryStore is a minimal in-memory Store for persistence tests
type memoryStore struct {
	docs    map[string][]byte
	saveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: map[string][]byte{}}
}

func (m *memoryStore) Save(name string, data []byte, expectedVersion string) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	if _, ok := m.docs[name]; ok && expectedVersion == CreateOnly {
		return "", ConcurrencyError{ExpectedVersion: CreateOnly, Operation: "Save"}
	}
	m.docs[name] = append([]byte(nil), data...)
	return calculateFileVersion(data), nil
}

func (m *memoryStore) Load(name string) (*VersionedData, error) {
	data, ok := m.docs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &VersionedData{Data: append([]byte(nil), data...), Version: calculateFileVersion(data)}, nil
}

func (m *memoryStore) Exists(name string) (bool, error) {
	_, ok := m.docs[name]
	return ok, nil
}

func (m *memoryStore) Delete(name string) error {
	delete(m.docs, name)
	return nil
}

func (m *memoryStore) List() ([]string, error) {
	var names []string
	for name := range m.docs {
		names = append(names, name)
	}
	return names, nil
}

func (m *memoryStore) Ping() error      { return nil }
func (m *memoryStore) Close() error     { return nil }
func (m *memoryStore) GetType() string  { return "memory" }
func (m *memoryStore) Location() string { return "memory" }

func dapiParameters() Parameters {
	return Parameters{
		ProviderType:     ProvRSAFull,
		KeyContainerName: "DAPI",
		KeyNumber:        KeyNumberDefault,
	}
}

func TestKeyPairPersistenceLoadMissing(t *testing.T) {
	kpp := NewKeyPairPersistence(newMemoryStore(), dapiParameters())
	found, err := kpp.Load()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, kpp.KeyValue())
}

func TestKeyPairPersistenceSaveLoad(t *testing.T) {
	store := newMemoryStore()
	kpp := NewKeyPairPersistence(store, dapiParameters())
	require.NoError(t, kpp.Save([]byte(testKeyValue)))
	assert.Equal(t, testKeyValue, string(kpp.KeyValue()))

	reloaded := NewKeyPairPersistence(store, dapiParameters())
	found, err := reloaded.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testKeyValue, string(reloaded.KeyValue()))
}

func TestKeyPairPersistenceDocument(t *testing.T) {
	store := newMemoryStore()
	params := dapiParameters()
	params.ProviderName = "Test Provider"
	kpp := NewKeyPairPersistence(store, params)
	require.NoError(t, kpp.Save([]byte(testKeyValue)))

	doc := string(store.docs[kpp.Filename()])
	assert.True(t, strings.HasPrefix(doc, "<KeyPair>"))
	assert.Contains(t, doc, `<Provider Name="Test Provider" Type="1"></Provider>`)
	assert.Contains(t, doc, `<Container Name="98f3a7e3-0d6e-f432-8a18-e1144b53633f"></Container>`)
	assert.Contains(t, doc, "<KeyValue>"+testKeyValue+"</KeyValue>")
}

func TestKeyPairPersistenceKeyNumberAttribute(t *testing.T) {
	store := newMemoryStore()
	params := dapiParameters()
	params.KeyNumber = 1
	kpp := NewKeyPairPersistence(store, params)
	require.NoError(t, kpp.Save([]byte(testKeyValue)))

	var doc keyPairDocument
	require.NoError(t, xml.Unmarshal(store.docs[kpp.Filename()], &doc))
	assert.Equal(t, "1", doc.KeyValue.ID)
	assert.Equal(t, "[1][98f3a7e3-0d6e-f432-8a18-e1144b53633f][1].xml", kpp.Filename())
}

func TestKeyPairPersistenceReadsForeignDocument(t *testing.T) {
	store := newMemoryStore()
	kpp := NewKeyPairPersistence(store, dapiParameters())
	store.docs[kpp.Filename()] = []byte("<KeyPair>\n\t<Properties>\n\t\t<Provider Type=\"1\" />\n" +
		"\t\t<Container Name=\"98f3a7e3-0d6e-f432-8a18-e1144b53633f\" />\n\t</Properties>\n" +
		"\t<KeyValue>\n\t\t" + testKeyValue + "\n\t</KeyValue>\n</KeyPair>\n")

	found, err := kpp.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testKeyValue, string(kpp.KeyValue()))
}

func TestKeyPairPersistenceMalformedKeepsState(t *testing.T) {
	store := newMemoryStore()
	kpp := NewKeyPairPersistence(store, dapiParameters())
	require.NoError(t, kpp.Save([]byte(testKeyValue)))

	store.docs[kpp.Filename()] = []byte("<NotAKeyPair/>")
	found, err := kpp.Load()
	assert.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, testKeyValue, string(kpp.KeyValue()), "failed load must not replace loaded state")

	store.docs[kpp.Filename()] = []byte("<KeyPair><KeyValue>  </KeyValue></KeyPair>")
	_, err = kpp.Load()
	assert.Error(t, err)
}

func TestKeyPairPersistenceSaveFailure(t *testing.T) {
	store := newMemoryStore()
	store.saveErr = errors.New("disk full")
	kpp := NewKeyPairPersistence(store, dapiParameters())

	err := kpp.Save([]byte(testKeyValue))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, kpp.KeyValue())

	assert.Error(t, kpp.Save(nil))
}

func TestKeyPairPersistenceRemove(t *testing.T) {
	store := newMemoryStore()
	kpp := NewKeyPairPersistence(store, dapiParameters())
	require.NoError(t, kpp.Save([]byte(testKeyValue)))
	require.NoError(t, kpp.Remove())

	found, err := NewKeyPairPersistence(store, dapiParameters()).Load()
	require.NoError(t, err)
	assert.False(t, found)

	// a different keypair can be saved under the same identity afterwards
	require.NoError(t, kpp.Save([]byte("<RSAKeyValue><Modulus>AgAB</Modulus></RSAKeyValue>")))
}

func TestKeyPairPersistenceDestroy(t *testing.T) {
	kpp := NewKeyPairPersistence(newMemoryStore(), dapiParameters())
	require.NoError(t, kpp.Save([]byte(testKeyValue)))
	kpp.Destroy()
	assert.Nil(t, kpp.KeyValue())
	kpp.Destroy()
}

func TestKeyPairPersistenceCopiesParameters(t *testing.T) {
	params := dapiParameters()
	kpp := NewKeyPairPersistence(newMemoryStore(), params)
	params.KeyContainerName = "changed"
	assert.Equal(t, "DAPI", kpp.Parameters().KeyContainerName)
	assert.Equal(t, NameToGUID("DAPI"), kpp.Identity().ContainerID)
}

func TestKeyPairPersistenceCreate(t *testing.T) {
	store := newMemoryStore()
	first := NewKeyPairPersistence(store, dapiParameters())
	require.NoError(t, first.Create([]byte(testKeyValue)))

	second := NewKeyPairPersistence(store, dapiParameters())
	err := second.Create([]byte("<RSAKeyValue><Modulus>AgAB</Modulus></RSAKeyValue>"))
	require.Error(t, err)
	assert.True(t, IsConcurrencyError(err))
	assert.Nil(t, second.KeyValue(), "a losing create holds no key value")

	found, err := second.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(testKeyValue), second.KeyValue())
}
