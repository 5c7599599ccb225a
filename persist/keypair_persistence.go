package persist

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/awnumar/memguard"
	"southwinds.dev/dpapi/internal/debug"
)

// keyPairDocument is the on-disk KeyPair document. Properties are written
// for compatibility and never read back: they cannot change after creation.
type keyPairDocument struct {
	XMLName    xml.Name `xml:"KeyPair"`
	Properties struct {
		Provider struct {
			Name string `xml:"Name,attr,omitempty"`
			Type int    `xml:"Type,attr"`
		} `xml:"Provider"`
		Container struct {
			Name string `xml:"Name,attr"`
		} `xml:"Container"`
	} `xml:"Properties"`
	KeyValue struct {
		ID    string `xml:"Id,attr,omitempty"`
		Inner []byte `xml:",innerxml"`
	} `xml:"KeyValue"`
}

// KeyPairPersistence maps a set of Parameters to one keypair document in a
// Store. The parameters are copied on construction and the resolved identity
// never changes afterwards; to change the properties of a saved keypair,
// Remove it and Save again.
type KeyPairPersistence struct {
	store    Store
	params   Parameters
	identity Identity

	mu       sync.Mutex
	keyValue *memguard.LockedBuffer
}

// NewKeyPairPersistence resolves the identity for params within store
func NewKeyPairPersistence(store Store, params Parameters) *KeyPairPersistence {
	return &KeyPairPersistence{
		store:    store,
		params:   params,
		identity: NewIdentity(params),
	}
}

func (p *KeyPairPersistence) Parameters() Parameters {
	return p.params
}

func (p *KeyPairPersistence) Identity() Identity {
	return p.identity
}

func (p *KeyPairPersistence) Filename() string {
	return p.identity.Filename()
}

// Location describes where the document lives, for diagnostics
func (p *KeyPairPersistence) Location() string {
	return p.store.Location() + "/" + p.Filename()
}

// Load reads the document if present. Returns false when there is nothing to
// load. The in-memory key value is replaced only after the document parsed.
func (p *KeyPairPersistence) Load() (bool, error) {
	versioned, err := p.store.Load(p.Filename())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load keypair %s: %w", p.Filename(), err)
	}
	defer memguard.WipeBytes(versioned.Data)

	keyValue, err := parseKeyPair(versioned.Data)
	if err != nil {
		return false, fmt.Errorf("malformed keypair %s: %w", p.Filename(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keyValue != nil {
		p.keyValue.Destroy()
	}
	p.keyValue = memguard.NewBufferFromBytes(keyValue)
	debug.Print("loaded keypair %s (version %s)\n", p.Filename(), versioned.Version)
	return true, nil
}

// KeyValue returns a copy of the loaded RSAKeyValue XML, or nil when nothing
// is loaded. The caller owns the copy and should wipe it.
func (p *KeyPairPersistence) KeyValue() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keyValue == nil || !p.keyValue.IsAlive() {
		return nil
	}
	return append([]byte(nil), p.keyValue.Bytes()...)
}

// Save writes keyValue (an RSAKeyValue element) wrapped in a KeyPair
// document, overwriting any existing document. keyValue is not modified.
func (p *KeyPairPersistence) Save(keyValue []byte) error {
	return p.save(keyValue, "")
}

// Create is Save for a document that must not exist yet. When another writer
// got there first the returned error wraps a ConcurrencyError and the
// existing document is left untouched.
func (p *KeyPairPersistence) Create(keyValue []byte) error {
	return p.save(keyValue, CreateOnly)
}

func (p *KeyPairPersistence) save(keyValue []byte, expectedVersion string) error {
	keyValue = bytes.TrimSpace(keyValue)
	if len(keyValue) == 0 {
		return fmt.Errorf("key value cannot be empty")
	}

	doc, err := p.marshal(keyValue)
	if err != nil {
		return fmt.Errorf("failed to encode keypair %s: %w", p.Filename(), err)
	}
	defer memguard.WipeBytes(doc)

	if _, err = p.store.Save(p.Filename(), doc, expectedVersion); err != nil {
		return fmt.Errorf("failed to save keypair %s: %w", p.Filename(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keyValue != nil {
		p.keyValue.Destroy()
	}
	p.keyValue = memguard.NewBufferFromBytes(append([]byte(nil), keyValue...))
	return nil
}

// Remove deletes the document. A new keypair can be saved afterwards.
func (p *KeyPairPersistence) Remove() error {
	if err := p.store.Delete(p.Filename()); err != nil {
		return fmt.Errorf("failed to remove keypair %s: %w", p.Filename(), err)
	}
	return nil
}

// Destroy wipes the in-memory key value
func (p *KeyPairPersistence) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keyValue != nil {
		p.keyValue.Destroy()
		p.keyValue = nil
	}
}

func (p *KeyPairPersistence) marshal(keyValue []byte) ([]byte, error) {
	var doc keyPairDocument
	doc.Properties.Provider.Name = p.params.ProviderName
	doc.Properties.Provider.Type = p.params.ProviderType
	doc.Properties.Container.Name = p.identity.ContainerID
	if p.params.KeyNumber != KeyNumberDefault {
		doc.KeyValue.ID = strconv.Itoa(p.params.KeyNumber)
	}
	doc.KeyValue.Inner = keyValue

	return xml.MarshalIndent(&doc, "", "\t")
}

// parseKeyPair extracts the KeyValue payload from a KeyPair document
func parseKeyPair(data []byte) ([]byte, error) {
	var doc keyPairDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(doc.KeyValue.Inner)

	inner := bytes.TrimSpace(doc.KeyValue.Inner)
	if len(inner) == 0 {
		return nil, fmt.Errorf("missing key value")
	}
	return append([]byte(nil), inner...), nil
}
