package persist

import (
	"crypto/md5"
	"fmt"

	"github.com/google/uuid"
)

const (
	// ProvRSAFull is the provider type used for key-exchange keypairs
	ProvRSAFull = 1

	// KeyNumberDefault is the key number of parameters that do not name one
	KeyNumberDefault = -1

	// DefaultContainerID names the container selected by UseDefaultKeyContainer
	DefaultContainerID = "default"
)

// ProviderFlags modify how parameters resolve to a keypair
type ProviderFlags int

const (
	// UseMachineKeyStore selects the machine-wide store instead of the user's
	UseMachineKeyStore ProviderFlags = 1
	// UseDefaultKeyContainer ignores the container name and uses DefaultContainerID
	UseDefaultKeyContainer ProviderFlags = 2
)

// Has reports whether all bits of flag are set
func (f ProviderFlags) Has(flag ProviderFlags) bool {
	return f&flag == flag
}

// Parameters are the caller inputs selecting a keypair
type Parameters struct {
	ProviderType     int
	ProviderName     string
	KeyContainerName string
	KeyNumber        int
	Flags            ProviderFlags
}

// MachineStore reports whether the parameters select the machine-wide store
func (p Parameters) MachineStore() bool {
	return p.Flags.Has(UseMachineKeyStore)
}

// Identity is the resolved, stable identity of a persisted keypair
type Identity struct {
	ProviderType int
	ContainerID  string
	KeyNumber    int
}

// Filename returns the document name: [<type>][<container>][<keynum>].xml
func (id Identity) Filename() string {
	return fmt.Sprintf("[%d][%s][%d].xml", id.ProviderType, id.ContainerID, id.KeyNumber)
}

// NewIdentity resolves parameters to an identity. A named container always
// maps to the same identifier; an unnamed one gets a fresh random identifier.
func NewIdentity(params Parameters) Identity {
	return Identity{
		ProviderType: params.ProviderType,
		ContainerID:  containerID(params),
		KeyNumber:    params.KeyNumber,
	}
}

func containerID(params Parameters) string {
	switch {
	case params.Flags.Has(UseDefaultKeyContainer):
		return DefaultContainerID
	case params.KeyContainerName == "":
		return uuid.New().String()
	default:
		return NameToGUID(params.KeyContainerName)
	}
}

// NameToGUID hashes a container name with MD5 and formats the digest as a
// GUID in mixed-endian byte order: the first three groups are read little
// endian. Files written by other implementations of this store use the same
// naming, so the byte order must not change.
func NameToGUID(name string) string {
	sum := md5.Sum([]byte(name))

	var u uuid.UUID
	copy(u[:], sum[:])
	u[0], u[1], u[2], u[3] = sum[3], sum[2], sum[1], sum[0]
	u[4], u[5] = sum[5], sum[4]
	u[6], u[7] = sum[7], sum[6]

	return u.String()
}
