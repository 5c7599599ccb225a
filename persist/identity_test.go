package persist

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameToGUID(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		// md5("DAPI") = e3a7f3986e0d32f48a18e1144b53633f
		{"DAPI", "98f3a7e3-0d6e-f432-8a18-e1144b53633f"},
		// md5("my-container") = c92c58846ba0b69980c41a9744e60227
		{"my-container", "84582cc9-a06b-99b6-80c4-1a9744e60227"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NameToGUID(tt.name))
		})
	}
}

func TestIdentityFilename(t *testing.T) {
	id := NewIdentity(Parameters{
		ProviderType:     ProvRSAFull,
		KeyContainerName: "DAPI",
		KeyNumber:        KeyNumberDefault,
	})
	assert.Equal(t, "[1][98f3a7e3-0d6e-f432-8a18-e1144b53633f][-1].xml", id.Filename())
}

func TestIdentityDeterministic(t *testing.T) {
	params := Parameters{ProviderType: ProvRSAFull, KeyContainerName: "orders", KeyNumber: 1}
	assert.Equal(t, NewIdentity(params), NewIdentity(params))

	// scope does not take part in the file name
	machine := params
	machine.Flags = UseMachineKeyStore
	assert.Equal(t, NewIdentity(params).Filename(), NewIdentity(machine).Filename())
}

func TestIdentityDefaultContainer(t *testing.T) {
	id := NewIdentity(Parameters{
		ProviderType:     ProvRSAFull,
		KeyContainerName: "ignored",
		KeyNumber:        KeyNumberDefault,
		Flags:            UseDefaultKeyContainer,
	})
	assert.Equal(t, DefaultContainerID, id.ContainerID)
	assert.Equal(t, "[1][default][-1].xml", id.Filename())
}

func TestIdentityUnnamedContainerIsRandom(t *testing.T) {
	params := Parameters{ProviderType: ProvRSAFull, KeyNumber: KeyNumberDefault}
	first := NewIdentity(params)
	second := NewIdentity(params)

	assert.NotEqual(t, first.ContainerID, second.ContainerID)
	_, err := uuid.Parse(first.ContainerID)
	require.NoError(t, err)
}

func TestProviderFlags(t *testing.T) {
	flags := UseMachineKeyStore | UseDefaultKeyContainer
	assert.True(t, flags.Has(UseMachineKeyStore))
	assert.True(t, flags.Has(UseDefaultKeyContainer))
	assert.False(t, UseMachineKeyStore.Has(UseDefaultKeyContainer))

	assert.True(t, Parameters{Flags: UseMachineKeyStore}.MachineStore())
	assert.False(t, Parameters{}.MachineStore())
}
