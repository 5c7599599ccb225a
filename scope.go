package dpapi

import (
	"fmt"
	"strings"
)

// Scope selects whose keypair protects the data
type Scope int

const (
	// CurrentUser data can only be recovered by the user that protected it
	CurrentUser Scope = iota
	// LocalMachine data can be recovered by any process with access to the machine key store
	LocalMachine
)

const scopeCount = 2

func (s Scope) String() string {
	switch s {
	case CurrentUser:
		return "CurrentUser"
	case LocalMachine:
		return "LocalMachine"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

func (s Scope) valid() bool {
	return s == CurrentUser || s == LocalMachine
}

// ParseScope accepts "user", "currentuser", "machine" or "localmachine" in any case
func ParseScope(value string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "user", "currentuser", "current-user":
		return CurrentUser, nil
	case "machine", "localmachine", "local-machine":
		return LocalMachine, nil
	default:
		return 0, fmt.Errorf("unknown scope %q: expected user or machine", value)
	}
}
