package mem

// ProtectionLevel indicates how well the process can keep key material out of swap
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Buffers are wiped but pages may be swapped
	ProtectionFull                           // All current and future pages are locked
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to prevent keypairs and unsealed secrets from being swapped to disk.
// Returns the protection level achieved and any error encountered
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	return unlockMemoryPlatform()
}
