//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// the managed path is not used on Windows, wiping is all we offer
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
