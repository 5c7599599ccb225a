package dpapi

import (
	"log"
	"runtime"
)

// Supported reports whether this platform uses the managed implementation
func Supported() bool {
	return checkPlatform() == nil
}

func checkPlatform() error {
	if nativeDataProtection {
		return &PlatformUnsupportedError{Platform: runtime.GOOS}
	}
	return nil
}

func logAuditFailure(action string, err error) {
	log.Printf("ERROR: audit logging failed for action %s: %v\n", action, err)
}
