//go:build !unix

package persist

import "errors"

var errProtectionUnsupported = errors.New("key directory protection is not supported on this platform")

func isProtected(string, bool) (bool, error) {
	return false, errProtectionUnsupported
}

func protect(string) error {
	return errProtectionUnsupported
}
