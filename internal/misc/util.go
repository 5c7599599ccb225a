package misc

import "strings"

// IsNotFoundError matches the "not found" family of messages returned by
// filesystem and object-store backends
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "NoSuchKey")
}
