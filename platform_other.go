//go:build !windows

package dpapi

const nativeDataProtection = false
