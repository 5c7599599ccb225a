package persist

import (
	"fmt"
	"os"
	"path/filepath"
)

// machineDataDir is the Unix equivalent of the common application data folder
const machineDataDir = "/usr/share"

// DefaultUserPath returns the per-user key directory, <config dir>/.mono/keypairs
func DefaultUserPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user configuration directory: %w", err)
	}
	return filepath.Join(dir, ".mono", "keypairs"), nil
}

// DefaultMachinePath returns the machine-wide key directory
func DefaultMachinePath() string {
	return filepath.Join(machineDataDir, ".mono", "keypairs")
}
