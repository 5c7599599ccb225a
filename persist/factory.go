package persist

import (
	"fmt"
	"strings"
)

// MachineNamespace is the namespace holding local-machine keypairs
const MachineNamespace = "machine"

// UserNamespace returns the namespace holding the keypairs of the named user
func UserNamespace(username string) string {
	// domain accounts come through as DOMAIN\user
	clean := strings.NewReplacer("\\", "_", "/", "_", " ", "_", "..", "_").Replace(username)
	if clean == "" {
		clean = "unknown"
	}
	return "user-" + clean
}

// NewStore factory function to create storage backends. The namespace
// selects the scope: MachineNamespace or a UserNamespace.
func NewStore(config StoreConfig, namespace string) (Store, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, namespace == MachineNamespace)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateNamespace validates the namespace for security
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	return nil
}

// validateName rejects document names that could escape the namespace
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("document name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("document name %q contains invalid characters", name)
	}
	return nil
}
