package persist

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"southwinds.dev/dpapi/internal/debug"
	"southwinds.dev/dpapi/internal/misc"
)

// FileSystemStore implements Store over one key directory. The directory is
// created on first use and must pass the ownership and permission policy of
// its scope before any document is read or written.
type FileSystemStore struct {
	basePath string
	machine  bool

	mu      sync.Mutex
	created bool
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore.
// machine selects the local-machine protection policy instead of the per-user one.
func NewFileSystemStore(basePath string, machine bool) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path %s: %w", basePath, err)
	}
	return &FileSystemStore{basePath: abs, machine: machine}, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, machine bool) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, machine)
}

// root returns the key directory once it exists and is protected
func (fs *FileSystemStore) root() (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.created {
		// MkdirAll tolerates a directory created concurrently by another process
		if err := os.MkdirAll(fs.basePath, misc.DirPermissions); err != nil {
			return "", fmt.Errorf("could not create %s key store '%s': %w", fs.scopeName(), fs.basePath, err)
		}
		fs.created = true
	}

	ok, err := isProtected(fs.basePath, fs.machine)
	if err != nil {
		return "", fmt.Errorf("could not verify %s key store '%s': %w", fs.scopeName(), fs.basePath, err)
	}
	if !ok {
		debug.Print("key store %s not protected, attempting to secure it\n", fs.basePath)
		if err = protect(fs.basePath); err != nil {
			return "", fmt.Errorf("could not secure %s key store '%s': %w", fs.scopeName(), fs.basePath, err)
		}
		if ok, err = isProtected(fs.basePath, fs.machine); err != nil || !ok {
			return "", fmt.Errorf("improperly protected %s key pairs in '%s'", fs.scopeName(), fs.basePath)
		}
	}
	return fs.basePath, nil
}

func (fs *FileSystemStore) scopeName() string {
	if fs.machine {
		return "machine"
	}
	return "user"
}

func (fs *FileSystemStore) path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	dir, err := fs.root()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Save writes the document atomically with owner-only permissions
func (fs *FileSystemStore) Save(name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("document cannot be nil")
	}
	path, err := fs.path(name)
	if err != nil {
		return "", err
	}

	if expectedVersion == CreateOnly {
		err = writeSecureFile(path, data, misc.FilePermissions, true)
		if errors.Is(err, os.ErrExist) {
			currentVersion, _ := getFileVersion(path)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "Save",
			}
		}
		if err != nil {
			return "", err
		}
		return calculateFileVersion(data), nil
	}

	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "Save",
			}
		}
	}

	if err = writeSecureFile(path, data, misc.FilePermissions, false); err != nil {
		return "", err
	}
	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) Load(name string) (*VersionedData, error) {
	path, err := fs.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: info.ModTime(),
	}, nil
}

func (fs *FileSystemStore) Exists(name string) (bool, error) {
	path, err := fs.path(name)
	if err != nil {
		return false, err
	}
	return fileExists(path)
}

func (fs *FileSystemStore) Delete(name string) error {
	path, err := fs.path(name)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

func (fs *FileSystemStore) List() ([]string, error) {
	dir, err := fs.root()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key store directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		// skip leftovers of interrupted atomic writes
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Ping verifies the key directory can be created and is protected
func (fs *FileSystemStore) Ping() error {
	_, err := fs.root()
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Location() string {
	return fs.basePath
}

func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile writes through a synced temp file. An exclusive write
// links the temp file into place and fails with os.ErrExist when path is taken.
func writeSecureFile(path string, data []byte, perm os.FileMode, exclusive bool) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// restrict before any key material reaches the file
	if err = tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if exclusive {
		err = os.Link(tmpPath, path)
		_ = os.Remove(tmpPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
		}
		return nil
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
