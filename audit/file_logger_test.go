package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	logger, err := NewLogger(&Config{
		Enabled: true,
		Source:  "test",
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	fl, ok := logger.(*FileLogger)
	require.True(t, ok)
	return fl, path
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	_, err = NewLogger(&Config{Enabled: true, Type: "database"})
	assert.EqualError(t, err, "unknown audit provider: database")

	_, err = NewLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.EqualError(t, err, "file_path is required for file logger")
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionKeypairGenerate, true, map[string]interface{}{
		MetaScope:     "CurrentUser",
		MetaContainer: "98f3a7e3-0d6e-f432-8a18-e1144b53633f",
		"key_size":    1536,
	}))
	require.NoError(t, logger.Log(ActionUnprotect, false, map[string]interface{}{
		MetaScope: "CurrentUser",
		MetaError: errors.New("invalid data"),
	}))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.Len(t, events, 2)

	generated := events[0]
	assert.Equal(t, ActionKeypairGenerate, generated.Action)
	assert.True(t, generated.Success)
	assert.Equal(t, "CurrentUser", generated.Scope)
	assert.Equal(t, "98f3a7e3-0d6e-f432-8a18-e1144b53633f", generated.Container)
	assert.Equal(t, "test", generated.Source)
	assert.NotEmpty(t, generated.ID)
	assert.Equal(t, float64(1536), generated.Metadata["key_size"])
	assert.NotContains(t, generated.Metadata, MetaScope)

	failed := events[1]
	assert.False(t, failed.Success)
	assert.Equal(t, "invalid data", failed.Error)
	assert.Empty(t, failed.Metadata)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileLoggerQuery(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionKeypairLoad, true, map[string]interface{}{MetaScope: "CurrentUser"}))
	require.NoError(t, logger.Log(ActionKeypairGenerate, true, map[string]interface{}{MetaScope: "LocalMachine"}))
	require.NoError(t, logger.Log(ActionUnprotect, false, map[string]interface{}{MetaScope: "LocalMachine", MetaError: "invalid data"}))
	require.NoError(t, logger.Log(ActionUnprotect, true, map[string]interface{}{MetaScope: "CurrentUser"}))

	all, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.TotalCount)
	assert.Len(t, all.Events, 4)

	failure := false
	failures, err := logger.Query(QueryOptions{Success: &failure})
	require.NoError(t, err)
	require.Len(t, failures.Events, 1)
	assert.Equal(t, "invalid data", failures.Events[0].Error)

	machine, err := logger.Query(QueryOptions{Scope: "LocalMachine"})
	require.NoError(t, err)
	assert.Len(t, machine.Events, 2)

	lifecycle, err := logger.Query(QueryOptions{Lifecycle: true})
	require.NoError(t, err)
	require.Len(t, lifecycle.Events, 1)
	assert.Equal(t, ActionKeypairGenerate, lifecycle.Events[0].Action)

	page, err := logger.Query(QueryOptions{Action: ActionUnprotect, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
	assert.True(t, page.HasMore)

	// time-bounded query
	since := time.Now().Add(-time.Minute)
	recent, err := logger.Query(QueryOptions{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent.Events, 4)
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionKeypairLoad, true, nil))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Log(ActionKeyStoreClose, true, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestFileLoggerRotation(t *testing.T) {
	logger, path := newTestFileLogger(t)
	logger.fileOpts.MaxBackups = 2

	// exceed the 1MB threshold
	logger.fileOpts.MaxSize = 1
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 1024*1024)+"\n"), 0o600))

	require.NoError(t, logger.Log(ActionKeypairLoad, true, nil))

	_, err := os.Stat(path + ".1")
	require.NoError(t, err, "rotated file should exist")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), ActionKeypairLoad)
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NoError(t, logger.Log(ActionUnprotect, true, nil))
	result, err := logger.Query(QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, logger.Close())
}
