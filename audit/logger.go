package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Source   string                 `json:"source" yaml:"source"`   // application or host recorded on every event
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Audited actions
const (
	ActionKeypairLoad     = "KEYPAIR_LOAD"
	ActionKeypairGenerate = "KEYPAIR_GENERATE"
	ActionKeypairRemove   = "KEYPAIR_REMOVE"
	ActionKeyStoreClose   = "KEYSTORE_CLOSE"
	ActionUnprotect       = "UNPROTECT"
	ActionKeyStoreExport  = "KEYSTORE_EXPORT"
	ActionKeyStoreImport  = "KEYSTORE_IMPORT"
)

// Metadata keys lifted into dedicated Event fields
const (
	MetaScope     = "scope"
	MetaContainer = "container"
	MetaError     = "error"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Scope     string                 `json:"scope,omitempty"`
	Container string                 `json:"container,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	PID       int                    `json:"pid,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Scope     string
	Since     *time.Time
	Until     *time.Time
	Action    string
	Success   *bool // nil = all, true = only success, false = only failures
	Container string
	Limit     int
	Offset    int
	Lifecycle bool // only events that created, moved or destroyed key material
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// isLifecycleAction reports whether an action creates, moves or destroys key material
func isLifecycleAction(action string) bool {
	switch action {
	case ActionKeypairGenerate, ActionKeypairRemove, ActionKeyStoreExport, ActionKeyStoreImport:
		return true
	}
	return false
}

// liftMetadata moves well-known metadata keys into the event fields
func liftMetadata(event *Event, metadata map[string]interface{}) {
	if len(metadata) == 0 {
		return
	}
	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		s, isString := v.(string)
		switch {
		case k == MetaScope && isString:
			event.Scope = s
		case k == MetaContainer && isString:
			event.Container = s
		case k == MetaError && isString:
			event.Error = s
		case k == MetaError:
			if err, ok := v.(error); ok {
				event.Error = err.Error()
				continue
			}
			rest[k] = v
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
