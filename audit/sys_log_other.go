//go:build windows || plan9

package audit

import "fmt"

// SyslogLogger is unavailable where log/syslog is not supported
type SyslogLogger struct {
	NoOpLogger
}

func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on this platform")
}
