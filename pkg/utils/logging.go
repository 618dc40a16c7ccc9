package utils

import (
	"fmt"
	"strings"
)

// LogLevel represents the logging level
type LogLevel int

const (
	TRACE LogLevel = iota - 1
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// syslogPriority maps the level to sd-daemon(3) priorities.
func (l LogLevel) syslogPriority() int {
	switch {
	case l <= DEBUG:
		return 7
	case l == INFO:
		return 6
	case l == WARN:
		return 4
	case l == ERROR:
		return 3
	default:
		return 2
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// ParseLogFormat parses "text", "json" or "journal".
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "journal":
		return FormatJournal, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", format)
	}
}
