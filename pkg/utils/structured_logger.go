package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
	// FormatJournal is text without a timestamp, prefixed with the syslog
	// priority that journald reads from a service's stderr.
	FormatJournal
)

// LogEntry represents a complete log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// sink is shared by a logger and every logger derived from it.
type sink struct {
	mu              sync.Mutex
	w               io.Writer
	level           LogLevel
	componentLevels map[string]LogLevel
}

// StructuredLogger provides leveled logging with context fields.
// Loggers derived with WithField/WithComponent share output and levels
// with their parent.
type StructuredLogger struct {
	sink          *sink
	format        LogFormat
	contextFields map[string]interface{}
	includeCaller bool
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:  INFO,
		Output: os.Stderr,
		Format: FormatText,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) *StructuredLogger {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	return &StructuredLogger{
		sink: &sink{
			w:               out,
			level:           config.Level,
			componentLevels: make(map[string]LogLevel),
		},
		format:        config.Format,
		contextFields: make(map[string]interface{}),
		includeCaller: config.IncludeCaller,
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	return NewStructuredLogger(&StructuredLoggerConfig{Level: FATAL + 1, Output: io.Discard})
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	newFields := make(map[string]interface{}, len(sl.contextFields)+len(fields))
	for k, v := range sl.contextFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &StructuredLogger{
		sink:          sl.sink,
		format:        sl.format,
		contextFields: newFields,
		includeCaller: sl.includeCaller,
	}
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	sl.sink.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	sl.sink.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	return sl.sink.level
}

func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()

	if compStr, ok := sl.contextFields["component"].(string); ok {
		if compLevel, exists := sl.sink.componentLevels[compStr]; exists {
			return level >= compLevel
		}
	}
	return level >= sl.sink.level
}

func (sl *StructuredLogger) log(level LogLevel, message string, fields map[string]interface{}) {
	if !sl.isEnabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    make(map[string]interface{}, len(sl.contextFields)+len(fields)),
	}
	for k, v := range sl.contextFields {
		entry.Fields[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry.Fields[k] = v
	}

	if sl.includeCaller {
		if _, file, line, ok := runtime.Caller(3); ok {
			parts := strings.Split(file, "/")
			entry.Caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
		}
	}

	var output string
	switch sl.format {
	case FormatJSON:
		jsonBytes, err := json.Marshal(entry)
		if err != nil {
			output = formatText(entry, true)
		} else {
			output = string(jsonBytes) + "\n"
		}
	case FormatJournal:
		output = fmt.Sprintf("<%d>", level.syslogPriority()) + formatText(entry, false)
	default:
		output = formatText(entry, true)
	}

	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	_, _ = io.WriteString(sl.sink.w, output)
}

// formatText renders an entry on one line with fields in key order.
func formatText(entry LogEntry, timestamp bool) string {
	var sb strings.Builder

	if timestamp {
		sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
		sb.WriteString(" ")
	}
	sb.WriteString("[")
	sb.WriteString(entry.Level)
	sb.WriteString("] ")

	if entry.Caller != "" {
		sb.WriteString("[")
		sb.WriteString(entry.Caller)
		sb.WriteString("] ")
	}

	sb.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, entry.Fields[k])
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")
	return sb.String()
}

// Trace logs a trace message
func (sl *StructuredLogger) Trace(message string, fields ...map[string]interface{}) {
	sl.logWithFields(TRACE, message, fields...)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.logWithFields(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.logWithFields(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.logWithFields(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.logWithFields(ERROR, message, fields...)
}

func (sl *StructuredLogger) logWithFields(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 {
		fields = fieldMaps[0]
	}
	sl.log(level, message, fields)
}

// Sync flushes the output if it supports it.
func (sl *StructuredLogger) Sync() error {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	if s, ok := sl.sink.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
