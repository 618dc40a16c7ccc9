// Package errors provides the structured error taxonomy used by swapfc pools and backends.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Kernel
	ErrCodeKernelUnavailable      ErrorCode = "KERNEL_INTERFACE_UNAVAILABLE"
	ErrCodeUnsupportedFilesystem  ErrorCode = "UNSUPPORTED_FILESYSTEM"
	ErrCodeDeviceBusy             ErrorCode = "DEVICE_BUSY"
	ErrCodeSwapActivationFailed   ErrorCode = "SWAP_ACTIVATION_FAILED"
	ErrCodeSwapDeactivationFailed ErrorCode = "SWAP_DEACTIVATION_FAILED"

	// Filesystem
	ErrCodePathInvalid   ErrorCode = "PATH_INVALID"
	ErrCodePathProtected ErrorCode = "PATH_PROTECTED"

	// Resources
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeLimitExceeded     ErrorCode = "LIMIT_EXCEEDED"

	// State
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeBreadcrumbCorrupt ErrorCode = "BREADCRUMB_CORRUPT"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Operation
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for metrics labels and log routing.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryKernel        ErrorCategory = "kernel"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// SwapFCError is a coded error carrying the pool component and operation it came from.
type SwapFCError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *SwapFCError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *SwapFCError) Unwrap() error {
	return e.Cause
}

// Is matches another *SwapFCError by code.
func (e *SwapFCError) Is(target error) bool {
	if other, ok := target.(*SwapFCError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for debug logging.
func (e *SwapFCError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("SwapFCError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error encoded as JSON.
func (e *SwapFCError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with category and retryability derived from the code.
func NewError(code ErrorCode, message string) *SwapFCError {
	return &SwapFCError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap is shorthand for NewError(code, message).WithCause(cause).
func Wrap(cause error, code ErrorCode, message string) *SwapFCError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "KERNEL_") || strings.HasPrefix(codeStr, "DEVICE_") ||
		strings.HasPrefix(codeStr, "SWAP_") || strings.HasPrefix(codeStr, "UNSUPPORTED_"):
		return CategoryKernel
	case strings.HasPrefix(codeStr, "PATH_"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "RESOURCE_") || strings.HasPrefix(codeStr, "LIMIT_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "INVALID_STATE") || strings.HasPrefix(codeStr, "BREADCRUMB_") ||
		strings.HasPrefix(codeStr, "CIRCUIT_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code describes a condition that may
// clear on its own within a few hundred milliseconds.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeDeviceBusy:
		return true
	}
	return false
}

// CaptureStack captures the caller's stack for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds a string context entry.
func (e *SwapFCError) WithContext(key, value string) *SwapFCError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a structured detail.
func (e *SwapFCError) WithDetail(key string, value interface{}) *SwapFCError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *SwapFCError) WithComponent(component string) *SwapFCError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *SwapFCError) WithOperation(operation string) *SwapFCError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *SwapFCError) WithCause(cause error) *SwapFCError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace.
func (e *SwapFCError) WithStack() *SwapFCError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns an operator hint for the error.
func (e *SwapFCError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeKernelUnavailable: "The kernel does not expose the required interface. " +
			"Load the zram module or check that loop devices are available.",
		ErrCodeUnsupportedFilesystem: "Swap files are supported on btrfs, ext4 and xfs. " +
			"Move swapfile.path to a supported filesystem.",
		ErrCodeResourceExhausted: "Not enough free disk space or memory to add capacity. " +
			"Free space on the swap file filesystem or lower swapfile.chunk_size.",
		ErrCodeDeviceBusy: "The device is still in use. The operation is retried automatically.",
		ErrCodePathProtected: "Swap files may not be placed under system directories. " +
			"Choose a path such as /swapfile or /var/swap.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check the configuration file syntax and value ranges.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Check the error message for details."
}

// HasCode reports whether err or any error it wraps is a *SwapFCError with code.
func HasCode(err error, code ErrorCode) bool {
	var sfe *SwapFCError
	for err != nil {
		if stderr.As(err, &sfe) {
			if sfe.Code == code {
				return true
			}
			err = sfe.Cause
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the code of the outermost *SwapFCError in err's chain, or
// ErrCodeOperationFailed when there is none.
func CodeOf(err error) ErrorCode {
	var sfe *SwapFCError
	if stderr.As(err, &sfe) {
		return sfe.Code
	}
	return ErrCodeOperationFailed
}
