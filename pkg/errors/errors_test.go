package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details and Context maps must be initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("only busy devices are retryable by default", func(t *testing.T) {
		if !NewError(ErrCodeDeviceBusy, "busy").Retryable {
			t.Error("DeviceBusy should be retryable")
		}
		for _, code := range []ErrorCode{ErrCodeResourceExhausted, ErrCodeKernelUnavailable, ErrCodeOperationFailed} {
			if NewError(code, "x").Retryable {
				t.Errorf("%s should not be retryable", code)
			}
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeKernelUnavailable, CategoryKernel},
		{ErrCodeDeviceBusy, CategoryKernel},
		{ErrCodeSwapActivationFailed, CategoryKernel},
		{ErrCodeUnsupportedFilesystem, CategoryKernel},
		{ErrCodePathProtected, CategoryFilesystem},
		{ErrCodeResourceExhausted, CategoryResource},
		{ErrCodeBreadcrumbCorrupt, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeDeviceBusy, "swapoff").
		WithComponent("pool.zram").
		WithOperation("destroy").
		WithCause(unix.EBUSY)

	got := err.Error()
	if !strings.HasPrefix(got, "[pool.zram:destroy] DEVICE_BUSY: swapoff") {
		t.Errorf("Error() = %q", got)
	}
	if !strings.Contains(got, unix.EBUSY.Error()) {
		t.Errorf("Error() should include cause, got %q", got)
	}

	if !strings.Contains(err.String(), "Retryable=true") {
		t.Errorf("String() = %q, want Retryable flag", err.String())
	}

	var decoded map[string]interface{}
	if jerr := json.Unmarshal([]byte(err.JSON()), &decoded); jerr != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", jerr)
	}
	if decoded["code"] != string(ErrCodeDeviceBusy) {
		t.Errorf("decoded code = %v", decoded["code"])
	}
}

func TestErrorsIsAndUnwrap(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrCodeResourceExhausted, "disk full").WithCause(unix.ENOSPC)
	wrapped := fmt.Errorf("create extent 3: %w", inner)

	if !errors.Is(wrapped, NewError(ErrCodeResourceExhausted, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(wrapped, NewError(ErrCodeDeviceBusy, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !errors.Is(wrapped, unix.ENOSPC) {
		t.Error("errors.Is should reach the errno through Unwrap")
	}
	if CodeOf(wrapped) != ErrCodeResourceExhausted {
		t.Errorf("CodeOf = %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != ErrCodeOperationFailed {
		t.Error("CodeOf on a plain error should be OPERATION_FAILED")
	}
}

func TestHasCodeFollowsCauseChain(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrCodeDeviceBusy, "loop busy")
	outer := NewError(ErrCodeRetryExhausted, "gave up").WithCause(inner)

	if !HasCode(outer, ErrCodeDeviceBusy) {
		t.Error("HasCode should find the nested code")
	}
	if !HasCode(outer, ErrCodeRetryExhausted) {
		t.Error("HasCode should find the outer code")
	}
	if HasCode(outer, ErrCodeKernelUnavailable) {
		t.Error("HasCode reported an absent code")
	}
	if HasCode(nil, ErrCodeDeviceBusy) {
		t.Error("HasCode(nil) must be false")
	}
}

func TestFromErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		errno unix.Errno
		want  ErrorCode
	}{
		{unix.ENOSPC, ErrCodeResourceExhausted},
		{unix.ENOMEM, ErrCodeResourceExhausted},
		{unix.EBUSY, ErrCodeDeviceBusy},
		{unix.EINTR, ErrCodeDeviceBusy},
		{unix.ENOSYS, ErrCodeKernelUnavailable},
		{unix.ENODEV, ErrCodeKernelUnavailable},
		{unix.EINVAL, ErrCodeOperationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			err := FromErrno(fmt.Errorf("swapon /dev/zram0: %w", tt.errno), "kernel", "swapon")
			if err.Code != tt.want {
				t.Errorf("FromErrno(%v) = %s, want %s", tt.errno, err.Code, tt.want)
			}
			if err.Component != "kernel" || err.Operation != "swapon" {
				t.Errorf("component/operation not set: %s/%s", err.Component, err.Operation)
			}
		})
	}

	if !IsBusy(FromErrno(unix.EBUSY, "k", "op")) {
		t.Error("IsBusy should be true for EBUSY")
	}
	if !IsExhausted(FromErrno(unix.ENOSPC, "k", "op")) {
		t.Error("IsExhausted should be true for ENOSPC")
	}
	if !IsUnavailable(FromErrno(unix.ENOSYS, "k", "op")) {
		t.Error("IsUnavailable should be true for ENOSYS")
	}
}

func TestGetRecommendation(t *testing.T) {
	t.Parallel()

	if rec := NewError(ErrCodePathProtected, "x").GetRecommendation(); !strings.Contains(rec, "system directories") {
		t.Errorf("unexpected recommendation %q", rec)
	}
	if rec := NewError(ErrCodeInternalError, "x").GetRecommendation(); rec == "" {
		t.Error("fallback recommendation must not be empty")
	}
}
