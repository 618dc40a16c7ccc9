package errors

import (
	stderr "errors"

	"golang.org/x/sys/unix"
)

// FromErrno classifies a syscall failure into the pool error taxonomy.
func FromErrno(err error, component, operation string) *SwapFCError {
	code := ErrCodeOperationFailed

	var errno unix.Errno
	if stderr.As(err, &errno) {
		switch errno {
		case unix.ENOSPC, unix.ENOMEM, unix.EFBIG:
			code = ErrCodeResourceExhausted
		case unix.EBUSY, unix.EAGAIN, unix.EINTR:
			code = ErrCodeDeviceBusy
		case unix.ENOSYS, unix.ENODEV, unix.ENOTTY, unix.ENXIO:
			code = ErrCodeKernelUnavailable
		}
	}

	return NewError(code, operation+" failed").
		WithCause(err).
		WithComponent(component).
		WithOperation(operation)
}

// IsBusy reports whether err indicates a transiently busy device.
func IsBusy(err error) bool {
	return HasCode(err, ErrCodeDeviceBusy)
}

// IsExhausted reports whether err indicates missing disk space or memory.
func IsExhausted(err error) bool {
	return HasCode(err, ErrCodeResourceExhausted)
}

// IsUnavailable reports whether err indicates a missing kernel interface.
func IsUnavailable(err error) bool {
	return HasCode(err, ErrCodeKernelUnavailable)
}
