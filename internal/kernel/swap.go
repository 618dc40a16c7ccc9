package kernel

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/swapfc/swapfc/pkg/errors"
)

// swapon(2) flags from <linux/swap.h>.
const (
	swapFlagPrefer   = 0x8000
	swapFlagPrioMask = 0x7fff
	swapFlagDiscard  = 0x10000
)

// MaxSwapPriority is the highest priority swapon(2) accepts.
const MaxSwapPriority = swapFlagPrioMask

// Swapper activates and deactivates swap areas.
type Swapper interface {
	SwapOn(path string, priority int, discard bool) error
	SwapOff(path string) error
}

// SyscallSwapper calls swapon(2) and swapoff(2) directly.
type SyscallSwapper struct{}

// SwapOn activates path with the given priority. A negative priority lets the
// kernel assign one.
func (SyscallSwapper) SwapOn(path string, priority int, discard bool) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}

	flags := 0
	if priority >= 0 {
		flags = swapFlagPrefer | (priority & swapFlagPrioMask)
	}
	if discard {
		flags |= swapFlagDiscard
	}

	_, _, errno := unix.Syscall(unix.SYS_SWAPON, uintptr(unsafe.Pointer(p)), uintptr(flags), 0)
	if errno != 0 {
		return errors.FromErrno(fmt.Errorf("swapon %s: %w", path, errno), "kernel", "swapon")
	}
	return nil
}

// SwapOff deactivates path, paging its contents back into memory or other
// swap areas. EINVAL (not an active swap area) is treated as success.
func (SyscallSwapper) SwapOff(path string) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}

	_, _, errno := unix.Syscall(unix.SYS_SWAPOFF, uintptr(unsafe.Pointer(p)), 0, 0)
	switch errno {
	case 0, unix.EINVAL:
		return nil
	}
	return errors.FromErrno(fmt.Errorf("swapoff %s: %w", path, errno), "kernel", "swapoff")
}
