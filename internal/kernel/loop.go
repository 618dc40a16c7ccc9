package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/swapfc/swapfc/pkg/errors"
)

// deletedSuffix is appended by the kernel to backing_file when the file has
// been unlinked while attached.
const deletedSuffix = " (deleted)"

// LoopInfo describes one attached loop device. DirectIO is only reported by
// Attach.
type LoopInfo struct {
	Device   string
	Backing  string
	Deleted  bool
	DirectIO bool
}

// LoopDevices attaches and detaches loop devices.
type LoopDevices interface {
	Attach(backing string, directIO bool) (LoopInfo, error)
	Detach(device string) error
	List() ([]LoopInfo, error)
}

// SysLoopDevices drives /dev/loop-control and lists attachments from sysfs.
type SysLoopDevices struct {
	SysPath string
	DevPath string
}

// NewSysLoopDevices returns loop control rooted at the given sysfs and
// devtmpfs mount points.
func NewSysLoopDevices(sysPath, devPath string) *SysLoopDevices {
	return &SysLoopDevices{SysPath: sysPath, DevPath: devPath}
}

// Attach binds backing to the first free loop device. When directIO is set
// and the backing filesystem cannot do aligned direct I/O the device stays
// buffered and the returned DirectIO is false.
func (l *SysLoopDevices) Attach(backing string, directIO bool) (LoopInfo, error) {
	ctl, err := os.OpenFile(filepath.Join(l.DevPath, "loop-control"), os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return LoopInfo{}, errors.Wrap(err, errors.ErrCodeKernelUnavailable, "open loop-control").
			WithComponent("kernel").WithOperation("loop_attach")
	}
	defer ctl.Close()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return LoopInfo{}, errors.FromErrno(err, "kernel", "loop_get_free")
	}
	device := filepath.Join(l.DevPath, fmt.Sprintf("loop%d", num))

	file, err := os.OpenFile(backing, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return LoopInfo{}, fmt.Errorf("open backing file %s: %w", backing, err)
	}
	defer file.Close()

	loop, err := os.OpenFile(device, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return LoopInfo{}, fmt.Errorf("open %s: %w", device, err)
	}
	defer loop.Close()

	if err := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_SET_FD, int(file.Fd())); err != nil {
		return LoopInfo{}, errors.FromErrno(err, "kernel", "loop_set_fd").WithContext("device", device)
	}

	info := &unix.LoopInfo64{}
	copy(info.File_name[:unix.LO_NAME_SIZE-1], backing)
	if err := unix.IoctlLoopSetStatus64(int(loop.Fd()), info); err != nil {
		_ = unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0)
		return LoopInfo{}, errors.FromErrno(err, "kernel", "loop_set_status").WithContext("device", device)
	}

	attached := LoopInfo{Device: device, Backing: backing}
	if directIO {
		attached.DirectIO = unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_SET_DIRECT_IO, 1) == nil
	}
	return attached, nil
}

// Detach releases device. Detaching a device that is not attached succeeds.
func (l *SysLoopDevices) Detach(device string) error {
	loop, err := os.OpenFile(device, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", device, err)
	}
	defer loop.Close()

	err = unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0)
	if err == unix.ENXIO {
		return nil
	}
	if err != nil {
		return errors.FromErrno(err, "kernel", "loop_detach").WithContext("device", device)
	}
	return nil
}

// List returns every attached loop device, sorted by device name.
func (l *SysLoopDevices) List() ([]LoopInfo, error) {
	matches, err := filepath.Glob(filepath.Join(l.SysPath, "block", "loop*"))
	if err != nil {
		return nil, err
	}

	var loops []LoopInfo
	for _, dir := range matches {
		data, err := os.ReadFile(filepath.Join(dir, "loop", "backing_file"))
		if err != nil {
			// not attached
			continue
		}
		backing := strings.TrimSpace(string(data))
		deleted := strings.HasSuffix(backing, deletedSuffix)
		loops = append(loops, LoopInfo{
			Device:  filepath.Join(l.DevPath, filepath.Base(dir)),
			Backing: strings.TrimSuffix(backing, deletedSuffix),
			Deleted: deleted,
		})
	}

	sort.Slice(loops, func(i, j int) bool {
		return loopNumber(loops[i].Device) < loopNumber(loops[j].Device)
	})
	return loops, nil
}

func loopNumber(device string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(device), "loop"))
	if err != nil {
		return -1
	}
	return n
}
