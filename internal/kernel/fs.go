package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/swapfc/swapfc/pkg/errors"
)

// FSType is a filesystem family that can host swap files.
type FSType string

const (
	FSBtrfs   FSType = "btrfs"
	FSExt4    FSType = "ext4"
	FSXFS     FSType = "xfs"
	FSTmpfs   FSType = "tmpfs"
	FSUnknown FSType = "unknown"
)

// fsNoCOWFlag is FS_NOCOW_FL from <linux/fs.h>.
const fsNoCOWFlag = 0x00800000

// SupportsSwap reports whether swap files are known to work on t.
func (t FSType) SupportsSwap() bool {
	return t == FSBtrfs || t == FSExt4 || t == FSXFS
}

// FSInfo is the result of probing the filesystem holding a path.
type FSInfo struct {
	Type      FSType
	FreeBytes uint64
}

// MountPoint is the subset of a mountinfo entry needed for remounting.
type MountPoint struct {
	Path    string
	FSType  string
	Options map[string]string
	Super   map[string]string
}

// HasOption reports whether opt is set on the mount or its superblock.
func (m MountPoint) HasOption(opt string) bool {
	if _, ok := m.Options[opt]; ok {
		return true
	}
	_, ok := m.Super[opt]
	return ok
}

// Option returns the value of a key=value superblock option.
func (m MountPoint) Option(key string) string {
	if v, ok := m.Super[key]; ok {
		return v
	}
	return m.Options[key]
}

// Filesystem inspects and adjusts the filesystem holding swap files.
type Filesystem interface {
	Inspect(path string) (FSInfo, error)
	SetNoCOW(path string) error
	MountOf(path string) (MountPoint, error)
	Remount(mount MountPoint, addOptions []string) error
}

// HostFilesystem implements Filesystem with statfs(2), ioctl(2) and mount(2).
type HostFilesystem struct {
	ProcPath string
}

// Inspect identifies the filesystem type of path and its free space.
func (h HostFilesystem) Inspect(path string) (FSInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FSInfo{}, errors.FromErrno(err, "kernel", "statfs").WithContext("path", path)
	}

	info := FSInfo{
		Type:      fsTypeFromMagic(uint32(st.Type)),
		FreeBytes: uint64(st.Bavail) * uint64(st.Bsize),
	}
	return info, nil
}

func fsTypeFromMagic(magic uint32) FSType {
	switch magic {
	case uint32(unix.BTRFS_SUPER_MAGIC):
		return FSBtrfs
	case uint32(unix.EXT4_SUPER_MAGIC):
		return FSExt4
	case uint32(unix.XFS_SUPER_MAGIC):
		return FSXFS
	case uint32(unix.TMPFS_MAGIC):
		return FSTmpfs
	}
	return FSUnknown
}

// SetNoCOW sets FS_NOCOW_FL on path. On btrfs it only takes effect for
// empty files, or for files later created in a flagged directory.
func (HostFilesystem) SetNoCOW(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return errors.FromErrno(err, "kernel", "getflags").WithContext("path", path)
	}
	if flags&fsNoCOWFlag != 0 {
		return nil
	}
	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, flags|fsNoCOWFlag); err != nil {
		return errors.FromErrno(err, "kernel", "setflags").WithContext("path", path)
	}
	return nil
}

// MountOf returns the mount holding path, choosing the longest matching
// mount point.
func (h HostFilesystem) MountOf(path string) (MountPoint, error) {
	fs, err := procfs.NewFS(h.procPath())
	if err != nil {
		return MountPoint{}, err
	}
	self, err := fs.Self()
	if err != nil {
		return MountPoint{}, err
	}
	mounts, err := self.MountInfo()
	if err != nil {
		return MountPoint{}, err
	}
	return longestMount(mounts, path)
}

func (h HostFilesystem) procPath() string {
	if h.ProcPath == "" {
		return procfs.DefaultMountPoint
	}
	return h.ProcPath
}

func longestMount(mounts []*procfs.MountInfo, path string) (MountPoint, error) {
	clean := filepath.Clean(path)
	var best *procfs.MountInfo
	for _, m := range mounts {
		mp := m.MountPoint
		if clean != mp && !strings.HasPrefix(clean, strings.TrimSuffix(mp, "/")+"/") {
			continue
		}
		if best == nil || len(mp) >= len(best.MountPoint) {
			best = m
		}
	}
	if best == nil {
		return MountPoint{}, fmt.Errorf("no mount found for %s", path)
	}
	return MountPoint{
		Path:    best.MountPoint,
		FSType:  best.FSType,
		Options: best.Options,
		Super:   best.SuperOptions,
	}, nil
}

// mountFlagOptions maps per-mount options that mount(2) expects as flags.
var mountFlagOptions = map[string]uintptr{
	"ro":         unix.MS_RDONLY,
	"nosuid":     unix.MS_NOSUID,
	"nodev":      unix.MS_NODEV,
	"noexec":     unix.MS_NOEXEC,
	"noatime":    unix.MS_NOATIME,
	"nodiratime": unix.MS_NODIRATIME,
	"relatime":   unix.MS_RELATIME,
}

// RemountFlags computes the mount(2) flags and data string that keep the
// current per-mount flags and add opts.
func RemountFlags(mount MountPoint, opts []string) (uintptr, string) {
	flags := uintptr(unix.MS_REMOUNT)
	for opt := range mount.Options {
		if f, ok := mountFlagOptions[opt]; ok {
			flags |= f
		}
	}

	var data []string
	for _, opt := range opts {
		if f, ok := mountFlagOptions[opt]; ok {
			flags |= f
			if opt == "noatime" {
				flags &^= unix.MS_RELATIME
			}
			continue
		}
		data = append(data, opt)
	}
	return flags, strings.Join(data, ",")
}

// Remount applies opts to an existing mount.
func (HostFilesystem) Remount(mount MountPoint, opts []string) error {
	flags, data := RemountFlags(mount, opts)
	if err := unix.Mount("", mount.Path, "", flags, data); err != nil {
		return errors.FromErrno(err, "kernel", "remount").WithContext("mount", mount.Path)
	}
	return nil
}

// ZswapEnabled reports whether zswap is active.
func ZswapEnabled(sysPath string) bool {
	data, err := os.ReadFile(filepath.Join(sysPath, "module", "zswap", "parameters", "enabled"))
	if err != nil {
		return false
	}
	v := strings.TrimSpace(string(data))
	return v == "Y" || v == "1"
}
