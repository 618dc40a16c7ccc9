package swapfile

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/internal/kernel"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/retry"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

const (
	dirPerm  = 0700
	filePerm = 0600

	// freeSpaceFactor is how many times the extent size must be free on the
	// filesystem before a file is created.
	freeSpaceFactor = 2

	zeroBlock = 1 << 20

	defaultRetuneDelay = 100 * time.Millisecond

	readaheadEvery = 5
	retuneEvery    = 30
)

// Options configures a Backend.
type Options struct {
	Dir     string
	SysPath string

	Priority   int
	SparseLoop bool
	DirectIO   bool
	Discard    bool

	NoCOW            bool
	TuneMountOptions bool
	NrRequests       int
}

// OptionsFromConfig builds backend options from the daemon configuration.
func OptionsFromConfig(cfg *config.Configuration) Options {
	s := cfg.Swapfile
	return Options{
		Dir:              s.Path,
		SysPath:          cfg.Global.SysPath,
		Priority:         s.Priority,
		SparseLoop:       s.SparseLoop,
		DirectIO:         s.DirectIO,
		Discard:          s.Discard,
		NoCOW:            s.NoCOW,
		TuneMountOptions: s.TuneMountOptions,
		NrRequests:       s.NrRequests,
	}
}

var (
	_ types.Backend    = (*Backend)(nil)
	_ types.Sweeper    = (*Backend)(nil)
	_ types.Maintainer = (*Backend)(nil)
)

// Backend manages numbered swap files in one directory. In sparse mode each
// file is fronted by a loop device with direct I/O.
type Backend struct {
	opts    Options
	swapper kernel.Swapper
	loops   kernel.LoopDevices
	fs      kernel.Filesystem
	retryer *retry.Retryer
	logger  *utils.StructuredLogger

	fsType      kernel.FSType
	retuneDelay time.Duration
	format      func(path string, size uint64, label string) error
}

// NewBackend returns a swap file backend. A nil retryer uses
// retry.DefaultConfig.
func NewBackend(opts Options, swapper kernel.Swapper, loops kernel.LoopDevices, fs kernel.Filesystem,
	retryer *retry.Retryer, logger *utils.StructuredLogger) *Backend {
	if opts.SysPath == "" {
		opts.SysPath = "/sys"
	}
	if opts.Priority < 0 || opts.Priority > kernel.MaxSwapPriority {
		opts.Priority = 50
	}
	if retryer == nil {
		retryer = retry.New(retry.DefaultConfig())
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	opts.Dir = filepath.Clean(opts.Dir)
	return &Backend{
		opts:        opts,
		swapper:     swapper,
		loops:       loops,
		fs:          fs,
		retryer:     retryer,
		logger:      logger.WithComponent("swapfile"),
		fsType:      kernel.FSUnknown,
		retuneDelay: defaultRetuneDelay,
		format:      kernel.FormatSwap,
	}
}

func (b *Backend) Name() string { return "swapfile" }

// Kind reports the kind of extent Create makes.
func (b *Backend) Kind() types.ExtentKind {
	if b.opts.SparseLoop {
		return types.KindDiskLoopSparse
	}
	return types.KindDiskPlain
}

// Setup validates and creates the swap directory and prepares the
// filesystem holding it.
func (b *Backend) Setup(ctx context.Context) error {
	if err := utils.ValidateSwapDir(b.opts.Dir); err != nil {
		return errors.Wrap(err, errors.ErrCodePathProtected, "invalid swap directory").
			WithComponent("swapfile").WithOperation("setup").WithContext("path", b.opts.Dir)
	}
	if err := os.MkdirAll(b.opts.Dir, dirPerm); err != nil {
		return errors.Wrap(err, errors.ErrCodePathInvalid, "failed to create swap directory").
			WithComponent("swapfile").WithOperation("setup").WithContext("path", b.opts.Dir)
	}

	info, err := b.fs.Inspect(b.opts.Dir)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to inspect swap filesystem").
			WithComponent("swapfile").WithOperation("setup").WithContext("path", b.opts.Dir)
	}
	b.fsType = info.Type
	if !info.Type.SupportsSwap() {
		b.logger.Warn("filesystem not known to support swap files", map[string]interface{}{
			"path":    b.opts.Dir,
			"fs_type": string(info.Type),
		})
	}

	if b.fsType == kernel.FSBtrfs && b.opts.NoCOW {
		if err := b.fs.SetNoCOW(b.opts.Dir); err != nil {
			b.logger.Warn("could not disable copy-on-write on swap directory", map[string]interface{}{
				"path":  b.opts.Dir,
				"error": err,
			})
		}
	}
	if b.fsType == kernel.FSBtrfs && b.opts.SparseLoop && b.opts.TuneMountOptions {
		b.tuneMount()
	}

	b.logger.Info("swap directory ready", map[string]interface{}{
		"path":    b.opts.Dir,
		"fs_type": string(b.fsType),
		"sparse":  b.opts.SparseLoop,
	})
	return nil
}

// MountOptionChanges returns the remount options a btrfs mount hosting
// loop-backed swap needs: no autodefrag, noatime, and zstd level 1 when
// files are compressed.
func MountOptionChanges(m kernel.MountPoint, nocow bool) []string {
	var opts []string
	if m.HasOption("autodefrag") {
		opts = append(opts, "noautodefrag")
	}
	if !m.HasOption("noatime") {
		opts = append(opts, "noatime")
	}
	if !nocow {
		compress := m.Option("compress-force")
		if compress == "" {
			compress = m.Option("compress")
		}
		switch compress {
		case "zstd:2", "zstd:3", "zstd:4", "zstd:5":
			opts = append(opts, "compress-force=zstd:1")
		}
	}
	return opts
}

func (b *Backend) tuneMount() {
	mount, err := b.fs.MountOf(b.opts.Dir)
	if err != nil {
		b.logger.Warn("could not inspect mount options", map[string]interface{}{"error": err})
		return
	}
	opts := MountOptionChanges(mount, b.opts.NoCOW)
	if len(opts) == 0 {
		return
	}
	if err := b.fs.Remount(mount, opts); err != nil {
		b.logger.Warn("remount failed, update the mount options in fstab", map[string]interface{}{
			"mount":   mount.Path,
			"options": strings.Join(opts, ","),
			"error":   err,
		})
		return
	}
	b.logger.Info("remounted swap filesystem", map[string]interface{}{
		"mount":   mount.Path,
		"options": strings.Join(opts, ","),
	})
}

func (b *Backend) filePath(index int) string {
	return filepath.Join(b.opts.Dir, strconv.Itoa(index))
}

// Create allocates file <dir>/<index>, formats it and activates it. A
// failure removes everything created so far.
func (b *Backend) Create(ctx context.Context, req types.CreateRequest) (types.Extent, error) {
	info, err := b.fs.Inspect(b.opts.Dir)
	if err != nil {
		return types.Extent{}, errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to inspect swap filesystem").
			WithComponent("swapfile").WithOperation("create")
	}
	if need := req.CapacityBytes * freeSpaceFactor; info.FreeBytes < need {
		return types.Extent{}, errors.NewError(errors.ErrCodeResourceExhausted, "not enough free disk space").
			WithComponent("swapfile").
			WithOperation("create").
			WithDetail("free_bytes", info.FreeBytes).
			WithDetail("required_bytes", need)
	}

	path := b.filePath(req.Index)
	if err := b.allocate(path, req.CapacityBytes); err != nil {
		_ = os.Remove(path)
		return types.Extent{}, err
	}

	ext, err := b.activate(ctx, path, req)
	if err != nil {
		if ext.KernelHandle != "" && ext.KernelHandle != path {
			if dErr := b.loops.Detach(ext.KernelHandle); dErr != nil {
				b.logger.Warn("could not detach loop of failed extent", map[string]interface{}{
					"device": ext.KernelHandle,
					"error":  dErr,
				})
			}
		}
		_ = os.Remove(path)
		return types.Extent{}, err
	}

	b.logger.Info("swap file created", map[string]interface{}{
		"path":     path,
		"device":   ext.KernelHandle,
		"index":    ext.Index,
		"size":     utils.FormatBytes(ext.CapacityBytes),
		"priority": ext.Priority,
	})
	return ext, nil
}

// allocate creates the backing file. Plain files are zero-filled so every
// block is a real extent; sparse files are only truncated to size.
func (b *Backend) allocate(path string, size uint64) error {
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return errors.FromErrno(err, "swapfile", "create_file").WithContext("path", path)
	}
	defer f.Close()

	// NOCOW only takes effect on empty files.
	if b.fsType == kernel.FSBtrfs && b.opts.NoCOW {
		if err := b.fs.SetNoCOW(path); err != nil {
			b.logger.Warn("could not disable copy-on-write", map[string]interface{}{"path": path, "error": err})
		}
	}

	if b.opts.SparseLoop {
		if err := f.Truncate(int64(size)); err != nil {
			return errors.FromErrno(err, "swapfile", "truncate").WithContext("path", path)
		}
	} else if err := zeroFill(f, size); err != nil {
		return errors.FromErrno(err, "swapfile", "zero_fill").WithContext("path", path)
	}

	if err := f.Sync(); err != nil {
		return errors.FromErrno(err, "swapfile", "sync").WithContext("path", path)
	}
	return nil
}

func zeroFill(f *os.File, size uint64) error {
	w := bufio.NewWriterSize(f, zeroBlock)
	zeros := make([]byte, zeroBlock)
	for remaining := size; remaining > 0; {
		n := uint64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := w.Write(zeros[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return w.Flush()
}

// activate fronts path with a loop device in sparse mode, writes the swap
// header and enables swap. The returned extent carries the kernel handle
// even on failure so the caller can detach it.
func (b *Backend) activate(ctx context.Context, path string, req types.CreateRequest) (types.Extent, error) {
	ext := types.Extent{
		Index:         req.Index,
		Kind:          b.Kind(),
		State:         types.StateActive,
		CapacityBytes: req.CapacityBytes,
		Priority:      b.priorityFor(req.Index),
		KernelHandle:  path,
		BackingFile:   path,
		CreatedAt:     time.Now(),
	}

	label := fmt.Sprintf("SWAP_file_%d", req.Index)
	if b.opts.SparseLoop {
		loop, err := b.loops.Attach(path, b.opts.DirectIO)
		if err != nil {
			return ext, err
		}
		device := loop.Device
		if b.opts.DirectIO && !loop.DirectIO {
			b.logger.Warn("direct I/O unavailable, loop device uses the page cache", map[string]interface{}{
				"device":  device,
				"backing": path,
			})
		}
		ext.KernelHandle = device
		ext.DeviceID = loopNumber(device)
		label = fmt.Sprintf("SWAP_loop_%d", req.Index)
		b.tune(device)
	}

	if err := b.format(ext.KernelHandle, req.CapacityBytes, label); err != nil {
		return ext, errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to write swap header").
			WithComponent("swapfile").WithOperation("format").WithContext("path", ext.KernelHandle)
	}

	// Discard punches holes in the backing file, which defeats a sparse
	// loop-backed layout.
	discard := b.opts.Discard && !b.opts.SparseLoop
	if err := b.swapper.SwapOn(ext.KernelHandle, ext.Priority, discard); err != nil {
		return ext, err
	}

	if b.opts.SparseLoop {
		// swapon resets some queue attributes
		b.sleep(ctx, b.retuneDelay)
		b.tune(ext.KernelHandle)
	}
	return ext, nil
}

// priorityFor gives every newer file a lower priority so the kernel fills
// older files first.
func (b *Backend) priorityFor(index int) int {
	p := b.opts.Priority - (index - 1)
	if p < 0 {
		p = 0
	}
	return p
}

func (b *Backend) tune(device string) {
	if err := kernel.TuneQueue(b.opts.SysPath, device, kernel.QueueOptions{NrRequests: b.opts.NrRequests}); err != nil {
		b.logger.Debug("queue tuning incomplete", map[string]interface{}{"device": device, "error": err})
	}
}

func (b *Backend) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Deactivate swaps the extent off. The kernel moves its pages to other swap
// areas or back to RAM.
func (b *Backend) Deactivate(ctx context.Context, ext types.Extent) error {
	return b.swapper.SwapOff(ext.KernelHandle)
}

// Release detaches the loop device, if any, and removes the backing file.
func (b *Backend) Release(ctx context.Context, ext types.Extent) error {
	if ext.KernelHandle != "" && ext.KernelHandle != ext.BackingFile && isLoopDevice(ext.KernelHandle) {
		err := b.retryer.DoWithContext(ctx, func(context.Context) error {
			return b.loops.Detach(ext.KernelHandle)
		})
		if err != nil {
			return err
		}
	}

	backing := ext.BackingFile
	if backing == "" {
		backing = b.filePath(ext.Index)
	}
	if err := os.Remove(backing); err != nil && !os.IsNotExist(err) {
		return errors.FromErrno(err, "swapfile", "remove_file").WithContext("path", backing)
	}

	b.logger.Info("swap file removed", map[string]interface{}{
		"path":   backing,
		"device": ext.KernelHandle,
		"index":  ext.Index,
	})
	return nil
}

// DescribeCapacity sums the extents' sizes and usage as last read from the
// swap table.
func (b *Backend) DescribeCapacity(ctx context.Context, extents []types.Extent) (types.Capacity, error) {
	var c types.Capacity
	for _, ext := range extents {
		if ext.State == types.StateReleasing {
			continue
		}
		c.TotalBytes += ext.CapacityBytes
		c.UsedBytes += ext.UsedBytes
	}
	if c.TotalBytes > 0 {
		c.UtilizationPercent = int(c.UsedBytes * 100 / c.TotalBytes)
	}
	return c, nil
}

// Maintain re-applies queue settings the loop driver tends to reset:
// read-ahead every few ticks and the full queue tuning less often.
func (b *Backend) Maintain(ctx context.Context, extents []types.Extent, tick uint64) {
	if !b.opts.SparseLoop {
		return
	}
	for _, ext := range extents {
		if !isLoopDevice(ext.KernelHandle) {
			continue
		}
		if tick%retuneEvery == 0 {
			b.tune(ext.KernelHandle)
		}
		if tick%readaheadEvery == 0 {
			if err := kernel.SetReadahead(b.opts.SysPath, ext.KernelHandle); err != nil {
				b.logger.Debug("read-ahead not applied", map[string]interface{}{
					"device": ext.KernelHandle,
					"error":  err,
				})
			}
		}
	}
}

func isLoopDevice(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "loop")
}

func loopNumber(device string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(device), "loop"))
	if err != nil {
		return 0
	}
	return n
}

// fileIndex returns the number a swap file is named by, or 0.
func fileIndex(path string) int {
	n, err := strconv.Atoi(filepath.Base(path))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
