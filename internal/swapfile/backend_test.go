package swapfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/swapfc/swapfc/internal/kernel"
	"github.com/swapfc/swapfc/internal/kernel/kerneltest"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/retry"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

const testChunk = 1 << 20

type formatCall struct {
	path  string
	size  uint64
	label string
}

type harness struct {
	dir   string
	sys   string
	host  *kerneltest.Host
	loops *kerneltest.Loops
	fs    *kerneltest.Filesystem
	log   bytes.Buffer

	mu      sync.Mutex
	formats []formatCall
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		dir:   filepath.Join(t.TempDir(), "swap"),
		sys:   t.TempDir(),
		host:  kerneltest.NewHost(),
		loops: kerneltest.NewLoops(),
		fs:    kerneltest.NewFilesystem(64 << 30),
	}
}

func (h *harness) backend(t *testing.T, opts Options) *Backend {
	t.Helper()
	opts.Dir = h.dir
	opts.SysPath = h.sys
	r := retry.New(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeDeviceBusy}})
	logger := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: utils.INFO, Output: &h.log})
	b := NewBackend(opts, h.host, h.loops, h.fs, r, logger)
	b.retuneDelay = 0
	b.format = func(path string, size uint64, label string) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.formats = append(h.formats, formatCall{path: path, size: size, label: label})
		return nil
	}
	require.NoError(t, b.Setup(context.Background()))
	return b
}

func (h *harness) touch(t *testing.T, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.dir, 0700))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(h.dir, n), nil, 0600))
	}
}

func TestSetup(t *testing.T) {
	t.Run("creates private directory", func(t *testing.T) {
		h := newHarness(t)
		h.backend(t, Options{})

		info, err := os.Stat(h.dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
		assert.Empty(t, h.fs.NoCOW, "NOCOW is only set on btrfs")
	})

	t.Run("btrfs sparse tunes directory and mount", func(t *testing.T) {
		h := newHarness(t)
		h.fs.Type = kernel.FSBtrfs
		h.fs.Mount = kernel.MountPoint{
			Path:    "/",
			FSType:  "btrfs",
			Options: map[string]string{"rw": "", "relatime": ""},
			Super:   map[string]string{"autodefrag": ""},
		}
		h.backend(t, Options{SparseLoop: true, NoCOW: true, TuneMountOptions: true})

		assert.True(t, h.fs.NoCOW[h.dir])
		require.Len(t, h.fs.Remounted, 1)
		assert.Equal(t, []string{"noautodefrag", "noatime"}, h.fs.Remounted[0])
	})

	t.Run("protected directory", func(t *testing.T) {
		b := NewBackend(Options{Dir: "/etc/swap"}, kerneltest.NewHost(), kerneltest.NewLoops(),
			kerneltest.NewFilesystem(1<<30), nil, nil)
		err := b.Setup(context.Background())
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodePathProtected))
	})
}

func TestMountOptionChanges(t *testing.T) {
	tests := []struct {
		name  string
		mount kernel.MountPoint
		nocow bool
		want  []string
	}{
		{
			name:  "already tuned",
			mount: kernel.MountPoint{Options: map[string]string{"noatime": ""}},
			want:  nil,
		},
		{
			name: "autodefrag and atime",
			mount: kernel.MountPoint{
				Options: map[string]string{"relatime": ""},
				Super:   map[string]string{"autodefrag": ""},
			},
			want: []string{"noautodefrag", "noatime"},
		},
		{
			name: "heavy compression downgraded",
			mount: kernel.MountPoint{
				Options: map[string]string{"noatime": ""},
				Super:   map[string]string{"compress": "zstd:3"},
			},
			want: []string{"compress-force=zstd:1"},
		},
		{
			name: "compression left alone with nocow",
			mount: kernel.MountPoint{
				Options: map[string]string{"noatime": ""},
				Super:   map[string]string{"compress": "zstd:3"},
			},
			nocow: true,
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MountOptionChanges(tt.mount, tt.nocow))
		})
	}
}

func TestCreate_Plain(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{Priority: 50})

	ext, err := b.Create(context.Background(), types.CreateRequest{Index: 2, CapacityBytes: testChunk})
	require.NoError(t, err)

	path := filepath.Join(h.dir, "2")
	assert.Equal(t, path, ext.KernelHandle)
	assert.Equal(t, path, ext.BackingFile)
	assert.Equal(t, types.KindDiskPlain, ext.Kind)
	assert.Equal(t, 49, ext.Priority)
	assert.True(t, h.host.IsActive(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(testChunk), info.Size())
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.Len(t, h.formats, 1)
	assert.Equal(t, formatCall{path: path, size: testChunk, label: "SWAP_file_2"}, h.formats[0])
}

func TestCreate_NotEnoughSpace(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{})
	h.fs.SetFree(testChunk*2 - 1)

	_, err := b.Create(context.Background(), types.CreateRequest{Index: 1, CapacityBytes: testChunk})
	require.Error(t, err)
	assert.True(t, errors.IsExhausted(err))

	_, statErr := os.Stat(filepath.Join(h.dir, "1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreate_Sparse(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{SparseLoop: true, DirectIO: true, Discard: true, Priority: 50})

	ext, err := b.Create(context.Background(), types.CreateRequest{Index: 1, CapacityBytes: testChunk})
	require.NoError(t, err)

	path := filepath.Join(h.dir, "1")
	assert.Equal(t, "/dev/loop0", ext.KernelHandle)
	assert.Equal(t, path, ext.BackingFile)
	assert.Equal(t, 0, ext.DeviceID)
	assert.Equal(t, types.KindDiskLoopSparse, ext.Kind)
	assert.Equal(t, 50, ext.Priority)
	assert.True(t, h.host.IsActive("/dev/loop0"))

	loops, err := h.loops.List()
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, path, loops[0].Backing)

	var st unix.Stat_t
	require.NoError(t, unix.Stat(path, &st))
	assert.Equal(t, int64(testChunk), st.Size)
	assert.Less(t, st.Blocks*512, int64(testChunk), "sparse files are not allocated up front")

	require.Len(t, h.formats, 1)
	assert.Equal(t, "SWAP_loop_1", h.formats[0].label)
	assert.Equal(t, "/dev/loop0", h.formats[0].path)
}

func TestCreate_SparseDirectIOFallback(t *testing.T) {
	t.Run("buffered loop is reported", func(t *testing.T) {
		h := newHarness(t)
		h.loops.NoDirectIO = true
		b := h.backend(t, Options{SparseLoop: true, DirectIO: true})

		ext, err := b.Create(context.Background(), types.CreateRequest{Index: 1, CapacityBytes: testChunk})
		require.NoError(t, err)
		assert.True(t, h.host.IsActive(ext.KernelHandle))
		assert.Contains(t, h.log.String(), "[WARN] direct I/O unavailable")
		assert.Contains(t, h.log.String(), "/dev/loop0")
	})

	t.Run("direct loop is quiet", func(t *testing.T) {
		h := newHarness(t)
		b := h.backend(t, Options{SparseLoop: true, DirectIO: true})

		_, err := b.Create(context.Background(), types.CreateRequest{Index: 1, CapacityBytes: testChunk})
		require.NoError(t, err)
		assert.NotContains(t, h.log.String(), "direct I/O unavailable")
	})
}

func TestCreate_SparseRollback(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{SparseLoop: true})
	h.host.FailOn["/dev/loop0"] = errors.FromErrno(unix.EINVAL, "kernel", "swapon")

	_, err := b.Create(context.Background(), types.CreateRequest{Index: 1, CapacityBytes: testChunk})
	require.Error(t, err)

	loops, err := h.loops.List()
	require.NoError(t, err)
	assert.Empty(t, loops)
	_, statErr := os.Stat(filepath.Join(h.dir, "1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeactivateAndRelease(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{SparseLoop: true})
	ctx := context.Background()

	ext, err := b.Create(ctx, types.CreateRequest{Index: 1, CapacityBytes: testChunk})
	require.NoError(t, err)

	require.NoError(t, b.Deactivate(ctx, ext))
	assert.False(t, h.host.IsActive(ext.KernelHandle))

	h.loops.BusyDetach[ext.KernelHandle] = 2
	require.NoError(t, b.Release(ctx, ext))

	loops, err := h.loops.List()
	require.NoError(t, err)
	assert.Empty(t, loops)
	_, statErr := os.Stat(ext.BackingFile)
	assert.True(t, os.IsNotExist(statErr))

	assert.NoError(t, b.Release(ctx, ext), "releasing twice succeeds")
}

func TestDescribeCapacity(t *testing.T) {
	b := NewBackend(Options{Dir: "/swapfile"}, nil, nil, nil, nil, nil)
	c, err := b.DescribeCapacity(context.Background(), []types.Extent{
		{CapacityBytes: 100, UsedBytes: 30},
		{CapacityBytes: 300, UsedBytes: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(400), c.TotalBytes)
	assert.Equal(t, uint64(40), c.UsedBytes)
	assert.Equal(t, 10, c.UtilizationPercent)
}

func TestDiscover(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{SparseLoop: true})
	h.touch(t, "1", "2", "4")

	// loop7 reports its backing file relative to a btrfs subvolume
	h.loops.Seed(kernel.LoopInfo{Device: "/dev/loop7", Backing: "/2"})
	h.loops.Seed(kernel.LoopInfo{Device: "/dev/loop9", Backing: filepath.Join(h.dir, "5"), Deleted: true})
	created := time.Unix(1700000000, 0)

	swaps := []types.SwapEntry{
		{Filename: filepath.Join(h.dir, "1"), Size: testChunk, Used: 4096, Priority: 50},
		{Filename: "/dev/loop7", Size: testChunk, Priority: 49},
		{Filename: "/dev/loop3", Size: testChunk, Priority: 47},
		{Filename: "/swap.img", Size: testChunk, Priority: -2},
	}
	records := []types.Record{
		{Index: 4, Kind: types.KindDiskLoopSparse, KernelHandle: "/dev/loop3",
			BackingFile: filepath.Join(h.dir, "4"), CreatedAt: created},
	}

	found, err := b.Discover(context.Background(), swaps, records)
	require.NoError(t, err)
	require.Len(t, found, 3)

	byHandle := map[string]types.Extent{}
	for _, e := range found {
		byHandle[e.KernelHandle] = e
	}

	plain := byHandle[filepath.Join(h.dir, "1")]
	assert.Equal(t, 1, plain.Index)
	assert.Equal(t, types.KindDiskPlain, plain.Kind)
	assert.Equal(t, uint64(4096), plain.UsedBytes)

	loop := byHandle["/dev/loop7"]
	assert.Equal(t, 2, loop.Index)
	assert.Equal(t, filepath.Join(h.dir, "2"), loop.BackingFile)
	assert.Equal(t, 7, loop.DeviceID)

	fromRecord := byHandle["/dev/loop3"]
	assert.Equal(t, 4, fromRecord.Index)
	assert.Equal(t, created, fromRecord.CreatedAt)

	loops, err := h.loops.List()
	require.NoError(t, err)
	require.Len(t, loops, 1, "the loop over a deleted file is detached")
	assert.Equal(t, "/dev/loop7", loops[0].Device)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{SparseLoop: true})
	h.touch(t, "1", "2", "3", "6", "notes")

	h.loops.Seed(kernel.LoopInfo{Device: "/dev/loop1", Backing: filepath.Join(h.dir, "1")})
	h.loops.Seed(kernel.LoopInfo{Device: "/dev/loop8", Backing: filepath.Join(h.dir, "3")})
	h.loops.Seed(kernel.LoopInfo{Device: "/dev/loop5", Backing: filepath.Join(h.dir, "6")})
	h.loops.Seed(kernel.LoopInfo{Device: "/dev/loop2", Backing: "/var/lib/images/disk.img"})

	live := []types.Extent{{Index: 1, KernelHandle: "/dev/loop1", BackingFile: filepath.Join(h.dir, "1")}}
	swaps := []types.SwapEntry{
		{Filename: "/dev/loop1"},
		{Filename: "/dev/loop5"},
	}

	removed, err := b.Sweep(context.Background(), live, swaps)
	require.NoError(t, err)
	assert.Equal(t, 3, removed, "loop8 plus files 2 and 3")

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"1", "6", "notes"}, names, "active swap backing files are kept")

	loops, err := h.loops.List()
	require.NoError(t, err)
	var devices []string
	for _, l := range loops {
		devices = append(devices, l.Device)
	}
	assert.ElementsMatch(t, []string{"/dev/loop1", "/dev/loop2", "/dev/loop5"}, devices)
}

func TestMaintain(t *testing.T) {
	h := newHarness(t)
	b := h.backend(t, Options{SparseLoop: true})

	queue := filepath.Join(h.sys, "block", "loop4", "queue")
	require.NoError(t, os.MkdirAll(queue, 0755))
	for _, attr := range []string{"read_ahead_kb", "scheduler"} {
		require.NoError(t, os.WriteFile(filepath.Join(queue, attr), []byte("x"), 0644))
	}
	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(queue, name))
		require.NoError(t, err)
		return strings.TrimSpace(string(data))
	}
	extents := []types.Extent{{KernelHandle: "/dev/loop4"}}

	b.Maintain(context.Background(), extents, 3)
	assert.Equal(t, "x", read("read_ahead_kb"))

	b.Maintain(context.Background(), extents, 5)
	assert.Equal(t, "8", read("read_ahead_kb"))
	assert.Equal(t, "x", read("scheduler"))

	b.Maintain(context.Background(), extents, 30)
	assert.Equal(t, "none", read("scheduler"))
}
