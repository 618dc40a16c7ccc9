// Package kerneltest provides in-memory stand-ins for the kernel interfaces
// used by pools and backends.
package kerneltest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/swapfc/swapfc/internal/kernel"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/types"
)

// Host fakes swapon/swapoff, the swap table and memory pressure.
type Host struct {
	mu       sync.Mutex
	active   map[string]*types.SwapEntry
	order    []string
	pressure types.Pressure

	// BusyOff makes SwapOff fail with EBUSY this many times per path.
	BusyOff map[string]int
	// FailOn makes SwapOn fail with the given error per path.
	FailOn map[string]error
	// SwapOffCalls counts deactivation attempts per path.
	SwapOffCalls map[string]int
}

// NewHost returns a host with plenty of free memory and no swap.
func NewHost() *Host {
	return &Host{
		active:       make(map[string]*types.SwapEntry),
		BusyOff:      make(map[string]int),
		FailOn:       make(map[string]error),
		SwapOffCalls: make(map[string]int),
		pressure: types.Pressure{
			FreeRAMPercent:           80,
			FreeSwapPercentRaw:       100,
			FreeSwapPercentEffective: 100,
			TotalRAMBytes:            8 << 30,
		},
	}
}

// SwapOn records path as active. The size is the file size on disk when
// the path exists.
func (h *Host) SwapOn(path string, priority int, discard bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err, ok := h.FailOn[path]; ok {
		return err
	}
	if _, ok := h.active[path]; ok {
		return errors.FromErrno(fmt.Errorf("swapon %s: %w", path, unix.EBUSY), "kernel", "swapon")
	}

	var size uint64
	if info, err := os.Stat(path); err == nil {
		size = uint64(info.Size())
	}
	h.active[path] = &types.SwapEntry{Filename: path, Type: "file", Size: size, Priority: priority}
	h.order = append(h.order, path)
	return nil
}

// SwapOff removes path from the swap table.
func (h *Host) SwapOff(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.SwapOffCalls[path]++
	if h.BusyOff[path] > 0 {
		h.BusyOff[path]--
		return errors.FromErrno(fmt.Errorf("swapoff %s: %w", path, unix.EBUSY), "kernel", "swapoff")
	}
	h.removeLocked(path)
	return nil
}

func (h *Host) removeLocked(path string) {
	delete(h.active, path)
	for i, p := range h.order {
		if p == path {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Activate inserts an entry directly, as if left by a previous run.
func (h *Host) Activate(entry types.SwapEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := entry
	if _, ok := h.active[e.Filename]; !ok {
		h.order = append(h.order, e.Filename)
	}
	h.active[e.Filename] = &e
}

// SetUsage sets the used bytes reported for path.
func (h *Host) SetUsage(path string, used uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.active[path]; ok {
		e.Used = used
	}
}

// IsActive reports whether path is in the swap table.
func (h *Host) IsActive(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.active[path]
	return ok
}

// Active returns the active paths in activation order.
func (h *Host) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// Swaps returns the swap table.
func (h *Host) Swaps() ([]types.SwapEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := make([]types.SwapEntry, 0, len(h.order))
	for _, p := range h.order {
		entries = append(entries, *h.active[p])
	}
	return entries, nil
}

// SetPressure replaces the reported pressure.
func (h *Host) SetPressure(p types.Pressure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pressure = p
}

// Pressure returns the configured pressure.
func (h *Host) Pressure() types.Pressure {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pressure
}

// Loops fakes loop device management.
type Loops struct {
	mu       sync.Mutex
	attached map[string]kernel.LoopInfo
	next     int

	// BusyDetach makes Detach fail with EBUSY this many times per device.
	BusyDetach map[string]int

	// NoDirectIO makes Attach leave devices buffered.
	NoDirectIO bool
}

// NewLoops returns a fake with no attached devices.
func NewLoops() *Loops {
	return &Loops{attached: make(map[string]kernel.LoopInfo), BusyDetach: make(map[string]int)}
}

// Attach binds backing to the next free /dev/loopN.
func (l *Loops) Attach(backing string, directIO bool) (kernel.LoopInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(backing); err != nil {
		return kernel.LoopInfo{}, err
	}
	for {
		dev := fmt.Sprintf("/dev/loop%d", l.next)
		l.next++
		if _, used := l.attached[dev]; !used {
			l.attached[dev] = kernel.LoopInfo{Device: dev, Backing: backing}
			return kernel.LoopInfo{Device: dev, Backing: backing, DirectIO: directIO && !l.NoDirectIO}, nil
		}
	}
}

// Seed records an attachment left by a previous run.
func (l *Loops) Seed(info kernel.LoopInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached[info.Device] = info
}

// Detach unbinds device.
func (l *Loops) Detach(device string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.BusyDetach[device] > 0 {
		l.BusyDetach[device]--
		return errors.FromErrno(unix.EBUSY, "kernel", "loop_detach")
	}
	delete(l.attached, device)
	return nil
}

// List returns attached devices sorted by name.
func (l *Loops) List() ([]kernel.LoopInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]kernel.LoopInfo, 0, len(l.attached))
	for _, info := range l.attached {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}

// Filesystem fakes statfs, NOCOW and remount.
type Filesystem struct {
	mu sync.Mutex

	Type      kernel.FSType
	FreeBytes uint64
	Mount     kernel.MountPoint

	NoCOW     map[string]bool
	Remounted [][]string
}

// NewFilesystem returns an ext4 filesystem with the given free space.
func NewFilesystem(free uint64) *Filesystem {
	return &Filesystem{
		Type:      kernel.FSExt4,
		FreeBytes: free,
		Mount:     kernel.MountPoint{Path: "/", FSType: "ext4", Options: map[string]string{"rw": ""}},
		NoCOW:     make(map[string]bool),
	}
}

// Inspect reports the configured type and free space.
func (f *Filesystem) Inspect(path string) (kernel.FSInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return kernel.FSInfo{Type: f.Type, FreeBytes: f.FreeBytes}, nil
}

// SetNoCOW records path.
func (f *Filesystem) SetNoCOW(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NoCOW[filepath.Clean(path)] = true
	return nil
}

// MountOf returns the configured mount.
func (f *Filesystem) MountOf(path string) (kernel.MountPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Mount, nil
}

// Remount records the options.
func (f *Filesystem) Remount(mount kernel.MountPoint, opts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Remounted = append(f.Remounted, opts)
	return nil
}

// SetFree changes the reported free space.
func (f *Filesystem) SetFree(free uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FreeBytes = free
}
