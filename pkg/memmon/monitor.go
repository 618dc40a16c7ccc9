// Package memmon samples system memory and swap pressure from procfs.
package memmon

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

// neutral is reported for any percentage whose counters are unavailable, so
// that a missing counter never triggers growth.
const neutral = 100

// Snapshot is one reading of /proc/meminfo. Byte counts are zero when the
// kernel does not export the counter.
type Snapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	MemTotal     uint64    `json:"mem_total"`
	MemAvailable uint64    `json:"mem_available"`
	SwapTotal    uint64    `json:"swap_total"`
	SwapFree     uint64    `json:"swap_free"`
	Zswap        uint64    `json:"zswap"`
	Zswapped     uint64    `json:"zswapped"`

	haveMem  bool
	haveSwap bool
}

// FreeRAMPercent returns MemAvailable as a percentage of MemTotal.
func (s Snapshot) FreeRAMPercent() int {
	if !s.haveMem || s.MemTotal == 0 {
		return neutral
	}
	return clampPercent(s.MemAvailable * 100 / s.MemTotal)
}

// FreeSwapPercentRaw returns SwapFree as a percentage of SwapTotal.
func (s Snapshot) FreeSwapPercentRaw() int {
	if !s.haveSwap {
		return neutral
	}
	return clampPercent(s.SwapFree * 100 / max(s.SwapTotal, 1))
}

// FreeSwapPercentEffective counts pages resident in zswap as free: they have
// been charged to a swap slot but not yet written to the device.
func (s Snapshot) FreeSwapPercentEffective() int {
	if !s.haveSwap {
		return neutral
	}
	return clampPercent((s.SwapFree + s.Zswapped) * 100 / max(s.SwapTotal, 1))
}

func clampPercent(v uint64) int {
	if v > 100 {
		return 100
	}
	return int(v)
}

// MonitorConfig configures the pressure monitor.
type MonitorConfig struct {
	// ProcPath is the procfs mount point, "/proc" unless testing.
	ProcPath string

	// SampleInterval is how often Run refreshes the cached snapshot.
	SampleInterval time.Duration

	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProcPath:       procfs.DefaultMountPoint,
		SampleInterval: 5 * time.Second,
	}
}

// PressureMonitor reads memory and swap pressure. Reads never fail: an
// unreadable procfs degrades to neutral values and a logged warning.
type PressureMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu     sync.RWMutex
	fs     procfs.FS
	fsErr  error
	latest Snapshot
	warned bool
}

// NewPressureMonitor creates a monitor rooted at config.ProcPath.
func NewPressureMonitor(config MonitorConfig) *PressureMonitor {
	if config.ProcPath == "" {
		config.ProcPath = procfs.DefaultMountPoint
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	pm := &PressureMonitor{
		config: config,
		logger: config.Logger.WithComponent("memmon"),
	}
	pm.fs, pm.fsErr = procfs.NewFS(config.ProcPath)
	return pm
}

// Sample reads /proc/meminfo once.
func (pm *PressureMonitor) Sample() Snapshot {
	snap := Snapshot{Timestamp: time.Now()}

	if pm.fsErr != nil {
		pm.warnOnce("procfs unavailable", pm.fsErr)
		return snap
	}

	mi, err := pm.fs.Meminfo()
	if err != nil {
		pm.warnOnce("failed to read meminfo", err)
		return snap
	}

	if mi.MemTotal != nil && mi.MemAvailable != nil {
		snap.MemTotal = kib(mi.MemTotal)
		snap.MemAvailable = kib(mi.MemAvailable)
		snap.haveMem = true
	}
	if mi.SwapTotal != nil && mi.SwapFree != nil {
		snap.SwapTotal = kib(mi.SwapTotal)
		snap.SwapFree = kib(mi.SwapFree)
		snap.haveSwap = true
	}
	if zs, err := readZswap(filepath.Join(pm.config.ProcPath, "meminfo")); err == nil {
		snap.Zswap = zs.pool
		snap.Zswapped = zs.stored
	}

	pm.mu.Lock()
	pm.latest = snap
	pm.mu.Unlock()
	return snap
}

func kib(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v * 1024
}

type zswapCounters struct {
	pool   uint64
	stored uint64
}

// readZswap scans meminfo for the Zswap and Zswapped lines, which procfs
// does not parse. Absent lines read as zero.
func readZswap(path string) (zswapCounters, error) {
	var zs zswapCounters
	f, err := os.Open(path)
	if err != nil {
		return zs, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		var dst *uint64
		switch fields[0] {
		case "Zswap:":
			dst = &zs.pool
		case "Zswapped:":
			dst = &zs.stored
		default:
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) > 2 && fields[2] == "kB" {
			v *= 1024
		}
		*dst = v
	}
	return zs, scanner.Err()
}

// Latest returns the snapshot taken by the most recent Sample.
func (pm *PressureMonitor) Latest() Snapshot {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.latest
}

// FreeRAMPercent samples and returns free RAM %.
func (pm *PressureMonitor) FreeRAMPercent() int {
	return pm.Sample().FreeRAMPercent()
}

// FreeSwapPercentRaw samples and returns raw free swap %.
func (pm *PressureMonitor) FreeSwapPercentRaw() int {
	return pm.Sample().FreeSwapPercentRaw()
}

// FreeSwapPercentEffective samples and returns zswap-adjusted free swap %.
func (pm *PressureMonitor) FreeSwapPercentEffective() int {
	return pm.Sample().FreeSwapPercentEffective()
}

// TotalRAM returns MemTotal in bytes, or 0 when unknown.
func (pm *PressureMonitor) TotalRAM() uint64 {
	return pm.Sample().MemTotal
}

// Swaps reads the kernel swap table.
func (pm *PressureMonitor) Swaps() ([]types.SwapEntry, error) {
	if pm.fsErr != nil {
		return nil, pm.fsErr
	}
	swaps, err := pm.fs.Swaps()
	if err != nil {
		return nil, err
	}

	entries := make([]types.SwapEntry, 0, len(swaps))
	for _, s := range swaps {
		entries = append(entries, types.SwapEntry{
			Filename: s.Filename,
			Type:     s.Type,
			Size:     uint64(max(s.Size, 0)) * 1024,
			Used:     uint64(max(s.Used, 0)) * 1024,
			Priority: s.Priority,
		})
	}
	return entries, nil
}

// Run samples every SampleInterval and passes each snapshot to fn until ctx
// is done.
func (pm *PressureMonitor) Run(ctx context.Context, fn func(Snapshot)) {
	ticker := time.NewTicker(pm.config.SampleInterval)
	defer ticker.Stop()

	for {
		snap := pm.Sample()
		if fn != nil {
			fn(snap)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (pm *PressureMonitor) warnOnce(msg string, err error) {
	pm.mu.Lock()
	already := pm.warned
	pm.warned = true
	pm.mu.Unlock()

	if !already {
		pm.logger.Warn(msg, map[string]interface{}{
			"proc":  pm.config.ProcPath,
			"error": err,
		})
	}
}

// Pressure converts the snapshot into the percentages pools decide on.
func (s Snapshot) Pressure() types.Pressure {
	return types.Pressure{
		FreeRAMPercent:           s.FreeRAMPercent(),
		FreeSwapPercentRaw:       s.FreeSwapPercentRaw(),
		FreeSwapPercentEffective: s.FreeSwapPercentEffective(),
		TotalRAMBytes:            s.MemTotal,
	}
}

// Pressure samples once and returns the pool-facing percentages.
func (pm *PressureMonitor) Pressure() types.Pressure {
	return pm.Sample().Pressure()
}

// Cached reports pressure from the monitor's latest snapshot without reading
// /proc. It is only as fresh as the last Sample, which Run keeps current.
type Cached struct {
	Monitor *PressureMonitor
}

// Pressure returns the latest snapshot's percentages.
func (c Cached) Pressure() types.Pressure {
	return c.Monitor.Latest().Pressure()
}
