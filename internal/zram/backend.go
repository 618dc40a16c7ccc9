package zram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/internal/kernel"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/retry"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

const (
	// minDevicesForLimit spreads mem_limit_percent over at least this many
	// devices so the first devices cannot take the whole budget.
	minDevicesForLimit = 4

	// minDeviceRAMPercent is the smallest device size as a share of RAM.
	minDeviceRAMPercent = 5
)

// Options configures a Backend.
type Options struct {
	SysPath string
	DevPath string

	Algorithm       string
	AlgorithmParams string
	Priority        int
	MemLimitPercent int

	// ExpandMinRatio and MinFreeRAM feed the expansion gate.
	ExpandMinRatio float64
	MinFreeRAM     int

	TotalRAM uint64
}

// OptionsFromConfig builds backend options from the daemon configuration.
func OptionsFromConfig(cfg *config.Configuration, totalRAM uint64) Options {
	z := cfg.Zram
	return Options{
		SysPath:         cfg.Global.SysPath,
		DevPath:         "/dev",
		Algorithm:       z.Algorithm,
		AlgorithmParams: z.AlgorithmParams,
		Priority:        z.Priority,
		MemLimitPercent: z.MemLimitPercent,
		ExpandMinRatio:  z.ExpandMinRatio,
		MinFreeRAM:      z.MinFreeRAM,
		TotalRAM:        totalRAM,
	}
}

// DeviceSize returns the disksize of every device: a quarter of the
// configured share of RAM, but never less than 5% of RAM.
func DeviceSize(totalRAM uint64, sizePercent int) uint64 {
	size := totalRAM * uint64(sizePercent) / 100 / 4
	floor := totalRAM * minDeviceRAMPercent / 100
	if size < floor {
		size = floor
	}
	return size
}

var (
	_ types.Backend       = (*Backend)(nil)
	_ types.ExpansionGate = (*Backend)(nil)
)

// Backend manages zram block devices through sysfs hot_add/hot_remove.
type Backend struct {
	opts    Options
	sys     sysfs
	swapper kernel.Swapper
	retryer *retry.Retryer
	logger  *utils.StructuredLogger
}

// NewBackend returns a zram backend. A nil retryer uses retry.DefaultConfig.
func NewBackend(opts Options, swapper kernel.Swapper, retryer *retry.Retryer, logger *utils.StructuredLogger) *Backend {
	if opts.SysPath == "" {
		opts.SysPath = "/sys"
	}
	if opts.DevPath == "" {
		opts.DevPath = "/dev"
	}
	if opts.Priority <= 0 || opts.Priority > kernel.MaxSwapPriority {
		opts.Priority = kernel.MaxSwapPriority
	}
	if retryer == nil {
		retryer = retry.New(retry.DefaultConfig())
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Backend{
		opts:    opts,
		sys:     sysfs{root: opts.SysPath},
		swapper: swapper,
		retryer: retryer,
		logger:  logger.WithComponent("zram"),
	}
}

func (b *Backend) Name() string           { return "zram" }
func (b *Backend) Kind() types.ExtentKind { return types.KindCompressedRAM }

// Available reports whether the kernel exposes zram.
func (b *Backend) Available() bool {
	return b.sys.available()
}

// Setup fails with KERNEL_INTERFACE_UNAVAILABLE when zram is missing.
func (b *Backend) Setup(ctx context.Context) error {
	if !b.Available() {
		return errors.NewError(errors.ErrCodeKernelUnavailable, "zram module not loaded").
			WithComponent("zram").
			WithOperation("setup").
			WithContext("sys_path", b.opts.SysPath)
	}
	return nil
}

func (b *Backend) devicePath(id int) string {
	return filepath.Join(b.opts.DevPath, fmt.Sprintf("zram%d", id))
}

// Create hot-adds a device, sizes it and activates it as swap. Any failure
// after hot_add resets and removes the device again.
func (b *Backend) Create(ctx context.Context, req types.CreateRequest) (types.Extent, error) {
	id, err := b.sys.hotAdd()
	if err != nil {
		return types.Extent{}, err
	}

	ext, err := b.configure(id, req)
	if err != nil {
		if rbErr := b.remove(ctx, id); rbErr != nil {
			b.logger.Warn("rollback of failed device incomplete", map[string]interface{}{
				"device_id": id,
				"error":     rbErr,
			})
		}
		return types.Extent{}, err
	}

	b.logger.Info("device created", map[string]interface{}{
		"device":   ext.KernelHandle,
		"index":    ext.Index,
		"disksize": utils.FormatBytes(ext.CapacityBytes),
	})
	return ext, nil
}

func (b *Backend) configure(id int, req types.CreateRequest) (types.Extent, error) {
	fields := map[string]interface{}{"device_id": id}

	// comp_algorithm and algorithm_params must be set before disksize.
	if b.opts.Algorithm != "" {
		if err := b.sys.write(id, "comp_algorithm", b.opts.Algorithm, false); err != nil {
			b.logger.Warn("could not set compression algorithm, using kernel default", fields,
				map[string]interface{}{"algorithm": b.opts.Algorithm, "error": err})
		}
	}
	if b.opts.Algorithm == "zstd" && b.opts.AlgorithmParams != "" {
		if err := b.sys.write(id, "algorithm_params", b.opts.AlgorithmParams, true); err != nil {
			b.logger.Warn("could not set algorithm params", fields, map[string]interface{}{"error": err})
		}
	}

	if err := b.sys.write(id, "disksize", strconv.FormatUint(req.CapacityBytes, 10), false); err != nil {
		return types.Extent{}, err
	}

	if limit := b.memLimit(req.PoolSize); limit > 0 {
		if err := b.sys.write(id, "mem_limit", strconv.FormatUint(limit, 10), true); err != nil {
			b.logger.Warn("could not set mem_limit", fields, map[string]interface{}{"error": err})
		}
	}

	device := b.devicePath(id)
	label := fmt.Sprintf("SWAP_zram_%d", req.Index)
	if err := kernel.FormatSwap(device, req.CapacityBytes, label); err != nil {
		return types.Extent{}, errors.Wrap(err, errors.ErrCodeOperationFailed, "format zram device").
			WithComponent("zram").WithOperation("format").WithContext("device", device)
	}

	if err := b.swapper.SwapOn(device, b.opts.Priority, true); err != nil {
		return types.Extent{}, err
	}

	return types.Extent{
		Index:         req.Index,
		Kind:          types.KindCompressedRAM,
		State:         types.StateActive,
		CapacityBytes: req.CapacityBytes,
		Priority:      b.opts.Priority,
		KernelHandle:  device,
		DeviceID:      id,
		CreatedAt:     time.Now(),
	}, nil
}

// memLimit divides the configured RAM budget over the pool, counting at
// least minDevicesForLimit devices.
func (b *Backend) memLimit(poolSize int) uint64 {
	if b.opts.MemLimitPercent <= 0 || b.opts.TotalRAM == 0 {
		return 0
	}
	devices := poolSize + 1
	if devices < minDevicesForLimit {
		devices = minDevicesForLimit
	}
	return b.opts.TotalRAM * uint64(b.opts.MemLimitPercent) / 100 / uint64(devices)
}

// Deactivate swaps the device off. Pages are decompressed back into RAM, so
// this fails with DEVICE_BUSY or RESOURCE_EXHAUSTED under pressure.
func (b *Backend) Deactivate(ctx context.Context, ext types.Extent) error {
	return b.swapper.SwapOff(ext.KernelHandle)
}

// Release resets and hot-removes a deactivated device, retrying while the
// kernel still holds it open.
func (b *Backend) Release(ctx context.Context, ext types.Extent) error {
	if err := b.remove(ctx, ext.DeviceID); err != nil {
		return err
	}
	b.logger.Info("device removed", map[string]interface{}{
		"device": ext.KernelHandle,
		"index":  ext.Index,
	})
	return nil
}

func (b *Backend) remove(ctx context.Context, id int) error {
	if _, err := os.Stat(b.sys.device(id)); os.IsNotExist(err) {
		return nil
	}
	return b.retryer.DoWithContext(ctx, func(context.Context) error {
		if err := b.sys.write(id, "reset", "1", false); err != nil {
			return err
		}
		return b.sys.hotRemove(id)
	})
}

// DescribeCapacity aggregates mm_stat over the active devices. Utilization
// is uncompressed data over disksize.
func (b *Backend) DescribeCapacity(ctx context.Context, extents []types.Extent) (types.Capacity, error) {
	var (
		c        types.Capacity
		disksize uint64
		found    bool
	)
	for _, ext := range extents {
		if ext.State != types.StateActive {
			continue
		}
		stat, err := b.sys.mmStat(ext.DeviceID)
		if err != nil {
			b.logger.Debug("mm_stat unreadable", map[string]interface{}{
				"device": ext.KernelHandle,
				"error":  err,
			})
			continue
		}
		size, err := b.sys.readUint(ext.DeviceID, "disksize")
		if err != nil || size == 0 {
			size = ext.CapacityBytes
		}
		found = true
		disksize += size
		c.OrigDataBytes += stat.OrigDataSize
		c.ComprDataBytes += stat.ComprDataSize
		c.MemUsedBytes += stat.MemUsedTotal
	}
	if !found {
		return types.Capacity{}, errors.NewError(errors.ErrCodeOperationFailed, "no device statistics available").
			WithComponent("zram").WithOperation("describe_capacity")
	}

	c.TotalBytes = disksize
	c.UsedBytes = c.OrigDataBytes
	if disksize > 0 {
		c.UtilizationPercent = int(c.OrigDataBytes * 100 / disksize)
	}
	if c.ComprDataBytes > 0 {
		c.CompressionRatio = float64(c.OrigDataBytes) / float64(c.ComprDataBytes)
	}
	if b.opts.TotalRAM > 0 {
		c.PhysicalRAMPercent = float64(c.MemUsedBytes) * 100 / float64(b.opts.TotalRAM)
	}
	return c, nil
}

// FreeRAMFloor returns the minimum free RAM percentage required before
// adding a device. Better compression means each device costs less RAM, so
// the floor drops as the ratio rises.
func FreeRAMFloor(ratio float64, minFreeRAM int) int {
	switch {
	case ratio >= 10:
		return 2
	case ratio >= 5:
		return 3
	case ratio >= 3:
		return 5
	case ratio >= 2:
		return 8
	default:
		return minFreeRAM
	}
}

// AllowExpansion refuses growth when data compresses poorly or when free RAM
// is below the adaptive floor.
func (b *Backend) AllowExpansion(capacity types.Capacity, freeRAMPercent int) (bool, string) {
	if capacity.OrigDataBytes > 0 && capacity.CompressionRatio < b.opts.ExpandMinRatio {
		return false, fmt.Sprintf("compression ratio %.1f below %.1f", capacity.CompressionRatio, b.opts.ExpandMinRatio)
	}
	if floor := FreeRAMFloor(capacity.CompressionRatio, b.opts.MinFreeRAM); freeRAMPercent < floor {
		return false, fmt.Sprintf("free RAM %d%% below %d%%", freeRAMPercent, floor)
	}
	return true, ""
}

// Discover returns every initialized zram device that is active swap.
// Indices come from records; unknown devices get Index 0. A recorded device
// that is initialized but no longer swap is returned as Releasing so that
// its reset and hot_remove can be finished.
func (b *Backend) Discover(ctx context.Context, swaps []types.SwapEntry, records []types.Record) ([]types.Extent, error) {
	ids, err := b.sys.devices()
	if err != nil {
		return nil, err
	}

	active := make(map[string]types.SwapEntry, len(swaps))
	for _, s := range swaps {
		active[s.Filename] = s
	}
	byHandle := make(map[string]types.Record, len(records))
	for _, r := range records {
		if r.Kind == types.KindCompressedRAM {
			byHandle[r.KernelHandle] = r
		}
	}

	var found []types.Extent
	for _, id := range ids {
		disksize, err := b.sys.readUint(id, "disksize")
		if err != nil || disksize == 0 {
			continue
		}
		device := b.devicePath(id)
		entry, ok := active[device]
		if !ok {
			if r, recorded := byHandle[device]; recorded {
				found = append(found, types.Extent{
					Index:         r.Index,
					Kind:          types.KindCompressedRAM,
					State:         types.StateReleasing,
					CapacityBytes: disksize,
					KernelHandle:  device,
					DeviceID:      id,
					CreatedAt:     r.CreatedAt,
				})
			}
			continue
		}

		ext := types.Extent{
			Kind:          types.KindCompressedRAM,
			State:         types.StateActive,
			CapacityBytes: disksize,
			UsedBytes:     entry.Used,
			Priority:      entry.Priority,
			KernelHandle:  device,
			DeviceID:      id,
			CreatedAt:     time.Now(),
		}
		if r, ok := byHandle[device]; ok {
			ext.Index = r.Index
			ext.CreatedAt = r.CreatedAt
		}
		found = append(found, ext)
	}
	return found, nil
}
