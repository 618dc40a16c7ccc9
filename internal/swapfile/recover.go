package swapfile

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/swapfc/swapfc/internal/kernel"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/types"
)

// ownedBacking maps a loop backing path to the file in the swap directory it
// refers to. On btrfs subvolumes the kernel reports the path relative to the
// subvolume root, so only the numeric name is trusted.
func (b *Backend) ownedBacking(backing string) (string, bool) {
	n := fileIndex(backing)
	if n == 0 {
		return "", false
	}
	path := b.filePath(n)
	if filepath.Clean(backing) == path {
		return path, true
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// loopTable returns device -> owned backing file for attached loops and
// detaches loops whose backing file was deleted and that are not swap.
func (b *Backend) loopTable(active map[string]bool) map[string]string {
	table := make(map[string]string)
	if b.loops == nil {
		return table
	}
	loops, err := b.loops.List()
	if err != nil {
		b.logger.Warn("could not list loop devices", map[string]interface{}{"error": err})
		return table
	}

	for _, l := range loops {
		if l.Deleted {
			if fileIndex(l.Backing) == 0 || active[l.Device] {
				continue
			}
			if err := b.loops.Detach(l.Device); err != nil {
				b.logger.Warn("could not detach loop with deleted backing file", map[string]interface{}{
					"device": l.Device,
					"error":  err,
				})
				continue
			}
			b.logger.Info("detached loop with deleted backing file", map[string]interface{}{"device": l.Device})
			continue
		}
		if path, ok := b.ownedBacking(l.Backing); ok {
			table[l.Device] = path
		}
	}
	return table
}

// Discover claims swap entries that are files in the swap directory or loop
// devices fronting them. Loop devices are matched through the loop table
// first and through records second. Indices follow the file names.
func (b *Backend) Discover(ctx context.Context, swaps []types.SwapEntry, records []types.Record) ([]types.Extent, error) {
	active := make(map[string]bool, len(swaps))
	for _, s := range swaps {
		active[s.Filename] = true
	}

	byHandle := make(map[string]types.Record, len(records))
	for _, r := range records {
		if r.Kind.IsDisk() {
			byHandle[r.KernelHandle] = r
		}
	}

	loops := b.loopTable(active)

	var found []types.Extent
	for _, s := range swaps {
		ext := types.Extent{
			State:         types.StateActive,
			CapacityBytes: s.Size,
			UsedBytes:     s.Used,
			Priority:      s.Priority,
			KernelHandle:  s.Filename,
		}

		switch {
		case filepath.Dir(s.Filename) == b.opts.Dir && fileIndex(s.Filename) > 0:
			ext.Kind = types.KindDiskPlain
			ext.BackingFile = s.Filename
		case loops[s.Filename] != "":
			ext.Kind = types.KindDiskLoopSparse
			ext.BackingFile = loops[s.Filename]
			ext.DeviceID = loopNumber(s.Filename)
		case byHandle[s.Filename].BackingFile != "" && isLoopDevice(s.Filename):
			ext.Kind = types.KindDiskLoopSparse
			ext.BackingFile = byHandle[s.Filename].BackingFile
			ext.DeviceID = loopNumber(s.Filename)
		default:
			continue
		}

		ext.Index = fileIndex(ext.BackingFile)
		if r, ok := byHandle[s.Filename]; ok {
			ext.CreatedAt = r.CreatedAt
			if ext.Index == 0 {
				ext.Index = r.Index
			}
		}
		found = append(found, ext)
	}
	return found, nil
}

// Sweep detaches loops over swap files that are no longer swap and deletes
// numbered files that back no live extent. It returns how many artifacts
// were removed.
func (b *Backend) Sweep(ctx context.Context, live []types.Extent, swaps []types.SwapEntry) (int, error) {
	keep := make(map[string]bool, len(live))
	for _, ext := range live {
		keep[ext.BackingFile] = true
		keep[ext.KernelHandle] = true
	}
	active := make(map[string]bool, len(swaps))
	for _, s := range swaps {
		active[s.Filename] = true
	}

	var (
		removed int
		errs    error
	)

	if b.loops != nil {
		loops, err := b.loops.List()
		if err != nil {
			errs = multierr.Append(errs, err)
			loops = nil
		}
		for _, l := range loops {
			path, ok := b.ownedBacking(l.Backing)
			if !ok {
				continue
			}
			if active[l.Device] || keep[l.Device] {
				keep[path] = true
				continue
			}
			if err := b.detach(ctx, l); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			removed++
		}
	}

	entries, err := os.ReadDir(b.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return removed, errs
		}
		return removed, multierr.Append(errs, err)
	}
	for _, e := range entries {
		path := filepath.Join(b.opts.Dir, e.Name())
		if e.IsDir() || fileIndex(path) == 0 || keep[path] || active[path] {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, errors.FromErrno(err, "swapfile", "remove_stale").WithContext("path", path))
			continue
		}
		b.logger.Info("removed stale swap file", map[string]interface{}{"path": path})
		removed++
	}
	return removed, errs
}

func (b *Backend) detach(ctx context.Context, l kernel.LoopInfo) error {
	err := b.retryer.DoWithContext(ctx, func(context.Context) error {
		return b.loops.Detach(l.Device)
	})
	if err != nil {
		return err
	}
	b.logger.Info("detached orphaned loop", map[string]interface{}{
		"device":  l.Device,
		"backing": l.Backing,
	})
	return nil
}
