// Package recovery reconciles a pool with kernel state left behind by a
// previous run. Breadcrumbs and the swap table are matched through the pool's
// backend; every live extent is adopted and the breadcrumb directory is made to
// describe exactly that set.
package recovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

// RecordStore persists one record per live extent.
type RecordStore interface {
	Load() ([]types.Record, error)
	Save(rec types.Record) error
	Remove(index int) error
}

// SwapTable reads the kernel swap table.
type SwapTable interface {
	Swaps() ([]types.SwapEntry, error)
}

// Result describes one adoption run.
type Result struct {
	Extents       []types.Extent `json:"extents"`
	Reconstructed int            `json:"reconstructed"`
	Stale         int            `json:"stale"`
}

// Adopter reattaches a pool to its surviving kernel artifacts.
type Adopter struct {
	backend types.Backend
	store   RecordStore
	swaps   SwapTable
	logger  *utils.StructuredLogger
}

// NewAdopter creates an adopter for one pool.
func NewAdopter(backend types.Backend, store RecordStore, swaps SwapTable, logger *utils.StructuredLogger) *Adopter {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Adopter{
		backend: backend,
		store:   store,
		swaps:   swaps,
		logger:  logger.WithComponent("recovery").WithField("pool", backend.Name()),
	}
}

// Adopt discovers the pool's live extents. Extents the backend found without a
// record are given the lowest free index and a fresh record; records that
// match nothing live are deleted. Running it twice in a row adopts the same
// set and reconstructs nothing the second time.
func (a *Adopter) Adopt(ctx context.Context) (Result, error) {
	var result Result

	records, err := a.store.Load()
	if err != nil {
		return result, errors.Wrap(err, errors.ErrCodeBreadcrumbCorrupt, "failed to load breadcrumbs").
			WithComponent("recovery").WithOperation("adopt")
	}

	swaps, err := a.swaps.Swaps()
	if err != nil {
		return result, errors.Wrap(err, errors.ErrCodeKernelUnavailable, "failed to read swap table").
			WithComponent("recovery").WithOperation("adopt")
	}

	extents, err := a.backend.Discover(ctx, swaps, records)
	if err != nil {
		return result, err
	}

	known := make(map[int]types.Record, len(records))
	for _, rec := range records {
		known[rec.Index] = rec
	}

	used := make(map[int]bool, len(extents))
	for _, ext := range extents {
		if ext.Index > 0 {
			if used[ext.Index] {
				return result, errors.NewError(errors.ErrCodeInvalidState,
					fmt.Sprintf("index %d claimed by more than one extent", ext.Index)).
					WithComponent("recovery").WithOperation("adopt")
			}
			used[ext.Index] = true
		}
	}

	for _, rec := range records {
		if used[rec.Index] {
			continue
		}
		if err := a.store.Remove(rec.Index); err != nil {
			return result, err
		}
		delete(known, rec.Index)
		result.Stale++
		a.logger.Info("removed stale breadcrumb", map[string]interface{}{
			"index":         rec.Index,
			"kernel_handle": rec.KernelHandle,
		})
	}

	next := 1
	for i := range extents {
		ext := &extents[i]
		if ext.Index == 0 {
			for used[next] {
				next++
			}
			ext.Index = next
			used[next] = true
		}
		ext.Adopted = true
		if ext.State == "" {
			ext.State = types.StateActive
		}

		if rec, ok := known[ext.Index]; ok && rec.KernelHandle == ext.KernelHandle {
			continue
		}
		if err := a.store.Save(ext.Record()); err != nil {
			return result, err
		}
		result.Reconstructed++
		a.logger.Info("reconstructed breadcrumb", map[string]interface{}{
			"index":         ext.Index,
			"kernel_handle": ext.KernelHandle,
			"backing_file":  ext.BackingFile,
		})
	}

	sort.Slice(extents, func(i, j int) bool { return extents[i].Index < extents[j].Index })
	result.Extents = extents

	if len(extents) > 0 || result.Stale > 0 {
		a.logger.Info("adopted existing extents", map[string]interface{}{
			"adopted":       len(extents),
			"reconstructed": result.Reconstructed,
			"stale":         result.Stale,
		})
	}
	return result, nil
}
