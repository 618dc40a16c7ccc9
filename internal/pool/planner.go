package pool

import (
	"sort"

	"github.com/swapfc/swapfc/pkg/types"
)

// Planner picks an extent whose pages the rest of the pool can absorb.
type Planner struct {
	MinCount        int
	ShrinkThreshold int
	SafeHeadroom    int
}

// NewPlanner returns the planner for p.
func NewPlanner(p Policy) Planner {
	return Planner{
		MinCount:        p.MinCount,
		ShrinkThreshold: p.ShrinkThreshold,
		SafeHeadroom:    p.SafeHeadroom,
	}
}

// Candidate returns the first safe extent to retire, or false. Only Active
// extents are considered and the pool never drops to MinCount or below.
func (pl Planner) Candidate(extents []types.Extent) (types.Extent, bool) {
	if live(extents) <= pl.MinCount {
		return types.Extent{}, false
	}

	var candidates []types.Extent
	for _, ext := range extents {
		if ext.State == types.StateActive && ext.UsagePercent() <= pl.ShrinkThreshold {
			candidates = append(candidates, ext)
		}
	}

	// Lowest priority first; among equals the newest extent goes first.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Index > candidates[j].Index
	})

	for _, c := range candidates {
		if pl.IsSafe(c, extents) {
			return c, true
		}
	}
	return types.Extent{}, false
}

// IsSafe reports whether the other Active extents can take target's used
// pages and still keep SafeHeadroom percent of their capacity free.
func (pl Planner) IsSafe(target types.Extent, extents []types.Extent) bool {
	var otherSize, otherUsed uint64
	for _, ext := range extents {
		if ext.Index == target.Index || ext.State != types.StateActive {
			continue
		}
		otherSize += ext.CapacityBytes
		otherUsed += ext.UsedBytes
	}
	if otherSize == 0 {
		return false
	}

	var otherFree uint64
	if otherSize > otherUsed {
		otherFree = otherSize - otherUsed
	}
	headroom := otherSize * uint64(pl.SafeHeadroom) / 100
	return otherFree >= target.UsedBytes+headroom
}

// live counts the extents that still serve as swap.
func live(extents []types.Extent) int {
	n := 0
	for _, ext := range extents {
		if ext.State != types.StateReleasing {
			n++
		}
	}
	return n
}
