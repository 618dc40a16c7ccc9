package types

import "time"

// ExtentKind identifies the backing technology of an extent.
type ExtentKind string

const (
	KindCompressedRAM  ExtentKind = "compressed_ram"
	KindDiskPlain      ExtentKind = "disk_plain"
	KindDiskLoopSparse ExtentKind = "disk_loop_sparse"
)

// IsDisk reports whether the kind is backed by a file on disk.
func (k ExtentKind) IsDisk() bool {
	return k == KindDiskPlain || k == KindDiskLoopSparse
}

// ExtentState is the lifecycle state of a live extent.
type ExtentState string

const (
	StateActive   ExtentState = "active"
	StateDraining ExtentState = "draining"

	// StateReleasing extents are off swap but still hold their device or
	// file because release failed. Release is retried until it succeeds.
	StateReleasing ExtentState = "releasing"
)

// Extent is one unit of swap capacity.
type Extent struct {
	Index         int         `json:"index"`
	Kind          ExtentKind  `json:"kind"`
	State         ExtentState `json:"state"`
	CapacityBytes uint64      `json:"capacity_bytes"`
	UsedBytes     uint64      `json:"used_bytes"`
	Priority      int         `json:"priority"`
	KernelHandle  string      `json:"kernel_handle"`
	BackingFile   string      `json:"backing_file,omitempty"`
	DeviceID      int         `json:"device_id"`
	DrainAttempts int         `json:"drain_attempts,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	Adopted       bool        `json:"adopted,omitempty"`
}

// UsagePercent returns used/capacity as an integer percentage.
func (e Extent) UsagePercent() int {
	if e.CapacityBytes == 0 {
		return 0
	}
	return int(e.UsedBytes * 100 / e.CapacityBytes)
}

// FreeBytes returns the unused capacity.
func (e Extent) FreeBytes() uint64 {
	if e.UsedBytes >= e.CapacityBytes {
		return 0
	}
	return e.CapacityBytes - e.UsedBytes
}

// IsEmpty reports whether no pages are swapped to the extent.
func (e Extent) IsEmpty() bool {
	return e.UsedBytes == 0
}

// Record converts the extent to its persisted form.
func (e Extent) Record() Record {
	return Record{
		Index:         e.Index,
		Kind:          e.Kind,
		KernelHandle:  e.KernelHandle,
		BackingFile:   e.BackingFile,
		DeviceID:      e.DeviceID,
		CapacityBytes: e.CapacityBytes,
		Priority:      e.Priority,
		CreatedAt:     e.CreatedAt,
	}
}

// Record is the breadcrumb persisted for every live extent. It is enough to
// reattach to the extent's kernel artifacts after a restart.
type Record struct {
	Index         int        `json:"index"`
	Kind          ExtentKind `json:"kind"`
	KernelHandle  string     `json:"kernel_handle"`
	BackingFile   string     `json:"backing_file,omitempty"`
	DeviceID      int        `json:"device_id"`
	CapacityBytes uint64     `json:"capacity_bytes"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Extent converts the record back into an Active extent with unknown usage.
func (r Record) Extent() Extent {
	return Extent{
		Index:         r.Index,
		Kind:          r.Kind,
		State:         StateActive,
		CapacityBytes: r.CapacityBytes,
		Priority:      r.Priority,
		KernelHandle:  r.KernelHandle,
		BackingFile:   r.BackingFile,
		DeviceID:      r.DeviceID,
		CreatedAt:     r.CreatedAt,
		Adopted:       true,
	}
}

// SwapEntry is one row of the kernel swap table. Sizes are in bytes.
type SwapEntry struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     uint64 `json:"size"`
	Used     uint64 `json:"used"`
	Priority int    `json:"priority"`
}

// Capacity summarizes a pool's extents as reported by its backend.
type Capacity struct {
	TotalBytes         uint64  `json:"total_bytes"`
	UsedBytes          uint64  `json:"used_bytes"`
	UtilizationPercent int     `json:"utilization_percent"`
	CompressionRatio   float64 `json:"compression_ratio,omitempty"`
	OrigDataBytes      uint64  `json:"orig_data_bytes,omitempty"`
	ComprDataBytes     uint64  `json:"compr_data_bytes,omitempty"`
	MemUsedBytes       uint64  `json:"mem_used_bytes,omitempty"`
	PhysicalRAMPercent float64 `json:"physical_ram_percent,omitempty"`
}

// FreePercent returns 100 - UtilizationPercent, floored at 0.
func (c Capacity) FreePercent() int {
	if c.UtilizationPercent >= 100 {
		return 0
	}
	return 100 - c.UtilizationPercent
}

// Pressure is one reading of host memory pressure, in whole percent.
type Pressure struct {
	FreeRAMPercent           int    `json:"free_ram_percent"`
	FreeSwapPercentRaw       int    `json:"free_swap_percent_raw"`
	FreeSwapPercentEffective int    `json:"free_swap_percent_effective"`
	TotalRAMBytes            uint64 `json:"total_ram_bytes"`
}
