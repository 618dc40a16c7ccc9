package config

import (
	"time"

	"github.com/swapfc/swapfc/pkg/utils"
)

// Minimum chunk sizes: sparse loop files may be small because they are
// allocated lazily, plain files are fully written up front.
const (
	MinSparseChunk = 128 * utils.MiB
	MinPlainChunk  = 512 * utils.MiB
)

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize silently clamps tunables into their supported ranges and fills
// derived defaults.
func (c *Configuration) Normalize() {
	z := &c.Zram
	z.MaxDevices = clampInt(z.MaxDevices, 1, 8)
	z.InitialDevices = clampInt(z.InitialDevices, 1, z.MaxDevices)
	if z.SizePercent < 50 {
		z.SizePercent = 50
	}
	z.MemLimitPercent = clampInt(z.MemLimitPercent, 0, 100)
	z.ExpandThreshold = clampInt(z.ExpandThreshold, 50, 95)
	z.ContractThreshold = clampInt(z.ContractThreshold, 5, 50)
	z.ShrinkThreshold = clampInt(z.ShrinkThreshold, 0, 50)
	z.ExpandCooldown = clampDuration(z.ExpandCooldown, 5*time.Second, 120*time.Second)
	z.ContractStability = clampDuration(z.ContractStability, 30*time.Second, 600*time.Second)
	if z.ContractInterval < 0 {
		z.ContractInterval = 0
	}
	z.MinFreeRAM = clampInt(z.MinFreeRAM, 5, 40)
	z.CheckInterval = clampDuration(z.CheckInterval, 3*time.Second, 300*time.Second)
	z.ExpandMinRatio = clampFloat(z.ExpandMinRatio, 1.5, 5.0)
	z.ReserveEmpty = clampInt(z.ReserveEmpty, 0, z.MaxDevices)
	if z.MaxDrainAttempts <= 0 {
		z.MaxDrainAttempts = 5
	}
	z.SafeHeadroom = clampInt(z.SafeHeadroom, 0, 100)

	s := &c.Swapfile
	minChunk := MinPlainChunk
	if s.SparseLoop {
		minChunk = MinSparseChunk
	}
	if s.ChunkSize.Bytes() < minChunk {
		s.ChunkSize = utils.ByteSize(minChunk)
	}
	if s.MaxChunkSize.Bytes() < s.ChunkSize.Bytes() {
		s.MaxChunkSize = s.ChunkSize
	}
	if s.GrowthChunkSize == 0 && s.SparseLoop {
		s.GrowthChunkSize = 2 * s.ChunkSize
	}
	if s.TierStep < 0 {
		s.TierStep = 0
	}
	s.MaxCount = clampInt(s.MaxCount, 1, 28)
	s.MinCount = clampInt(s.MinCount, 0, s.MaxCount)
	s.FreeRAMPercent = clampInt(s.FreeRAMPercent, 0, 100)
	s.FreeSwapPercent = clampInt(s.FreeSwapPercent, 0, 100)
	s.RemoveFreeSwapPercent = clampInt(s.RemoveFreeSwapPercent, 0, 100)
	s.Frequency = clampDuration(s.Frequency, time.Second, 86400*time.Second)
	s.ShrinkThreshold = clampInt(s.ShrinkThreshold, 10, 50)
	s.SafeHeadroom = clampInt(s.SafeHeadroom, 20, 60)
	s.Priority = clampInt(s.Priority, s.MaxCount, 32767)
	s.EmergencyRAMFloor = clampInt(s.EmergencyRAMFloor, 0, 50)
	s.EmergencySwapCeiling = clampInt(s.EmergencySwapCeiling, 0, 100)
	if s.NrRequests <= 0 {
		s.NrRequests = 128
	}

	if c.Monitoring.StatsLogInterval <= 0 {
		c.Monitoring.StatsLogInterval = 30 * time.Second
	}
	if c.Monitoring.MetricsPath == "" {
		c.Monitoring.MetricsPath = "/metrics"
	}
	if c.CircuitBreaker.MaxFailures <= 0 {
		c.CircuitBreaker.MaxFailures = 3
	}
}
