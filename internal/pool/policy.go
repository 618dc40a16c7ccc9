package pool

import (
	"time"

	"github.com/swapfc/swapfc/internal/config"
)

// Signal selects the "free percent" a pool reacts to.
type Signal int

const (
	// SignalFreeSwap is the host's effective free swap percentage.
	SignalFreeSwap Signal = iota
	// SignalPoolFree is 100 minus the pool's own utilization.
	SignalPoolFree
)

func (s Signal) String() string {
	if s == SignalPoolFree {
		return "pool_free"
	}
	return "free_swap"
}

// Expansion triggers, used as log fields and metric labels.
const (
	TriggerInitial   = "initial"
	TriggerReplenish = "replenish"
	TriggerEmergency = "emergency"
	TriggerStress    = "stress"
	TriggerNormal    = "normal"
)

const (
	emptyExtentLimit  = 2
	cooldownResetDrop = 5
	stressUsage       = 85
	growthHighWater   = 80
)

// Policy holds every tunable of one pool. Thresholds are expressed against
// the pool's signal: expand when it is at or below ExpandAtOrBelow, contract
// when it has stayed at or above ContractAtOrAbove.
type Policy struct {
	MinCount     int
	MaxCount     int
	InitialCount int

	BaseChunk   uint64
	MaxChunk    uint64
	GrowthChunk uint64
	TierStep    int

	Signal            Signal
	ExpandAtOrBelow   int
	ContractAtOrAbove int

	// ZeroExtentFreeRAM requests the first extent when free RAM drops below
	// it while the pool is empty. Zero disables the rule.
	ZeroExtentFreeRAM int

	// EmergencyRAMFloor enables the emergency trigger when non-zero.
	EmergencyRAMFloor    int
	EmergencySwapCeiling int
	EmergencyCooldown    time.Duration

	InitialCooldown time.Duration
	BaseCooldown    time.Duration
	MaxCooldown     time.Duration

	RemovalCooldown   time.Duration
	ContractInterval  time.Duration
	ContractStability time.Duration
	ReserveEmpty      int

	ShrinkThreshold  int
	SafeHeadroom     int
	MaxDrainAttempts int

	CheckInterval    time.Duration
	AdaptivePoll     bool
	StatsLogInterval time.Duration
}

// RAMPolicy builds the policy of the compressed-RAM pool. All devices share
// one size.
func RAMPolicy(cfg *config.Configuration, deviceSize uint64) Policy {
	z := cfg.Zram
	return Policy{
		MinCount:     z.InitialDevices,
		MaxCount:     z.MaxDevices,
		InitialCount: z.InitialDevices,

		BaseChunk: deviceSize,
		MaxChunk:  deviceSize,

		Signal:            SignalPoolFree,
		ExpandAtOrBelow:   100 - z.ExpandThreshold,
		ContractAtOrAbove: 100 - z.ContractThreshold,

		EmergencyCooldown: 5 * time.Second,
		InitialCooldown:   z.ExpandCooldown,
		BaseCooldown:      z.ExpandCooldown,
		MaxCooldown:       z.ExpandCooldown,

		RemovalCooldown:   z.ExpandCooldown,
		ContractInterval:  z.ContractInterval,
		ContractStability: z.ContractStability,
		ReserveEmpty:      z.ReserveEmpty,

		ShrinkThreshold:  z.ShrinkThreshold,
		SafeHeadroom:     z.SafeHeadroom,
		MaxDrainAttempts: z.MaxDrainAttempts,

		CheckInterval:    z.CheckInterval,
		StatsLogInterval: cfg.Monitoring.StatsLogInterval,
	}
}

// DiskPolicy builds the policy of the disk pool. With zswap in front the
// files are writeback targets: cooldowns shorten for growth, lengthen for
// removal, and two empty files are kept in reserve.
func DiskPolicy(cfg *config.Configuration, zswap bool) Policy {
	s := cfg.Swapfile
	p := Policy{
		MinCount:     s.MinCount,
		MaxCount:     s.MaxCount,
		InitialCount: s.MinCount,

		BaseChunk:   s.ChunkSize.Bytes(),
		MaxChunk:    s.MaxChunkSize.Bytes(),
		GrowthChunk: s.GrowthChunkSize.Bytes(),
		TierStep:    s.TierStep,

		Signal:            SignalFreeSwap,
		ExpandAtOrBelow:   s.FreeSwapPercent - 1,
		ContractAtOrAbove: s.RemoveFreeSwapPercent + 1,
		ZeroExtentFreeRAM: s.FreeRAMPercent,

		EmergencyRAMFloor:    s.EmergencyRAMFloor,
		EmergencySwapCeiling: s.EmergencySwapCeiling,
		EmergencyCooldown:    5 * time.Second,

		InitialCooldown: 15 * time.Second,
		BaseCooldown:    30 * time.Second,
		MaxCooldown:     120 * time.Second,

		RemovalCooldown:  60 * time.Second,
		ContractInterval: 60 * time.Second,

		ShrinkThreshold:  s.ShrinkThreshold,
		SafeHeadroom:     s.SafeHeadroom,
		MaxDrainAttempts: 1,

		CheckInterval:    s.Frequency,
		AdaptivePoll:     true,
		StatsLogInterval: cfg.Monitoring.StatsLogInterval,
	}
	if zswap {
		p.InitialCooldown = 5 * time.Second
		p.RemovalCooldown = 300 * time.Second
		p.ContractAtOrAbove = 86
		p.ReserveEmpty = 2
	}
	return p
}

// SizeFor returns the capacity of the n-th extent (1-based) given the pool's
// current utilization. Sizes double every TierStep extents up to MaxChunk;
// above the growth high-water mark the growth chunk is used when larger.
func (p Policy) SizeFor(n int, utilization int) uint64 {
	size := p.BaseChunk
	if p.TierStep > 0 && n > 1 {
		shift := (n - 1) / p.TierStep
		for i := 0; i < shift && (p.MaxChunk == 0 || size < p.MaxChunk); i++ {
			size <<= 1
		}
	}
	if p.MaxChunk > 0 && size > p.MaxChunk {
		size = p.MaxChunk
	}
	if p.GrowthChunk > size && utilization >= growthHighWater {
		size = p.GrowthChunk
	}
	return size
}

// PollInterval returns the delay before the next tick. An empty pool with
// adaptive polling checks less often while RAM is plentiful.
func (p Policy) PollInterval(count, freeRAM int) time.Duration {
	f := p.CheckInterval
	if f <= 0 {
		f = time.Second
	}
	if count > 0 || !p.AdaptivePoll {
		return f
	}

	switch {
	case freeRAM > 70:
		return minDuration(10*time.Second, 10*f)
	case freeRAM > 50:
		return minDuration(5*time.Second, 5*f)
	case freeRAM > p.ZeroExtentFreeRAM:
		return minDuration(2*time.Second, 2*f)
	default:
		return f
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
