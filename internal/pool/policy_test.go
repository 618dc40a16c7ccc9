package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/pkg/utils"
)

func TestPolicy_SizeFor(t *testing.T) {
	p := Policy{
		BaseChunk:   512 * utils.MiB,
		MaxChunk:    2 * utils.GiB,
		GrowthChunk: 1 * utils.GiB,
		TierStep:    4,
	}

	tests := []struct {
		name string
		n    int
		util int
		want uint64
	}{
		{"first extent", 1, 0, 512 * utils.MiB},
		{"end of first tier", 4, 0, 512 * utils.MiB},
		{"second tier", 5, 0, 1 * utils.GiB},
		{"third tier", 9, 0, 2 * utils.GiB},
		{"capped", 20, 0, 2 * utils.GiB},
		{"growth chunk above high water", 1, 80, 1 * utils.GiB},
		{"growth chunk below high water", 1, 79, 512 * utils.MiB},
		{"growth chunk smaller than tier", 9, 95, 2 * utils.GiB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.SizeFor(tt.n, tt.util))
		})
	}

	constant := Policy{BaseChunk: 256 * utils.MiB, MaxChunk: 256 * utils.MiB}
	assert.Equal(t, 256*utils.MiB, constant.SizeFor(7, 0))
}

func TestPolicy_PollInterval(t *testing.T) {
	p := Policy{CheckInterval: time.Second, AdaptivePoll: true, ZeroExtentFreeRAM: 20}

	tests := []struct {
		name    string
		count   int
		freeRAM int
		want    time.Duration
	}{
		{"extents present", 1, 90, time.Second},
		{"plenty of RAM", 0, 80, 10 * time.Second},
		{"comfortable", 0, 60, 5 * time.Second},
		{"getting tight", 0, 30, 2 * time.Second},
		{"below free_ram_perc", 0, 10, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.PollInterval(tt.count, tt.freeRAM))
		})
	}

	fixed := Policy{CheckInterval: 5 * time.Second}
	assert.Equal(t, 5*time.Second, fixed.PollInterval(0, 95))
}

func TestRAMPolicy(t *testing.T) {
	cfg := config.NewDefault()
	p := RAMPolicy(cfg, 2*utils.GiB)

	assert.Equal(t, SignalPoolFree, p.Signal)
	assert.Equal(t, 4, p.MinCount)
	assert.Equal(t, 8, p.MaxCount)
	assert.Equal(t, 15, p.ExpandAtOrBelow)
	assert.Equal(t, 80, p.ContractAtOrAbove)
	assert.Zero(t, p.EmergencyRAMFloor)
	assert.Equal(t, 2, p.ReserveEmpty)
	assert.Equal(t, 5, p.ShrinkThreshold)
	assert.Equal(t, 2*utils.GiB, p.SizeFor(8, 99))
}

func TestDiskPolicy(t *testing.T) {
	cfg := config.NewDefault()

	p := DiskPolicy(cfg, false)
	assert.Equal(t, SignalFreeSwap, p.Signal)
	assert.Equal(t, 39, p.ExpandAtOrBelow)
	assert.Equal(t, 71, p.ContractAtOrAbove)
	assert.Equal(t, 20, p.ZeroExtentFreeRAM)
	assert.Equal(t, 10, p.EmergencyRAMFloor)
	assert.Equal(t, 15*time.Second, p.InitialCooldown)
	assert.Equal(t, 60*time.Second, p.RemovalCooldown)
	assert.Zero(t, p.ReserveEmpty)

	z := DiskPolicy(cfg, true)
	assert.Equal(t, 5*time.Second, z.InitialCooldown)
	assert.Equal(t, 300*time.Second, z.RemovalCooldown)
	assert.Equal(t, 86, z.ContractAtOrAbove)
	assert.Equal(t, 2, z.ReserveEmpty)
}
