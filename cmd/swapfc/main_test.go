package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapfc/swapfc/internal/breadcrumb"
	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/internal/pool"
	"github.com/swapfc/swapfc/pkg/types"
)

func TestCommands_Definition(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "config"} {
		assert.True(t, names[want], "%s subcommand should exist", want)
	}

	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, defaultConfigPath, flag.DefValue)
	assert.NotNil(t, startCmd.Flags().Lookup("mode"))
	assert.NotNil(t, startCmd.Flags().Lookup("keep-on-exit"))
	assert.NotNil(t, statusCmd.Flags().Lookup("json"))
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		zram      bool
		zswap     bool
		zramOff   bool
		wantMode  string
		wantRAM   bool
		wantDisk  bool
		wantZswap bool
	}{
		{name: "auto with zram", mode: config.ModeAuto, zram: true, wantMode: config.ModeZramSwapfile, wantRAM: true, wantDisk: true},
		{name: "auto without zram", mode: config.ModeAuto, wantMode: config.ModeSwapfile, wantDisk: true},
		{name: "auto with zswap", mode: config.ModeAuto, zswap: true, wantMode: config.ModeZswapSwapfile, wantDisk: true, wantZswap: true},
		{name: "auto with zram disabled", mode: config.ModeAuto, zram: true, zramOff: true, wantMode: config.ModeSwapfile, wantDisk: true},
		{name: "zram only", mode: config.ModeZram, zram: true, wantMode: config.ModeZram, wantRAM: true},
		{name: "swapfile counts zswap", mode: config.ModeSwapfile, zswap: true, wantMode: config.ModeSwapfile, wantDisk: true, wantZswap: true},
		{name: "disabled", mode: config.ModeDisabled, zram: true, wantMode: config.ModeDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefault()
			cfg.Global.Mode = tt.mode
			cfg.Zram.Enabled = !tt.zramOff

			p := resolveMode(cfg, tt.zram, tt.zswap)
			assert.Equal(t, tt.wantMode, p.Mode)
			assert.Equal(t, tt.wantRAM, p.RAM)
			assert.Equal(t, tt.wantDisk, p.Disk)
			assert.Equal(t, tt.wantZswap, p.Zswap)
			assert.Equal(t, tt.mode == config.ModeDisabled, p.Disabled)
		})
	}
}

// newConfigCmd gives loadConfig a fresh flag set so Changed state does not
// leak between tests.
func newConfigCmd(t *testing.T, path string) *cobra.Command {
	t.Helper()
	saved := configPath
	t.Cleanup(func() { configPath = saved })

	c := &cobra.Command{Use: "test"}
	c.Flags().StringVar(&configPath, "config", defaultConfigPath, "")
	if path != "" {
		require.NoError(t, c.Flags().Set("config", path))
	}
	return c
}

func TestLoadConfig(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "swapfc.yaml")
		require.NoError(t, os.WriteFile(path, []byte("global:\n  mode: swapfile\n"), 0600))

		cfg, used, err := loadConfig(newConfigCmd(t, path))
		require.NoError(t, err)
		assert.Equal(t, path, used)
		assert.Equal(t, config.ModeSwapfile, cfg.Global.Mode)
	})

	t.Run("explicit file missing", func(t *testing.T) {
		_, _, err := loadConfig(newConfigCmd(t, filepath.Join(t.TempDir(), "missing.yaml")))
		assert.Error(t, err)
	})

	t.Run("default file missing falls back to defaults", func(t *testing.T) {
		c := newConfigCmd(t, "")
		configPath = filepath.Join(t.TempDir(), "missing.yaml")

		cfg, used, err := loadConfig(c)
		require.NoError(t, err)
		assert.Empty(t, used)
		assert.Equal(t, config.ModeAuto, cfg.Global.Mode)
	})
}

func TestConfigCommand_Default(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--default"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configDefault = false
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "mode: auto")
	assert.Contains(t, out.String(), "work_dir: /run/swapfc")
}

func writeMeminfo(t *testing.T) string {
	t.Helper()
	proc := t.TempDir()
	meminfo := "MemTotal:        8000000 kB\n" +
		"MemAvailable:    2000000 kB\n" +
		"SwapTotal:       1000000 kB\n" +
		"SwapFree:         500000 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(proc, "meminfo"), []byte(meminfo), 0600))
	return proc
}

func testState() pool.State {
	return pool.State{
		Stats: pool.Stats{
			Pool:               "swapfile",
			Kind:               types.KindDiskPlain,
			Extents:            1,
			CapacityBytes:      512 << 20,
			UsedBytes:          128 << 20,
			UtilizationPercent: 25,
			Health:             "healthy",
			Circuit:            "closed",
			UpdatedAt:          time.Unix(1700000000, 0).UTC(),
		},
		Extents: []types.Extent{{
			Index:         1,
			Kind:          types.KindDiskPlain,
			State:         types.StateActive,
			CapacityBytes: 512 << 20,
			UsedBytes:     128 << 20,
			Priority:      50,
			KernelHandle:  "/swapfile/1",
			BackingFile:   "/swapfile/1",
		}},
	}
}

func TestCollectStatus(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Global.ProcPath = writeMeminfo(t)
	cfg.Global.WorkDir = t.TempDir()

	store, err := breadcrumb.NewStore(cfg.Global.WorkDir, "swapfile", nil)
	require.NoError(t, err)
	require.NoError(t, store.SaveState(testState()))

	report := collectStatus(cfg)
	assert.Equal(t, uint64(8000000*1024), report.Memory.TotalBytes)
	assert.Equal(t, 25, report.Memory.Pressure.FreeRAMPercent)
	assert.Equal(t, 50, report.Memory.Pressure.FreeSwapPercentRaw)
	require.Len(t, report.Pools, 1)
	assert.Equal(t, "swapfile", report.Pools[0].Stats.Pool)
	assert.Len(t, report.Pools[0].Extents, 1)
}

func TestRenderStatus(t *testing.T) {
	report := statusReport{
		Memory: memoryReport{
			TotalBytes: 8 << 30,
			Available:  2 << 30,
			Pressure:   types.Pressure{FreeRAMPercent: 25, FreeSwapPercentRaw: 50, FreeSwapPercentEffective: 60},
		},
		Pools: []pool.State{testState()},
	}

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, renderStatus(&out, report, false))
		text := out.String()
		assert.Contains(t, text, "25% free")
		assert.Contains(t, text, "Pool swapfile: 1 extents")
		assert.Contains(t, text, "/swapfile/1")
		assert.Contains(t, text, "INDEX")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, renderStatus(&out, report, true))
		var got statusReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		assert.Equal(t, report.Memory, got.Memory)
		require.Len(t, got.Pools, 1)
		assert.Equal(t, "/swapfile/1", got.Pools[0].Extents[0].KernelHandle)
	})

	t.Run("no pools", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, renderStatus(&out, statusReport{}, false))
		assert.Contains(t, out.String(), "No pool is running.")
	})
}

func TestRecordedPools(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Global.WorkDir = t.TempDir()
	cfg.Global.SysPath = t.TempDir()

	p := recordedPools(cfg)
	assert.False(t, p.RAM)
	assert.False(t, p.Disk)

	require.NoError(t, os.Mkdir(filepath.Join(cfg.Global.WorkDir, "swapfile"), 0700))
	p = recordedPools(cfg)
	assert.False(t, p.RAM)
	assert.True(t, p.Disk)
	assert.False(t, p.Zswap)
}

func TestRetryConfig(t *testing.T) {
	cfg := config.NewDefault()
	rc := retryConfig(cfg)
	assert.Equal(t, cfg.Retry.MaxAttempts, rc.MaxAttempts)
	assert.True(t, rc.Jitter)
	assert.NotEmpty(t, rc.RetryableErrors)
}
