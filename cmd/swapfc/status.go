package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/swapfc/swapfc/internal/breadcrumb"
	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/internal/pool"
	"github.com/swapfc/swapfc/pkg/memmon"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory pressure and pool state",
	Long: `Show the host's memory and swap pressure together with the state each
running pool last wrote to the work directory.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

// statusReport is what status prints.
type statusReport struct {
	Memory memoryReport `json:"memory"`
	Pools  []pool.State `json:"pools"`
}

type memoryReport struct {
	TotalBytes uint64         `json:"total_bytes"`
	Available  uint64         `json:"available_bytes"`
	SwapTotal  uint64         `json:"swap_total_bytes"`
	SwapFree   uint64         `json:"swap_free_bytes"`
	Zswapped   uint64         `json:"zswapped_bytes"`
	Pressure   types.Pressure `json:"pressure"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	report := collectStatus(cfg)
	return renderStatus(cmd.OutOrStdout(), report, statusJSON)
}

func collectStatus(cfg *config.Configuration) statusReport {
	monitor := memmon.NewPressureMonitor(memmon.MonitorConfig{ProcPath: cfg.Global.ProcPath})
	snap := monitor.Sample()

	report := statusReport{
		Memory: memoryReport{
			TotalBytes: snap.MemTotal,
			Available:  snap.MemAvailable,
			SwapTotal:  snap.SwapTotal,
			SwapFree:   snap.SwapFree,
			Zswapped:   snap.Zswapped,
			Pressure:   snap.Pressure(),
		},
		Pools: []pool.State{},
	}

	for _, name := range poolNames {
		store, err := breadcrumb.NewStore(cfg.Global.WorkDir, name, nil)
		if err != nil {
			continue
		}
		var state pool.State
		if err := store.LoadState(&state); err != nil {
			continue
		}
		report.Pools = append(report.Pools, state)
	}
	return report
}

func renderStatus(w io.Writer, report statusReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	m := report.Memory
	fmt.Fprintf(w, "RAM:  %s total, %s available (%d%% free)\n",
		utils.FormatBytes(m.TotalBytes), utils.FormatBytes(m.Available), m.Pressure.FreeRAMPercent)
	fmt.Fprintf(w, "Swap: %s total, %s free (%d%% free, %d%% effective)\n",
		utils.FormatBytes(m.SwapTotal), utils.FormatBytes(m.SwapFree),
		m.Pressure.FreeSwapPercentRaw, m.Pressure.FreeSwapPercentEffective)

	if len(report.Pools) == 0 {
		fmt.Fprintln(w, "\nNo pool is running.")
		return nil
	}

	for _, state := range report.Pools {
		s := state.Stats
		fmt.Fprintf(w, "\nPool %s: %d extents, %s used of %s (%d%%), health %s, circuit %s\n",
			s.Pool, s.Extents, utils.FormatBytes(s.UsedBytes), utils.FormatBytes(s.CapacityBytes),
			s.UtilizationPercent, s.Health, s.Circuit)
		if s.CompressionRatio > 0 {
			fmt.Fprintf(w, "  compression ratio %.2f\n", s.CompressionRatio)
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  INDEX\tDEVICE\tSTATE\tSIZE\tUSED\tPRIO")
		for _, ext := range state.Extents {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%d\n",
				ext.Index, ext.KernelHandle, ext.State,
				utils.FormatBytes(ext.CapacityBytes), utils.FormatBytes(ext.UsedBytes), ext.Priority)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
