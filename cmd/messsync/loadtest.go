package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MinhajShafin/MessKhata/internal/loadtest"
	"github.com/MinhajShafin/MessKhata/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Simulate several devices syncing concurrently",
	Long: `Run a simulated fleet of devices against an in-memory cloud.

Each device gets its own temporary store, writes ledger lines and edits one
shared attendance record concurrently, and syncs every --sync-every writes.
The fleet is then synced until it settles and checked for convergence.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, _ := cmd.Flags().GetInt("devices")
		writes, _ := cmd.Flags().GetInt("writes")
		every, _ := cmd.Flags().GetInt("sync-every")
		ratio, _ := cmd.Flags().GetFloat64("attendance-ratio")
		seed, _ := cmd.Flags().GetInt64("seed")

		dir, err := os.MkdirTemp("", "messsync-loadtest-")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(dir)

		ctx := cmd.Context()
		fleet, err := loadtest.NewFleet(ctx, dir, devices, logger.Named("loadtest"))
		if err != nil {
			return err
		}
		defer closeQuietly("fleet", fleet.Close)

		rep, err := fleet.Run(ctx, loadtest.Workload{
			WritesPerDevice: writes,
			SyncEvery:       every,
			AttendanceRatio: ratio,
			Seed:            seed,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := printJSON(map[string]any{
				"devices":     devices,
				"writes":      rep.Writes,
				"ledgerLines": rep.LedgerLines,
				"rounds":      rep.Rounds,
				"conflicts":   rep.Conflicts,
				"converged":   rep.Converged,
				"divergent":   rep.Divergent,
				"cycles":      rep.Stats.TotalCycles,
				"p50Ms":       rep.Stats.P50.Milliseconds(),
				"p95Ms":       rep.Stats.P95.Milliseconds(),
				"durationMs":  rep.Duration.Milliseconds(),
			}); err != nil {
				return err
			}
		} else {
			fmt.Printf("%d device(s), %d write(s), %d ledger line(s) in %v\n",
				devices, rep.Writes, rep.LedgerLines, rep.Duration)
			rep.Stats.PrintStats(os.Stdout)
			fmt.Printf("Settled after %d round(s), %d conflict(s) resolved\n", rep.Rounds, rep.Conflicts)
			if rep.Converged {
				fmt.Printf("%s All devices converged (ledger total %s)\n", ui.RenderPass("✓"), rep.Billed)
			} else {
				fmt.Printf("%s Devices diverged on %v (billed %s, expected %s)\n",
					ui.RenderFail("✗"), rep.Divergent, rep.Billed, rep.Expected)
			}
		}
		if !rep.Converged {
			return fmt.Errorf("devices did not converge")
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("devices", 5, "Number of simulated devices")
	loadtestCmd.Flags().Int("writes", 50, "Writes per device")
	loadtestCmd.Flags().Int("sync-every", 5, "Sync after this many writes (0 = only at the end)")
	loadtestCmd.Flags().Float64("attendance-ratio", 0.2, "Share of writes that edit the shared attendance record")
	loadtestCmd.Flags().Int64("seed", 1, "Random seed")

	rootCmd.AddCommand(loadtestCmd)
}
