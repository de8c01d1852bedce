package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/config"
	"github.com/MinhajShafin/MessKhata/internal/daemon"
	"github.com/MinhajShafin/MessKhata/internal/dashboard"
	"github.com/MinhajShafin/MessKhata/internal/notify"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
	"github.com/MinhajShafin/MessKhata/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a sync cycle: fetch remote changes, merge them into the Local Store,
push pending local changes and commit the sync cursor.

With --retry, transient network failures are retried with exponential
backoff before giving up.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		retry, _ := cmd.Flags().GetBool("retry")

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		rs, closeRemote, err := openRemote(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("remote", closeRemote)

		coord := newCoordinator(st, rs)
		if cfg.Notify.Enabled {
			d := notify.New(st, notify.Options{
				DeviceID: cfg.Device.ID,
				MemberID: cfg.Device.MemberID,
				Timeout:  cfg.Notify.Timeout,
				Logger:   logger.Named("notify"),
			}, notify.LogPusher{Logger: logger.Named("notification")})
			coord.OnCycle(d.Observe)
		}

		var res syncer.CycleResult
		if retry {
			res = coord.RunWithRetry(ctx)
		} else {
			res = coord.RunSyncCycle(ctx)
		}

		if jsonOutput {
			if err := printJSON(cycleJSON(res)); err != nil {
				return err
			}
		} else {
			fmt.Print(ui.RenderCycle(res))
		}
		if res.Outcome == syncer.OutcomeFailed {
			return res.Err
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show journal and sync cursor status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		// Status only reads the Local Store; no remote connection needed.
		status, err := newCoordinator(st, nil).Status(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(status)
		}
		fmt.Print(ui.RenderStatus(status))
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:     "compact",
	GroupID: "advanced",
	Short:   "Remove settled journal rows older than the retention period",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		retention, _ := cmd.Flags().GetDuration("older-than")
		if retention <= 0 {
			retention = cfg.Sync.Retention
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		n, err := st.Compact(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]int64{"removed": n})
		}
		fmt.Printf("%s Removed %d settled journal row(s) older than %s\n", ui.RenderPass("✓"), n, retention)
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:     "trigger <online|offline|foreground|sync>",
	GroupID: "sync",
	Short:   "Signal a running daemon",
	Long: `Drop a trigger file into the daemon's trigger directory.

  online      connectivity regained; sync now
  offline     connectivity lost; defer background syncs
  foreground  the app came to the foreground; sync now
  sync        explicit sync request; runs even while offline`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "offline", "foreground", "sync"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := daemon.ParseTrigger(args[0]); !ok {
			return fmt.Errorf("unknown trigger %q", args[0])
		}
		if err := os.MkdirAll(cfg.Sync.TriggerDir, 0755); err != nil {
			return fmt.Errorf("failed to create trigger directory: %w", err)
		}
		path := filepath.Join(cfg.Sync.TriggerDir, args[0])
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return fmt.Errorf("failed to write trigger: %w", err)
		}
		fmt.Printf("%s Sent %s to %s\n", ui.RenderPass("✓"), args[0], cfg.Sync.TriggerDir)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync scheduler (foreground)",
	Long: `Run the Background Scheduler until interrupted.

The daemon will:
  1. Sync on start and then every sync.interval while online
  2. Sync when a trigger file appears (see 'messsync trigger')
  3. Sync when the remote announces a change
  4. Compact the journal every sync.compact_interval
  5. Emit notifications for changes made on other devices

Edits to the config file are applied live for log.level and sync.enabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		offline, _ := cmd.Flags().GetBool("offline")
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		rs, closeRemote, err := openRemote(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("remote", closeRemote)

		coord := newCoordinator(st, rs)
		// Rows left in flight by an earlier process can never be acknowledged.
		if n, err := coord.Recover(ctx); err != nil {
			return err
		} else if n > 0 {
			logger.Info("requeued in-flight changes", zap.Int64("rows", n))
		}

		pushers := []notify.Pusher{notify.LogPusher{Logger: logger.Named("notification")}}
		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Host:   cfg.Dashboard.Host,
				Port:   cfg.Dashboard.Port,
				Status: dashboard.StatusOf(coord),
				Logger: logger.Named("dashboard"),
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer closeQuietly("dashboard", server.Stop)

			feed := dashboard.NewFeed(server, logger.Named("dashboard"))
			coord.OnCycle(feed.ObserveCycle)
			pushers = append(pushers, feed)
			fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
		}
		if cfg.Notify.Enabled {
			d := notify.New(st, notify.Options{
				DeviceID: cfg.Device.ID,
				MemberID: cfg.Device.MemberID,
				Timeout:  cfg.Notify.Timeout,
				Logger:   logger.Named("notify"),
			}, pushers...)
			coord.OnCycle(d.Observe)
		}

		if loader.ConfigFile() != "" {
			loader.Watch(logger.Named("config"), func(next *config.Config) {
				if err := logger.SetLevel(next.Log.Level); err != nil {
					logger.Warn("ignoring log level", zap.Error(err))
				}
				coord.SetEnabled(next.Sync.Enabled)
			})
		}

		d, err := daemon.New(coord, st, rs, &daemon.Config{
			Interval:         cfg.Sync.Interval,
			CompactInterval:  cfg.Sync.CompactInterval,
			Retention:        cfg.Sync.Retention,
			TriggerDir:       cfg.Sync.TriggerDir,
			ResubscribeDelay: cfg.Sync.ResubscribeDelay,
			StartOffline:     offline,
			Logger:           logger.Named("daemon"),
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting sync daemon for %s...\n", ui.RenderAccent("🚀"), cfg.Device.ID)
		fmt.Printf("   Store: %s\n", cfg.Store.Path)
		fmt.Printf("   Remote: %s\n", cfg.Remote.Kind)
		fmt.Printf("   Triggers: %s\n", cfg.Sync.TriggerDir)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		fmt.Println("Sync daemon stopped")
		return nil
	},
}

// cycleJSON flattens a CycleResult for --json output.
func cycleJSON(res syncer.CycleResult) map[string]any {
	out := map[string]any{
		"id":           res.ID,
		"outcome":      res.Outcome,
		"attempts":     res.Attempts,
		"degraded":     res.Degraded,
		"fetched":      res.Fetched,
		"applied":      res.Applied,
		"skipped":      res.Skipped,
		"invalid":      res.Invalid,
		"pushed":       res.Pushed,
		"acked":        res.Acked,
		"rejected":     res.Rejected,
		"deadLettered": res.DeadLettered,
		"conflicts":    len(res.Conflicts),
		"durationMs":   res.Duration().Milliseconds(),
		"cursor":       res.Cursor,
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return out
}

func init() {
	syncCmd.Flags().Bool("retry", false, "Retry transient failures with backoff")
	compactCmd.Flags().Duration("older-than", 0, "Retention period (default: sync.retention)")
	daemonCmd.Flags().Bool("offline", false, "Start believing the device is offline")
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard (overrides dashboard.enabled)")

	rootCmd.AddCommand(syncCmd, statusCmd, compactCmd, triggerCmd, daemonCmd)
}
