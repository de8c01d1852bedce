// Command messsync is the offline-first sync engine for a shared mess.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MinhajShafin/MessKhata/internal/config"
	"github.com/MinhajShafin/MessKhata/internal/logging"
)

var (
	configPath string
	jsonOutput bool

	// Set by loadConfig before any command runs.
	loader *config.Loader
	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "messsync",
	Short: "Offline-first sync engine for mess records",
	Long: `messsync keeps members, meal attendance and the billing ledger of a
shared mess in a local SQLite store and synchronises them with a remote
document store whenever connectivity allows.

Every local write is journaled and pushed on the next sync cycle; remote
changes are merged field by field, with ledger amounts combined additively.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./messsync.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Synchronisation:"},
		&cobra.Group{ID: "advanced", Title: "Maintenance:"},
	)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if loader, err = config.NewLoader(configPath); err != nil {
		return err
	}
	if cfg, err = loader.Config(); err != nil {
		return err
	}
	if logger, err = logging.New(cfg.Log); err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
