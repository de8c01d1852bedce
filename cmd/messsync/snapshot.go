package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/snapshot"
	"github.com/MinhajShafin/MessKhata/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file.jsonl>",
	GroupID: "advanced",
	Short:   "Export records to a JSONL snapshot",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kindName, _ := cmd.Flags().GetString("kind")
		all, _ := cmd.Flags().GetBool("all")
		opts := snapshot.ExportOptions{IncludeDeleted: all}
		if kindName != "" {
			var err error
			if opts.Kind, err = schema.ParseKind(kindName); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		n, err := snapshot.ExportFile(ctx, st, args[0], opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"file": args[0], "exported": n})
		}
		fmt.Printf("%s Exported %d record(s) to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "advanced",
	Short:   "Import records from a JSONL snapshot",
	Long: `Import records from a JSONL snapshot written by 'messsync export'.

Each record is written as a local change and syncs on the next cycle.
Records identical to the stored version are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		res, err := snapshot.Import(ctx, st, args[0], snapshot.ImportOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d record(s), deleted %d, unchanged %d (of %d read)\n",
			ui.RenderPass("✓"), verb, res.Imported, res.Deleted, res.Unchanged, res.Read)
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("kind", "k", "", "Export only this kind")
	exportCmd.Flags().Bool("all", false, "Include deleted records")
	importCmd.Flags().Bool("dry-run", false, "Preview without writing")

	rootCmd.AddCommand(exportCmd, importCmd)
}
