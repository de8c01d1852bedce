package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
	"github.com/MinhajShafin/MessKhata/internal/ui"
)

var putCmd = &cobra.Command{
	Use:     "put <kind> [id]",
	GroupID: "data",
	Short:   "Create or update a member, attendance or ledger record",
	Long: `Write a record to the Local Store and queue it for sync.

Fields are given as name=value. Values that parse as JSON numbers, booleans
or null keep that type; everything else is a string. Updating an existing
record replaces only the fields given. A deleted record is only restored
with --undelete.

Examples:
  messsync put member --field name=Rahim
  messsync put attendance a-0301 --field member_id=m1 --field date=2024-03-01 --field meals=2`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := schema.ParseKind(args[0])
		if err != nil {
			return err
		}
		pairs, _ := cmd.Flags().GetStringArray("field")
		undelete, _ := cmd.Flags().GetBool("undelete")
		fields, err := parseFields(pairs)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		var id string
		var cur *schema.Entity
		if len(args) == 2 {
			id = args[1]
			if cur, err = st.Get(ctx, id); err != nil {
				return err
			}
		}
		e, err := applyPut(cur, kind, id, fields, undelete)
		if err != nil {
			return err
		}

		rev, err := st.Upsert(ctx, e)
		if err != nil {
			return err
		}
		return report(ctx, st, e.ID, rev)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "data",
	Short:   "Delete a record (the deletion syncs to other devices)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		rev, err := st.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"id": args[0], "revision": rev, "deleted": true})
		}
		fmt.Printf("%s Deleted %s (revision %d)\n", ui.RenderPass("✓"), args[0], rev)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get [id]",
	GroupID: "data",
	Short:   "Show one record, or list records",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		if len(args) == 1 {
			e, err := st.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("no record with id %q", args[0])
			}
			if jsonOutput {
				return printJSON(e)
			}
			fmt.Print(ui.RenderEntity(e))
			return nil
		}

		kindName, _ := cmd.Flags().GetString("kind")
		all, _ := cmd.Flags().GetBool("all")
		opts := store.ListOptions{IncludeDeleted: all}
		if kindName != "" {
			if opts.Kind, err = schema.ParseKind(kindName); err != nil {
				return err
			}
		}
		entities, err := st.List(ctx, opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entities)
		}
		for _, e := range entities {
			fmt.Println(ui.RenderEntity(e))
		}
		if len(entities) == 0 {
			fmt.Println(ui.RenderMuted("No records"))
		}
		return nil
	},
}

var ledgerCmd = &cobra.Command{
	Use:     "ledger <member-id> <amount>",
	GroupID: "data",
	Short:   "Add a ledger line (positive = charge, negative = payment)",
	Long: `Add a billing ledger line for a member.

Positive amounts are charges (bazar, rent, utilities), negative amounts are
payments. Lines written concurrently on different devices are all counted.

Examples:
  messsync ledger m1 50 --category bazar
  messsync ledger m1 -- -500 --note "paid in cash"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(strings.TrimPrefix(args[1], "+"))
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		category, _ := cmd.Flags().GetString("category")
		note, _ := cmd.Flags().GetString("note")

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		member, err := st.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if member == nil || member.Kind != schema.KindMember || member.Deleted {
			return fmt.Errorf("no member with id %q", args[0])
		}

		fields := map[string]any{
			schema.FieldMemberID: args[0],
			schema.FieldAmount:   amount.String(),
		}
		if category != "" {
			fields[schema.FieldCategory] = category
		}
		if note != "" {
			fields["note"] = note
		}
		e := schema.NewEntity(schema.KindLedger, fields)
		rev, err := st.Upsert(ctx, e)
		if err != nil {
			return err
		}
		return report(ctx, st, e.ID, rev)
	},
}

var balancesCmd = &cobra.Command{
	Use:     "balances",
	GroupID: "data",
	Short:   "Show meals, bill, payments and dues per member",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		balances, err := st.MemberBalances(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(balances)
		}
		fmt.Print(ui.RenderBalances(balances))
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:     "report",
	GroupID: "data",
	Short:   "Show the meal rate and member bills of one month",
	Long: `Bill one month from the records dated in it.

Ledger lines with include_in_meal_rate=true are divided by meals eaten, lines
with shared_equally=true are split between all members.

Examples:
  messsync put ledger --field amount=300 --field date=2024-03-01 --field include_in_meal_rate=true
  messsync report --month 2024-03`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("month")
		month := time.Now()
		if raw != "" {
			var err error
			if month, err = time.Parse("2006-01", raw); err != nil {
				return fmt.Errorf("invalid --month %q (want YYYY-MM)", raw)
			}
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		rep, err := st.MonthlyReport(ctx, month.Year(), int(month.Month()))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rep)
		}
		fmt.Print(ui.RenderMonthlyReport(rep))
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts [id]",
	GroupID: "data",
	Short:   "List conflicts resolved during sync",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var id string
		if len(args) == 1 {
			id = args[0]
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeQuietly("store", st.Close)

		conflicts, err := st.ListConflicts(ctx, id, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(conflicts)
		}
		fmt.Print(ui.RenderConflicts(conflicts))
		return nil
	},
}

// applyPut builds the entity a put writes. cur is the stored version of id
// (nil when absent); an existing record keeps the fields not given.
func applyPut(cur *schema.Entity, kind schema.Kind, id string, fields map[string]any, undelete bool) (*schema.Entity, error) {
	if cur == nil {
		e := schema.NewEntity(kind, fields)
		if id != "" {
			e.ID = id
		}
		return e, nil
	}
	if cur.Kind != kind {
		return nil, fmt.Errorf("%s is a %s, not a %s", cur.ID, cur.Kind, kind)
	}
	if cur.Deleted && !undelete {
		return nil, fmt.Errorf("%s is deleted; pass --undelete to restore it", cur.ID)
	}
	e := cur.Clone()
	e.Deleted = false
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e, nil
}

// report prints the stored version of id after a write.
func report(ctx context.Context, st *store.Store, id string, rev int64) error {
	e, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(e)
	}
	fmt.Printf("%s Saved %s (revision %d, queued for sync)\n", ui.RenderPass("✓"), id, rev)
	fmt.Print(ui.RenderEntity(e))
	return nil
}

// parseFields converts name=value pairs into entity fields.
func parseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q (want name=value)", p)
		}
		fields[name] = parseValue(raw)
	}
	return fields, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case float64, bool, nil:
			return v
		}
	}
	return raw
}

func init() {
	putCmd.Flags().StringArrayP("field", "f", nil, "Field as name=value (repeatable)")
	putCmd.Flags().Bool("undelete", false, "Restore a deleted record")
	getCmd.Flags().StringP("kind", "k", "", "List only this kind")
	getCmd.Flags().Bool("all", false, "Include deleted records")
	ledgerCmd.Flags().String("category", "", "Expense category (bazar, rent, utilities, ...)")
	ledgerCmd.Flags().String("note", "", "Free-form note")
	conflictsCmd.Flags().Int("limit", 20, "Maximum conflicts to show (0 = all)")

	reportCmd.Flags().String("month", "", "Month to bill as YYYY-MM (default: current month)")

	rootCmd.AddCommand(putCmd, deleteCmd, getCmd, ledgerCmd, balancesCmd, reportCmd, conflictsCmd)
}
