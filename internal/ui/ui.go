// Package ui renders CLI output with lipgloss.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#86E1A0"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFCB6B"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#FF8A80"})
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#82AAFF"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#8A8A8A"})
	headerStyle = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Width(14)
)

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// field renders one "label value" line.
func field(label, value string) string {
	return labelStyle.Render(label+":") + " " + value + "\n"
}

// RenderEntity renders an entity with its fields sorted by name.
func RenderEntity(e *schema.Entity) string {
	var b strings.Builder
	title := fmt.Sprintf("%s %s", e.Kind, e.ID)
	if e.Deleted {
		title += " " + RenderFail("(deleted)")
	}
	b.WriteString(headerStyle.Render(title) + "\n")
	b.WriteString(field("revision", fmt.Sprint(e.Revision)))
	if e.UpdatedBy != "" {
		b.WriteString(field("updated by", e.UpdatedBy))
	}

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(field(name, fmt.Sprint(e.Fields[name])))
	}
	return b.String()
}

// RenderBalances renders the per-member billing table.
func RenderBalances(balances []store.MemberBalance) string {
	if len(balances) == 0 {
		return RenderMuted("No members yet") + "\n"
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("MEMBER", "MEALS", "BILL", "PAID", "DUE", "STATUS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			s := lipgloss.NewStyle().Padding(0, 1)
			if col >= 1 && col <= 4 {
				s = s.Align(lipgloss.Right)
			}
			return s
		})
	for _, b := range balances {
		name := b.Name
		if name == "" {
			name = b.MemberID
		}
		t.Row(name,
			fmt.Sprintf("%g", b.Meals),
			b.TotalBill.StringFixed(2),
			b.TotalPaid.StringFixed(2),
			b.Due.StringFixed(2),
			renderPaymentStatus(b.Status))
	}
	return t.Render() + "\n"
}

// RenderMonthlyReport renders the meal rate, shared split and member bills
// of one month.
func RenderMonthlyReport(rep *store.MonthlyReport) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Report for %04d-%02d", rep.Year, rep.Month)) + "\n")
	b.WriteString(field("Meals", fmt.Sprintf("%g", rep.TotalMeals)))
	b.WriteString(field("Meal expenses", rep.MealExpenses.StringFixed(2)))
	b.WriteString(field("Meal rate", rep.MealRate.StringFixed(2)))
	b.WriteString(field("Shared expenses", rep.FixedExpenses.StringFixed(2)))
	b.WriteString(field("Share per head", rep.SharePerHead.StringFixed(2)))
	if len(rep.Balances) == 0 {
		b.WriteString(RenderMuted("No members yet") + "\n")
		return b.String()
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("MEMBER", "MEALS", "MEAL COST", "SHARED", "BILL", "PAID", "DUE", "STATUS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			s := lipgloss.NewStyle().Padding(0, 1)
			if col >= 1 && col <= 6 {
				s = s.Align(lipgloss.Right)
			}
			return s
		})
	for _, m := range rep.Balances {
		name := m.Name
		if name == "" {
			name = m.MemberID
		}
		t.Row(name,
			fmt.Sprintf("%g", m.Meals),
			m.MealCost.StringFixed(2),
			m.Shared.StringFixed(2),
			m.TotalBill.StringFixed(2),
			m.TotalPaid.StringFixed(2),
			m.Due.StringFixed(2),
			renderPaymentStatus(m.Status))
	}
	b.WriteString(t.Render() + "\n")
	return b.String()
}

func renderPaymentStatus(s store.PaymentStatus) string {
	switch s {
	case store.StatusPaid:
		return RenderPass(string(s))
	case store.StatusPartial:
		return RenderWarn(string(s))
	}
	return RenderFail(string(s))
}

// RenderCycle renders the outcome of one sync cycle.
func RenderCycle(res syncer.CycleResult) string {
	var b strings.Builder
	switch res.Outcome {
	case syncer.OutcomeSynced:
		b.WriteString(RenderPass("✓") + fmt.Sprintf(" Sync complete in %v\n", res.Duration().Round(time.Millisecond)))
	case syncer.OutcomeCoalesced, syncer.OutcomeSkipped:
		b.WriteString(RenderWarn("⚠") + fmt.Sprintf(" Sync %s: %v\n", res.Outcome, res.Err))
		return b.String()
	default:
		b.WriteString(RenderFail("✗") + fmt.Sprintf(" Sync failed after %d attempt(s): %v\n", res.Attempts, res.Err))
	}
	b.WriteString(fmt.Sprintf("   Fetched: %d (applied %d, skipped %d, invalid %d)\n", res.Fetched, res.Applied, res.Skipped, res.Invalid))
	b.WriteString(fmt.Sprintf("   Pushed: %d (acked %d, rejected %d)\n", res.Pushed, res.Acked, res.Rejected))
	if n := len(res.Conflicts); n > 0 {
		b.WriteString(fmt.Sprintf("   Conflicts: %s\n", RenderWarn(fmt.Sprint(n))))
	}
	if res.DeadLettered > 0 {
		b.WriteString(fmt.Sprintf("   Dead-lettered: %s\n", RenderFail(fmt.Sprint(res.DeadLettered))))
	}
	if res.Degraded {
		b.WriteString(RenderWarn("   Sync is degraded; will keep retrying in the background\n"))
	}
	return b.String()
}

// RenderStatus renders a coordinator status snapshot.
func RenderStatus(st syncer.Status) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Sync Status") + "\n\n")

	state := string(st.State)
	switch {
	case !st.Enabled:
		state = RenderMuted("disabled")
	case st.Degraded:
		state = RenderWarn(state + " (degraded)")
	default:
		state = RenderPass(state)
	}
	b.WriteString(field("state", state))

	last := RenderMuted("never")
	if !st.LastSync.IsZero() {
		last = st.LastSync.Format("2006-01-02 15:04:05")
	}
	b.WriteString(field("last sync", last))
	if st.LastError != "" {
		b.WriteString(field("last error", RenderFail(st.LastError)))
	}

	j := st.Journal
	b.WriteString(field("pending", fmt.Sprint(j.Pending)))
	b.WriteString(field("in flight", fmt.Sprint(j.InFlight)))
	b.WriteString(field("acked", fmt.Sprint(j.Acked)))
	conflicted := fmt.Sprint(j.Conflicted)
	if j.Conflicted > 0 {
		conflicted = RenderWarn(conflicted)
	}
	b.WriteString(field("conflicted", conflicted))
	if !j.OldestPending.IsZero() {
		b.WriteString(field("oldest", j.OldestPending.Format("2006-01-02 15:04:05")))
	}
	b.WriteString(field("cursor", fmt.Sprintf("remote ts %d, local seq %d",
		st.Cursor.LastRemoteTimestamp, st.Cursor.LastLocalSequence)))
	return b.String()
}

// RenderConflicts renders recorded conflicts, newest first as given.
func RenderConflicts(conflicts []*schema.ConflictRecord) string {
	if len(conflicts) == 0 {
		return RenderMuted("No conflicts recorded") + "\n"
	}
	var b strings.Builder
	for _, c := range conflicts {
		b.WriteString(fmt.Sprintf("%s %s %s %s\n",
			RenderWarn("!"),
			c.CreatedAt.Format("2006-01-02 15:04:05"),
			headerStyle.Render(c.EntityID),
			RenderMuted(fmt.Sprintf("[%s] %s", c.Rule, strings.Join(c.Fields, ", ")))))
	}
	return b.String()
}
