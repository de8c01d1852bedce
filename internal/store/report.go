package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MinhajShafin/MessKhata/internal/schema"
)

// PaymentStatus summarises how much of a member's bill is paid.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusPartial PaymentStatus = "partial"
	StatusPending PaymentStatus = "pending"
)

// MemberBalance is the per-member billing summary read by reporting UIs.
type MemberBalance struct {
	MemberID  string          `json:"memberId"`
	Name      string          `json:"name"`
	Meals     float64         `json:"meals"`
	MealCost  decimal.Decimal `json:"mealCost"`
	Shared    decimal.Decimal `json:"shared"`
	TotalBill decimal.Decimal `json:"totalBill"`
	TotalPaid decimal.Decimal `json:"totalPaid"`
	Due       decimal.Decimal `json:"due"`
	Status    PaymentStatus   `json:"status"`
}

// MemberBalances sums the ledger per live member. Positive ledger amounts
// are charges, negative amounts are payments. The running balance is always
// derived from the individual lines, so concurrently added lines are all
// counted. Mess expenses are billed by MonthlyReport instead.
func (s *Store) MemberBalances(ctx context.Context) ([]MemberBalance, error) {
	byID, err := s.memberIndex(ctx)
	if err != nil {
		return nil, err
	}

	lines, err := s.List(ctx, ListOptions{Kind: schema.KindLedger})
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		b, ok := byID[l.MemberID()]
		if !ok || isMessExpense(l) {
			continue
		}
		amount, ok := schema.Amount(l.Fields[schema.FieldAmount])
		if !ok {
			continue
		}
		if amount.IsNegative() {
			b.TotalPaid = b.TotalPaid.Add(amount.Neg())
		} else {
			b.TotalBill = b.TotalBill.Add(amount)
		}
	}

	attendance, err := s.List(ctx, ListOptions{Kind: schema.KindAttendance})
	if err != nil {
		return nil, err
	}
	for _, a := range attendance {
		b, ok := byID[a.MemberID()]
		if !ok {
			continue
		}
		if meals, ok := a.Fields[schema.FieldMeals].(float64); ok {
			b.Meals += meals
		}
	}

	return settleBalances(byID), nil
}

func isMessExpense(l *schema.Entity) bool {
	return schema.Flag(l.Fields, schema.FieldMealRate) || schema.Flag(l.Fields, schema.FieldShared)
}

func (s *Store) memberIndex(ctx context.Context) (map[string]*MemberBalance, error) {
	members, err := s.List(ctx, ListOptions{Kind: schema.KindMember})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*MemberBalance, len(members))
	for _, m := range members {
		name, _ := m.Fields[schema.FieldName].(string)
		byID[m.ID] = &MemberBalance{MemberID: m.ID, Name: name}
	}
	return byID, nil
}

// settleBalances derives due amounts and payment status, sorted by member.
func settleBalances(byID map[string]*MemberBalance) []MemberBalance {
	out := make([]MemberBalance, 0, len(byID))
	for _, b := range byID {
		b.Due = b.TotalBill.Sub(b.TotalPaid)
		switch {
		case !b.Due.IsPositive():
			b.Status = StatusPaid
		case b.TotalPaid.IsPositive():
			b.Status = StatusPartial
		default:
			b.Status = StatusPending
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

// MonthlyReport is the bill of one calendar month.
type MonthlyReport struct {
	Year          int             `json:"year"`
	Month         int             `json:"month"`
	TotalMeals    float64         `json:"totalMeals"`
	MealExpenses  decimal.Decimal `json:"mealExpenses"`
	FixedExpenses decimal.Decimal `json:"fixedExpenses"`
	MealRate      decimal.Decimal `json:"mealRate"`
	SharePerHead  decimal.Decimal `json:"sharePerHead"`
	Balances      []MemberBalance `json:"balances"`
}

// MonthlyReport bills the given month from the records dated in it. Ledger
// lines flagged include_in_meal_rate are divided by meals eaten, lines
// flagged shared_equally are split between all live members. Other positive
// lines are charges on their member and negative lines are payments.
// Records without a date in the month are ignored. Amounts are rounded to
// two decimal places.
func (s *Store) MonthlyReport(ctx context.Context, year, month int) (*MonthlyReport, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("invalid month %d", month)
	}
	inMonth := func(e *schema.Entity) bool {
		raw, _ := e.Fields[schema.FieldDate].(string)
		d, err := time.Parse(time.DateOnly, raw)
		return err == nil && d.Year() == year && int(d.Month()) == month
	}

	byID, err := s.memberIndex(ctx)
	if err != nil {
		return nil, err
	}
	rep := &MonthlyReport{Year: year, Month: month}

	attendance, err := s.List(ctx, ListOptions{Kind: schema.KindAttendance})
	if err != nil {
		return nil, err
	}
	for _, a := range attendance {
		b, ok := byID[a.MemberID()]
		if !ok || !inMonth(a) {
			continue
		}
		if meals, ok := a.Fields[schema.FieldMeals].(float64); ok {
			b.Meals += meals
			rep.TotalMeals += meals
		}
	}

	lines, err := s.List(ctx, ListOptions{Kind: schema.KindLedger})
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if !inMonth(l) {
			continue
		}
		amount, ok := schema.Amount(l.Fields[schema.FieldAmount])
		if !ok {
			continue
		}
		switch {
		case schema.Flag(l.Fields, schema.FieldMealRate):
			rep.MealExpenses = rep.MealExpenses.Add(amount)
			continue
		case schema.Flag(l.Fields, schema.FieldShared):
			rep.FixedExpenses = rep.FixedExpenses.Add(amount)
			continue
		}
		b, ok := byID[l.MemberID()]
		if !ok {
			continue
		}
		if amount.IsNegative() {
			b.TotalPaid = b.TotalPaid.Add(amount.Neg())
		} else {
			b.TotalBill = b.TotalBill.Add(amount)
		}
	}

	if rep.TotalMeals > 0 {
		meals := decimal.NewFromFloat(rep.TotalMeals)
		rep.MealRate = rep.MealExpenses.Div(meals).Round(2)
		for _, b := range byID {
			b.MealCost = rep.MealExpenses.Mul(decimal.NewFromFloat(b.Meals)).Div(meals).Round(2)
		}
	}
	if len(byID) > 0 {
		rep.SharePerHead = rep.FixedExpenses.Div(decimal.NewFromInt(int64(len(byID)))).Round(2)
	}
	for _, b := range byID {
		b.Shared = rep.SharePerHead
		b.TotalBill = b.TotalBill.Add(b.MealCost).Add(b.Shared)
	}
	rep.Balances = settleBalances(byID)
	return rep, nil
}
