package schema

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// FieldAmount is the signed amount of a ledger line. Positive values are
	// charges (expenses billed to the member), negative values are payments.
	FieldAmount = "amount"
	// FieldBalance is a running balance carried on a ledger entity.
	FieldBalance = "balance"
	// FieldCategory classifies a ledger line (e.g. "bazar", "payment").
	FieldCategory = "category"
	// FieldMealRate marks a ledger line as a mess expense divided among
	// members by the meals they ate (groceries, gas).
	FieldMealRate = "include_in_meal_rate"
	// FieldShared marks a ledger line as a mess expense split equally
	// between all members (rent, utilities).
	FieldShared = "shared_equally"
)

var ledgerAdditive = []string{FieldAmount, FieldBalance}

// AdditiveFields returns the fields of kind that merge by addition instead
// of being overwritten.
func AdditiveFields(kind Kind) []string {
	if kind == KindLedger {
		return ledgerAdditive
	}
	return nil
}

// IsAdditive reports whether field merges additively for kind.
func IsAdditive(kind Kind, field string) bool {
	for _, f := range AdditiveFields(kind) {
		if f == field {
			return true
		}
	}
	return false
}

// Amount parses a field value as a decimal amount.
func Amount(v any) (decimal.Decimal, bool) {
	switch n := normalizeScalar(v).(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(n), "+"))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case nil:
		return decimal.Zero, true
	}
	return decimal.Zero, false
}

// Flag reads a boolean field. Missing or non-boolean values are false.
func Flag(fields map[string]any, name string) bool {
	b, _ := fields[name].(bool)
	return b
}
