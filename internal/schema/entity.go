package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"
)

// Kind identifies the domain type of an entity.
type Kind string

const (
	// KindMember is a mess member account.
	KindMember Kind = "member"
	// KindAttendance is a daily meal attendance record.
	KindAttendance Kind = "attendance"
	// KindLedger is a billing ledger line (expense, payment, charge).
	KindLedger Kind = "ledger"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMember, KindAttendance, KindLedger:
		return true
	}
	return false
}

// ParseKind converts a user supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q (want member, attendance or ledger)", s)
	}
	return k, nil
}

// Well-known field names.
const (
	// FieldMemberID links attendance and ledger entities to their member.
	FieldMemberID = "member_id"
	// FieldName is the display name of a member.
	FieldName = "name"
	// FieldMeals counts the meals an attendance entity records.
	FieldMeals = "meals"
	// FieldDate is the day an attendance or ledger entity covers (YYYY-MM-DD).
	FieldDate = "date"
)

// Entity is the generic record synchronised between devices.
type Entity struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Fields    map[string]any `json:"fields"`
	Revision  int64          `json:"revision"`
	UpdatedAt int64          `json:"updatedAt"`
	Deleted   bool           `json:"deleted"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
}

// NewEntity returns an entity of the given kind with a fresh UUID.
func NewEntity(kind Kind, fields map[string]any) *Entity {
	return &Entity{
		ID:     uuid.NewString(),
		Kind:   kind,
		Fields: fields,
	}
}

// Validate checks the entity has an ID, a known kind and scalar fields.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", e.Kind)
	}
	if e.Revision < 0 {
		return fmt.Errorf("revision must not be negative (got %d)", e.Revision)
	}
	for name, v := range e.Fields {
		if name == "" {
			return fmt.Errorf("field name must not be empty")
		}
		if !isScalar(v) {
			return fmt.Errorf("field %q is not a scalar (got %T)", name, v)
		}
	}
	for _, name := range AdditiveFields(e.Kind) {
		v, ok := e.Fields[name]
		if !ok || v == nil {
			continue
		}
		if _, ok := Amount(v); !ok {
			return fmt.Errorf("field %q must be a decimal amount (got %v)", name, v)
		}
	}
	return nil
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return &c
}

// MemberID returns the member this entity concerns, if any.
func (e *Entity) MemberID() string {
	if e.Kind == KindMember {
		return e.ID
	}
	if s, ok := e.Fields[FieldMemberID].(string); ok {
		return s
	}
	return ""
}

// String renders a short description for logs.
func (e *Entity) String() string {
	return fmt.Sprintf("%s/%s@%d", e.Kind, e.ID, e.Revision)
}

// Normalize converts field values into their canonical scalar form:
// integers become float64, json.Number is parsed, and additive ledger
// fields become canonical decimal strings.
func (e *Entity) Normalize() {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	for k, v := range e.Fields {
		e.Fields[k] = normalizeScalar(v)
	}
	for _, name := range AdditiveFields(e.Kind) {
		v, ok := e.Fields[name]
		if !ok || v == nil {
			continue
		}
		if d, ok := Amount(v); ok {
			e.Fields[name] = d.String()
		}
	}
}

// SameContent reports whether two entities carry the same fields and
// tombstone state, ignoring revision and timestamps.
func SameContent(a, b *Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Deleted == b.Deleted && FieldsEqual(a.Fields, b.Fields)
}

// FieldsEqual compares two field maps value by value.
func FieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !ValueEqual(av, bv) {
			return false
		}
	}
	return true
}

// ChangedFields returns the sorted names of fields whose value differs
// between base and next, including fields added or removed.
// A nil base reports every field of next.
func ChangedFields(base, next map[string]any) []string {
	seen := make(map[string]bool)
	var out []string
	for k, nv := range next {
		bv, ok := base[k]
		if !ok || !ValueEqual(bv, nv) {
			out = append(out, k)
		}
		seen[k] = true
	}
	for k := range base {
		if !seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// UnionFields merges two sorted or unsorted name lists into one sorted,
// de-duplicated list.
func UnionFields(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		set[f] = true
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ValueEqual compares two scalars, treating numeric types by value.
func ValueEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeScalar(a), normalizeScalar(b))
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

func normalizeScalar(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}
