// Package resolve merges divergent versions of an entity.
//
// Resolve is pure and total: it never blocks, never touches storage and
// always returns a merged entity. The policy, applied field by field against
// the last version both sides agreed on (the base):
//
//   - A field changed on one side only takes that side's value.
//   - Additive ledger fields (amount, balance) changed on both sides are
//     summed: remote + (local - base). Nothing is overwritten.
//   - Any other field changed on both sides to different values goes to the
//     side with the later logical timestamp. Ties go to the remote.
//   - A tombstone on either side wins over a concurrent update.
package resolve

import (
	"fmt"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

// Local is the local side of a merge.
type Local struct {
	// Entity is the current local version.
	Entity *schema.Entity
	// Base is the last version confirmed by the remote store, nil if the
	// entity never synced.
	Base *schema.Entity
	// BaseRevision is the remote revision Base corresponds to.
	BaseRevision int64
	// DirtyFields are the fields touched by pending local changes. Used
	// only when there is no base to diff against.
	DirtyFields []string
}

// Outcome is the result of a merge.
type Outcome struct {
	// Merged is the entity both sides converge to.
	Merged *schema.Entity
	// Conflict is set when concurrent edits overlapped or a tombstone
	// overrode an update.
	Conflict *schema.ConflictRecord
	// Rule names what decided the merge.
	Rule schema.Rule
	// KeepLocal reports that Merged still differs from the remote version
	// and must be pushed.
	KeepLocal bool
	// DirtyFields are the fields where Merged differs from the remote.
	DirtyFields []string
	// Defect is set when the inputs were not two versions of one entity.
	Defect error
}

// Resolve merges local against remote. It never fails; malformed input is
// reported through Outcome.Defect and resolved in favour of the remote.
func Resolve(local Local, remote *schema.Entity) Outcome {
	if remote == nil {
		if local.Entity == nil {
			return Outcome{Defect: fmt.Errorf("%w: both versions are nil", syncerr.ErrConflictResolution), Rule: schema.RuleDefect}
		}
		merged := local.Entity.Clone()
		return Outcome{Merged: merged, KeepLocal: true, DirtyFields: schema.ChangedFields(nil, merged.Fields)}
	}
	if local.Entity == nil {
		return Outcome{Merged: remote.Clone()}
	}
	if local.Entity.ID != remote.ID || local.Entity.Kind != remote.Kind {
		return defect(local.Entity, remote)
	}

	var baseFields map[string]any
	if local.Base != nil {
		baseFields = local.Base.Fields
	}

	localChanged := schema.ChangedFields(baseFields, local.Entity.Fields)
	if local.Base == nil && len(local.DirtyFields) > 0 {
		localChanged = local.DirtyFields
	}
	remoteChanged := schema.ChangedFields(baseFields, remote.Fields)
	lc := toSet(localChanged)
	rc := toSet(remoteChanged)

	merged := &schema.Entity{
		ID:        remote.ID,
		Kind:      remote.Kind,
		Fields:    make(map[string]any),
		Revision:  remote.Revision,
		UpdatedAt: max(local.Entity.UpdatedAt, remote.UpdatedAt),
		UpdatedBy: remote.UpdatedBy,
	}

	var lwwFields, additiveFields []string
	for _, f := range schema.UnionFields(keys(local.Entity.Fields), keys(remote.Fields)) {
		lv, lok := local.Entity.Fields[f]
		rv, rok := remote.Fields[f]

		switch {
		case lc[f] && schema.IsAdditive(remote.Kind, f):
			merged.Fields[f] = addDelta(rv, lv, baseFields[f])
			if rc[f] {
				additiveFields = append(additiveFields, f)
			}
		case lc[f] && rc[f] && !sameValue(lv, lok, rv, rok):
			lwwFields = append(lwwFields, f)
			if local.Entity.UpdatedAt > remote.UpdatedAt {
				setField(merged.Fields, f, lv, lok)
			} else {
				setField(merged.Fields, f, rv, rok)
			}
		case lc[f]:
			setField(merged.Fields, f, lv, lok)
		default:
			setField(merged.Fields, f, rv, rok)
		}
	}

	out := Outcome{Merged: merged}
	rule := schema.RuleNone
	var contested []string

	switch {
	case remote.Deleted && local.Entity.Deleted:
		merged.Fields = remote.Clone().Fields
		merged.Deleted = true
	case remote.Deleted:
		// The remote tombstone wins outright.
		merged.Fields = remote.Clone().Fields
		merged.Deleted = true
		rule = schema.RuleTombstone
		contested = localChanged
	case local.Entity.Deleted:
		merged.Deleted = true
		if len(remoteChanged) > 0 {
			rule = schema.RuleTombstone
			contested = remoteChanged
		}
	case len(additiveFields) > 0:
		rule = schema.RuleLedgerAdditive
		contested = schema.UnionFields(additiveFields, lwwFields)
	case len(lwwFields) > 0:
		rule = schema.RuleFieldLWW
		contested = lwwFields
	case len(localChanged) > 0 && len(remoteChanged) > 0:
		rule = schema.RuleFieldMerge
	}

	out.Rule = rule
	out.DirtyFields = schema.ChangedFields(remote.Fields, merged.Fields)
	out.KeepLocal = !schema.SameContent(merged, remote)
	if out.KeepLocal {
		merged.UpdatedBy = local.Entity.UpdatedBy
	}

	switch rule {
	case schema.RuleTombstone, schema.RuleLedgerAdditive, schema.RuleFieldLWW:
		out.Conflict = &schema.ConflictRecord{
			EntityID: remote.ID,
			Rule:     rule,
			Local:    local.Entity.Clone(),
			Remote:   remote.Clone(),
			Merged:   merged.Clone(),
			Fields:   contested,
		}
	}
	return out
}

func defect(local, remote *schema.Entity) Outcome {
	merged := remote.Clone()
	return Outcome{
		Merged: merged,
		Rule:   schema.RuleDefect,
		Conflict: &schema.ConflictRecord{
			EntityID: remote.ID,
			Rule:     schema.RuleDefect,
			Local:    local.Clone(),
			Remote:   remote.Clone(),
			Merged:   merged.Clone(),
		},
		Defect: fmt.Errorf("%w: local %s/%s does not match remote %s/%s",
			syncerr.ErrConflictResolution, local.Kind, local.ID, remote.Kind, remote.ID),
	}
}

// addDelta returns remote + (local - base) as a canonical decimal string.
func addDelta(remote, local, base any) any {
	r, _ := schema.Amount(remote)
	l, _ := schema.Amount(local)
	b, _ := schema.Amount(base)
	return r.Add(l.Sub(b)).String()
}

func setField(fields map[string]any, name string, v any, ok bool) {
	if ok {
		fields[name] = v
	}
}

func sameValue(a any, aok bool, b any, bok bool) bool {
	return aok == bok && schema.ValueEqual(a, b)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
