package schema

import (
	"fmt"
	"time"
)

// Origin records which side produced a change.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// SyncState is the lifecycle of a change journal row.
type SyncState string

const (
	// StatePending rows wait for the next push.
	StatePending SyncState = "pending"
	// StateInFlight rows are part of an unanswered push.
	StateInFlight SyncState = "inflight"
	// StateAcked rows were persisted remotely and may be compacted.
	StateAcked SyncState = "acked"
	// StateConflicted rows were superseded or given up on.
	StateConflicted SyncState = "conflicted"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateAcked, StateConflicted:
		return true
	}
	return false
}

// ChangeRecord is one row of the change journal.
type ChangeRecord struct {
	Seq            int64     `json:"seq"`
	EntityID       string    `json:"entityId"`
	Kind           Kind      `json:"kind"`
	BaseRevision   int64     `json:"baseRevision"`
	Payload        *Entity   `json:"payload"`
	DirtyFields    []string  `json:"dirtyFields,omitempty"`
	Origin         Origin    `json:"origin"`
	SyncState      SyncState `json:"syncState"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
	InFlightAt     time.Time `json:"inFlightAt,omitempty"`
	RemoteRevision int64     `json:"remoteRevision,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Validate checks the record carries a payload matching its entity.
func (c *ChangeRecord) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if c.Payload == nil {
		return fmt.Errorf("payload is required for %s", c.EntityID)
	}
	if c.Payload.ID != c.EntityID {
		return fmt.Errorf("payload id %q does not match entity id %q", c.Payload.ID, c.EntityID)
	}
	if c.BaseRevision < 0 {
		return fmt.Errorf("base revision must not be negative (got %d)", c.BaseRevision)
	}
	if c.SyncState != "" && !c.SyncState.Valid() {
		return fmt.Errorf("invalid sync state %q", c.SyncState)
	}
	return nil
}

// SyncCursor is the coordinator's persisted checkpoint.
type SyncCursor struct {
	LastRemoteTimestamp int64     `json:"lastRemoteTimestamp"`
	LastLocalSequence   int64     `json:"lastLocalSequence"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// RemoteChange is an entity version observed on the remote store.
// ServerTimestamp strictly increases across the whole remote store.
type RemoteChange struct {
	Entity          *Entity `json:"entity"`
	ServerTimestamp int64   `json:"serverTs"`
}

// Rule names the resolver rule that produced a conflict record.
type Rule string

const (
	RuleNone           Rule = ""
	RuleFieldMerge     Rule = "field-merge"
	RuleFieldLWW       Rule = "field-lww"
	RuleTombstone      Rule = "tombstone"
	RuleLedgerAdditive Rule = "ledger-additive"
	RuleDefect         Rule = "defect"
)

// ConflictRecord is the audit trail of a divergent merge.
type ConflictRecord struct {
	ID        int64     `json:"id"`
	EntityID  string    `json:"entityId"`
	Rule      Rule      `json:"rule"`
	Local     *Entity   `json:"local"`
	Remote    *Entity   `json:"remote"`
	Merged    *Entity   `json:"merged"`
	Fields    []string  `json:"fields,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
