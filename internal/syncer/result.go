package syncer

import (
	"time"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
)

// State is the phase a coordinator is in.
type State string

const (
	StateIdle             State = "idle"
	StateFetchingRemote   State = "fetching_remote"
	StateMergingConflicts State = "merging_conflicts"
	StatePushingLocal     State = "pushing_local"
	StateCommitting       State = "committing"
	StateFailed           State = "failed"
)

// Outcome summarises how a cycle ended.
type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeFailed    Outcome = "failed"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeSkipped   Outcome = "skipped"
)

// MergedEntity is an entity whose local state changed because of a remote
// version during a cycle.
type MergedEntity struct {
	Entity *schema.Entity
	Origin schema.Origin
	// RemoteRevision is the revision of the remote version merged in.
	RemoteRevision int64
	// UpdatedBy is the device that wrote the remote version.
	UpdatedBy string
	Rule      schema.Rule
}

// CycleResult is the report of one sync cycle.
type CycleResult struct {
	ID         string
	Outcome    Outcome
	Err        error
	Retryable  bool
	Degraded   bool
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time

	Fetched      int
	Applied      int
	Skipped      int
	Invalid      int
	Pushed       int
	Acked        int
	Rejected     int
	DeadLettered int

	Merged    []MergedEntity
	Conflicts []*schema.ConflictRecord
	Cursor    schema.SyncCursor
}

// Duration is the wall time the cycle took.
func (r CycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is a snapshot of the coordinator.
type Status struct {
	State      State              `json:"state"`
	Enabled    bool               `json:"enabled"`
	Degraded   bool               `json:"degraded"`
	LastResult *CycleResult       `json:"-"`
	LastSync   time.Time          `json:"lastSync,omitempty"`
	LastError  string             `json:"lastError,omitempty"`
	Journal    store.JournalStats `json:"journal"`
	Cursor     schema.SyncCursor  `json:"cursor"`
}
