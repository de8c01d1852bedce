package syncer

import (
	"context"
	"time"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
)

// Coordinator runs bidirectional sync cycles between the Local Store and a
// remote store.
//
// At most one cycle runs at a time. A cycle requested while another one is
// running returns immediately with OutcomeCoalesced; the caller (usually the
// background scheduler) decides whether to run again afterwards.
type Coordinator interface {
	// RunSyncCycle performs one fetch → merge → push → commit cycle.
	//
	// It never returns an error directly: failures are reported in
	// CycleResult.Err, classified with the syncerr taxonomy.
	// The cursor is committed only when every step completed without a
	// fatal error, so a failed or cancelled cycle can simply be retried.
	//
	// Example:
	//   res := coord.RunSyncCycle(ctx)
	//   if res.Err != nil && syncerr.IsFatal(res.Err) {
	//       // surface to the user
	//   }
	RunSyncCycle(ctx context.Context) CycleResult

	// RunWithRetry runs cycles until one succeeds, a non-retryable error
	// occurs, ctx is done, or the retry budget is exhausted. Retries back off
	// exponentially. Exhausting the budget marks sync as degraded until the
	// next successful cycle.
	RunWithRetry(ctx context.Context) CycleResult

	// Recover returns every in-flight journal row to pending. Call it once at
	// startup, before the first cycle, to recover from a crash mid-push.
	Recover(ctx context.Context) (int64, error)

	// OnCycle registers an observer called after every completed cycle
	// (coalesced requests excluded). Observers run on the cycle's goroutine
	// after the cycle lock is released.
	OnCycle(fn func(CycleResult))

	// SetEnabled switches sync on or off. Disabled cycles return
	// OutcomeSkipped without touching the network.
	SetEnabled(enabled bool)

	// Status reports the coordinator state and journal statistics.
	Status(ctx context.Context) (Status, error)
}

// LocalStore is the part of the Local Store and Change Journal the
// coordinator drives. *store.Store implements it.
type LocalStore interface {
	DeviceID() string
	Get(ctx context.Context, id string) (*schema.Entity, error)
	Base(ctx context.Context, id string) (*schema.Entity, int64, error)
	ApplyMerged(ctx context.Context, merged, remote *schema.Entity) error
	WithEntityLock(id string, fn func() error) error

	DrainPending(ctx context.Context, limit int) ([]*schema.ChangeRecord, error)
	Outstanding(ctx context.Context, entityID string) ([]*schema.ChangeRecord, error)
	MarkInFlight(ctx context.Context, entityID string, throughSeq int64) (int64, error)
	MarkAcked(ctx context.Context, entityID string, remoteRevision int64) (int64, error)
	AckThrough(ctx context.Context, accepted *schema.Entity, throughSeq int64) (int64, error)
	MarkConflicted(ctx context.Context, entityID, reason string) (int64, error)
	Requeue(ctx context.Context, r store.Rebase) (bool, error)
	RevertInFlight(ctx context.Context, olderThan time.Time) (int64, error)
	RevertEntityInFlight(ctx context.Context, entityID string) (int64, error)
	Stats(ctx context.Context) (store.JournalStats, error)

	RecordConflict(ctx context.Context, c *schema.ConflictRecord) (int64, error)
	Cursor(ctx context.Context) (schema.SyncCursor, error)
	SaveCursor(ctx context.Context, c schema.SyncCursor) error
}

var _ LocalStore = (*store.Store)(nil)
