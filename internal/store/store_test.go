package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MinhajShafin/MessKhata/internal/schema"
)

// testClock is a settable wall clock for journal timestamps.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// setupTestStore opens a fresh store with the schema initialized
func setupTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.DeviceID == "" {
		opts.DeviceID = "device-test"
	}
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), opts)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func member(id, name string) *schema.Entity {
	return &schema.Entity{ID: id, Kind: schema.KindMember, Fields: map[string]any{"name": name}}
}

// TestInitSchema_Success tests schema creation
func TestInitSchema_Success(t *testing.T) {
	st := setupTestStore(t, Options{})

	tables := []string{"entities", "change_journal", "sync_cursor", "conflicts", "notifications", "clock"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := st.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization is idempotent
func TestInitSchema_Idempotent(t *testing.T) {
	st := setupTestStore(t, Options{})
	if err := st.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestUpsert_Insert(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{DeviceID: "phone-a"})

	rev, err := st.Upsert(ctx, member("m1", "Rahim"))
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("revision = %d, want 1", rev)
	}

	got, err := st.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.Fields["name"] != "Rahim" || got.UpdatedBy != "phone-a" || got.UpdatedAt != 1 {
		t.Errorf("unexpected entity: %+v", got)
	}

	pending, err := st.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "m1" {
		t.Fatalf("ListPending() = %v, want [m1]", pending)
	}

	recs, err := st.DrainPending(ctx, 10)
	if err != nil {
		t.Fatalf("DrainPending() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("DrainPending() returned %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.BaseRevision != 0 || rec.Origin != schema.OriginLocal || rec.SyncState != schema.StatePending {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.DirtyFields) != 1 || rec.DirtyFields[0] != "name" {
		t.Errorf("DirtyFields = %v, want [name]", rec.DirtyFields)
	}
}

func TestGet_Missing(t *testing.T) {
	st := setupTestStore(t, Options{})
	got, err := st.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil", got)
	}
}

func TestUpsert_Update(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	e := member("m1", "Rahim")
	e.Fields["room"] = "2A"
	if _, err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	e.Fields["room"] = "3B"
	rev, err := st.Upsert(ctx, e)
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if rev != 2 {
		t.Errorf("revision = %d, want 2", rev)
	}

	recs, err := st.History(ctx, "m1")
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("History() returned %d records, want 2", len(recs))
	}
	if recs[0].Seq >= recs[1].Seq {
		t.Errorf("records out of order: %d, %d", recs[0].Seq, recs[1].Seq)
	}
	if len(recs[1].DirtyFields) != 1 || recs[1].DirtyFields[0] != "room" {
		t.Errorf("DirtyFields = %v, want [room]", recs[1].DirtyFields)
	}
}

func TestUpsert_UnchangedIsNoop(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	if _, err := st.Upsert(ctx, member("m1", "Rahim")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	rev, err := st.Upsert(ctx, member("m1", "Rahim"))
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("revision = %d, want 1", rev)
	}
	recs, _ := st.History(ctx, "m1")
	if len(recs) != 1 {
		t.Errorf("History() returned %d records, want 1", len(recs))
	}
}

func TestUpsert_Invalid(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	tests := []struct {
		name   string
		entity *schema.Entity
	}{
		{"missing id", &schema.Entity{Kind: schema.KindMember}},
		{"bad kind", &schema.Entity{ID: "x", Kind: "bill"}},
		{"bad amount", &schema.Entity{ID: "l1", Kind: schema.KindLedger, Fields: map[string]any{"amount": "lots"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := st.Upsert(ctx, tt.entity); err == nil {
				t.Error("Upsert() should fail")
			}
		})
	}

	if _, err := st.Upsert(ctx, member("m1", "Rahim")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if _, err := st.Upsert(ctx, &schema.Entity{ID: "m1", Kind: schema.KindLedger}); err == nil {
		t.Error("Upsert() with a different kind should fail")
	}
}

func TestDelete_Tombstones(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	if _, err := st.Upsert(ctx, member("m1", "Rahim")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	rev, err := st.Delete(ctx, "m1")
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if rev != 2 {
		t.Errorf("revision = %d, want 2", rev)
	}

	got, err := st.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil || !got.Deleted {
		t.Fatalf("Get() = %+v, want tombstone", got)
	}

	live, _ := st.List(ctx, ListOptions{})
	if len(live) != 0 {
		t.Errorf("List() returned %d entities, want 0", len(live))
	}
	all, _ := st.List(ctx, ListOptions{IncludeDeleted: true})
	if len(all) != 1 {
		t.Errorf("List(IncludeDeleted) returned %d entities, want 1", len(all))
	}

	if _, err := st.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestJournal_AckLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	e := member("m1", "Rahim")
	st.Upsert(ctx, e)
	e.Fields["room"] = "2A"
	st.Upsert(ctx, e)

	recs, err := st.DrainPending(ctx, 10)
	if err != nil {
		t.Fatalf("DrainPending() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("DrainPending() returned %d, want 2", len(recs))
	}

	n, err := st.MarkInFlight(ctx, "m1", recs[1].Seq)
	if err != nil {
		t.Fatalf("MarkInFlight() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("MarkInFlight() = %d, want 2", n)
	}

	// In-flight entities are not drained again.
	recs, _ = st.DrainPending(ctx, 10)
	if len(recs) != 0 {
		t.Errorf("DrainPending() returned %d while in flight, want 0", len(recs))
	}

	acked, err := st.MarkAcked(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("MarkAcked() failed: %v", err)
	}
	if acked != 2 {
		t.Errorf("MarkAcked() = %d, want 2", acked)
	}

	pending, _ := st.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("ListPending() returned %d, want 0", len(pending))
	}

	base, remoteRev, err := st.Base(ctx, "m1")
	if err != nil {
		t.Fatalf("Base() failed: %v", err)
	}
	if remoteRev != 1 || base == nil || base.Fields["room"] != "2A" || base.Revision != 1 {
		t.Errorf("Base() = %+v, %d", base, remoteRev)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Acked != 2 || stats.Pending != 0 || stats.InFlight != 0 {
		t.Errorf("Stats() = %+v", stats)
	}

	// A later local change is based on the acknowledged remote revision.
	e.Fields["room"] = "3B"
	st.Upsert(ctx, e)
	recs, _ = st.DrainPending(ctx, 10)
	if len(recs) != 1 || recs[0].BaseRevision != 1 {
		t.Fatalf("DrainPending() = %+v, want one record based on 1", recs)
	}
}

func TestJournal_MarkInFlightStopsAtSeq(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	e := member("m1", "Rahim")
	st.Upsert(ctx, e)
	recs, _ := st.DrainPending(ctx, 10)
	st.MarkInFlight(ctx, "m1", recs[0].Seq)

	// A write during the push stays pending after the ack.
	e.Fields["room"] = "2A"
	st.Upsert(ctx, e)

	if _, err := st.MarkAcked(ctx, "m1", 1); err != nil {
		t.Fatalf("MarkAcked() failed: %v", err)
	}
	pending, _ := st.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("ListPending() returned %d, want 1", len(pending))
	}
	recs, _ = st.DrainPending(ctx, 10)
	if len(recs) != 1 || recs[0].Payload.Fields["room"] != "2A" {
		t.Errorf("DrainPending() = %+v", recs)
	}
}

func TestJournal_AckThrough(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	e := member("m1", "Rahim")
	st.Upsert(ctx, e)
	first, _ := st.DrainPending(ctx, 10)

	next := e.Clone()
	next.Fields["room"] = "2A"
	st.Upsert(ctx, next)

	accepted := first[0].Payload.Clone()
	accepted.Revision = 1
	n, err := st.AckThrough(ctx, accepted, first[0].Seq)
	if err != nil {
		t.Fatalf("AckThrough() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("AckThrough() acked %d rows, want 1", n)
	}

	base, rev, err := st.Base(ctx, "m1")
	if err != nil {
		t.Fatalf("Base() failed: %v", err)
	}
	if rev != 1 || base == nil || base.Fields["room"] != nil {
		t.Errorf("Base() = %+v@%d, want the acked payload at revision 1", base, rev)
	}

	recs, _ := st.DrainPending(ctx, 10)
	if len(recs) != 1 || recs[0].Payload.Fields["room"] != "2A" {
		t.Errorf("DrainPending() = %+v, want only the later edit", recs)
	}
	stats, _ := st.Stats(ctx)
	if stats.Acked != 1 || stats.Pending != 1 {
		t.Errorf("Stats() = %+v, want 1 acked and 1 pending", stats)
	}
}

func TestJournal_RevertInFlight(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := setupTestStore(t, Options{Now: clock.Now})

	st.Upsert(ctx, member("m1", "Rahim"))
	recs, _ := st.DrainPending(ctx, 10)
	st.MarkInFlight(ctx, "m1", recs[0].Seq)

	n, err := st.RevertInFlight(ctx, clock.Now())
	if err != nil {
		t.Fatalf("RevertInFlight() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("RevertInFlight() reverted %d fresh rows, want 0", n)
	}

	clock.Advance(time.Minute)
	n, err = st.RevertInFlight(ctx, clock.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("RevertInFlight() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RevertInFlight() = %d, want 1", n)
	}

	recs, _ = st.DrainPending(ctx, 10)
	if len(recs) != 1 {
		t.Errorf("DrainPending() returned %d after revert, want 1", len(recs))
	}
}

func TestJournal_RevertEntityInFlight(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	st.Upsert(ctx, member("m1", "Rahim"))
	st.Upsert(ctx, member("m2", "Karim"))
	recs, _ := st.DrainPending(ctx, 10)
	for _, r := range recs {
		st.MarkInFlight(ctx, r.EntityID, r.Seq)
	}

	n, err := st.RevertEntityInFlight(ctx, "m1")
	if err != nil {
		t.Fatalf("RevertEntityInFlight() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RevertEntityInFlight() = %d, want 1", n)
	}
	stats, _ := st.Stats(ctx)
	if stats.Pending != 1 || stats.InFlight != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestJournal_RequeueAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{MaxAttempts: 2})

	e := member("m1", "Rahim")
	st.Upsert(ctx, e)
	st.Upsert(ctx, &schema.Entity{ID: "m1", Kind: schema.KindMember, Fields: map[string]any{"name": "Rahim", "room": "2A"}})

	rebased := e.Clone()
	rebased.Fields["room"] = "2A"

	dead, err := st.Requeue(ctx, Rebase{
		EntityID: "m1", Payload: rebased, BaseRevision: 3,
		DirtyFields: []string{"room"}, Reason: "stale", Rejected: true,
	})
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if dead {
		t.Fatal("Requeue() dead-lettered after one attempt")
	}

	recs, _ := st.DrainPending(ctx, 10)
	if len(recs) != 1 {
		t.Fatalf("DrainPending() returned %d, want the single rebased row", len(recs))
	}
	if recs[0].BaseRevision != 3 || recs[0].Attempts != 1 || recs[0].LastError != "stale" {
		t.Errorf("rebased row = %+v", recs[0])
	}

	dead, err = st.Requeue(ctx, Rebase{
		EntityID: "m1", Payload: rebased, BaseRevision: 4, Reason: "stale", Rejected: true,
	})
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if !dead {
		t.Fatal("Requeue() should dead-letter once attempts reach the limit")
	}

	pending, _ := st.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("dead-lettered entity still pending")
	}
	stats, _ := st.Stats(ctx)
	if stats.Pending != 0 || stats.Conflicted != 4 {
		t.Errorf("Stats() = %+v, want 0 pending and 4 conflicted", stats)
	}
}

func TestJournal_MarkConflicted(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	st.Upsert(ctx, member("m1", "Rahim"))
	n, err := st.MarkConflicted(ctx, "m1", "invalid")
	if err != nil {
		t.Fatalf("MarkConflicted() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("MarkConflicted() = %d, want 1", n)
	}
	pending, _ := st.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("ListPending() returned %d, want 0", len(pending))
	}
}

func TestJournal_Compact(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := setupTestStore(t, Options{Now: clock.Now})

	st.Upsert(ctx, member("m1", "Rahim"))
	recs, _ := st.DrainPending(ctx, 10)
	st.MarkInFlight(ctx, "m1", recs[0].Seq)
	st.MarkAcked(ctx, "m1", 1)
	st.Upsert(ctx, member("m2", "Karim"))

	clock.Advance(48 * time.Hour)
	n, err := st.Compact(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Compact() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Compact() removed %d rows, want 1", n)
	}

	// Pending rows survive compaction.
	recs, _ = st.DrainPending(ctx, 10)
	if len(recs) != 1 || recs[0].EntityID != "m2" {
		t.Errorf("DrainPending() = %+v", recs)
	}
}

func TestApplyMerged(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	remote := &schema.Entity{ID: "m1", Kind: schema.KindMember, Fields: map[string]any{"name": "Rahim"}, Revision: 3, UpdatedAt: 10, UpdatedBy: "phone-b"}
	if err := st.ApplyMerged(ctx, remote, remote); err != nil {
		t.Fatalf("ApplyMerged() failed: %v", err)
	}

	got, _ := st.Get(ctx, "m1")
	if got.Revision != 3 || got.UpdatedBy != "phone-b" {
		t.Errorf("Get() = %+v", got)
	}
	pending, _ := st.ListPending(ctx)
	if len(pending) != 0 {
		t.Error("remote entity should not be pending")
	}

	// The logical clock moved past the remote timestamp.
	got.Fields["room"] = "2A"
	rev, err := st.Upsert(ctx, got)
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if rev != 4 {
		t.Errorf("revision = %d, want 4", rev)
	}
	got, _ = st.Get(ctx, "m1")
	if got.UpdatedAt != 11 {
		t.Errorf("UpdatedAt = %d, want 11", got.UpdatedAt)
	}

	// A merge keeps the higher local revision and the pending flag.
	merged := got.Clone()
	merged.Revision = 3
	if err := st.ApplyMerged(ctx, merged, remote); err != nil {
		t.Fatalf("ApplyMerged() failed: %v", err)
	}
	got, _ = st.Get(ctx, "m1")
	if got.Revision != 4 {
		t.Errorf("revision = %d, want 4", got.Revision)
	}
	pending, _ = st.ListPending(ctx)
	if len(pending) != 1 {
		t.Error("local change should still be pending")
	}

	base, remoteRev, _ := st.Base(ctx, "m1")
	if remoteRev != 3 || base == nil || base.UpdatedBy != "phone-b" {
		t.Errorf("Base() = %+v, %d", base, remoteRev)
	}

	history, _ := st.History(ctx, "m1")
	var remoteRows int
	for _, r := range history {
		if r.Origin == schema.OriginRemote {
			remoteRows++
		}
	}
	if remoteRows != 2 {
		t.Errorf("remote audit rows = %d, want 2", remoteRows)
	}
}

func TestApplyMerged_NeverRewindsBase(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	newer := &schema.Entity{ID: "m1", Kind: schema.KindMember, Fields: map[string]any{"name": "B"}, Revision: 5}
	older := &schema.Entity{ID: "m1", Kind: schema.KindMember, Fields: map[string]any{"name": "A"}, Revision: 2}
	st.ApplyMerged(ctx, newer, newer)
	st.ApplyMerged(ctx, older, older)

	base, remoteRev, _ := st.Base(ctx, "m1")
	if remoteRev != 5 || base.Fields["name"] != "B" {
		t.Errorf("Base() = %+v, %d", base, remoteRev)
	}
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	c, err := st.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor() failed: %v", err)
	}
	if c.LastRemoteTimestamp != 0 || c.LastLocalSequence != 0 {
		t.Errorf("fresh cursor = %+v", c)
	}

	if err := st.SaveCursor(ctx, schema.SyncCursor{LastRemoteTimestamp: 7, LastLocalSequence: 3}); err != nil {
		t.Fatalf("SaveCursor() failed: %v", err)
	}
	if err := st.SaveCursor(ctx, schema.SyncCursor{LastRemoteTimestamp: 5, LastLocalSequence: 4}); err != nil {
		t.Fatalf("SaveCursor() failed: %v", err)
	}

	c, _ = st.Cursor(ctx)
	if c.LastRemoteTimestamp != 7 || c.LastLocalSequence != 4 {
		t.Errorf("cursor = %+v, want {7 4}", c)
	}
	if c.UpdatedAt.IsZero() {
		t.Error("cursor UpdatedAt not set")
	}
}

func TestMarkNotified(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	first, err := st.MarkNotified(ctx, "l1#2", "l1")
	if err != nil {
		t.Fatalf("MarkNotified() failed: %v", err)
	}
	second, err := st.MarkNotified(ctx, "l1#2", "l1")
	if err != nil {
		t.Fatalf("MarkNotified() failed: %v", err)
	}
	if !first || second {
		t.Errorf("MarkNotified() = %v, %v; want true, false", first, second)
	}
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, Options{})

	c := &schema.ConflictRecord{
		EntityID: "m1",
		Rule:     schema.RuleFieldLWW,
		Local:    member("m1", "Rahim"),
		Remote:   member("m1", "Rahim Uddin"),
		Merged:   member("m1", "Rahim Uddin"),
		Fields:   []string{"name"},
	}
	id, err := st.RecordConflict(ctx, c)
	if err != nil {
		t.Fatalf("RecordConflict() failed: %v", err)
	}
	if id == 0 {
		t.Error("RecordConflict() returned id 0")
	}

	got, err := st.ListConflicts(ctx, "m1", 10)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListConflicts() returned %d, want 1", len(got))
	}
	if got[0].Rule != schema.RuleFieldLWW || got[0].Merged.Fields["name"] != "Rahim Uddin" {
		t.Errorf("conflict = %+v", got[0])
	}

	none, _ := st.ListConflicts(ctx, "m2", 10)
	if len(none) != 0 {
		t.Errorf("ListConflicts(m2) returned %d, want 0", len(none))
	}
}

func TestWithEntityLock(t *testing.T) {
	st := setupTestStore(t, Options{})
	wantErr := errors.New("boom")

	err := st.WithEntityLock("m1", func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("WithEntityLock() = %v, want %v", err, wantErr)
	}
	if len(st.locks) != 0 {
		t.Errorf("lock table not cleaned up: %d entries", len(st.locks))
	}
}
