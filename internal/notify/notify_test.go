package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Push(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "notify.db"), store.Options{DeviceID: "phone-a"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))
	return st
}

func remoteMerge(e *schema.Entity, rev int64, by string) syncer.MergedEntity {
	return syncer.MergedEntity{Entity: e, Origin: schema.OriginRemote, RemoteRevision: rev, UpdatedBy: by}
}

func ledger(id, memberID, amount string) *schema.Entity {
	return &schema.Entity{
		ID:     id,
		Kind:   schema.KindLedger,
		Fields: map[string]any{"member_id": memberID, "amount": amount, "category": "bazar"},
	}
}

func TestHandleCycle_EventTypes(t *testing.T) {
	tests := []struct {
		name        string
		merged      syncer.MergedEntity
		wantType    EventType
		wantSummary string
	}{
		{
			name:        "expense",
			merged:      remoteMerge(ledger("l1", "m1", "50"), 1, "phone-b"),
			wantType:    EventExpenseAdded,
			wantSummary: "Expense of 50.00 added for bazar",
		},
		{
			name:        "expense edited",
			merged:      remoteMerge(ledger("l1", "m1", "75.5"), 2, "phone-b"),
			wantType:    EventExpenseUpdated,
			wantSummary: "Expense updated to 75.50 for bazar",
		},
		{
			name: "meal",
			merged: remoteMerge(&schema.Entity{ID: "a1", Kind: schema.KindAttendance,
				Fields: map[string]any{"member_id": "m1", "meals": 2.0, "date": "2024-03-01"}}, 3, "phone-b"),
			wantType:    EventMealUpdated,
			wantSummary: "Meal count updated to 2 on 2024-03-01",
		},
		{
			name:        "member joined",
			merged:      remoteMerge(&schema.Entity{ID: "m2", Kind: schema.KindMember, Fields: map[string]any{"name": "Karim"}}, 1, "phone-b"),
			wantType:    EventMemberJoined,
			wantSummary: "Karim joined the mess",
		},
		{
			name:        "member left",
			merged:      remoteMerge(&schema.Entity{ID: "m2", Kind: schema.KindMember, Fields: map[string]any{"name": "Karim"}, Deleted: true}, 4, "phone-b"),
			wantType:    EventMemberLeft,
			wantSummary: "Karim left the mess",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			d := New(setupStore(t), Options{DeviceID: "phone-a"}, rec)

			sent, err := d.HandleCycle(context.Background(), syncer.CycleResult{Merged: []syncer.MergedEntity{tt.merged}})
			require.NoError(t, err)
			require.Len(t, sent, 1)
			require.Len(t, rec.events, 1)

			ev := rec.events[0]
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantSummary, ev.Summary)
			assert.Equal(t, tt.merged.Entity.ID, ev.EntityID)
			assert.Equal(t, tt.merged.Entity.Kind, ev.Kind)
		})
	}
}

func TestHandleCycle_Filters(t *testing.T) {
	tests := []struct {
		name   string
		member string
		merged syncer.MergedEntity
	}{
		{"own device", "", remoteMerge(ledger("l1", "m1", "50"), 1, "phone-a")},
		{"local origin", "", syncer.MergedEntity{Entity: ledger("l1", "m1", "50"), Origin: schema.OriginLocal, RemoteRevision: 1, UpdatedBy: "phone-b"}},
		{"other member", "m1", remoteMerge(ledger("l2", "m2", "20"), 1, "phone-b")},
		{"removed expense", "", remoteMerge(func() *schema.Entity { e := ledger("l1", "m1", "50"); e.Deleted = true; return e }(), 2, "phone-b")},
		{"member edit", "", remoteMerge(&schema.Entity{ID: "m1", Kind: schema.KindMember, Fields: map[string]any{"name": "R"}}, 2, "phone-b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			d := New(setupStore(t), Options{DeviceID: "phone-a", MemberID: tt.member}, rec)

			sent, err := d.HandleCycle(context.Background(), syncer.CycleResult{Merged: []syncer.MergedEntity{tt.merged}})
			require.NoError(t, err)
			assert.Empty(t, sent)
			assert.Empty(t, rec.events)
		})
	}
}

func TestHandleCycle_MemberEventsReachEveryone(t *testing.T) {
	rec := &recorder{}
	d := New(setupStore(t), Options{DeviceID: "phone-a", MemberID: "m1"}, rec)

	joined := remoteMerge(&schema.Entity{ID: "m9", Kind: schema.KindMember, Fields: map[string]any{"name": "Nadia"}}, 1, "phone-b")
	_, err := d.HandleCycle(context.Background(), syncer.CycleResult{Merged: []syncer.MergedEntity{joined}})
	require.NoError(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventMemberJoined, rec.events[0].Type)
}

func TestHandleCycle_NoDoubleNotification(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	rec := &recorder{}
	d := New(st, Options{DeviceID: "phone-a"}, rec)

	res := syncer.CycleResult{Merged: []syncer.MergedEntity{remoteMerge(ledger("l1", "m1", "50"), 1, "phone-b")}}
	_, err := d.HandleCycle(ctx, res)
	require.NoError(t, err)

	// Replaying the same cycle, even through a fresh dispatcher, is silent.
	_, err = d.HandleCycle(ctx, res)
	require.NoError(t, err)
	_, err = New(st, Options{DeviceID: "phone-a"}, rec).HandleCycle(ctx, res)
	require.NoError(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, "l1#1", rec.events[0].DedupKey)

	// A newer revision of the same entity notifies again.
	next := syncer.CycleResult{Merged: []syncer.MergedEntity{remoteMerge(ledger("l1", "m1", "80"), 2, "phone-b")}}
	_, err = d.HandleCycle(ctx, next)
	require.NoError(t, err)
	require.Len(t, rec.events, 2)
	assert.Equal(t, "l1#2", rec.events[1].DedupKey)
}

func TestHandleCycle_PusherErrorDoesNotStopOthers(t *testing.T) {
	failing := &recorder{err: errors.New("push service unavailable")}
	ok := &recorder{}
	d := New(setupStore(t), Options{DeviceID: "phone-a"}, failing, ok)

	res := syncer.CycleResult{Merged: []syncer.MergedEntity{
		remoteMerge(ledger("l1", "m1", "50"), 1, "phone-b"),
		remoteMerge(ledger("l2", "m1", "10"), 1, "phone-b"),
	}}
	sent, err := d.HandleCycle(context.Background(), res)
	assert.Error(t, err)
	assert.Len(t, sent, 2)
	assert.Len(t, ok.events, 2)
}

func TestObserve_LogPusher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := New(setupStore(t), Options{DeviceID: "phone-a"}, LogPusher{Logger: zap.New(core)})

	d.Observe(syncer.CycleResult{ID: "c1", Merged: []syncer.MergedEntity{remoteMerge(ledger("l1", "m1", "12.5"), 1, "phone-b")}})

	entries := logs.FilterMessage("Expense of 12.50 added for bazar").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "expense_added", entries[0].ContextMap()["type"])
	assert.Equal(t, "l1#1", entries[0].ContextMap()["dedup_key"])
}
