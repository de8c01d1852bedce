package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDocumentKeepsRevisionAndDeleted(t *testing.T) {
	e := &Entity{ID: "m1", Kind: KindMember, Fields: map[string]any{"name": "Rahim"}}

	data, err := MarshalDocument(ToDocument(e, "", 0))
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"revision":0`)
	assert.Contains(t, s, `"deleted":false`)
}

func TestUnmarshalDocument(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:  "complete",
			input: `{"id":"l1","kind":"ledger","fields":{"member_id":"m1","amount":50},"revision":2,"deleted":false,"updatedAt":9,"serverTs":4}`,
		},
		{
			name:    "missing revision",
			input:   `{"id":"l1","kind":"ledger","fields":{},"deleted":false}`,
			wantErr: "revision",
		},
		{
			name:    "missing deleted",
			input:   `{"id":"l1","kind":"ledger","fields":{},"revision":1}`,
			wantErr: "deleted",
		},
		{
			name:    "bad kind",
			input:   `{"id":"l1","kind":"bill","fields":{},"revision":1,"deleted":false}`,
			wantErr: "invalid kind",
		},
		{
			name:    "not json",
			input:   `{"id":`,
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := UnmarshalDocument([]byte(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			change := d.Change()
			assert.Equal(t, int64(4), change.ServerTimestamp)
			assert.Equal(t, "50", change.Entity.Fields["amount"])
			assert.Equal(t, int64(2), change.Entity.Revision)
		})
	}
}

func TestPushKey(t *testing.T) {
	rec := &ChangeRecord{
		EntityID:     "m1",
		BaseRevision: 3,
		Payload:      &Entity{ID: "m1", Kind: KindMember, Fields: map[string]any{"name": "Rahim"}},
	}

	key := PushKey("device-a", rec)
	assert.Len(t, key, 32)
	assert.Equal(t, key, PushKey("device-a", rec))

	assert.NotEqual(t, key, PushKey("device-b", rec))

	rebased := *rec
	rebased.BaseRevision = 4
	assert.NotEqual(t, key, PushKey("device-a", &rebased))

	edited := *rec
	edited.Payload = &Entity{ID: "m1", Kind: KindMember, Fields: map[string]any{"name": "Karim"}}
	assert.NotEqual(t, key, PushKey("device-a", &edited))
}

func TestChangeRecordValidate(t *testing.T) {
	ok := &ChangeRecord{EntityID: "m1", Payload: &Entity{ID: "m1"}, SyncState: StatePending}
	assert.NoError(t, ok.Validate())

	mismatch := &ChangeRecord{EntityID: "m1", Payload: &Entity{ID: "m2"}}
	assert.Error(t, mismatch.Validate())

	missing := &ChangeRecord{EntityID: "m1"}
	assert.Error(t, missing.Validate())

	badState := &ChangeRecord{EntityID: "m1", Payload: &Entity{ID: "m1"}, SyncState: "done"}
	assert.Error(t, badState.Validate())
}
