package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
)

func setupStore(t *testing.T, device string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), device+".db"), store.Options{DeviceID: device})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func seed(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	entities := []*schema.Entity{
		{ID: "m1", Kind: schema.KindMember, Fields: map[string]any{"name": "Rahim"}},
		{ID: "m2", Kind: schema.KindMember, Fields: map[string]any{"name": "Karim"}},
		{ID: "l1", Kind: schema.KindLedger, Fields: map[string]any{"member_id": "m1", "amount": "120.50", "category": "bazar"}},
	}
	for _, e := range entities {
		if _, err := st.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", e.ID, err)
		}
	}
	if _, err := st.Delete(ctx, "m2"); err != nil {
		t.Fatalf("Delete(m2) failed: %v", err)
	}
}

func TestExport(t *testing.T) {
	st := setupStore(t, "phone-a")
	seed(t, st)
	ctx := context.Background()

	tests := []struct {
		name string
		opts ExportOptions
		want []string
	}{
		{"live only", ExportOptions{}, []string{"l1", "m1"}},
		{"with tombstones", ExportOptions{IncludeDeleted: true}, []string{"l1", "m1", "m2"}},
		{"one kind", ExportOptions{Kind: schema.KindMember, IncludeDeleted: true}, []string{"m1", "m2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := Export(ctx, st, &buf, tt.opts)
			if err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if n != len(tt.want) {
				t.Fatalf("expected %d entities, got %d", len(tt.want), n)
			}
			if lines := strings.Count(buf.String(), "\n"); lines != n {
				t.Errorf("expected %d lines, got %d", n, lines)
			}

			entities, err := Read(&buf)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			for i, id := range tt.want {
				if entities[i].ID != id {
					t.Errorf("entry %d: expected %s, got %s", i, id, entities[i].ID)
				}
			}
		})
	}
}

func TestRead_Invalid(t *testing.T) {
	_, err := Read(strings.NewReader(`{"id":"m1","kind":"member","fields":{}}` + "\n{not json}\n"))
	if err == nil {
		t.Fatal("expected error for malformed entry")
	}
	if !strings.Contains(err.Error(), "entry 2") {
		t.Errorf("expected error to name entry 2, got %v", err)
	}
}

func TestRead_NormalizesNumbers(t *testing.T) {
	entities, err := Read(strings.NewReader(`{"id":"a1","kind":"attendance","fields":{"member_id":"m1","meals":2}}`))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got, ok := entities[0].Fields["meals"].(float64); !ok || got != 2 {
		t.Errorf("expected meals float64 2, got %T %v", entities[0].Fields["meals"], entities[0].Fields["meals"])
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := setupStore(t, "phone-a")
	seed(t, src)

	path := filepath.Join(t.TempDir(), "out", "mess.jsonl")
	n, err := ExportFile(ctx, src, path, ExportOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entities exported, got %d", n)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	dst := setupStore(t, "phone-b")
	res, err := Import(ctx, dst, path, ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	// m2 is a tombstone for an entity dst never had.
	if res.Read != 3 || res.Imported != 2 || res.Unchanged != 1 || res.Deleted != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	got, err := dst.Get(ctx, "l1")
	if err != nil || got == nil {
		t.Fatalf("Get(l1) = %v, %v", got, err)
	}
	if got.Fields["amount"] != "120.5" {
		t.Errorf("expected canonical amount 120.5, got %v", got.Fields["amount"])
	}

	// Imports are local writes waiting to sync.
	pending, err := dst.DrainPending(ctx, 0)
	if err != nil {
		t.Fatalf("DrainPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending changes, got %d", len(pending))
	}

	// A second import is a no-op.
	res, err = Import(ctx, dst, path, ImportOptions{})
	if err != nil {
		t.Fatalf("second Import failed: %v", err)
	}
	if res.Imported != 0 || res.Unchanged != 3 {
		t.Errorf("expected everything unchanged, got %+v", res)
	}
}

func TestImport_DeletesAndErrors(t *testing.T) {
	ctx := context.Background()
	dst := setupStore(t, "phone-b")
	seed(t, dst)

	lines := strings.Join([]string{
		`{"id":"m1","kind":"member","fields":{"name":"Rahim"},"deleted":true}`,
		`{"id":"l1","kind":"member","fields":{"name":"wrong kind"}}`,
		`{"id":"","kind":"member","fields":{}}`,
		`{"id":"l9","kind":"ledger","fields":{"amount":"abc"}}`,
	}, "\n")
	path := filepath.Join(t.TempDir(), "in.jsonl")
	if err := os.WriteFile(path, []byte(lines), 0600); err != nil {
		t.Fatalf("failed to write snapshot: %v", err)
	}

	res, err := Import(ctx, dst, path, ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", res.Deleted)
	}
	if len(res.Errors) != 3 {
		t.Errorf("expected 3 errors, got %v", res.Errors)
	}

	m1, err := dst.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get(m1) failed: %v", err)
	}
	if m1 == nil || !m1.Deleted {
		t.Errorf("expected m1 to be tombstoned, got %v", m1)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	src := setupStore(t, "phone-a")
	seed(t, src)
	path := filepath.Join(t.TempDir(), "mess.jsonl")
	if _, err := ExportFile(ctx, src, path, ExportOptions{}); err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}

	dst := setupStore(t, "phone-b")
	res, err := Import(ctx, dst, path, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Imported != 2 {
		t.Errorf("expected 2 would-be imports, got %d", res.Imported)
	}
	if got, _ := dst.Get(ctx, "m1"); got != nil {
		t.Errorf("dry run wrote m1: %v", got)
	}
}

func TestImport_MissingFile(t *testing.T) {
	if _, err := Import(context.Background(), setupStore(t, "phone-a"), "/nonexistent/path.jsonl", ImportOptions{}); err == nil {
		t.Error("expected error for nonexistent file")
	}
}
