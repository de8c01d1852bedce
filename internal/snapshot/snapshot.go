// Package snapshot exports the Local Store as JSONL and imports it back.
//
// A snapshot holds one schema.Entity per line. Importing replays each
// entity as a local write, so imported data is journaled and reaches the
// remote store on the next sync cycle.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/store"
)

// Source lists entities. *store.Store implements it.
type Source interface {
	List(ctx context.Context, opts store.ListOptions) ([]*schema.Entity, error)
}

// Sink receives imported entities. *store.Store implements it.
type Sink interface {
	Get(ctx context.Context, id string) (*schema.Entity, error)
	Upsert(ctx context.Context, e *schema.Entity) (int64, error)
	Delete(ctx context.Context, id string) (int64, error)
}

var (
	_ Source = (*store.Store)(nil)
	_ Sink   = (*store.Store)(nil)
)

// ExportOptions filters an export.
type ExportOptions struct {
	Kind           schema.Kind // Restrict to one kind (empty = all)
	IncludeDeleted bool        // Include tombstones
}

// Export writes the entities of src to w, one JSON object per line, and
// returns how many were written.
func Export(ctx context.Context, src Source, w io.Writer, opts ExportOptions) (int, error) {
	entities, err := src.List(ctx, store.ListOptions{Kind: opts.Kind, IncludeDeleted: opts.IncludeDeleted})
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i, e := range entities {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("failed to write entity %s: %w", e.ID, err)
		}
	}
	return len(entities), nil
}

// ExportFile exports to path, replacing it atomically.
func ExportFile(ctx context.Context, src Source, path string, opts ExportOptions) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := Export(ctx, src, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// Read parses a JSONL snapshot.
func Read(r io.Reader) ([]*schema.Entity, error) {
	var entities []*schema.Entity
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	for line := 1; ; line++ {
		var e schema.Entity
		if err := decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON in entry %d: %w", line, err)
		}
		e.Normalize()
		entities = append(entities, &e)
	}
	return entities, nil
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	DryRun bool // Preview without writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read      int
	Imported  int
	Deleted   int
	Unchanged int
	Errors    []string
}

// Import replays the snapshot at path into dst. Entities identical to the
// stored version are left alone; invalid entries are reported in
// ImportResult.Errors without stopping the import.
func Import(ctx context.Context, dst Sink, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	entities, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	result := &ImportResult{Read: len(entities)}
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("entity %q: %v", e.ID, err))
			continue
		}

		cur, err := dst.Get(ctx, e.ID)
		if err != nil {
			return result, err
		}
		if cur != nil && cur.Kind != e.Kind {
			result.Errors = append(result.Errors, fmt.Sprintf("entity %q: stored as %s, snapshot has %s", e.ID, cur.Kind, e.Kind))
			continue
		}
		if cur != nil && schema.SameContent(cur, e) {
			result.Unchanged++
			continue
		}

		if e.Deleted {
			if cur == nil {
				result.Unchanged++
				continue
			}
			if !opts.DryRun {
				if _, err := dst.Delete(ctx, e.ID); err != nil {
					return result, err
				}
			}
			result.Deleted++
			continue
		}

		if !opts.DryRun {
			if _, err := dst.Upsert(ctx, e); err != nil {
				return result, err
			}
		}
		result.Imported++
	}
	return result, nil
}
