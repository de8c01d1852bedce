package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

// ErrNotFound is returned by Delete when the entity does not exist.
var ErrNotFound = errors.New("entity not found")

const entityColumns = `id, kind, fields, revision, updated_at, updated_by, deleted`

// row is an entity plus the sync bookkeeping kept next to it.
type row struct {
	entity         *schema.Entity
	pending        bool
	remoteRevision int64
	base           *schema.Entity
}

// Get returns the entity with the given id, or nil if it does not exist.
// Tombstoned entities are returned with Deleted set.
func (s *Store) Get(ctx context.Context, id string) (*schema.Entity, error) {
	r, err := loadRow(ctx, s.conn, id)
	if err != nil {
		return nil, syncerr.Storage("get", err)
	}
	if r == nil {
		return nil, nil
	}
	return r.entity, nil
}

// Base returns the last version of id confirmed by the remote store and its
// remote revision. Both are zero values when the entity never synced.
func (s *Store) Base(ctx context.Context, id string) (*schema.Entity, int64, error) {
	r, err := loadRow(ctx, s.conn, id)
	if err != nil {
		return nil, 0, syncerr.Storage("base", err)
	}
	if r == nil {
		return nil, 0, nil
	}
	return r.base, r.remoteRevision, nil
}

// Upsert writes a local mutation of e and appends its change record in the
// same transaction. The stored revision becomes previous+1 regardless of
// e.Revision, and UpdatedAt/UpdatedBy are stamped from the logical clock and
// the device id. Writing content identical to the stored version is a no-op
// that returns the current revision.
func (s *Store) Upsert(ctx context.Context, e *schema.Entity) (int64, error) {
	next := e.Clone()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return 0, fmt.Errorf("invalid entity: %w", err)
	}

	unlock := s.lockEntity(next.ID)
	defer unlock()

	var revision int64
	err := s.inTx(ctx, "upsert", func(tx *sql.Tx) error {
		cur, err := loadRow(ctx, tx, next.ID)
		if err != nil {
			return syncerr.Storage("upsert", err)
		}

		var prevFields map[string]any
		if cur != nil {
			if cur.entity.Kind != next.Kind {
				return fmt.Errorf("entity %s is a %s, not a %s", next.ID, cur.entity.Kind, next.Kind)
			}
			if schema.SameContent(cur.entity, next) {
				revision = cur.entity.Revision
				return nil
			}
			prevFields = cur.entity.Fields
			next.Revision = cur.entity.Revision + 1
		} else {
			next.Revision = 1
		}

		ts, err := tick(ctx, tx)
		if err != nil {
			return syncerr.Storage("upsert", err)
		}
		next.UpdatedAt = ts
		next.UpdatedBy = s.device

		if err := writeEntity(ctx, tx, next, true, s.now().UnixMilli()); err != nil {
			return syncerr.Storage("upsert", err)
		}

		var base int64
		if cur != nil {
			base = cur.remoteRevision
		}
		rec := &schema.ChangeRecord{
			EntityID:     next.ID,
			Kind:         next.Kind,
			BaseRevision: base,
			Payload:      next,
			DirtyFields:  schema.ChangedFields(prevFields, next.Fields),
			Origin:       schema.OriginLocal,
			SyncState:    schema.StatePending,
			CreatedAt:    s.now(),
		}
		if _, err := appendRecord(ctx, tx, rec); err != nil {
			return syncerr.Storage("append journal", err)
		}

		revision = next.Revision
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revision, nil
}

// Delete tombstones the entity. Entities are never removed physically so
// the deletion can propagate. Deleting a tombstone is a no-op.
func (s *Store) Delete(ctx context.Context, id string) (int64, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if cur == nil {
		return 0, fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	cur.Deleted = true
	return s.Upsert(ctx, cur)
}

// ListPending returns entities with local changes not yet acknowledged by
// the remote store, ordered by id.
func (s *Store) ListPending(ctx context.Context) ([]*schema.Entity, error) {
	return s.list(ctx, "list pending", "WHERE pending = 1 ORDER BY id")
}

// ListOptions filters List.
type ListOptions struct {
	// Kind restricts results to one kind (empty = all).
	Kind schema.Kind
	// IncludeDeleted includes tombstones.
	IncludeDeleted bool
}

// List returns entities ordered by kind then id.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*schema.Entity, error) {
	var conditions []string
	var args []any
	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if !opts.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	clause := ""
	if len(conditions) > 0 {
		clause = "WHERE " + strings.Join(conditions, " AND ")
	}
	return s.list(ctx, "list", clause+" ORDER BY kind, id", args...)
}

func (s *Store) list(ctx context.Context, op, clause string, args ...any) ([]*schema.Entity, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities `+clause, args...)
	if err != nil {
		return nil, syncerr.Storage(op, fmt.Errorf("failed to query entities: %w", err))
	}
	defer rows.Close()

	var out []*schema.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(op, fmt.Errorf("error iterating entities: %w", err))
	}
	return out, nil
}

// ApplyMerged stores the outcome of a sync merge. It is the write path of
// the sync coordinator only: the revision is not bumped (the stored revision
// becomes max(local, merged)), no change record is queued, and remote is
// recorded as the new merge ancestor together with its revision. An audit
// row of remote origin is appended to the journal.
func (s *Store) ApplyMerged(ctx context.Context, merged, remote *schema.Entity) error {
	next := merged.Clone()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid merged entity: %w", err)
	}

	return s.inTx(ctx, "apply merged", func(tx *sql.Tx) error {
		cur, err := loadRow(ctx, tx, next.ID)
		if err != nil {
			return syncerr.Storage("apply merged", err)
		}

		var remoteRev int64
		if remote != nil {
			remoteRev = remote.Revision
		}
		pending := false
		if cur != nil {
			if cur.entity.Revision > next.Revision {
				next.Revision = cur.entity.Revision
			}
			if cur.remoteRevision > remoteRev {
				remoteRev = cur.remoteRevision
				remote = cur.base
			}
			pending = cur.pending
		}

		if err := observe(ctx, tx, next.UpdatedAt); err != nil {
			return syncerr.Storage("apply merged", err)
		}
		if err := writeEntity(ctx, tx, next, pending, s.now().UnixMilli()); err != nil {
			return syncerr.Storage("apply merged", err)
		}
		if err := writeBase(ctx, tx, next.ID, remote, remoteRev); err != nil {
			return syncerr.Storage("apply merged", err)
		}

		rec := &schema.ChangeRecord{
			EntityID:       next.ID,
			Kind:           next.Kind,
			BaseRevision:   remoteRev,
			Payload:        next,
			Origin:         schema.OriginRemote,
			SyncState:      schema.StateAcked,
			RemoteRevision: remoteRev,
			CreatedAt:      s.now(),
		}
		if _, err := appendRecord(ctx, tx, rec); err != nil {
			return syncerr.Storage("apply merged", err)
		}
		return nil
	})
}

func loadRow(ctx context.Context, q querier, id string) (*row, error) {
	var (
		r         row
		e         schema.Entity
		fields    string
		kind      string
		deleted   int
		pending   int
		base      sql.NullString
		updatedBy string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, kind, fields, revision, updated_at, updated_by, deleted,
		       pending, remote_revision, base
		FROM entities WHERE id = ?`, id).Scan(
		&e.ID, &kind, &fields, &e.Revision, &e.UpdatedAt, &updatedBy, &deleted,
		&pending, &r.remoteRevision, &base,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", id, err)
	}

	e.Kind = schema.Kind(kind)
	e.UpdatedBy = updatedBy
	e.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", id, err)
	}
	e.Normalize()
	r.entity = &e
	r.pending = pending != 0

	if base.Valid && base.String != "" {
		var b schema.Entity
		if err := json.Unmarshal([]byte(base.String), &b); err != nil {
			return nil, fmt.Errorf("failed to decode base of %s: %w", id, err)
		}
		b.Normalize()
		r.base = &b
	}
	return &r, nil
}

func scanEntity(rows *sql.Rows) (*schema.Entity, error) {
	var (
		e       schema.Entity
		kind    string
		fields  string
		deleted int
	)
	if err := rows.Scan(&e.ID, &kind, &fields, &e.Revision, &e.UpdatedAt, &e.UpdatedBy, &deleted); err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.Kind = schema.Kind(kind)
	e.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", e.ID, err)
	}
	e.Normalize()
	return &e, nil
}

func writeEntity(ctx context.Context, q querier, e *schema.Entity, pending bool, modifiedAt int64) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (
			id, kind, fields, revision, updated_at, updated_by, deleted, pending, modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			fields = excluded.fields,
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by,
			deleted = excluded.deleted,
			pending = excluded.pending,
			modified_at = excluded.modified_at`,
		e.ID, string(e.Kind), string(fields), e.Revision, e.UpdatedAt, e.UpdatedBy,
		boolToInt(e.Deleted), boolToInt(pending), modifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write entity %s: %w", e.ID, err)
	}
	return nil
}

func writeBase(ctx context.Context, q querier, id string, base *schema.Entity, remoteRev int64) error {
	var encoded sql.NullString
	if base != nil {
		data, err := json.Marshal(base)
		if err != nil {
			return fmt.Errorf("failed to marshal base of %s: %w", id, err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`UPDATE entities SET base = ?, remote_revision = ? WHERE id = ?`,
		encoded, remoteRev, id)
	if err != nil {
		return fmt.Errorf("failed to write base of %s: %w", id, err)
	}
	return nil
}

// refreshPending recomputes the pending flag from the journal.
func refreshPending(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE entities SET pending = EXISTS (
			SELECT 1 FROM change_journal
			WHERE entity_id = ? AND origin = 'local' AND sync_state IN ('pending', 'inflight')
		) WHERE id = ?`, id, id)
	if err != nil {
		return fmt.Errorf("failed to refresh pending flag of %s: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
