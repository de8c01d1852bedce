package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

const journalColumns = `seq, entity_id, kind, base_revision, payload, dirty_fields, origin,
	sync_state, attempts, last_error, inflight_at, remote_revision, created_at`

// Append adds a record to the change journal and returns its sequence number.
// Local writes go through Upsert, which appends in the same transaction.
func (s *Store) Append(ctx context.Context, rec *schema.ChangeRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("invalid change record: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	seq, err := appendRecord(ctx, s.conn, rec)
	if err != nil {
		return 0, syncerr.Storage("append journal", err)
	}
	return seq, nil
}

func appendRecord(ctx context.Context, q querier, rec *schema.ChangeRecord) (int64, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	dirty := rec.DirtyFields
	if dirty == nil {
		dirty = []string{}
	}
	dirtyJSON, err := json.Marshal(dirty)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal dirty fields: %w", err)
	}
	state := rec.SyncState
	if state == "" {
		state = schema.StatePending
	}
	origin := rec.Origin
	if origin == "" {
		origin = schema.OriginLocal
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO change_journal (
			entity_id, kind, base_revision, payload, dirty_fields, origin,
			sync_state, attempts, last_error, remote_revision, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EntityID, string(rec.Kind), rec.BaseRevision, string(payload), string(dirtyJSON),
		string(origin), string(state), rec.Attempts, rec.LastError, rec.RemoteRevision,
		millis(rec.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append change for %s: %w", rec.EntityID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read journal sequence: %w", err)
	}
	rec.Seq = seq
	rec.SyncState = state
	rec.Origin = origin
	return seq, nil
}

// DrainPending returns up to limit pending local changes, oldest first by
// sequence number. Entities that already have a change in flight are
// skipped so at most one push per entity is outstanding.
func (s *Store) DrainPending(ctx context.Context, limit int) ([]*schema.ChangeRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM change_journal
		WHERE sync_state = 'pending' AND origin = 'local'
		  AND entity_id NOT IN (
			SELECT entity_id FROM change_journal WHERE sync_state = 'inflight'
		  )
		ORDER BY seq ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRecords(ctx, "drain pending", query, args...)
}

// History returns every journal row of an entity in sequence order.
func (s *Store) History(ctx context.Context, entityID string) ([]*schema.ChangeRecord, error) {
	return s.queryRecords(ctx, "history",
		`SELECT `+journalColumns+` FROM change_journal WHERE entity_id = ? ORDER BY seq ASC`, entityID)
}

// Outstanding returns the pending and in-flight local rows of an entity in
// sequence order.
func (s *Store) Outstanding(ctx context.Context, entityID string) ([]*schema.ChangeRecord, error) {
	return s.queryRecords(ctx, "outstanding",
		`SELECT `+journalColumns+` FROM change_journal
		WHERE entity_id = ? AND origin = 'local' AND sync_state IN ('pending', 'inflight')
		ORDER BY seq ASC`, entityID)
}

// MarkInFlight moves the pending rows of an entity up to and including
// throughSeq to the in-flight state.
func (s *Store) MarkInFlight(ctx context.Context, entityID string, throughSeq int64) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE change_journal SET sync_state = 'inflight', inflight_at = ?
		WHERE entity_id = ? AND sync_state = 'pending' AND origin = 'local' AND seq <= ?`,
		millis(s.now()), entityID, throughSeq)
	if err != nil {
		return 0, syncerr.Storage("mark inflight", fmt.Errorf("failed to mark %s in flight: %w", entityID, err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkAcked marks every in-flight row of the entity as persisted remotely at
// remoteRevision. The pushed payload becomes the entity's merge ancestor and
// the pending flag is cleared unless newer local changes are queued.
func (s *Store) MarkAcked(ctx context.Context, entityID string, remoteRevision int64) (int64, error) {
	var n int64
	err := s.inTx(ctx, "mark acked", func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, `
			SELECT payload FROM change_journal
			WHERE entity_id = ? AND sync_state = 'inflight'
			ORDER BY seq DESC LIMIT 1`, entityID).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return syncerr.Storage("mark acked", fmt.Errorf("failed to load in-flight payload of %s: %w", entityID, err))
		}
		var pushed schema.Entity
		if err := json.Unmarshal([]byte(payload), &pushed); err != nil {
			return syncerr.Storage("mark acked", fmt.Errorf("failed to decode payload of %s: %w", entityID, err))
		}
		pushed.Normalize()
		pushed.Revision = remoteRevision

		res, err := tx.ExecContext(ctx, `
			UPDATE change_journal
			SET sync_state = 'acked', remote_revision = ?, last_error = ''
			WHERE entity_id = ? AND sync_state = 'inflight'`, remoteRevision, entityID)
		if err != nil {
			return syncerr.Storage("mark acked", fmt.Errorf("failed to ack %s: %w", entityID, err))
		}
		n, _ = res.RowsAffected()

		if err := writeBase(ctx, tx, entityID, &pushed, remoteRevision); err != nil {
			return syncerr.Storage("mark acked", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET revision = MAX(revision, ?) WHERE id = ?`, remoteRevision, entityID); err != nil {
			return syncerr.Storage("mark acked", fmt.Errorf("failed to advance revision of %s: %w", entityID, err))
		}
		return syncerr.Storage("mark acked", refreshPending(ctx, tx, entityID))
	})
	return n, err
}

// AckThrough marks the outstanding local rows of an entity up to and
// including throughSeq as persisted by the remote version accepted, which
// becomes the merge ancestor. It settles a push that the remote applied but
// whose answer never reached this device. Later rows stay queued.
func (s *Store) AckThrough(ctx context.Context, accepted *schema.Entity, throughSeq int64) (int64, error) {
	base := accepted.Clone()
	base.Normalize()

	var n int64
	err := s.inTx(ctx, "ack through", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE change_journal
			SET sync_state = 'acked', remote_revision = ?, last_error = ''
			WHERE entity_id = ? AND origin = 'local' AND sync_state IN ('pending', 'inflight')
			  AND seq <= ?`, base.Revision, base.ID, throughSeq)
		if err != nil {
			return syncerr.Storage("ack through", fmt.Errorf("failed to ack %s: %w", base.ID, err))
		}
		n, _ = res.RowsAffected()

		if err := writeBase(ctx, tx, base.ID, base, base.Revision); err != nil {
			return syncerr.Storage("ack through", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET revision = MAX(revision, ?) WHERE id = ?`, base.Revision, base.ID); err != nil {
			return syncerr.Storage("ack through", fmt.Errorf("failed to advance revision of %s: %w", base.ID, err))
		}
		return syncerr.Storage("ack through", refreshPending(ctx, tx, base.ID))
	})
	return n, err
}

// MarkConflicted gives up on every pending or in-flight row of the entity.
// Used when a merge left nothing local to push or the remote rejected the
// change as invalid.
func (s *Store) MarkConflicted(ctx context.Context, entityID, reason string) (int64, error) {
	var n int64
	err := s.inTx(ctx, "mark conflicted", func(tx *sql.Tx) error {
		var err error
		n, err = markConflicted(ctx, tx, entityID, reason)
		if err != nil {
			return syncerr.Storage("mark conflicted", err)
		}
		return syncerr.Storage("mark conflicted", refreshPending(ctx, tx, entityID))
	})
	return n, err
}

func markConflicted(ctx context.Context, q querier, entityID, reason string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE change_journal SET sync_state = 'conflicted', last_error = ?
		WHERE entity_id = ? AND origin = 'local' AND sync_state IN ('pending', 'inflight')`,
		reason, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %s conflicted: %w", entityID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Rebase describes a local change re-derived on top of a newer remote
// version.
type Rebase struct {
	EntityID     string
	Payload      *schema.Entity
	BaseRevision int64
	DirtyFields  []string
	// Reason is recorded as the row's last error.
	Reason string
	// Rejected counts the rebase as a failed push attempt.
	Rejected bool
}

// Requeue replaces the outstanding rows of an entity with a single pending
// row carrying the rebased payload. The replaced rows are kept as
// conflicted for audit. When the attempt budget is exhausted the new row is
// dead-lettered (conflicted) instead and dead is true.
func (s *Store) Requeue(ctx context.Context, r Rebase) (dead bool, err error) {
	err = s.inTx(ctx, "requeue", func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(attempts), 0) FROM change_journal
			WHERE entity_id = ? AND origin = 'local' AND sync_state IN ('pending', 'inflight')`,
			r.EntityID).Scan(&attempts); err != nil {
			return syncerr.Storage("requeue", fmt.Errorf("failed to count attempts of %s: %w", r.EntityID, err))
		}
		if r.Rejected {
			attempts++
		}

		superseded := fmt.Sprintf("rebased onto remote revision %d", r.BaseRevision)
		if _, err := markConflicted(ctx, tx, r.EntityID, superseded); err != nil {
			return syncerr.Storage("requeue", err)
		}

		rec := &schema.ChangeRecord{
			EntityID:     r.EntityID,
			Kind:         r.Payload.Kind,
			BaseRevision: r.BaseRevision,
			Payload:      r.Payload,
			DirtyFields:  r.DirtyFields,
			Origin:       schema.OriginLocal,
			SyncState:    schema.StatePending,
			Attempts:     attempts,
			LastError:    r.Reason,
			CreatedAt:    s.now(),
		}
		if attempts >= s.maxAttempts {
			rec.SyncState = schema.StateConflicted
			rec.LastError = fmt.Sprintf("gave up after %d attempts: %s", attempts, r.Reason)
			dead = true
		}
		if _, err := appendRecord(ctx, tx, rec); err != nil {
			return syncerr.Storage("requeue", err)
		}
		return syncerr.Storage("requeue", refreshPending(ctx, tx, r.EntityID))
	})
	if err == nil && dead {
		s.logger.Warn("change dead-lettered",
			zap.String("entity_id", r.EntityID),
			zap.Int("max_attempts", s.maxAttempts),
			zap.String("reason", r.Reason))
	}
	return dead, err
}

// RevertInFlight returns in-flight rows older than olderThan to pending.
// It recovers rows stranded by a cancelled or crashed cycle.
func (s *Store) RevertInFlight(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE change_journal SET sync_state = 'pending', inflight_at = NULL
		WHERE sync_state = 'inflight' AND inflight_at < ?`, millis(olderThan))
	if err != nil {
		return 0, syncerr.Storage("revert inflight", fmt.Errorf("failed to revert in-flight rows: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevertEntityInFlight returns the in-flight rows of one entity to pending.
func (s *Store) RevertEntityInFlight(ctx context.Context, entityID string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE change_journal SET sync_state = 'pending', inflight_at = NULL
		WHERE entity_id = ? AND sync_state = 'inflight'`, entityID)
	if err != nil {
		return 0, syncerr.Storage("revert inflight", fmt.Errorf("failed to revert %s: %w", entityID, err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Compact deletes acked and conflicted rows created before the cutoff.
// Pending and in-flight rows are never removed.
func (s *Store) Compact(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM change_journal
		WHERE sync_state IN ('acked', 'conflicted') AND created_at < ?`, millis(before))
	if err != nil {
		return 0, syncerr.Storage("compact", fmt.Errorf("failed to compact journal: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// JournalStats summarises the local rows of the change journal.
type JournalStats struct {
	Pending       int       `json:"pending"`
	InFlight      int       `json:"inflight"`
	Acked         int       `json:"acked"`
	Conflicted    int       `json:"conflicted"`
	OldestPending time.Time `json:"oldestPending,omitempty"`
}

// Stats counts journal rows by state.
func (s *Store) Stats(ctx context.Context) (JournalStats, error) {
	var st JournalStats
	rows, err := s.conn.QueryContext(ctx, `
		SELECT sync_state, COUNT(*) FROM change_journal
		WHERE origin = 'local' GROUP BY sync_state`)
	if err != nil {
		return st, syncerr.Storage("stats", fmt.Errorf("failed to query journal stats: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return st, syncerr.Storage("stats", fmt.Errorf("failed to scan journal stats: %w", err))
		}
		switch schema.SyncState(state) {
		case schema.StatePending:
			st.Pending = count
		case schema.StateInFlight:
			st.InFlight = count
		case schema.StateAcked:
			st.Acked = count
		case schema.StateConflicted:
			st.Conflicted = count
		}
	}
	if err := rows.Err(); err != nil {
		return st, syncerr.Storage("stats", err)
	}

	var oldest sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM change_journal
		WHERE origin = 'local' AND sync_state = 'pending'`).Scan(&oldest); err != nil {
		return st, syncerr.Storage("stats", fmt.Errorf("failed to query oldest pending: %w", err))
	}
	if oldest.Valid {
		st.OldestPending = fromMillis(oldest.Int64)
	}
	return st, nil
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...any) ([]*schema.ChangeRecord, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Storage(op, fmt.Errorf("failed to query journal: %w", err))
	}
	defer rows.Close()

	var out []*schema.ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(op, fmt.Errorf("error iterating journal: %w", err))
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (*schema.ChangeRecord, error) {
	var (
		rec        schema.ChangeRecord
		kind       string
		payload    string
		dirty      string
		origin     string
		state      string
		inflightAt sql.NullInt64
		createdAt  int64
	)
	if err := rows.Scan(&rec.Seq, &rec.EntityID, &kind, &rec.BaseRevision, &payload, &dirty,
		&origin, &state, &rec.Attempts, &rec.LastError, &inflightAt, &rec.RemoteRevision, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan change record: %w", err)
	}
	rec.Kind = schema.Kind(kind)
	rec.Origin = schema.Origin(origin)
	rec.SyncState = schema.SyncState(state)
	rec.CreatedAt = fromMillis(createdAt)
	if inflightAt.Valid {
		rec.InFlightAt = fromMillis(inflightAt.Int64)
	}

	var e schema.Entity
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("failed to decode payload of change %d: %w", rec.Seq, err)
	}
	e.Normalize()
	rec.Payload = &e
	if err := json.Unmarshal([]byte(dirty), &rec.DirtyFields); err != nil {
		return nil, fmt.Errorf("failed to decode dirty fields of change %d: %w", rec.Seq, err)
	}
	return &rec, nil
}
