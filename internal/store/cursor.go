package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

// Cursor returns the persisted sync checkpoint. A fresh database returns
// the zero cursor.
func (s *Store) Cursor(ctx context.Context) (schema.SyncCursor, error) {
	var (
		c         schema.SyncCursor
		updatedAt int64
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_remote_ts, last_local_seq, updated_at FROM sync_cursor WHERE id = 1`).
		Scan(&c.LastRemoteTimestamp, &c.LastLocalSequence, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.SyncCursor{}, nil
	}
	if err != nil {
		return c, syncerr.Storage("load cursor", fmt.Errorf("failed to load sync cursor: %w", err))
	}
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// SaveCursor persists the checkpoint. Both positions only move forward; a
// stale cursor never rewinds a newer one.
func (s *Store) SaveCursor(ctx context.Context, c schema.SyncCursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, last_remote_ts, last_local_seq, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_remote_ts = MAX(last_remote_ts, excluded.last_remote_ts),
			last_local_seq = MAX(last_local_seq, excluded.last_local_seq),
			updated_at = excluded.updated_at`,
		c.LastRemoteTimestamp, c.LastLocalSequence, millis(c.UpdatedAt))
	if err != nil {
		return syncerr.Storage("save cursor", fmt.Errorf("failed to save sync cursor: %w", err))
	}
	return nil
}
