package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/MinhajShafin/MessKhata/internal/schema"
	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

// RecordConflict appends a resolver audit record and returns its id.
func (s *Store) RecordConflict(ctx context.Context, c *schema.ConflictRecord) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	local, err := marshalNullable(c.Local)
	if err != nil {
		return 0, err
	}
	remote, err := marshalNullable(c.Remote)
	if err != nil {
		return 0, err
	}
	merged, err := marshalNullable(c.Merged)
	if err != nil {
		return 0, err
	}
	fields := c.Fields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, _ := json.Marshal(fields)

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (entity_id, rule, local, remote, merged, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.EntityID, string(c.Rule), local, remote, merged, string(fieldsJSON), millis(c.CreatedAt))
	if err != nil {
		return 0, syncerr.Storage("record conflict", fmt.Errorf("failed to record conflict for %s: %w", c.EntityID, err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, syncerr.Storage("record conflict", err)
	}
	c.ID = id
	return id, nil
}

// ListConflicts returns the most recent conflict records, newest first.
// An empty entityID lists conflicts of every entity.
func (s *Store) ListConflicts(ctx context.Context, entityID string, limit int) ([]*schema.ConflictRecord, error) {
	query := `SELECT id, entity_id, rule, local, remote, merged, fields, created_at FROM conflicts`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Storage("list conflicts", fmt.Errorf("failed to query conflicts: %w", err))
	}
	defer rows.Close()

	var out []*schema.ConflictRecord
	for rows.Next() {
		var (
			c                     schema.ConflictRecord
			rule, fields          string
			local, remote, merged sql.NullString
			createdAt             int64
		)
		if err := rows.Scan(&c.ID, &c.EntityID, &rule, &local, &remote, &merged, &fields, &createdAt); err != nil {
			return nil, syncerr.Storage("list conflicts", fmt.Errorf("failed to scan conflict: %w", err))
		}
		c.Rule = schema.Rule(rule)
		c.CreatedAt = fromMillis(createdAt)
		if c.Local, err = unmarshalNullable(local); err != nil {
			return nil, syncerr.Storage("list conflicts", err)
		}
		if c.Remote, err = unmarshalNullable(remote); err != nil {
			return nil, syncerr.Storage("list conflicts", err)
		}
		if c.Merged, err = unmarshalNullable(merged); err != nil {
			return nil, syncerr.Storage("list conflicts", err)
		}
		if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
			return nil, syncerr.Storage("list conflicts", fmt.Errorf("failed to decode conflict fields: %w", err))
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("list conflicts", err)
	}
	return out, nil
}

// MarkNotified records a notification dedup key. It returns false when the
// key was already recorded, meaning the event must not be emitted again.
func (s *Store) MarkNotified(ctx context.Context, key, entityID string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO notifications (dedup_key, entity_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		key, entityID, millis(s.now()))
	if err != nil {
		return false, syncerr.Storage("mark notified", fmt.Errorf("failed to record notification %s: %w", key, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, syncerr.Storage("mark notified", err)
	}
	return n == 1, nil
}

func marshalNullable(e *schema.Entity) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal entity %s: %w", e.ID, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(ns sql.NullString) (*schema.Entity, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var e schema.Entity
	if err := json.Unmarshal([]byte(ns.String), &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	e.Normalize()
	return &e, nil
}
