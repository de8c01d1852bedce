// Package store provides the on-device SQLite store of the mess sync engine.
//
// A single database file holds the entity table (Local Store), the change
// journal, the sync cursor, the conflict audit log and the notification
// dedup keys. Keeping them in one file lets every local write append its
// journal row in the same transaction.
//
// Architecture:
//   - Database file: messsync.db (path from configuration)
//   - WAL mode: concurrent readers during writes
//   - One open connection: SQLite allows a single writer anyway
//   - Tables: entities, change_journal, sync_cursor, conflicts,
//     notifications, clock
//
// Every I/O failure is wrapped with syncerr.ErrStorage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/syncerr"
)

// DefaultMaxAttempts is the number of rejected pushes after which a journal
// row is given up on and marked conflicted.
const DefaultMaxAttempts = 5

// Options configures a Store.
type Options struct {
	// DeviceID is stamped on every local write as UpdatedBy.
	DeviceID string
	// MaxAttempts bounds rejected push attempts per change (0 = default).
	MaxAttempts int
	// Logger receives dead-letter and maintenance messages (nil = no-op).
	Logger *zap.Logger
	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// Store is the SQLite-backed Local Store and Change Journal.
type Store struct {
	conn        *sql.DB
	path        string
	device      string
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time

	locksMu sync.Mutex
	locks   map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL for concurrent reads. The caller MUST call
// Close() when done and InitSchema() before first use.
//
// Example:
//
//	st, err := store.Open(".messsync/messsync.db", store.Options{DeviceID: "phone-1"})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, syncerr.Storage("open", fmt.Errorf("failed to create database directory: %w", err))
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, syncerr.Storage("open", fmt.Errorf("failed to open database: %w", err))
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, syncerr.Storage("open", fmt.Errorf("failed to ping database: %w", err))
	}

	// One connection: transactions and pragmas always see the same handle.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := New(conn, opts)
	s.path = path

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = s.Close()
			return nil, syncerr.Storage("open", fmt.Errorf("failed to %s: %w", p.what, err))
		}
	}
	return s, nil
}

// New wraps an already opened database. Open is the usual entry point; New
// exists so tests can inject a mocked *sql.DB.
func New(conn *sql.DB, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		conn:        conn,
		device:      opts.DeviceID,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		now:         opts.Now,
		locks:       make(map[string]*entityLock),
	}
}

// DeviceID returns the identity stamped on local writes.
func (s *Store) DeviceID() string {
	return s.device
}

// Path returns the database file path ("" for injected connections).
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if s.path != "" {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
		}
	}
	if err := s.conn.Close(); err != nil {
		return syncerr.Storage("close", fmt.Errorf("failed to close database: %w", err))
	}
	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		fields TEXT NOT NULL,            -- JSON object of scalars
		revision INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,     -- logical timestamp
		updated_by TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		pending INTEGER NOT NULL DEFAULT 0,
		remote_revision INTEGER NOT NULL DEFAULT 0,
		base TEXT,                       -- JSON entity last confirmed remotely
		modified_at INTEGER NOT NULL     -- wall clock, unix millis
	);

	CREATE TABLE IF NOT EXISTS change_journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		base_revision INTEGER NOT NULL,
		payload TEXT NOT NULL,
		dirty_fields TEXT NOT NULL DEFAULT '[]',
		origin TEXT NOT NULL,
		sync_state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		inflight_at INTEGER,
		remote_revision INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_remote_ts INTEGER NOT NULL DEFAULT 0,
		last_local_seq INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		rule TEXT NOT NULL,
		local TEXT,
		remote TEXT,
		merged TEXT,
		fields TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		dedup_key TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_pending ON entities(pending);
	CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
	CREATE INDEX IF NOT EXISTS idx_journal_state ON change_journal(sync_state, seq);
	CREATE INDEX IF NOT EXISTS idx_journal_entity ON change_journal(entity_id, sync_state);
	CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_id);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return syncerr.Storage("init schema", fmt.Errorf("failed to initialize schema: %w", err))
	}
	return nil
}

// WithEntityLock runs fn while holding the per-entity lock for id. Local
// writes take the same lock, so a merge in progress never races a UI write
// to the same entity. fn must not call Upsert or Delete for id.
func (s *Store) WithEntityLock(id string, fn func() error) error {
	unlock := s.lockEntity(id)
	defer unlock()
	return fn()
}

func (s *Store) lockEntity(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &entityLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Storage(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Storage(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// tick advances the logical clock and returns the new value.
func tick(ctx context.Context, q querier) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO clock (id, value) VALUES (1, 1)
		ON CONFLICT(id) DO UPDATE SET value = value + 1
		RETURNING value`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to advance clock: %w", err)
	}
	return v, nil
}

// observe moves the logical clock forward to at least ts.
func observe(ctx context.Context, q querier, ts int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO clock (id, value) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET value = MAX(value, excluded.value)`, ts)
	if err != nil {
		return fmt.Errorf("failed to observe clock: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
