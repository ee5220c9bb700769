// Package txlog is the transaction manager's durable log.
//
// The log holds one row per global transaction that still has obligations.
// Writes join an explicit batch (one SQLite transaction) which the
// coordinator commits before any reply that depends on them leaves the
// process.
package txlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added partial index on trans.deadline
const currentSchemaVersion = 1

// Log is the SQLite-backed transaction log.
//
// Not safe for concurrent use: the coordinator's event loop is the only
// writer, and the single pooled connection is shared by the open batch and
// all reads.
type Log struct {
	db     *sql.DB
	batch  *sql.Tx
	writes int
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used for updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// Open creates or opens the log database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads by admin tools
//   - FULL synchronous mode, a committed batch must survive power loss
//   - 5-second busy timeout for lock contention
//
// Safe to call on an existing log; schema and migrations are idempotent.
func Open(path string, opts ...Option) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: batches and reads must see the same state, and
	// SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	l := &Log{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close rolls back an uncommitted batch and closes the database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	if l.batch != nil {
		_ = l.batch.Rollback()
		l.batch = nil
	}
	return l.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the deadline index used by Expired.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_trans_deadline
		ON trans(deadline) WHERE deadline IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Begin opens a write batch if none is open. Writes open one lazily, so
// calling Begin is only needed to bracket reads with writes.
func (l *Log) Begin(ctx context.Context) error {
	if l.batch != nil {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	l.batch = tx
	l.writes = 0
	return nil
}

// Commit makes the open batch durable. It is a no-op without a batch.
func (l *Log) Commit() error {
	if l.batch == nil {
		return nil
	}
	tx := l.batch
	l.batch = nil
	l.writes = 0
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Rollback discards the open batch. It is a no-op without a batch.
func (l *Log) Rollback() error {
	if l.batch == nil {
		return nil
	}
	tx := l.batch
	l.batch = nil
	l.writes = 0
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback batch: %w", err)
	}
	return nil
}

// Dirty reports whether the open batch holds uncommitted writes.
func (l *Log) Dirty() bool {
	return l.batch != nil && l.writes > 0
}

// Writes returns the number of writes in the open batch.
func (l *Log) Writes() int {
	return l.writes
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the open batch, or the database when no batch is open.
func (l *Log) conn() execer {
	if l.batch != nil {
		return l.batch
	}
	return l.db
}

// write runs a statement inside the batch, opening one when needed.
func (l *Log) write(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := l.Begin(ctx); err != nil {
		return nil, err
	}
	res, err := l.batch.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	l.writes++
	return res, nil
}
