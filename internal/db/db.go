package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrStaleVersion = errors.New("stale record version")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx. All
// query methods are written against it so the same code runs standalone and
// inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store holds the query methods over a Querier.
type Store struct {
	q Querier
}

// DB represents the database connection.
type DB struct {
	conn *sql.DB
	Store
}

// Tx is an open transaction exposing the same query methods as DB.
type Tx struct {
	tx *sql.Tx
	Store
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Configure connection pool limits to prevent resource exhaustion
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn, Store: Store{q: conn}}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Set file permissions (0600 for security)
	if err := os.Chmod(dbPath, 0600); err != nil {
		// File might not exist yet in WAL mode
		_ = err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// WithTx runs fn inside a transaction. The transaction commits only when fn
// returns nil; any error rolls the whole batch back, so a partially applied
// reconciliation batch is never observable.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: tx, Store: Store{q: tx}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Users table (populated from OIDC claims on first login)
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Syncable records: events and tasks, each a series with its
		// recurrence rule inlined. One-off items carry a count-1 rule.
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL,
			version INTEGER NOT NULL,
			modified_at DATETIME NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			delete_acks TEXT NOT NULL DEFAULT '',
			anchor DATETIME NOT NULL,
			duration_secs INTEGER NOT NULL DEFAULT 0,
			freq TEXT NOT NULL,
			rule_interval INTEGER NOT NULL DEFAULT 1,
			until DATETIME,
			occurrence_count INTEGER NOT NULL DEFAULT 0,
			weekdays TEXT NOT NULL DEFAULT '',
			month_days TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_records_deleted ON records(deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind)`,

		// Per-occurrence exceptions, keyed by series and original civil date
		`CREATE TABLE IF NOT EXISTS exceptions (
			id TEXT PRIMARY KEY,
			series_id TEXT NOT NULL,
			original_date TEXT NOT NULL,
			cancelled INTEGER NOT NULL DEFAULT 0,
			new_start DATETIME,
			new_end DATETIME,
			payload TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(series_id, original_date),
			FOREIGN KEY (series_id) REFERENCES records(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_exceptions_series_id ON exceptions(series_id)`,

		// Change journal (outbox). The ordinal preserves creation order so
		// pushes replay in the order the edits happened.
		`CREATE TABLE IF NOT EXISTS pending_changes (
			id TEXT PRIMARY KEY,
			ordinal INTEGER NOT NULL,
			op TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			pushed_targets TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_pending_changes_ordinal ON pending_changes(ordinal)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_changes_record_id ON pending_changes(record_id)`,

		// Scheduled reminder notifications. The (occurrence, offset) pair is
		// the dedup key: re-planning the same reminder is a no-op.
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			occurrence_id TEXT NOT NULL,
			offset_secs INTEGER NOT NULL,
			trigger_at DATETIME NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(occurrence_id, offset_secs)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_notifications_trigger_at ON notifications(trigger_at)`,

		// Per-target pull cursors. Advancing the cursor is the commit point
		// of a reconciliation batch.
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			target TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Sync cycle logs
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			details TEXT,
			pulled INTEGER NOT NULL DEFAULT 0,
			applied INTEGER NOT NULL DEFAULT 0,
			conflicts INTEGER NOT NULL DEFAULT 0,
			pushed INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_target ON sync_logs(target)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,

		// ETag state for records mirrored to the external calendar, used for
		// remote deletion detection.
		`CREATE TABLE IF NOT EXISTS calendar_links (
			record_id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			etag TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Single-row user settings
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			conflict_policy TEXT NOT NULL DEFAULT 'newer_wins',
			reminder_offsets TEXT NOT NULL DEFAULT '600',
			daily_summary_time TEXT NOT NULL DEFAULT '08:00',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}
