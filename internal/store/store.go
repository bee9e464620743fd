// Package store is the durable side of the relay: rooms, participants,
// messages, read receipts, reactions and attachment metadata in a relational
// database reached through database/sql.
//
// Every write is an idempotent upsert keyed by its natural key, so a retried
// or duplicated event never adds rows.
//
// Migration design: statements live in the [migrations] slice. Each is applied
// exactly once and its version recorded in schema_migrations. To add a
// migration, append a new string; never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrBlobNotFound is returned when no blob metadata exists for an ID.
var ErrBlobNotFound = errors.New("blob metadata not found")

// ErrRoomNotFound is returned when no durable room row exists for an ID.
var ErrRoomNotFound = errors.New("room not found")

// migrations is portable across SQLite and PostgreSQL. Index i is version i+1.
var migrations = []string{
	// v1: rooms
	`CREATE TABLE IF NOT EXISTS rooms (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		type            TEXT NOT NULL DEFAULT 'group',
		created_by      TEXT NOT NULL DEFAULT '',
		created_at      BIGINT NOT NULL,
		last_message_at BIGINT NOT NULL DEFAULT 0
	)`,
	// v2: durable membership
	`CREATE TABLE IF NOT EXISTS room_participants (
		room_id   TEXT NOT NULL,
		user_id   TEXT NOT NULL,
		is_admin  BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		joined_at BIGINT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	)`,
	// v3: messages
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		room_id    TEXT NOT NULL,
		sender_id  TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL DEFAULT 'text',
		file_url   TEXT NOT NULL DEFAULT '',
		file_name  TEXT NOT NULL DEFAULT '',
		file_size  BIGINT NOT NULL DEFAULT 0,
		reply_to   TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	// v4: history scans
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at)`,
	// v5: read receipts
	`CREATE TABLE IF NOT EXISTS read_receipts (
		message_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		read_at    BIGINT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	// v6: reactions
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		emoji      TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
	// v7: attachment metadata
	`CREATE TABLE IF NOT EXISTS blobs (
		id                 TEXT PRIMARY KEY,
		kind               TEXT NOT NULL,
		original_name      TEXT NOT NULL,
		content_type       TEXT NOT NULL,
		disk_name          TEXT NOT NULL UNIQUE,
		size_bytes         BIGINT NOT NULL CHECK(size_bytes >= 0),
		uploaded_by        TEXT NOT NULL DEFAULT '',
		created_at_unix_ms BIGINT NOT NULL
	)`,
	// v8: participant lookups by user
	`CREATE INDEX IF NOT EXISTS idx_room_participants_user ON room_participants(user_id)`,
}

// Store persists relay state.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and runs pending migrations. For SQLite the
// dsn is a file path whose directory is created if missing.
func Open(driver, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		if !strings.Contains(dsn, "_pragma=") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; SQLite serialises writes anyway.
		db.SetMaxOpenConns(1)
	}

	st := &Store{db: db, driver: driver}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("store opened", "driver", driver)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`), v, time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
