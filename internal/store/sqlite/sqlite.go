// Package sqlite implements store.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It serves single-instance deployments and
// the package tests of every store-backed component.
//
// All access goes through one connection, so writers are serialized by the
// driver and the per-fingerprint upsert needs no extra locking.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// Store is the SQLite implementation of store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

// --------------------------------------------------------------------------
// Time encoding
// --------------------------------------------------------------------------

// Timestamps are stored as fixed-width UTC text so that lexical comparison
// in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// timeCol scans a TEXT (or driver-parsed) timestamp column.
type timeCol struct {
	t     time.Time
	valid bool
}

func (c *timeCol) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		c.valid = false
		return nil
	case time.Time:
		c.t, c.valid = x.UTC(), true
		return nil
	case string:
		return c.parse(x)
	case []byte:
		return c.parse(string(x))
	}
	return fmt.Errorf("unsupported time value %T", v)
}

func (c *timeCol) parse(v string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			c.t, c.valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("parse time %q", v)
}

func (c timeCol) ptr() *time.Time {
	if !c.valid {
		return nil
	}
	t := c.t
	return &t
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id           TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    role_id      TEXT NOT NULL DEFAULT '',
    phone        TEXT NOT NULL DEFAULT '',
    active       INTEGER NOT NULL DEFAULT 1,
    created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS alerts (
    id                TEXT PRIMARY KEY,
    fingerprint       TEXT NOT NULL,
    type              TEXT NOT NULL,
    category          TEXT NOT NULL DEFAULT '',
    source            TEXT NOT NULL DEFAULT '',
    source_id         TEXT NOT NULL DEFAULT '',
    title             TEXT NOT NULL,
    message           TEXT NOT NULL DEFAULT '',
    severity          TEXT NOT NULL,
    severity_rank     INTEGER NOT NULL,
    status            TEXT NOT NULL DEFAULT 'active',
    occurrences       INTEGER NOT NULL DEFAULT 1,
    first_occurrence  TEXT NOT NULL,
    last_occurrence   TEXT NOT NULL,
    target            TEXT NOT NULL DEFAULT '{}',
    suggested_actions TEXT NOT NULL DEFAULT '[]',
    context           TEXT,
    resolved_at       TEXT,
    resolved_by       TEXT NOT NULL DEFAULT '',
    resolution_notes  TEXT NOT NULL DEFAULT '',
    dismissed_at      TEXT,
    dismissed_by      TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

-- At most one active alert per fingerprint.
CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_active_fingerprint
    ON alerts(fingerprint) WHERE status = 'active';

CREATE INDEX IF NOT EXISTS idx_alerts_status
    ON alerts(status, last_occurrence DESC);

CREATE TABLE IF NOT EXISTS notifications (
    seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
    id                  TEXT NOT NULL UNIQUE,
    title               TEXT NOT NULL,
    message             TEXT NOT NULL,
    title_localized     TEXT NOT NULL DEFAULT '',
    message_localized   TEXT NOT NULL DEFAULT '',
    type                TEXT NOT NULL DEFAULT 'system',
    priority            TEXT NOT NULL DEFAULT 'normal',
    channel             TEXT NOT NULL DEFAULT 'in_app',
    status              TEXT NOT NULL,
    recipient_id        TEXT NOT NULL DEFAULT '',
    destination         TEXT NOT NULL DEFAULT '',
    provider            TEXT NOT NULL DEFAULT '',
    external_message_id TEXT,
    error_message       TEXT NOT NULL DEFAULT '',
    alert_id            TEXT,
    attempts            INTEGER NOT NULL DEFAULT 0,
    claimed_until       TEXT,
    created_at          TEXT NOT NULL,
    sent_at             TEXT,
    delivered_at        TEXT,
    read_at             TEXT,
    updated_at          TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_notifications_external
    ON notifications(provider, external_message_id) WHERE external_message_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_notifications_recipient
    ON notifications(recipient_id, seq DESC);

CREATE INDEX IF NOT EXISTS idx_notifications_unread
    ON notifications(recipient_id, seq) WHERE read_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_notifications_pending_external
    ON notifications(created_at) WHERE status = 'pending' AND channel = 'external';

CREATE TABLE IF NOT EXISTS inbound_messages (
    id                  TEXT PRIMARY KEY,
    provider            TEXT NOT NULL,
    provider_message_id TEXT NOT NULL,
    from_number         TEXT NOT NULL,
    body                TEXT NOT NULL DEFAULT '',
    context_message_id  TEXT NOT NULL DEFAULT '',
    notification_id     TEXT,
    received_at         TEXT NOT NULL,
    UNIQUE (provider, provider_message_id)
);
`
