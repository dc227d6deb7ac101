// Package db provides a pgxpool-based connection pool with prepared statement
// registration, schema migration and health checking.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modplast83/Modern-MPS--sub001/internal/config"
)

//go:embed schema.sql
var schema string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Migrate applies the schema. Every statement is idempotent, so it is safe
// to run on each start.
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect for migrate: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// registerPreparedStatements registers the read paths that run on every
// request. Prepared statements eliminate parse overhead on every request.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Alerts
		"alert_by_id":          "SELECT " + AlertColumns + " FROM alerts WHERE id = $1",
		"alert_by_fingerprint": "SELECT " + AlertColumns + " FROM alerts WHERE fingerprint = $1 AND status = 'active'",

		// Notifications
		"notification_by_id":     "SELECT " + NotificationColumns + " FROM notifications WHERE id = $1",
		"notification_by_remote": "SELECT id FROM notifications WHERE provider = $1 AND external_message_id = $2",

		// Users
		"resolve_users": `SELECT id, display_name, role_id, phone, active, created_at FROM users
			WHERE active AND created_at <= $1
			  AND ($4 OR id = ANY($2::text[]) OR role_id = ANY($3::text[]))
			ORDER BY id`,
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}

// Column lists shared by the prepared statements and the postgres store.
const (
	AlertColumns = `id, fingerprint, type, category, source, source_id, title, message,
		severity, status, occurrences, first_occurrence, last_occurrence, target,
		suggested_actions, context, resolved_at, resolved_by, resolution_notes,
		dismissed_at, dismissed_by, created_at, updated_at`

	NotificationColumns = `seq, id, title, message, title_localized, message_localized, type,
		priority, channel, status, recipient_id, destination, provider, external_message_id,
		error_message, alert_id, attempts, created_at, sent_at, delivered_at, read_at, updated_at`
)
