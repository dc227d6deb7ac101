package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

const alertColumns = `id, fingerprint, type, category, source, source_id, title, message,
	severity, status, occurrences, first_occurrence, last_occurrence, target,
	suggested_actions, context, resolved_at, resolved_by, resolution_notes,
	dismissed_at, dismissed_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (store.Alert, error) {
	var (
		a                             store.Alert
		target, actions               string
		alertCtx                      sql.NullString
		first, last, created, updated timeCol
		resolvedAt, dismissedAt       timeCol
		severity, status              string
	)
	err := row.Scan(&a.ID, &a.Fingerprint, &a.Type, &a.Category, &a.Source, &a.SourceID,
		&a.Title, &a.Message, &severity, &status, &a.Occurrences, &first, &last,
		&target, &actions, &alertCtx, &resolvedAt, &a.ResolvedBy, &a.ResolutionNotes,
		&dismissedAt, &a.DismissedBy, &created, &updated)
	if err != nil {
		return store.Alert{}, err
	}
	a.Severity = store.Severity(severity)
	a.Status = store.AlertStatus(status)
	a.FirstOccurrence, a.LastOccurrence = first.t, last.t
	a.CreatedAt, a.UpdatedAt = created.t, updated.t
	a.ResolvedAt, a.DismissedAt = resolvedAt.ptr(), dismissedAt.ptr()
	if err := json.Unmarshal([]byte(target), &a.Target); err != nil {
		return store.Alert{}, fmt.Errorf("decode target: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &a.SuggestedActions); err != nil {
		return store.Alert{}, fmt.Errorf("decode suggested actions: %w", err)
	}
	if alertCtx.Valid && alertCtx.String != "" {
		a.Context = json.RawMessage(alertCtx.String)
	}
	return a, nil
}

// UpsertActive inserts a new active alert or folds the event into the
// existing active row for the same fingerprint.
func (s *Store) UpsertActive(ctx context.Context, a store.Alert) (store.UpsertResult, error) {
	target, err := json.Marshal(a.Target)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("encode target: %w", err)
	}
	if a.SuggestedActions == nil {
		a.SuggestedActions = []store.Action{}
	}
	actions, err := json.Marshal(a.SuggestedActions)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("encode suggested actions: %w", err)
	}
	var alertCtx any
	if len(a.Context) > 0 {
		alertCtx = string(a.Context)
	}

	var res store.UpsertResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (
				id, fingerprint, type, category, source, source_id, title, message,
				severity, severity_rank, status, occurrences, first_occurrence,
				last_occurrence, target, suggested_actions, context, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', 1, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (fingerprint) WHERE status = 'active' DO UPDATE SET
				occurrences     = alerts.occurrences + 1,
				last_occurrence = MAX(alerts.last_occurrence, excluded.last_occurrence),
				severity        = CASE WHEN excluded.severity_rank > alerts.severity_rank
				                       THEN excluded.severity ELSE alerts.severity END,
				severity_rank   = MAX(alerts.severity_rank, excluded.severity_rank),
				context         = COALESCE(excluded.context, alerts.context),
				updated_at      = excluded.updated_at`,
			a.ID, a.Fingerprint, a.Type, a.Category, a.Source, a.SourceID, a.Title, a.Message,
			string(a.Severity), a.Severity.Rank(), ts(a.FirstOccurrence), ts(a.LastOccurrence),
			string(target), string(actions), alertCtx, ts(a.CreatedAt), ts(a.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert alert: %w", err)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+alertColumns+` FROM alerts WHERE fingerprint = ? AND status = 'active'`,
			a.Fingerprint)
		got, err := scanAlert(row)
		if err != nil {
			return fmt.Errorf("read upserted alert: %w", err)
		}
		res = store.UpsertResult{Alert: got, Created: got.Occurrences == 1}
		return nil
	})
	return res, err
}

// GetAlert returns one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (store.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Alert{}, fmt.Errorf("alert %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// GetActiveByFingerprint returns the active alert for a fingerprint.
func (s *Store) GetActiveByFingerprint(ctx context.Context, fingerprint string) (store.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE fingerprint = ? AND status = 'active'`, fingerprint)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Alert{}, fmt.Errorf("active alert %s: %w", fingerprint, store.ErrNotFound)
	}
	if err != nil {
		return store.Alert{}, fmt.Errorf("get active alert: %w", err)
	}
	return a, nil
}

// ResolveAlert moves an active alert to resolved. Terminal rows are returned
// unchanged.
func (s *Store) ResolveAlert(ctx context.Context, id, actor, notes string, at time.Time) (store.Alert, error) {
	return s.terminate(ctx, id, `
		UPDATE alerts SET status = 'resolved', resolved_at = ?, resolved_by = ?,
			resolution_notes = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		ts(at), actor, notes, ts(at), id)
}

// DismissAlert moves an active alert to dismissed. Terminal rows are
// returned unchanged.
func (s *Store) DismissAlert(ctx context.Context, id, actor string, at time.Time) (store.Alert, error) {
	return s.terminate(ctx, id, `
		UPDATE alerts SET status = 'dismissed', dismissed_at = ?, dismissed_by = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		ts(at), actor, ts(at), id)
}

func (s *Store) terminate(ctx context.Context, id, query string, args ...any) (store.Alert, error) {
	var a store.Alert
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update alert status: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
		got, err := scanAlert(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("alert %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read alert: %w", err)
		}
		a = got
		return nil
	})
	return a, err
}

// ListAlerts returns alerts matching f, most recently active first.
func (s *Store) ListAlerts(ctx context.Context, f store.AlertFilter) ([]store.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_occurrence DESC, id LIMIT ?"
	args = append(args, limitOr(f.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []store.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AlertStats aggregates counts by status, and active counts by severity/type.
func (s *Store) AlertStats(ctx context.Context) (store.AlertStats, error) {
	stats := store.AlertStats{
		ActiveBySeverity: map[string]int{},
		ActiveByType:     map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, severity, type, COUNT(*), COALESCE(SUM(occurrences), 0)
		FROM alerts GROUP BY status, severity, type`)
	if err != nil {
		return stats, fmt.Errorf("alert stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status, severity, typ string
			count, occurrences    int
		)
		if err := rows.Scan(&status, &severity, &typ, &count, &occurrences); err != nil {
			return stats, fmt.Errorf("scan alert stats: %w", err)
		}
		stats.Total += count
		stats.TotalOccurrences += occurrences
		switch store.AlertStatus(status) {
		case store.AlertActive:
			stats.Active += count
			stats.ActiveBySeverity[severity] += count
			stats.ActiveByType[typ] += count
		case store.AlertResolved:
			stats.Resolved += count
		case store.AlertDismissed:
			stats.Dismissed += count
		}
	}
	return stats, rows.Err()
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return min(limit, 500)
}
