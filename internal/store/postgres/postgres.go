// Package postgres implements store.Store on PostgreSQL through the shared
// pgx pool. Status guards, the active-fingerprint upsert and dispatch claims
// are single statements, so several API instances can share one database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/modplast83/Modern-MPS--sub001/internal/db"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	pool *db.Pool
}

var _ store.Store = (*Store)(nil)

// insertLockKey is the advisory lock taken by every notification insert.
const insertLockKey int64 = 0x6d70735f6e6f74

// New wraps an open pool.
func New(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.HealthCheck(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --------------------------------------------------------------------------
// Alerts
// --------------------------------------------------------------------------

func scanAlert(row pgx.Row) (store.Alert, error) {
	var (
		a                store.Alert
		target, actions  []byte
		alertCtx         []byte
		severity, status string
	)
	err := row.Scan(&a.ID, &a.Fingerprint, &a.Type, &a.Category, &a.Source, &a.SourceID,
		&a.Title, &a.Message, &severity, &status, &a.Occurrences, &a.FirstOccurrence,
		&a.LastOccurrence, &target, &actions, &alertCtx, &a.ResolvedAt, &a.ResolvedBy,
		&a.ResolutionNotes, &a.DismissedAt, &a.DismissedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return store.Alert{}, err
	}
	a.Severity = store.Severity(severity)
	a.Status = store.AlertStatus(status)
	if err := json.Unmarshal(target, &a.Target); err != nil {
		return store.Alert{}, fmt.Errorf("decode target: %w", err)
	}
	if err := json.Unmarshal(actions, &a.SuggestedActions); err != nil {
		return store.Alert{}, fmt.Errorf("decode suggested actions: %w", err)
	}
	if len(alertCtx) > 0 {
		a.Context = json.RawMessage(alertCtx)
	}
	return a, nil
}

// UpsertActive inserts a new active alert or folds the event into the
// existing active row for the same fingerprint, in one statement.
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
	var alertCtx []byte
	if len(a.Context) > 0 {
		alertCtx = a.Context
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO alerts AS al (
			id, fingerprint, type, category, source, source_id, title, message,
			severity, severity_rank, status, occurrences, first_occurrence,
			last_occurrence, target, suggested_actions, context, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active', 1, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (fingerprint) WHERE status = 'active' DO UPDATE SET
			occurrences     = al.occurrences + 1,
			last_occurrence = GREATEST(al.last_occurrence, EXCLUDED.last_occurrence),
			severity        = CASE WHEN EXCLUDED.severity_rank > al.severity_rank
			                       THEN EXCLUDED.severity ELSE al.severity END,
			severity_rank   = GREATEST(al.severity_rank, EXCLUDED.severity_rank),
			context         = COALESCE(EXCLUDED.context, al.context),
			updated_at      = EXCLUDED.updated_at
		RETURNING `+db.AlertColumns,
		a.ID, a.Fingerprint, a.Type, a.Category, a.Source, a.SourceID, a.Title, a.Message,
		string(a.Severity), a.Severity.Rank(), a.FirstOccurrence, a.LastOccurrence,
		target, actions, alertCtx, a.CreatedAt, a.UpdatedAt,
	)
	got, err := scanAlert(row)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("upsert alert: %w", err)
	}
	return store.UpsertResult{Alert: got, Created: got.Occurrences == 1}, nil
}

// GetAlert returns one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (store.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, "alert_by_id", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Alert{}, fmt.Errorf("alert %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// GetActiveByFingerprint returns the active alert for a fingerprint.
func (s *Store) GetActiveByFingerprint(ctx context.Context, fingerprint string) (store.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, "alert_by_fingerprint", fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = $2, resolved_by = $3,
			resolution_notes = $4, updated_at = $2
		WHERE id = $1 AND status = 'active'`,
		id, at, actor, notes)
	if err != nil {
		return store.Alert{}, fmt.Errorf("resolve alert: %w", err)
	}
	return s.GetAlert(ctx, id)
}

// DismissAlert moves an active alert to dismissed. Terminal rows are
// returned unchanged.
func (s *Store) DismissAlert(ctx context.Context, id, actor string, at time.Time) (store.Alert, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = 'dismissed', dismissed_at = $2, dismissed_by = $3, updated_at = $2
		WHERE id = $1 AND status = 'active'`,
		id, at, actor)
	if err != nil {
		return store.Alert{}, fmt.Errorf("dismiss alert: %w", err)
	}
	return s.GetAlert(ctx, id)
}

// ListAlerts returns alerts matching f, most recently active first.
func (s *Store) ListAlerts(ctx context.Context, f store.AlertFilter) ([]store.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+db.AlertColumns+` FROM alerts
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR severity = $3)
		ORDER BY last_occurrence DESC, id
		LIMIT $4`,
		string(f.Status), f.Type, string(f.Severity), limitOr(f.Limit, 100))
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

	rows, err := s.pool.Query(ctx, `
		SELECT status, severity, type, COUNT(*)::int, COALESCE(SUM(occurrences), 0)::int
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

// --------------------------------------------------------------------------
// Users and inbound messages
// --------------------------------------------------------------------------

// ResolveUsers expands user ids, role ids and "all" into the concrete set of
// active users that existed at asOf.
func (s *Store) ResolveUsers(ctx context.Context, userIDs, roleIDs []string, all bool, asOf time.Time) ([]store.User, error) {
	if !all && len(userIDs) == 0 && len(roleIDs) == 0 {
		return nil, nil
	}
	if userIDs == nil {
		userIDs = []string{}
	}
	if roleIDs == nil {
		roleIDs = []string{}
	}

	rows, err := s.pool.Query(ctx, "resolve_users", asOf, userIDs, roleIDs, all)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}
	defer rows.Close()

	var users []store.User
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.RoleID, &u.Phone, &u.Active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpsertUser mirrors a user from the main application's directory.
func (s *Store) UpsertUser(ctx context.Context, u store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, display_name, role_id, phone, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role_id      = EXCLUDED.role_id,
			phone        = EXCLUDED.phone,
			active       = EXCLUDED.active`,
		u.ID, u.DisplayName, u.RoleID, u.Phone, u.Active, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// RecordInbound stores an inbound provider message once.
func (s *Store) RecordInbound(ctx context.Context, m store.InboundMessage) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_messages (
			id, provider, provider_message_id, from_number, body, context_message_id,
			notification_id, received_at
		) VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT id FROM notifications WHERE provider = $2 AND external_message_id = $6 AND $6 <> ''),
			$7)
		ON CONFLICT (provider, provider_message_id) DO NOTHING`,
		m.ID, m.Provider, m.ProviderMessageID, m.From, m.Body, m.ContextMessageID, m.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("record inbound: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --------------------------------------------------------------------------
// Notifications
// --------------------------------------------------------------------------

func scanNotification(row pgx.Row) (store.Notification, error) {
	var (
		n                         store.Notification
		priority, channel, status string
		externalID, alertID       *string
	)
	err := row.Scan(&n.Seq, &n.ID, &n.Title, &n.Message, &n.TitleLocalized, &n.MessageLocalized,
		&n.Type, &priority, &channel, &status, &n.RecipientID, &n.Destination, &n.Provider,
		&externalID, &n.ErrorMessage, &alertID, &n.Attempts, &n.CreatedAt, &n.SentAt,
		&n.DeliveredAt, &n.ReadAt, &n.UpdatedAt)
	if err != nil {
		return store.Notification{}, err
	}
	n.Priority = store.Priority(priority)
	n.Channel = store.Channel(channel)
	n.Status = store.Status(status)
	if externalID != nil {
		n.ExternalMessageID = *externalID
	}
	if alertID != nil {
		n.AlertID = *alertID
	}
	return n, nil
}

func collectNotifications(rows pgx.Rows) ([]store.Notification, error) {
	defer rows.Close()
	out := []store.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getNotification(ctx context.Context, q querier, id string) (store.Notification, error) {
	n, err := scanNotification(q.QueryRow(ctx, "SELECT "+db.NotificationColumns+" FROM notifications WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Notification{}, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// InsertNotifications stores all rows in one transaction.
func (s *Store) InsertNotifications(ctx context.Context, rows []store.Notification) ([]store.Notification, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]store.Notification, 0, len(rows))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serializes inserts across instances so seq order is commit order,
		// which is the order the insert trigger's NOTIFYs are delivered in.
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", insertLockKey); err != nil {
			return fmt.Errorf("lock notification inserts: %w", err)
		}
		for _, n := range rows {
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			err := tx.QueryRow(ctx, `
				INSERT INTO notifications (
					id, title, message, title_localized, message_localized, type, priority,
					channel, status, recipient_id, destination, alert_id, created_at, sent_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $13)
				RETURNING seq`,
				n.ID, n.Title, n.Message, n.TitleLocalized, n.MessageLocalized, n.Type,
				string(n.Priority), string(n.Channel), string(n.Status), n.RecipientID,
				n.Destination, nullString(n.AlertID), n.CreatedAt, n.SentAt,
			).Scan(&n.Seq)
			if err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
			n.UpdatedAt = n.CreatedAt
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetNotification returns one notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (store.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, "notification_by_id", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Notification{}, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// ListForRecipient returns a recipient's notifications, newest first, or in
// ascending seq order when q.AfterSeq is set.
func (s *Store) ListForRecipient(ctx context.Context, q store.NotificationQuery) ([]store.Notification, error) {
	order := "DESC"
	if q.AfterSeq > 0 {
		order = "ASC"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+db.NotificationColumns+` FROM notifications
		WHERE recipient_id = $1
		  AND (NOT $2 OR read_at IS NULL)
		  AND seq > $3
		ORDER BY seq `+order+`
		LIMIT $4`,
		q.RecipientID, q.UnreadOnly, q.AfterSeq, limitOr(q.Limit, 50))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collectNotifications(rows)
}

// markReadSet moves a readable row to read. readableGuard admits in-app rows
// once persisted (sent) and external rows once the provider reported
// delivered; pending, sent external and failed rows stay unread.
const (
	markReadSet   = `read_at = $1, status = 'read', updated_at = $1`
	readableGuard = `read_at IS NULL
		AND (status = 'delivered' OR (status = 'sent' AND channel = 'in_app'))`
)

// MarkRead stamps read_at for the recipient's row when it is readable.
// Other rows are returned unchanged with applied=false.
func (s *Store) MarkRead(ctx context.Context, id, recipientID string, at time.Time) (store.Notification, bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET `+markReadSet+`
		WHERE id = $2 AND recipient_id = $3 AND `+readableGuard,
		at, id, recipientID)
	if err != nil {
		return store.Notification{}, false, fmt.Errorf("mark read: %w", err)
	}
	n, err := s.GetNotification(ctx, id)
	if err != nil {
		return store.Notification{}, false, err
	}
	if n.RecipientID != recipientID {
		return store.Notification{}, false, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return n, tag.RowsAffected() > 0, nil
}

// MarkAllRead marks every readable unread row of the recipient and returns
// them in seq order.
func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) ([]store.Notification, error) {
	rows, err := s.pool.Query(ctx, `UPDATE notifications SET `+markReadSet+`
		WHERE recipient_id = $2 AND `+readableGuard+`
		RETURNING `+db.NotificationColumns,
		at, recipientID)
	if err != nil {
		return nil, fmt.Errorf("mark all read: %w", err)
	}
	out, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b store.Notification) int {
		return int(a.Seq - b.Seq)
	})
	return out, nil
}

// DeleteNotification removes the recipient's row.
func (s *Store) DeleteNotification(ctx context.Context, id, recipientID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ClaimForDispatch leases one pending external row.
func (s *Store) ClaimForDispatch(ctx context.Context, id string, lease time.Duration, now time.Time) (store.Notification, bool, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, `
		UPDATE notifications SET claimed_until = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending' AND channel = 'external'
		  AND (claimed_until IS NULL OR claimed_until < $3)
		RETURNING `+db.NotificationColumns,
		id, now.Add(lease), now))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetNotification(ctx, id)
		return current, false, err
	}
	if err != nil {
		return store.Notification{}, false, fmt.Errorf("claim notification: %w", err)
	}
	return n, true, nil
}

// ClaimStalePending leases up to limit pending external rows older than
// minAge. Uses FOR UPDATE SKIP LOCKED so concurrent sweeps split the batch.
func (s *Store) ClaimStalePending(ctx context.Context, minAge, lease time.Duration, limit int, now time.Time) ([]store.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications
		SET claimed_until = $3, updated_at = $4
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'pending' AND channel = 'external' AND created_at <= $1
			  AND (claimed_until IS NULL OR claimed_until < $4)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+db.NotificationColumns,
		now.Add(-minAge), limitOr(limit, 100), now.Add(lease), now)
	if err != nil {
		return nil, fmt.Errorf("claim stale pending: %w", err)
	}
	return collectNotifications(rows)
}

// ReleaseClaim clears the lease so the sweep can pick the row up again.
func (s *Store) ReleaseClaim(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications SET claimed_until = NULL, attempts = $2 WHERE id = $1`, id, attempts)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// RecordSent stores the provider message id and moves the row to sent.
// The external id is only written when none is set yet.
func (s *Store) RecordSent(ctx context.Context, id, provider, externalID string, attempts int, at time.Time) (store.Notification, bool, error) {
	var (
		n       store.Notification
		applied bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE notifications SET
				provider            = CASE WHEN external_message_id IS NULL THEN $2 ELSE provider END,
				external_message_id = COALESCE(external_message_id, $3),
				attempts            = $4,
				claimed_until       = NULL,
				sent_at             = COALESCE(sent_at, $5),
				updated_at          = $5
			WHERE id = $1`,
			id, provider, externalID, attempts, at); err != nil {
			return fmt.Errorf("record external id: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE notifications SET status = 'sent' WHERE id = $1 AND status = ANY($2)`,
			id, predecessors(store.StatusSent))
		if err != nil {
			return fmt.Errorf("record sent: %w", err)
		}
		applied = tag.RowsAffected() > 0
		n, err = getNotification(ctx, tx, id)
		return err
	})
	return n, applied, err
}

// RecordFailed moves a pending or sent row to failed.
func (s *Store) RecordFailed(ctx context.Context, id, reason string, attempts int, at time.Time) (store.Notification, bool, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, `
		UPDATE notifications SET status = 'failed', error_message = $2, attempts = $3,
			claimed_until = NULL, updated_at = $4
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+db.NotificationColumns,
		id, reason, attempts, at, predecessors(store.StatusFailed)))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetNotification(ctx, id)
		return current, false, err
	}
	if err != nil {
		return store.Notification{}, false, fmt.Errorf("record failed: %w", err)
	}
	return n, true, nil
}

// ApplyProviderStatus applies a provider callback status to the row carrying
// that provider message id.
func (s *Store) ApplyProviderStatus(ctx context.Context, provider, externalID string, status store.Status, reason string, at time.Time) (store.Notification, bool, error) {
	preds := predecessors(status)
	if len(preds) == 0 {
		return store.Notification{}, false, fmt.Errorf("status %q is not reachable", status)
	}

	var id string
	err := s.pool.QueryRow(ctx, "notification_by_remote", provider, externalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Notification{}, false, fmt.Errorf("provider message %s/%s: %w", provider, externalID, store.ErrNotFound)
	}
	if err != nil {
		return store.Notification{}, false, fmt.Errorf("lookup provider message: %w", err)
	}

	var set string
	args := []any{id, preds, at}
	switch status {
	case store.StatusSent:
		set = `status = 'sent', sent_at = COALESCE(sent_at, $3)`
	case store.StatusDelivered:
		set = `status = 'delivered', sent_at = COALESCE(sent_at, $3),
			delivered_at = COALESCE(delivered_at, $3)`
	case store.StatusRead:
		set = `status = 'read', sent_at = COALESCE(sent_at, $3),
			delivered_at = COALESCE(delivered_at, $3), read_at = COALESCE(read_at, $3)`
	case store.StatusFailed:
		set = `status = 'failed', error_message = $4`
		args = append(args, reason)
	}

	n, err := scanNotification(s.pool.QueryRow(ctx, `
		UPDATE notifications SET `+set+`, updated_at = $3
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+db.NotificationColumns,
		args...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetNotification(ctx, id)
		return current, false, err
	}
	if err != nil {
		return store.Notification{}, false, fmt.Errorf("apply provider status: %w", err)
	}
	return n, true, nil
}

func predecessors(to store.Status) []string {
	preds := store.Predecessors(to)
	out := make([]string, len(preds))
	for i, p := range preds {
		out[i] = string(p)
	}
	return out
}
