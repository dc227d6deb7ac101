package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

const notificationColumns = `seq, id, title, message, title_localized, message_localized, type,
	priority, channel, status, recipient_id, destination, provider, external_message_id,
	error_message, alert_id, attempts, created_at, sent_at, delivered_at, read_at, updated_at`

func scanNotification(row rowScanner) (store.Notification, error) {
	var (
		n                           store.Notification
		priority, channel, status   string
		externalID, alertID         sql.NullString
		created, updated            timeCol
		sentAt, deliveredAt, readAt timeCol
	)
	err := row.Scan(&n.Seq, &n.ID, &n.Title, &n.Message, &n.TitleLocalized, &n.MessageLocalized,
		&n.Type, &priority, &channel, &status, &n.RecipientID, &n.Destination, &n.Provider,
		&externalID, &n.ErrorMessage, &alertID, &n.Attempts, &created, &sentAt, &deliveredAt,
		&readAt, &updated)
	if err != nil {
		return store.Notification{}, err
	}
	n.Priority = store.Priority(priority)
	n.Channel = store.Channel(channel)
	n.Status = store.Status(status)
	n.ExternalMessageID = externalID.String
	n.AlertID = alertID.String
	n.CreatedAt, n.UpdatedAt = created.t, updated.t
	n.SentAt, n.DeliveredAt, n.ReadAt = sentAt.ptr(), deliveredAt.ptr(), readAt.ptr()
	return n, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func getNotification(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (store.Notification, error) {
	row := q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Notification{}, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// InsertNotifications stores all rows in one transaction.
func (s *Store) InsertNotifications(ctx context.Context, rows []store.Notification) ([]store.Notification, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]store.Notification, 0, len(rows))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO notifications (
				id, title, message, title_localized, message_localized, type, priority,
				channel, status, recipient_id, destination, alert_id, created_at, sent_at, updated_at
			) VALUES (`+placeholders(15)+`)`)
		if err != nil {
			return fmt.Errorf("prepare insert notification: %w", err)
		}
		defer stmt.Close()

		for _, n := range rows {
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			res, err := stmt.ExecContext(ctx, n.ID, n.Title, n.Message, n.TitleLocalized,
				n.MessageLocalized, n.Type, string(n.Priority), string(n.Channel), string(n.Status),
				n.RecipientID, n.Destination, nullString(n.AlertID), ts(n.CreatedAt),
				nullTS(n.SentAt), ts(n.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("notification seq: %w", err)
			}
			n.Seq = seq
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
	return getNotification(ctx, s.db, id)
}

// ListForRecipient returns a recipient's notifications, newest first, or in
// ascending seq order when q.AfterSeq is set.
func (s *Store) ListForRecipient(ctx context.Context, q store.NotificationQuery) ([]store.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = ?`
	args := []any{q.RecipientID}
	if q.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	if q.AfterSeq > 0 {
		query += ` AND seq > ? ORDER BY seq ASC`
		args = append(args, q.AfterSeq)
	} else {
		query += ` ORDER BY seq DESC`
	}
	query += ` LIMIT ?`
	args = append(args, limitOr(q.Limit, 50))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
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

// readableGuard restricts the user's read action to rows whose delivery is
// settled: in-app rows once persisted (sent), external rows once the
// provider reported delivered. Pending, sent external and failed rows stay
// unread.
const readableGuard = `read_at IS NULL
	AND (status = 'delivered' OR (status = 'sent' AND channel = 'in_app'))`

// MarkRead stamps read_at for the recipient's row and moves it to read when
// the row is readable. Other rows are returned unchanged with applied=false.
func (s *Store) MarkRead(ctx context.Context, id, recipientID string, at time.Time) (store.Notification, bool, error) {
	var (
		n       store.Notification
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications SET read_at = ?, status = 'read', updated_at = ?
			WHERE id = ? AND recipient_id = ? AND `+readableGuard,
			ts(at), ts(at), id, recipientID)
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		affected, _ := res.RowsAffected()
		applied = affected > 0

		got, err := getNotification(ctx, tx, id)
		if err != nil {
			return err
		}
		if got.RecipientID != recipientID {
			return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
		}
		n = got
		return nil
	})
	return n, applied, err
}

// MarkAllRead marks every readable unread row of the recipient and returns
// them in seq order.
func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) ([]store.Notification, error) {
	var out []store.Notification
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM notifications WHERE recipient_id = ? AND `+readableGuard+` ORDER BY seq`, recipientID)
		if err != nil {
			return fmt.Errorf("select unread: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan unread id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE notifications SET read_at = ?, status = 'read', updated_at = ?
				WHERE id = ? AND `+readableGuard,
				ts(at), ts(at), id)
			if err != nil {
				return fmt.Errorf("mark read %s: %w", id, err)
			}
			n, err := getNotification(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

// DeleteNotification removes the recipient's row.
func (s *Store) DeleteNotification(ctx context.Context, id, recipientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND recipient_id = ?`, id, recipientID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ClaimForDispatch leases one pending external row.
func (s *Store) ClaimForDispatch(ctx context.Context, id string, lease time.Duration, now time.Time) (store.Notification, bool, error) {
	var (
		n  store.Notification
		ok bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications SET claimed_until = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND channel = 'external'
			  AND (claimed_until IS NULL OR claimed_until < ?)`,
			ts(now.Add(lease)), ts(now), id, ts(now))
		if err != nil {
			return fmt.Errorf("claim notification: %w", err)
		}
		affected, _ := res.RowsAffected()
		got, err := getNotification(ctx, tx, id)
		if err != nil {
			return err
		}
		n, ok = got, affected > 0
		return nil
	})
	return n, ok, err
}

// ClaimStalePending leases up to limit pending external rows older than minAge.
func (s *Store) ClaimStalePending(ctx context.Context, minAge, lease time.Duration, limit int, now time.Time) ([]store.Notification, error) {
	var out []store.Notification
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM notifications
			WHERE status = 'pending' AND channel = 'external' AND created_at <= ?
			  AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY created_at
			LIMIT ?`,
			ts(now.Add(-minAge)), ts(now), limitOr(limit, 100))
		if err != nil {
			return fmt.Errorf("select stale pending: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE notifications SET claimed_until = ?, updated_at = ? WHERE id = ?`,
				ts(now.Add(lease)), ts(now), id); err != nil {
				return fmt.Errorf("claim stale %s: %w", id, err)
			}
			n, err := getNotification(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

// ReleaseClaim clears the lease so the sweep can pick the row up again.
func (s *Store) ReleaseClaim(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET claimed_until = NULL, attempts = ? WHERE id = ?`, attempts, id)
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE notifications SET
				external_message_id = COALESCE(external_message_id, ?),
				provider            = CASE WHEN external_message_id IS NULL THEN ? ELSE provider END,
				attempts            = ?,
				claimed_until       = NULL,
				sent_at             = COALESCE(sent_at, ?),
				updated_at          = ?
			WHERE id = ?`,
			externalID, provider, attempts, ts(at), ts(at), id); err != nil {
			return fmt.Errorf("record external id: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications SET status = 'sent'
			WHERE id = ? AND status IN (`+placeholders(len(store.Predecessors(store.StatusSent)))+`)`,
			append([]any{id}, statusArgs(store.StatusSent)...)...)
		if err != nil {
			return fmt.Errorf("record sent: %w", err)
		}
		affected, _ := res.RowsAffected()
		applied = affected > 0
		n, err = getNotification(ctx, tx, id)
		return err
	})
	return n, applied, err
}

// RecordFailed moves a pending or sent row to failed.
func (s *Store) RecordFailed(ctx context.Context, id, reason string, attempts int, at time.Time) (store.Notification, bool, error) {
	var (
		n       store.Notification
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := append([]any{reason, attempts, ts(at), id}, statusArgs(store.StatusFailed)...)
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications SET status = 'failed', error_message = ?, attempts = ?,
				claimed_until = NULL, updated_at = ?
			WHERE id = ? AND status IN (`+placeholders(len(store.Predecessors(store.StatusFailed)))+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("record failed: %w", err)
		}
		affected, _ := res.RowsAffected()
		applied = affected > 0
		n, err = getNotification(ctx, tx, id)
		return err
	})
	return n, applied, err
}

// ApplyProviderStatus applies a provider callback status to the row carrying
// that provider message id.
func (s *Store) ApplyProviderStatus(ctx context.Context, provider, externalID string, status store.Status, reason string, at time.Time) (store.Notification, bool, error) {
	preds := store.Predecessors(status)
	if len(preds) == 0 {
		return store.Notification{}, false, fmt.Errorf("status %q is not reachable", status)
	}

	var (
		n       store.Notification
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM notifications WHERE provider = ? AND external_message_id = ?`,
			provider, externalID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("provider message %s/%s: %w", provider, externalID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup provider message: %w", err)
		}

		var (
			query string
			args  []any
		)
		switch status {
		case store.StatusSent:
			query = `UPDATE notifications SET status = 'sent', sent_at = COALESCE(sent_at, ?), updated_at = ?`
			args = []any{ts(at), ts(at)}
		case store.StatusDelivered:
			query = `UPDATE notifications SET status = 'delivered', sent_at = COALESCE(sent_at, ?),
				delivered_at = COALESCE(delivered_at, ?), updated_at = ?`
			args = []any{ts(at), ts(at), ts(at)}
		case store.StatusRead:
			query = `UPDATE notifications SET status = 'read', sent_at = COALESCE(sent_at, ?),
				delivered_at = COALESCE(delivered_at, ?), read_at = COALESCE(read_at, ?), updated_at = ?`
			args = []any{ts(at), ts(at), ts(at), ts(at)}
		case store.StatusFailed:
			query = `UPDATE notifications SET status = 'failed', error_message = ?, updated_at = ?`
			args = []any{reason, ts(at)}
		}
		query += ` WHERE id = ? AND status IN (` + placeholders(len(preds)) + `)`
		args = append(args, id)
		args = append(args, statusArgs(status)...)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("apply provider status: %w", err)
		}
		affected, _ := res.RowsAffected()
		applied = affected > 0
		n, err = getNotification(ctx, tx, id)
		return err
	})
	return n, applied, err
}

func statusArgs(to store.Status) []any {
	preds := store.Predecessors(to)
	args := make([]any, len(preds))
	for i, p := range preds {
		args[i] = string(p)
	}
	return args
}
