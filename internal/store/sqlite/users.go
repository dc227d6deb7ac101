package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// ResolveUsers expands user ids, role ids and "all" into the concrete set of
// active users that existed at asOf.
func (s *Store) ResolveUsers(ctx context.Context, userIDs, roleIDs []string, all bool, asOf time.Time) ([]store.User, error) {
	query := `SELECT id, display_name, role_id, phone, active, created_at FROM users
		WHERE active = 1 AND created_at <= ?`
	args := []any{ts(asOf)}

	if !all {
		var ors []string
		if len(userIDs) > 0 {
			ors = append(ors, "id IN ("+placeholders(len(userIDs))+")")
			for _, id := range userIDs {
				args = append(args, id)
			}
		}
		if len(roleIDs) > 0 {
			ors = append(ors, "role_id IN ("+placeholders(len(roleIDs))+")")
			for _, id := range roleIDs {
				args = append(args, id)
			}
		}
		if len(ors) == 0 {
			return nil, nil
		}
		query += " AND (" + strings.Join(ors, " OR ") + ")"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}
	defer rows.Close()

	var users []store.User
	for rows.Next() {
		var (
			u       store.User
			active  int
			created timeCol
		)
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.RoleID, &u.Phone, &active, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Active = active == 1
		u.CreatedAt = created.t
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpsertUser mirrors a user from the main application's directory.
func (s *Store) UpsertUser(ctx context.Context, u store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	active := 0
	if u.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role_id, phone, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			role_id      = excluded.role_id,
			phone        = excluded.phone,
			active       = excluded.active`,
		u.ID, u.DisplayName, u.RoleID, u.Phone, active, ts(u.CreatedAt))
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_messages (
			id, provider, provider_message_id, from_number, body, context_message_id,
			notification_id, received_at
		) VALUES (?, ?, ?, ?, ?, ?,
			(SELECT id FROM notifications WHERE provider = ? AND external_message_id = ? AND ? <> ''),
			?)
		ON CONFLICT (provider, provider_message_id) DO NOTHING`,
		m.ID, m.Provider, m.ProviderMessageID, m.From, m.Body, m.ContextMessageID,
		m.Provider, m.ContextMessageID, m.ContextMessageID, ts(m.ReceivedAt))
	if err != nil {
		return false, fmt.Errorf("record inbound: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
