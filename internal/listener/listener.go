// Package listener relays notification changes between API instances over
// Postgres LISTEN/NOTIFY. It holds a dedicated pgx connection (not from the
// pool) listening on the `mps_notifications` channel.
//
// Events are raised by triggers on the notifications table (see
// internal/db/schema.sql) inside the writing transaction, so they arrive in
// commit order. The payload carries only the row id and recipient; every
// instance, the writer included, re-reads the row and hands it to its local
// push hub. That keeps payloads well under the NOTIFY size limit and always
// pushes current state.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

const (
	// Channel is the NOTIFY channel name.
	Channel          = "mps_notifications"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Event is the JSON payload of pg_notify('mps_notifications', ...).
type Event struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Seq         int64  `json:"seq"`
}

// Getter loads the row an event points at.
type Getter interface {
	GetNotification(ctx context.Context, id string) (store.Notification, error)
}

// Local is the in-process fan-out, normally the push hub.
type Local interface {
	Publish(ctx context.Context, n store.Notification)
}

// Relay feeds events received from Postgres to Local.
type Relay struct {
	dbURL  string
	getter Getter
	local  Local
	logger *slog.Logger
}

func NewRelay(dbURL string, getter Getter, local Local, logger *slog.Logger) *Relay {
	return &Relay{dbURL: dbURL, getter: getter, local: local, logger: logger}
}

// Publish satisfies the router's publisher. The table triggers already
// announced the change when its transaction committed, and this instance's
// hub receives it through Start like every other instance, so a second
// local push here could overtake an earlier row still in flight.
func (r *Relay) Publish(context.Context, store.Notification) {}

// Start opens a dedicated connection and listens on the channel. It
// reconnects automatically on connection loss. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func (r *Relay) Start(ctx context.Context) {
	backoff := reconnectBackoff

	for {
		err := r.listenLoop(ctx)
		if ctx.Err() != nil {
			r.logger.Info("Notification relay stopped (context cancelled)")
			return
		}

		r.logger.Error("Notification relay disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func (r *Relay) listenLoop(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, r.dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	r.logger.Info("Notification relay connected", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		r.handle(ctx, notification.Payload)
	}
}

// handle resolves one event and pushes the row locally.
func (r *Relay) handle(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.ID == "" {
		r.logger.Warn("Failed to parse relay event", "payload", payload, "error", err)
		return
	}

	n, err := r.getter.GetNotification(ctx, ev.ID)
	if err != nil {
		// Deleted between NOTIFY and read.
		r.logger.Debug("Relay event for missing notification", "notification_id", ev.ID, "error", err)
		return
	}
	r.local.Publish(ctx, n)
}
