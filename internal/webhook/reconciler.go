// Package webhook reconciles provider delivery callbacks into notification
// status and records inbound replies.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

var (
	// ErrUnauthorized is returned for callbacks that fail authentication.
	// Callers must not tell the sender why.
	ErrUnauthorized = errors.New("webhook not authorized")
	// ErrUnknownProvider is returned for a provider with no receiver.
	ErrUnknownProvider = errors.New("unknown webhook provider")
	// ErrMalformed is returned for an authenticated body that cannot be
	// decoded.
	ErrMalformed = errors.New("malformed webhook payload")
	// ErrRetryLater is returned when a status names a message id this
	// service may not have committed yet. Everything else in the callback
	// has been applied; the provider should redeliver it.
	ErrRetryLater = errors.New("webhook references a message not yet recorded")
)

// defaultSettleWindow bounds how long after a provider event an unknown
// message id is still treated as an unfinished send.
const defaultSettleWindow = 2 * time.Minute

// Store is the part of the store the reconciler writes.
type Store interface {
	ApplyProviderStatus(ctx context.Context, provider, externalID string, status store.Status, reason string, at time.Time) (store.Notification, bool, error)
	RecordInbound(ctx context.Context, m store.InboundMessage) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, n store.Notification)
}

type Alerter interface {
	Raise(ctx context.Context, category, source, title, message string)
}

// Result counts what one callback did.
type Result struct {
	Applied int `json:"applied"`
	Ignored int `json:"ignored"`
	Unknown int `json:"unknown"`
	Inbound int `json:"inbound"`
}

// Reconciler applies callbacks from any registered provider.
type Reconciler struct {
	store     Store
	publisher Publisher
	alerter   Alerter
	metrics   *metrics.Collector
	webhooks  map[string]provider.Webhook
	logger    *slog.Logger
	now       func() time.Time

	settleWindow time.Duration
}

func New(st Store, publisher Publisher, logger *slog.Logger, webhooks ...provider.Webhook) *Reconciler {
	r := &Reconciler{
		store:     st,
		publisher: publisher,
		webhooks:  make(map[string]provider.Webhook, len(webhooks)),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },

		settleWindow: defaultSettleWindow,
	}
	for _, w := range webhooks {
		r.webhooks[w.Name()] = w
	}
	return r
}

func (r *Reconciler) SetAlerter(a Alerter) { r.alerter = a }

func (r *Reconciler) SetMetrics(m *metrics.Collector) { r.metrics = m }

// SetSettleWindow sets how recent a status for an unknown message id must be
// to ask the provider for a retry. It should cover the dispatch lease, the
// longest a send can run before its provider id is stored.
func (r *Reconciler) SetSettleWindow(d time.Duration) { r.settleWindow = d }

// Handles reports whether a receiver is registered for providerName.
func (r *Reconciler) Handles(providerName string) bool { return r.webhooks[providerName] != nil }

// Handshake answers a verification request. It never touches the store.
func (r *Reconciler) Handshake(providerName string, q url.Values) (string, error) {
	w, ok := r.webhooks[providerName]
	if !ok {
		return "", ErrUnknownProvider
	}
	challenge, ok := w.Handshake(q)
	if !ok {
		r.metrics.Inc(metrics.WebhookRejected)
		return "", ErrUnauthorized
	}
	return challenge, nil
}

// Ingest authenticates and applies one callback. Nothing is written unless
// the request verifies. Status updates for unknown message ids are logged
// and skipped; stale or duplicate updates are no-ops. If a skipped unknown
// status is recent enough that its send may still be recording, the rest of
// the callback is applied and ErrRetryLater is returned with the result.
func (r *Reconciler) Ingest(ctx context.Context, providerName string, req provider.WebhookRequest) (Result, error) {
	var res Result
	w, ok := r.webhooks[providerName]
	if !ok {
		return res, ErrUnknownProvider
	}
	if !w.Verify(req) {
		r.metrics.Inc(metrics.WebhookRejected)
		r.logger.Warn("Webhook signature rejected", "provider", providerName)
		return res, ErrUnauthorized
	}

	cb, err := w.Parse(req)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var unsettled bool
	for _, s := range cb.Statuses {
		at := s.Timestamp
		if at.IsZero() {
			at = r.now()
		}
		n, applied, err := r.store.ApplyProviderStatus(ctx, providerName, s.MessageID, s.Status, s.Reason, at)
		if errors.Is(err, store.ErrNotFound) {
			res.Unknown++
			if r.now().Sub(at) < r.settleWindow {
				unsettled = true
				r.logger.Info("Status for unrecorded provider message, asking for retry",
					"provider", providerName, "message_id", s.MessageID, "status", s.Status)
				continue
			}
			r.logger.Warn("Status for unknown provider message", "provider", providerName, "message_id", s.MessageID, "status", s.Status)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("apply status %s for %s: %w", s.Status, s.MessageID, err)
		}
		if !applied {
			res.Ignored++
			r.metrics.Inc(metrics.WebhookStatusIgnored)
			r.logger.Debug("Status not applied", "notification_id", n.ID, "current", n.Status, "incoming", s.Status)
			continue
		}

		res.Applied++
		r.metrics.Inc(metrics.WebhookStatusApplied)
		r.logger.Info("Delivery status applied", "notification_id", n.ID, "provider", providerName, "status", n.Status)
		r.publisher.Publish(ctx, n)

		if n.Status == store.StatusFailed && r.alerter != nil {
			r.alerter.Raise(ctx, "messaging", providerName,
				"WhatsApp message undelivered",
				fmt.Sprintf("Provider reported %s as failed: %s", s.MessageID, s.Reason))
		}
	}

	for _, m := range cb.Messages {
		at := m.Timestamp
		if at.IsZero() {
			at = r.now()
		}
		created, err := r.store.RecordInbound(ctx, store.InboundMessage{
			Provider:          providerName,
			ProviderMessageID: m.MessageID,
			From:              m.From,
			Body:              m.Body,
			ContextMessageID:  m.ContextID,
			ReceivedAt:        at,
		})
		if err != nil {
			return res, fmt.Errorf("record inbound %s: %w", m.MessageID, err)
		}
		if created {
			res.Inbound++
			r.metrics.Inc(metrics.InboundRecorded)
			r.logger.Info("Inbound message recorded", "provider", providerName, "message_id", m.MessageID, "from", m.From)
		}
	}
	if unsettled {
		return res, ErrRetryLater
	}
	return res, nil
}
