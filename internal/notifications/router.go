package notifications

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// Store is what the router needs from the persistence layer.
type Store interface {
	store.NotificationStore
	store.UserDirectory
}

// Router creates notification rows and serves the recipient-side
// operations. It is safe for concurrent use.
type Router struct {
	store      Store
	publisher  Publisher
	dispatcher Dispatcher
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time

	// insertMu holds an insert and the publish of its rows together so
	// recipients see new rows in seq order.
	insertMu sync.Mutex

	// Alerts at or above this severity also go to the external channel.
	externalMinSeverity store.Severity
}

// Option customizes a Router.
type Option func(*Router)

// WithExternalMinSeverity sets the alert severity from which alert-derived
// notifications are also sent externally.
func WithExternalMinSeverity(s store.Severity) Option {
	return func(r *Router) { r.externalMinSeverity = s }
}

// WithMetrics counts created rows.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) { r.metrics = m }
}

func NewRouter(st Store, publisher Publisher, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		store:               st,
		publisher:           publisher,
		dispatcher:          dispatcher,
		logger:              logger,
		now:                 time.Now,
		externalMinSeverity: store.SeverityHigh,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create resolves the recipients to a snapshot of users and stores one row
// per user. An empty snapshot creates nothing and is not an error.
func (r *Router) Create(ctx context.Context, req Request) ([]store.Notification, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	users, err := r.resolve(ctx, req.Recipients, now)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		r.logger.Info("Notification has no recipients",
			"type", req.Type, "recipients", len(req.Recipients), "alert_id", req.AlertID)
		return nil, nil
	}

	rows := make([]store.Notification, 0, len(users))
	for _, u := range users {
		n := store.Notification{
			Title:            req.Title,
			Message:          req.Message,
			TitleLocalized:   req.TitleLocalized,
			MessageLocalized: req.MessageLocalized,
			Type:             req.Type,
			Priority:         req.Priority,
			RecipientID:      u.ID,
			AlertID:          req.AlertID,
			CreatedAt:        now,
		}
		if req.External && u.Phone != "" {
			n.Channel = store.ChannelExternal
			n.Status = store.StatusPending
			n.Destination = u.Phone
		} else {
			if req.External {
				r.logger.Warn("Recipient has no phone, in-app only", "user_id", u.ID)
			}
			// Persisting an in-app row is what makes it available, so it
			// starts as sent.
			n.Channel = store.ChannelInApp
			n.Status = store.StatusSent
			n.SentAt = &now
		}
		rows = append(rows, n)
	}

	created, err := r.insert(ctx, rows)
	if err != nil {
		return nil, err
	}
	r.metrics.Add(metrics.NotificationsCreated, uint64(len(created)))
	r.dispatch(created)

	r.logger.Info("Notifications created",
		"type", req.Type, "count", len(created), "external", req.External, "alert_id", req.AlertID)
	return created, nil
}

// SendDirect stores and dispatches one external message to a phone number.
func (r *Router) SendDirect(ctx context.Context, req DirectRequest) (store.Notification, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	req.Phone = normalizePhone(req.Phone)
	if req.Message == "" {
		return store.Notification{}, &ValidationError{Field: "message", Reason: "required"}
	}
	if !phonePattern.MatchString(req.Phone) {
		return store.Notification{}, &ValidationError{Field: "phone_number", Reason: "must be an international number"}
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}
	if !req.Priority.Valid() {
		return store.Notification{}, &ValidationError{Field: "priority", Reason: "unknown priority"}
	}

	now := r.now().UTC()
	created, err := r.insert(ctx, []store.Notification{{
		Title:       req.Title,
		Message:     req.Message,
		Type:        "whatsapp",
		Priority:    req.Priority,
		Channel:     store.ChannelExternal,
		Status:      store.StatusPending,
		RecipientID: req.RecipientID,
		Destination: req.Phone,
		CreatedAt:   now,
	}})
	if err != nil {
		return store.Notification{}, err
	}
	r.metrics.Inc(metrics.NotificationsCreated)
	r.dispatch(created)
	r.logger.Info("Direct message queued", "notification_id", created[0].ID)
	return created[0], nil
}

// insert stores rows and publishes them before the next insert may run.
func (r *Router) insert(ctx context.Context, rows []store.Notification) ([]store.Notification, error) {
	r.insertMu.Lock()
	defer r.insertMu.Unlock()

	created, err := r.store.InsertNotifications(ctx, rows)
	if err != nil {
		return nil, err
	}
	if r.publisher != nil {
		for _, n := range created {
			if n.RecipientID != "" {
				r.publisher.Publish(ctx, n)
			}
		}
	}
	return created, nil
}

// dispatch hands external rows to the dispatcher.
func (r *Router) dispatch(rows []store.Notification) {
	if r.dispatcher == nil {
		return
	}
	for _, n := range rows {
		if n.Channel == store.ChannelExternal {
			r.dispatcher.Dispatch(n)
		}
	}
}

// MarkRead marks one of the user's notifications read. Rows that are already
// read, or external rows the provider has not reported delivered, are
// returned unchanged.
func (r *Router) MarkRead(ctx context.Context, userID, id string) (store.Notification, error) {
	n, applied, err := r.store.MarkRead(ctx, id, userID, r.now().UTC())
	if err != nil {
		return store.Notification{}, err
	}
	if applied && r.publisher != nil {
		r.publisher.Publish(ctx, n)
	}
	return n, nil
}

// MarkAllRead marks every readable unread notification of the user and
// returns how many changed.
func (r *Router) MarkAllRead(ctx context.Context, userID string) (int, error) {
	rows, err := r.store.MarkAllRead(ctx, userID, r.now().UTC())
	if err != nil {
		return 0, err
	}
	if r.publisher != nil {
		for _, n := range rows {
			r.publisher.Publish(ctx, n)
		}
	}
	return len(rows), nil
}

// Delete removes one of the user's notifications.
func (r *Router) Delete(ctx context.Context, userID, id string) error {
	return r.store.DeleteNotification(ctx, id, userID)
}

// ListForUser returns the user's notifications, newest first.
func (r *Router) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	return r.store.ListForRecipient(ctx, store.NotificationQuery{
		RecipientID: userID,
		UnreadOnly:  unreadOnly,
		Limit:       limit,
	})
}

func (r *Router) resolve(ctx context.Context, recipients []Recipient, asOf time.Time) ([]store.User, error) {
	var (
		userIDs, roleIDs []string
		all              bool
	)
	for _, rc := range recipients {
		switch rc.Kind {
		case RecipientUser:
			userIDs = append(userIDs, rc.ID)
		case RecipientRole:
			roleIDs = append(roleIDs, rc.ID)
		case RecipientAll:
			all = true
		}
	}
	return r.store.ResolveUsers(ctx, userIDs, roleIDs, all, asOf)
}

func normalize(req *Request) error {
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	if req.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if req.Message == "" {
		return &ValidationError{Field: "message", Reason: "required"}
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLen {
		return &ValidationError{Field: "title", Reason: "too long"}
	}
	if utf8.RuneCountInString(req.Message) > maxMessageLen {
		return &ValidationError{Field: "message", Reason: "too long"}
	}
	if req.Type == "" {
		req.Type = defaultType
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}
	if !req.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority"}
	}
	if len(req.Recipients) == 0 {
		return &ValidationError{Field: "recipient_type", Reason: "required"}
	}
	for _, rc := range req.Recipients {
		if _, err := ParseRecipientKind(string(rc.Kind)); err != nil {
			return err
		}
		if rc.Kind != RecipientAll && strings.TrimSpace(rc.ID) == "" {
			return &ValidationError{Field: "recipient_id", Reason: "required for recipient_type " + string(rc.Kind)}
		}
	}
	return nil
}

func normalizePhone(p string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(p))
}
