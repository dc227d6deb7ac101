// Package store defines the persistent records of the alert and notification
// engine, their status rules, and the contracts the Postgres and SQLite
// backends implement.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned (wrapped) when an alert, notification or user id
// does not exist or is not visible to the caller.
var ErrNotFound = errors.New("not found")

// --------------------------------------------------------------------------
// Alerts
// --------------------------------------------------------------------------

type AlertStatus string

const (
	AlertActive    AlertStatus = "active"
	AlertResolved  AlertStatus = "resolved"
	AlertDismissed AlertStatus = "dismissed"
)

// Terminal reports whether no further resolve/dismiss changes apply.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertDismissed
}

// Action is one suggested remediation step shown with an alert.
type Action struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Audience is the target of an alert's derived notifications.
type Audience struct {
	Users []string `json:"users,omitempty"`
	Roles []string `json:"roles,omitempty"`
	All   bool     `json:"all,omitempty"`
}

// Empty reports whether the audience names nobody.
func (a Audience) Empty() bool {
	return !a.All && len(a.Users) == 0 && len(a.Roles) == 0
}

type Alert struct {
	ID               string          `json:"id"`
	Fingerprint      string          `json:"fingerprint"`
	Type             string          `json:"type"`
	Category         string          `json:"category"`
	Source           string          `json:"source"`
	SourceID         string          `json:"source_id"`
	Title            string          `json:"title"`
	Message          string          `json:"message"`
	Severity         Severity        `json:"severity"`
	Status           AlertStatus     `json:"status"`
	Occurrences      int             `json:"occurrences"`
	FirstOccurrence  time.Time       `json:"first_occurrence"`
	LastOccurrence   time.Time       `json:"last_occurrence"`
	Target           Audience        `json:"target"`
	SuggestedActions []Action        `json:"suggested_actions"`
	Context          json.RawMessage `json:"context,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	ResolutionNotes  string          `json:"resolution_notes,omitempty"`
	DismissedAt      *time.Time      `json:"dismissed_at,omitempty"`
	DismissedBy      string          `json:"dismissed_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// UpsertResult reports what an UpsertActive call did.
type UpsertResult struct {
	Alert   Alert
	Created bool
}

// AlertFilter narrows ListAlerts. Zero values mean "any".
type AlertFilter struct {
	Status   AlertStatus
	Type     string
	Severity Severity
	Limit    int
}

// AlertStats summarizes the alert table for dashboards.
type AlertStats struct {
	Total            int            `json:"total"`
	Active           int            `json:"active"`
	Resolved         int            `json:"resolved"`
	Dismissed        int            `json:"dismissed"`
	ActiveBySeverity map[string]int `json:"active_by_severity"`
	ActiveByType     map[string]int `json:"active_by_type"`
	TotalOccurrences int            `json:"total_occurrences"`
}

// AlertStore persists alerts. UpsertActive must be atomic per fingerprint:
// concurrent calls for one fingerprint yield one active row whose
// occurrences equal the number of calls.
type AlertStore interface {
	UpsertActive(ctx context.Context, a Alert) (UpsertResult, error)
	GetAlert(ctx context.Context, id string) (Alert, error)
	GetActiveByFingerprint(ctx context.Context, fingerprint string) (Alert, error)
	// ResolveAlert and DismissAlert only change active rows and always
	// return the row as it is after the call.
	ResolveAlert(ctx context.Context, id, actor, notes string, at time.Time) (Alert, error)
	DismissAlert(ctx context.Context, id, actor string, at time.Time) (Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error)
	AlertStats(ctx context.Context) (AlertStats, error)
}

// --------------------------------------------------------------------------
// Notifications
// --------------------------------------------------------------------------

type Channel string

const (
	ChannelInApp    Channel = "in_app"
	ChannelExternal Channel = "external"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Notification struct {
	ID                string     `json:"id"`
	Seq               int64      `json:"seq"`
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	TitleLocalized    string     `json:"title_localized,omitempty"`
	MessageLocalized  string     `json:"message_localized,omitempty"`
	Type              string     `json:"type"`
	Priority          Priority   `json:"priority"`
	Channel           Channel    `json:"channel"`
	Status            Status     `json:"status"`
	RecipientID       string     `json:"recipient_id,omitempty"`
	Destination       string     `json:"destination,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	AlertID           string     `json:"alert_id,omitempty"`
	Attempts          int        `json:"attempts"`
	CreatedAt         time.Time  `json:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NotificationQuery narrows ListForRecipient.
type NotificationQuery struct {
	RecipientID string
	UnreadOnly  bool
	// AfterSeq, when > 0, returns only rows with seq > AfterSeq in
	// ascending seq order instead of newest first.
	AfterSeq int64
	Limit    int
}

// NotificationStore persists notifications. Status-changing methods return
// applied=false, with the current row, when the transition is not a legal
// successor of the stored status.
type NotificationStore interface {
	// InsertNotifications stores rows in one transaction and returns them
	// with id, seq and timestamps filled, in insertion order.
	InsertNotifications(ctx context.Context, rows []Notification) ([]Notification, error)
	GetNotification(ctx context.Context, id string) (Notification, error)
	ListForRecipient(ctx context.Context, q NotificationQuery) ([]Notification, error)
	MarkRead(ctx context.Context, id, recipientID string, at time.Time) (n Notification, applied bool, err error)
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) ([]Notification, error)
	DeleteNotification(ctx context.Context, id, recipientID string) error

	// ClaimForDispatch leases a pending external row for one send attempt
	// cycle. ok=false when the row is not pending or is leased elsewhere.
	ClaimForDispatch(ctx context.Context, id string, lease time.Duration, now time.Time) (n Notification, ok bool, err error)
	// ClaimStalePending leases pending external rows older than minAge.
	ClaimStalePending(ctx context.Context, minAge, lease time.Duration, limit int, now time.Time) ([]Notification, error)
	ReleaseClaim(ctx context.Context, id string, attempts int) error
	RecordSent(ctx context.Context, id, provider, externalID string, attempts int, at time.Time) (n Notification, applied bool, err error)
	RecordFailed(ctx context.Context, id, reason string, attempts int, at time.Time) (n Notification, applied bool, err error)
	// ApplyProviderStatus maps a provider message id to its row and applies
	// the status if legal. Unknown ids return ErrNotFound.
	ApplyProviderStatus(ctx context.Context, provider, externalID string, status Status, reason string, at time.Time) (n Notification, applied bool, err error)
}

// --------------------------------------------------------------------------
// Inbound provider messages
// --------------------------------------------------------------------------

type InboundMessage struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	From              string    `json:"from"`
	Body              string    `json:"body"`
	ContextMessageID  string    `json:"context_message_id,omitempty"`
	NotificationID    string    `json:"notification_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

type InboundStore interface {
	// RecordInbound stores m once per (provider, provider message id);
	// created=false for a duplicate.
	RecordInbound(ctx context.Context, m InboundMessage) (created bool, err error)
}

// --------------------------------------------------------------------------
// User directory (owned by the CRUD side, read here)
// --------------------------------------------------------------------------

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	RoleID      string    `json:"role_id"`
	Phone       string    `json:"phone,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserDirectory interface {
	// ResolveUsers returns the active users created at or before asOf that
	// match any of the given user ids, role ids, or everyone when all is set.
	ResolveUsers(ctx context.Context, userIDs, roleIDs []string, all bool, asOf time.Time) ([]User, error)
	UpsertUser(ctx context.Context, u User) error
}

// Store is everything a backend provides.
type Store interface {
	AlertStore
	NotificationStore
	InboundStore
	UserDirectory
	Ping(ctx context.Context) error
	Close() error
}
