// Package notifications turns system and alert-derived events into
// per-recipient notification rows.
//
// Pipeline: resolve recipients once → persist one row per user in a single
// transaction → publish each row to the push relay → hand external rows to
// the dispatcher.
package notifications

import (
	"context"
	"fmt"
	"regexp"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultType     = "system"
	alertType       = "alert"
	maxTitleLen     = 200
	maxMessageLen   = 4000
	escalatedPrefix = "Escalated: "
)

// Destination numbers are E.164 digits with an optional leading plus.
var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// RecipientKind selects how a Recipient resolves to users.
type RecipientKind string

const (
	RecipientUser RecipientKind = "user"
	RecipientRole RecipientKind = "role"
	RecipientAll  RecipientKind = "all"
)

// Recipient is one addressee of a request. ID is a user id for
// RecipientUser, a role id for RecipientRole and empty for RecipientAll.
type Recipient struct {
	Kind RecipientKind `json:"recipient_type"`
	ID   string        `json:"recipient_id,omitempty"`
}

// Request asks for a notification to be created for every user the
// recipients resolve to.
type Request struct {
	Title            string
	Message          string
	TitleLocalized   string
	MessageLocalized string
	Type             string
	Priority         store.Priority
	Recipients       []Recipient
	// External also sends each row over the messaging provider to the
	// user's phone. Rows always appear on the in-app surface.
	External bool
	AlertID  string
}

// DirectRequest sends one message to a phone number outside the alert
// pipeline.
type DirectRequest struct {
	Title       string
	Message     string
	Phone       string
	RecipientID string
	Priority    store.Priority
}

// Publisher delivers new or changed rows to live push connections.
type Publisher interface {
	Publish(ctx context.Context, n store.Notification)
}

// Dispatcher sends external rows. Dispatch must not block.
type Dispatcher interface {
	Dispatch(n store.Notification)
}

// ValidationError is returned for malformed requests.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseRecipientKind maps request input to a RecipientKind.
func ParseRecipientKind(v string) (RecipientKind, error) {
	switch RecipientKind(v) {
	case RecipientUser, RecipientRole, RecipientAll:
		return RecipientKind(v), nil
	}
	return "", &ValidationError{Field: "recipient_type", Reason: fmt.Sprintf("unknown type %q", v)}
}
