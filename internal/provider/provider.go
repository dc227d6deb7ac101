// Package provider defines the contract between the dispatcher and webhook
// reconciler on one side and the WhatsApp provider integrations on the other.
//
// Each integration lives in its own sub-package (meta, twilio) and supplies
// an outbound Client plus a Webhook that authenticates and parses callbacks.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// ErrCircuitOpen is returned instead of a send while a provider's circuit is
// open.
var ErrCircuitOpen = errors.New("provider circuit open")

// Message is one outbound message.
type Message struct {
	NotificationID string
	To             string
	Title          string
	Body           string
}

// Text renders title and body as one message body.
func (m Message) Text() string {
	if m.Title == "" {
		return m.Body
	}
	return "*" + m.Title + "*\n" + m.Body
}

// Client sends messages through one provider.
type Client interface {
	Name() string
	// Send returns the provider's message id. Failures are *Error values.
	Send(ctx context.Context, m Message) (externalID string, err error)
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// Error is a failed provider call. Permanent errors are not retried.
type Error struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Permanent  bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0 && e.Code != "":
		return fmt.Sprintf("%s: status %d code %s: %s", e.Provider, e.StatusCode, e.Code, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// FromStatus classifies an HTTP failure: 408, 429 and 5xx are transient,
// every other status is permanent.
func FromStatus(providerName string, status int, code, message string) *Error {
	transient := status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
	return &Error{
		Provider:   providerName,
		StatusCode: status,
		Code:       code,
		Message:    message,
		Permanent:  !transient,
	}
}

// Transport wraps a network-level failure, which is always transient.
func Transport(providerName string, err error) *Error {
	return &Error{Provider: providerName, Message: "transport error", Err: err}
}

// Invalid reports a message the provider can never accept.
func Invalid(providerName, reason string) *Error {
	return &Error{Provider: providerName, Message: reason, Permanent: true}
}

// IsPermanent reports whether err must not be retried. Unknown errors are
// treated as transient; the attempt cap bounds them.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// --------------------------------------------------------------------------
// Webhooks
// --------------------------------------------------------------------------

// WebhookRequest is the part of an inbound HTTP request a Webhook needs.
type WebhookRequest struct {
	Body        []byte
	ContentType string
	Header      http.Header
	// URL is the full public URL the provider called, used by signature
	// schemes that sign the URL.
	URL string
	// Form holds the decoded body for form-encoded callbacks.
	Form url.Values
}

// StatusUpdate is a delivery-status callback for one outbound message.
type StatusUpdate struct {
	MessageID string
	Status    store.Status
	Reason    string
	Timestamp time.Time
}

// Inbound is a message a user sent to the business number.
type Inbound struct {
	MessageID string
	From      string
	Body      string
	ContextID string
	Timestamp time.Time
}

// Callback is everything one webhook POST carried.
type Callback struct {
	Statuses []StatusUpdate
	Messages []Inbound
}

// Webhook authenticates and parses one provider's callbacks.
type Webhook interface {
	Name() string
	// Verify checks the request signature.
	Verify(r WebhookRequest) bool
	// Handshake answers a verification GET. ok=false rejects it.
	Handshake(q url.Values) (challenge string, ok bool)
	Parse(r WebhookRequest) (Callback, error)
}
