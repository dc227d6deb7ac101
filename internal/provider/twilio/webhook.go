package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// SignatureHeader carries base64 HMAC-SHA1 of the URL followed by the sorted
// form parameters.
const SignatureHeader = "X-Twilio-Signature"

// Webhook authenticates and parses Twilio callbacks.
type Webhook struct {
	authToken   string
	verifyToken string
}

var _ provider.Webhook = (*Webhook)(nil)

func NewWebhook(authToken, verifyToken string) *Webhook {
	return &Webhook{authToken: authToken, verifyToken: verifyToken}
}

func (w *Webhook) Name() string { return Name }

// Verify checks X-Twilio-Signature. r.URL must be the exact public URL
// configured at Twilio, query string included.
func (w *Webhook) Verify(r provider.WebhookRequest) bool {
	if w.authToken == "" || r.URL == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(r.Header.Get(SignatureHeader))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(w.authToken, r.URL, r.Form))
}

// Sign computes the raw signature for url and form params.
func Sign(authToken, rawURL string, form url.Values) []byte {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		vals := append([]string(nil), form[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return mac.Sum(nil)
}

// Handshake mirrors the Cloud API check so both receivers can be checked the
// same way: hub.mode=subscribe with the configured verify token.
func (w *Webhook) Handshake(q url.Values) (string, bool) {
	if w.verifyToken == "" || q.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(w.verifyToken)) != 1 {
		return "", false
	}
	return q.Get("hub.challenge"), true
}

// Parse reads one form callback. Twilio sends either a status update
// (MessageStatus) or an inbound message (SmsStatus=received with a Body).
func (w *Webhook) Parse(r provider.WebhookRequest) (provider.Callback, error) {
	form := r.Form
	if form == nil {
		var err error
		if form, err = url.ParseQuery(string(r.Body)); err != nil {
			return provider.Callback{}, fmt.Errorf("decode twilio callback: %w", err)
		}
	}

	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return provider.Callback{}, fmt.Errorf("decode twilio callback: missing MessageSid")
	}

	var cb provider.Callback
	status := form.Get("MessageStatus")
	if status == "" || status == "received" {
		if form.Get("SmsStatus") == "received" || form.Get("Body") != "" || status == "received" {
			cb.Messages = append(cb.Messages, provider.Inbound{
				MessageID: sid,
				From:      strings.TrimPrefix(form.Get("From"), "whatsapp:"),
				Body:      form.Get("Body"),
				ContextID: form.Get("OriginalRepliedMessageSid"),
			})
		}
		return cb, nil
	}

	mapped, ok := mapStatus(status)
	if !ok {
		return cb, nil
	}
	u := provider.StatusUpdate{MessageID: sid, Status: mapped}
	if code := form.Get("ErrorCode"); code != "" {
		u.Reason = strings.TrimSpace(code + " " + form.Get("ErrorMessage"))
	}
	cb.Statuses = append(cb.Statuses, u)
	return cb, nil
}

// mapStatus folds Twilio's lifecycle onto the delivery chain. queued,
// accepted and sending carry no new information for an already sent row.
func mapStatus(s string) (store.Status, bool) {
	switch s {
	case "sent":
		return store.StatusSent, true
	case "delivered":
		return store.StatusDelivered, true
	case "read":
		return store.StatusRead, true
	case "failed", "undelivered":
		return store.StatusFailed, true
	}
	return "", false
}
