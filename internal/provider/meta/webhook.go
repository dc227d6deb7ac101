package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// SignatureHeader carries "sha256=" + hex HMAC of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

// Webhook authenticates and parses Cloud API callbacks.
type Webhook struct {
	appSecret   string
	verifyToken string
}

var _ provider.Webhook = (*Webhook)(nil)

func NewWebhook(appSecret, verifyToken string) *Webhook {
	return &Webhook{appSecret: appSecret, verifyToken: verifyToken}
}

func (w *Webhook) Name() string { return Name }

// Verify checks X-Hub-Signature-256 against the app secret. Without a
// configured secret nothing verifies.
func (w *Webhook) Verify(r provider.WebhookRequest) bool {
	if w.appSecret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(r.Header.Get(SignatureHeader), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(w.appSecret, r.Body))
}

// Sign computes the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Handshake answers the subscription check: hub.mode=subscribe with a
// matching hub.verify_token echoes hub.challenge.
func (w *Webhook) Handshake(q url.Values) (string, bool) {
	if w.verifyToken == "" || q.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(w.verifyToken)) != 1 {
		return "", false
	}
	return q.Get("hub.challenge"), true
}

type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
					Errors      []struct {
						Code    int    `json:"code"`
						Title   string `json:"title"`
						Message string `json:"message"`
					} `json:"errors"`
				} `json:"statuses"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Button struct {
						Text string `json:"text"`
					} `json:"button"`
					Context struct {
						ID string `json:"id"`
					} `json:"context"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Parse decodes a callback body. Statuses Meta has beyond the delivery chain
// (deleted, warning) are skipped.
func (w *Webhook) Parse(r provider.WebhookRequest) (provider.Callback, error) {
	var env envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return provider.Callback{}, fmt.Errorf("decode meta callback: %w", err)
	}

	var cb provider.Callback
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			for _, s := range change.Value.Statuses {
				status, ok := mapStatus(s.Status)
				if !ok || s.ID == "" {
					continue
				}
				u := provider.StatusUpdate{
					MessageID: s.ID,
					Status:    status,
					Timestamp: parseUnix(s.Timestamp),
				}
				if len(s.Errors) > 0 {
					e := s.Errors[0]
					u.Reason = fmt.Sprintf("%d %s", e.Code, firstNonEmpty(e.Message, e.Title))
				}
				cb.Statuses = append(cb.Statuses, u)
			}
			for _, m := range change.Value.Messages {
				if m.ID == "" {
					continue
				}
				cb.Messages = append(cb.Messages, provider.Inbound{
					MessageID: m.ID,
					From:      m.From,
					Body:      firstNonEmpty(m.Text.Body, m.Button.Text),
					ContextID: m.Context.ID,
					Timestamp: parseUnix(m.Timestamp),
				})
			}
		}
	}
	return cb, nil
}

func mapStatus(s string) (store.Status, bool) {
	switch s {
	case "sent":
		return store.StatusSent, true
	case "delivered":
		return store.StatusDelivered, true
	case "read":
		return store.StatusRead, true
	case "failed":
		return store.StatusFailed, true
	}
	return "", false
}

func parseUnix(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
