package meta

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "v21.0", "12345", "token-1", 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_Send(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v21.0/12345/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization = %q", got)
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.To != "966500000001" || req.MessagingProduct != "whatsapp" || req.Text.Body != "*Line down*\nExtruder 3" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	})

	id, err := c.Send(context.Background(), provider.Message{To: "+966500000001", Title: "Line down", Body: "Extruder 3"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "wamid.ABC" {
		t.Errorf("Send() = %q, want wamid.ABC", id)
	}
}

func TestClient_SendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"invalid recipient", 400, `{"error":{"message":"Message undeliverable","code":131026}}`, true},
		{"throughput limit", 400, `{"error":{"message":"Rate limit hit","code":130429}}`, false},
		{"bad token", 401, `{"error":{"message":"Invalid OAuth access token","code":190}}`, true},
		{"too many requests", 429, `slow down`, false},
		{"outage", 503, `<html>unavailable</html>`, false},
		{"no message id", 200, `{"messages":[]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Send(context.Background(), provider.Message{To: "966500000001", Body: "x"})
			var pe *provider.Error
			if !errors.As(err, &pe) {
				t.Fatalf("Send() error = %v, want *provider.Error", err)
			}
			if pe.Permanent != tt.permanent {
				t.Errorf("Permanent = %v, want %v (%v)", pe.Permanent, tt.permanent, err)
			}
		})
	}
}

func TestClient_SendTransport(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "v21.0", "1", "t", 10, nil)
	_, err := c.Send(context.Background(), provider.Message{To: "966500000001", Body: "x"})
	if err == nil || provider.IsPermanent(err) {
		t.Errorf("Send() error = %v, want transient", err)
	}

	_, err = c.Send(context.Background(), provider.Message{Body: "x"})
	if !provider.IsPermanent(err) {
		t.Errorf("Send() without destination error = %v, want permanent", err)
	}
}

func TestWebhook_Verify(t *testing.T) {
	w := NewWebhook("app-secret", "verify-me")
	body := []byte(`{"object":"whatsapp_business_account"}`)
	good := "sha256=" + hex.EncodeToString(Sign("app-secret", body))

	tests := []struct {
		name   string
		header string
		body   []byte
		want   bool
	}{
		{"valid", good, body, true},
		{"tampered body", good, []byte(`{"object":"x"}`), false},
		{"wrong secret", "sha256=" + hex.EncodeToString(Sign("other", body)), body, false},
		{"missing prefix", hex.EncodeToString(Sign("app-secret", body)), body, false},
		{"not hex", "sha256=zz", body, false},
		{"missing", "", body, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(SignatureHeader, tt.header)
			}
			if got := w.Verify(provider.WebhookRequest{Body: tt.body, Header: h}); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}

	if NewWebhook("", "v").Verify(provider.WebhookRequest{Body: body, Header: http.Header{SignatureHeader: {good}}}) {
		t.Error("Verify() without secret = true")
	}
}

func TestWebhook_Handshake(t *testing.T) {
	w := NewWebhook("s", "verify-me")

	q := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"verify-me"}, "hub.challenge": {"1158201444"}}
	if got, ok := w.Handshake(q); !ok || got != "1158201444" {
		t.Errorf("Handshake() = %q, %v", got, ok)
	}

	q.Set("hub.verify_token", "nope")
	if _, ok := w.Handshake(q); ok {
		t.Error("Handshake() accepted a wrong token")
	}
	q.Set("hub.verify_token", "verify-me")
	q.Set("hub.mode", "unsubscribe")
	if _, ok := w.Handshake(q); ok {
		t.Error("Handshake() accepted a wrong mode")
	}
}

func TestWebhook_Parse(t *testing.T) {
	body := []byte(`{
	  "object": "whatsapp_business_account",
	  "entry": [{
	    "id": "WABA",
	    "changes": [{
	      "field": "messages",
	      "value": {
	        "messaging_product": "whatsapp",
	        "statuses": [
	          {"id": "wamid.1", "status": "delivered", "timestamp": "1767225600", "recipient_id": "966500000001"},
	          {"id": "wamid.2", "status": "failed", "timestamp": "1767225601",
	           "errors": [{"code": 131026, "title": "Message undeliverable"}]},
	          {"id": "wamid.3", "status": "deleted", "timestamp": "1767225602"}
	        ],
	        "messages": [
	          {"id": "wamid.in", "from": "966500000001", "timestamp": "1767225700", "type": "text",
	           "text": {"body": "on it"}, "context": {"id": "wamid.1"}}
	        ]
	      }
	    }]
	  }]
	}`)

	cb, err := NewWebhook("s", "v").Parse(provider.WebhookRequest{Body: body})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cb.Statuses) != 2 {
		t.Fatalf("len(Statuses) = %d, want 2", len(cb.Statuses))
	}
	if s := cb.Statuses[0]; s.MessageID != "wamid.1" || s.Status != store.StatusDelivered || !s.Timestamp.Equal(time.Unix(1767225600, 0)) {
		t.Errorf("Statuses[0] = %+v", s)
	}
	if s := cb.Statuses[1]; s.Status != store.StatusFailed || s.Reason != "131026 Message undeliverable" {
		t.Errorf("Statuses[1] = %+v", s)
	}
	if len(cb.Messages) != 1 || cb.Messages[0].ContextID != "wamid.1" || cb.Messages[0].Body != "on it" {
		t.Errorf("Messages = %+v", cb.Messages)
	}

	if _, err := NewWebhook("s", "v").Parse(provider.WebhookRequest{Body: []byte("{")}); err == nil {
		t.Error("Parse() of malformed body succeeded")
	}
}
