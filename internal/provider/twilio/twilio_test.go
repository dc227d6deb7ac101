package twilio

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

const callbackURL = "https://mps.example.com/api/webhooks/twilio"

func TestClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC123" || pass != "secret" {
			t.Errorf("BasicAuth() = %q, %q, %v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("To"); got != "whatsapp:+966500000001" {
			t.Errorf("To = %q", got)
		}
		if got := r.PostForm.Get("From"); got != "whatsapp:+14155238886" {
			t.Errorf("From = %q", got)
		}
		if got := r.PostForm.Get("StatusCallback"); got != callbackURL {
			t.Errorf("StatusCallback = %q", got)
		}
		if got := r.PostForm.Get("Body"); got != "*Line down*\nExtruder 3" {
			t.Errorf("Body = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM42","status":"queued"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "AC123", "secret", "+14155238886", callbackURL, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sid, err := c.Send(context.Background(), provider.Message{To: "966500000001", Title: "Line down", Body: "Extruder 3"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sid != "SM42" {
		t.Errorf("Send() = %q, want SM42", sid)
	}
}

func TestClient_SendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"invalid to", 400, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`, true},
		{"auth", 401, `{"code":20003,"message":"Authenticate","status":401}`, true},
		{"too many requests", 429, `{"code":20429,"message":"Too Many Requests","status":429}`, false},
		{"outage", 500, `oops`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "AC1", "s", "+1", "", 100, nil)
			_, err := c.Send(context.Background(), provider.Message{To: "+966500000001", Body: "x"})
			if err == nil {
				t.Fatal("Send() succeeded")
			}
			if got := provider.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v (%v)", got, tt.permanent, err)
			}
		})
	}
}

func TestWhatsappAddress(t *testing.T) {
	tests := map[string]string{
		"+966500000001":          "whatsapp:+966500000001",
		"966500000001":           "whatsapp:+966500000001",
		"whatsapp:+966500000001": "whatsapp:+966500000001",
		"":                       "",
	}
	for in, want := range tests {
		if got := whatsappAddress(in); got != want {
			t.Errorf("whatsappAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebhook_Verify(t *testing.T) {
	w := NewWebhook("auth-token", "verify-me")
	form := url.Values{
		"MessageSid":    {"SM42"},
		"MessageStatus": {"delivered"},
		"AccountSid":    {"AC123"},
	}
	good := base64.StdEncoding.EncodeToString(Sign("auth-token", callbackURL, form))

	tests := []struct {
		name   string
		header string
		url    string
		form   url.Values
		want   bool
	}{
		{"valid", good, callbackURL, form, true},
		{"other url", good, callbackURL + "?x=1", form, false},
		{"tampered form", good, callbackURL, url.Values{"MessageSid": {"SM42"}, "MessageStatus": {"read"}, "AccountSid": {"AC123"}}, false},
		{"not base64", "!!!", callbackURL, form, false},
		{"missing", "", callbackURL, form, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(SignatureHeader, tt.header)
			}
			if got := w.Verify(provider.WebhookRequest{Header: h, URL: tt.url, Form: tt.form}); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhook_Parse(t *testing.T) {
	w := NewWebhook("t", "v")

	tests := []struct {
		name     string
		form     url.Values
		status   store.Status
		reason   string
		inbound  string
		empty    bool
		parseErr bool
	}{
		{name: "delivered", form: url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}, status: store.StatusDelivered},
		{name: "read", form: url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"read"}}, status: store.StatusRead},
		{
			name:   "undelivered",
			form:   url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"63016"}, "ErrorMessage": {"outside window"}},
			status: store.StatusFailed,
			reason: "63016 outside window",
		},
		{name: "queued skipped", form: url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"queued"}}, empty: true},
		{
			name:    "inbound",
			form:    url.Values{"MessageSid": {"SM9"}, "SmsStatus": {"received"}, "From": {"whatsapp:+966500000001"}, "Body": {"ack"}, "OriginalRepliedMessageSid": {"SM1"}},
			inbound: "ack",
		},
		{name: "missing sid", form: url.Values{"MessageStatus": {"sent"}}, parseErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := w.Parse(provider.WebhookRequest{Form: tt.form})
			if tt.parseErr {
				if err == nil {
					t.Error("Parse() succeeded")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			switch {
			case tt.empty:
				if len(cb.Statuses)+len(cb.Messages) != 0 {
					t.Errorf("Parse() = %+v, want empty", cb)
				}
			case tt.inbound != "":
				if len(cb.Messages) != 1 {
					t.Fatalf("Messages = %+v", cb.Messages)
				}
				m := cb.Messages[0]
				if m.Body != tt.inbound || m.From != "+966500000001" || m.ContextID != "SM1" {
					t.Errorf("Messages[0] = %+v", m)
				}
			default:
				if len(cb.Statuses) != 1 {
					t.Fatalf("Statuses = %+v", cb.Statuses)
				}
				if s := cb.Statuses[0]; s.Status != tt.status || s.Reason != tt.reason {
					t.Errorf("Statuses[0] = %+v", s)
				}
			}
		})
	}
}

func TestWebhook_ParseRawBody(t *testing.T) {
	body := []byte("MessageSid=SM7&MessageStatus=sent")
	cb, err := NewWebhook("t", "v").Parse(provider.WebhookRequest{Body: body})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cb.Statuses) != 1 || cb.Statuses[0].MessageID != "SM7" || cb.Statuses[0].Status != store.StatusSent {
		t.Errorf("Parse() = %+v", cb)
	}
}
