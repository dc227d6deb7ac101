package api

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/alerts"
	"github.com/modplast83/Modern-MPS--sub001/internal/api/handler"
	"github.com/modplast83/Modern-MPS--sub001/internal/cache"
	"github.com/modplast83/Modern-MPS--sub001/internal/config"
	"github.com/modplast83/Modern-MPS--sub001/internal/notifications"
	"github.com/modplast83/Modern-MPS--sub001/internal/provider/meta"
	"github.com/modplast83/Modern-MPS--sub001/internal/push"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
	"github.com/modplast83/Modern-MPS--sub001/internal/store/sqlite"
	"github.com/modplast83/Modern-MPS--sub001/internal/webhook"
)

const (
	testSecret    = "test-secret"
	testAppSecret = "app-secret"
	testVerify    = "verify-me"
)

type testServer struct {
	handler http.Handler
	store   *sqlite.Store
	hub     *push.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	created := time.Now().UTC().Add(-time.Hour)
	for _, u := range []store.User{
		{ID: "u1", RoleID: "2", Active: true, CreatedAt: created},
		{ID: "u2", RoleID: "2", Active: true, CreatedAt: created},
		{ID: "u3", RoleID: "3", Active: true, CreatedAt: created},
	} {
		if err := st.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser() error = %v", err)
		}
	}

	hub := push.NewHub(16)
	ingest := alerts.New(st, nil, logger)
	router := notifications.NewRouter(st, hub, nil, logger)
	ingest.SetNotifier(router)
	reconciler := webhook.New(st, hub, logger, meta.NewWebhook(testAppSecret, testVerify))

	appCache := cache.New(true)
	t.Cleanup(appCache.Close)

	cfg := &config.Config{
		StoreDriver:           config.DriverSQLite,
		JWTSecret:             testSecret,
		CORSAllowOrigins:      []string{"http://localhost:5173"},
		PushReplayLimit:       50,
		PushHeartbeatInterval: time.Minute,
		PushWriteTimeout:      time.Second,
	}

	h := NewRouter(handler.Deps{
		Store:      st,
		Ingest:     ingest,
		Router:     router,
		Hub:        hub,
		Reconciler: reconciler,
		Cache:      appCache,
		Config:     cfg,
		Logger:     logger,
	})
	return &testServer{handler: h, store: st, hub: hub}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := GenerateToken(testSecret, userID, "2", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

// do sends a request as userID ("" for anonymous) and returns the recorder.
func (s *testServer) do(t *testing.T, method, path, userID, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp.Error.Code
}

func TestAuth(t *testing.T) {
	s := newTestServer(t)

	expired, err := GenerateToken(testSecret, "u1", "", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := GenerateToken("other-secret", "u1", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"valid", "Bearer " + token(t, "u1"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/notifications/user", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestAlerts_SubmitDedupResolve(t *testing.T) {
	s := newTestServer(t)
	event := `{"type":"machine","source":"extruder-3","title":"Motor overheating","severity":"high","target":{"roles":["2"]}}`

	rec := s.do(t, http.MethodPost, "/api/alerts", "u1", event)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submit status = %d, body %s", rec.Code, rec.Body)
	}
	first := decode[alerts.SubmitResult](t, rec)

	rec = s.do(t, http.MethodPost, "/api/alerts", "u1", event)
	if rec.Code != http.StatusOK {
		t.Fatalf("second submit status = %d", rec.Code)
	}
	second := decode[alerts.SubmitResult](t, rec)
	if second.Alert.ID != first.Alert.ID || second.Alert.Occurrences != 2 {
		t.Errorf("second submit = %+v, want same id with 2 occurrences", second.Alert)
	}

	// The role snapshot got exactly one notification each for the new alert.
	rec = s.do(t, http.MethodGet, "/api/notifications/user", "u2", "")
	if rows := decode[[]store.Notification](t, rec); len(rows) != 1 || rows[0].AlertID != first.Alert.ID {
		t.Errorf("u2 notifications = %+v", rows)
	}
	rec = s.do(t, http.MethodGet, "/api/notifications/user", "u3", "")
	if rows := decode[[]store.Notification](t, rec); len(rows) != 0 {
		t.Errorf("u3 outside the role got %d notifications", len(rows))
	}

	rec = s.do(t, http.MethodPost, "/api/alerts/"+first.Alert.ID+"/resolve", "u1", `{"notes":"fan replaced"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rec.Code)
	}
	resolved := decode[store.Alert](t, rec)
	if resolved.Status != store.AlertResolved || resolved.ResolvedBy != "u1" || resolved.ResolutionNotes != "fan replaced" {
		t.Errorf("resolved = %+v", resolved)
	}

	// A fresh occurrence after resolution opens a new alert.
	rec = s.do(t, http.MethodPost, "/api/alerts", "u1", event)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit after resolve status = %d", rec.Code)
	}
	if third := decode[alerts.SubmitResult](t, rec); third.Alert.ID == first.Alert.ID {
		t.Error("submit after resolve reused the resolved alert")
	}
}

func TestAlerts_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"missing title", http.MethodPost, "/api/alerts", `{"type":"machine"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad severity", http.MethodPost, "/api/alerts", `{"type":"machine","title":"x","severity":"loud"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad json", http.MethodPost, "/api/alerts", `{`, http.StatusBadRequest, "INVALID_BODY"},
		{"unknown alert", http.MethodGet, "/api/alerts/nope", "", http.StatusNotFound, "NOT_FOUND"},
		{"resolve unknown", http.MethodPost, "/api/alerts/nope/resolve", "", http.StatusNotFound, "NOT_FOUND"},
		{"bad list status", http.MethodGet, "/api/alerts?status=open", "", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad limit", http.MethodGet, "/api/alerts?limit=-1", "", http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, "u1", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body)
			}
			if got := errorCode(t, rec); got != tt.wantErr {
				t.Errorf("error code = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestAlertStats_ETagAndInvalidation(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/alerts", "u1", `{"type":"machine","title":"A","severity":"low"}`)

	rec := s.do(t, http.MethodGet, "/api/alerts/stats", "u1", "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first stats = %d %s", rec.Code, rec.Header().Get("X-Cache"))
	}
	etag := rec.Header().Get("ETag")
	if stats := decode[store.AlertStats](t, rec); stats.Active != 1 {
		t.Errorf("Active = %d, want 1", stats.Active)
	}

	rec = s.do(t, http.MethodGet, "/api/alerts/stats", "u1", "", "If-None-Match", etag)
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional stats status = %d, want 304", rec.Code)
	}

	s.do(t, http.MethodPost, "/api/alerts", "u1", `{"type":"quality","title":"B","severity":"low"}`)
	rec = s.do(t, http.MethodGet, "/api/alerts/stats", "u1", "", "If-None-Match", etag)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats after submit status = %d, want 200", rec.Code)
	}
	if stats := decode[store.AlertStats](t, rec); stats.Active != 2 {
		t.Errorf("Active after submit = %d, want 2", stats.Active)
	}
}

func TestNotifications_RecipientOperations(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/notifications/system", "u3",
		`{"title":"Shift change","message":"Starts 15:00","recipient_type":"role","recipient_id":"2","channels":{"in_app":true}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	type createdBody struct {
		Count         int                  `json:"count"`
		Notifications []store.Notification `json:"notifications"`
	}
	created := decode[createdBody](t, rec)
	if created.Count != 2 {
		t.Fatalf("count = %d, want 2", created.Count)
	}

	var mine store.Notification
	for _, n := range created.Notifications {
		if n.RecipientID == "u1" {
			mine = n
		}
	}

	// Another user cannot touch u1's row.
	if rec := s.do(t, http.MethodPatch, "/api/notifications/mark-read/"+mine.ID, "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign mark-read status = %d, want 404", rec.Code)
	}

	rec = s.do(t, http.MethodPatch, "/api/notifications/mark-read/"+mine.ID, "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("mark-read status = %d", rec.Code)
	}
	if n := decode[store.Notification](t, rec); n.Status != store.StatusRead || n.ReadAt == nil {
		t.Errorf("mark-read = %+v", n)
	}

	rec = s.do(t, http.MethodGet, "/api/notifications/user?unread_only=true", "u1", "")
	if rows := decode[[]store.Notification](t, rec); len(rows) != 0 {
		t.Errorf("unread after mark-read = %d", len(rows))
	}

	rec = s.do(t, http.MethodPatch, "/api/notifications/mark-all-read", "u2", "")
	if got := decode[map[string]any](t, rec); got["updated"] != float64(1) {
		t.Errorf("mark-all-read = %v, want updated 1", got)
	}

	if rec := s.do(t, http.MethodDelete, "/api/notifications/"+mine.ID, "u1", ""); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/notifications/"+mine.ID, "u1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestNotifications_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown recipient type", `{"title":"t","message":"m","recipient_type":"team"}`},
		{"role without id", `{"title":"t","message":"m","recipient_type":"role"}`},
		{"missing message", `{"title":"t","recipient_type":"all"}`},
		{"bad priority", `{"title":"t","message":"m","recipient_type":"all","priority":"asap"}`},
		{"in-app disabled", `{"title":"t","message":"m","recipient_type":"all","channels":{"in_app":false}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/notifications/system", "u1", tt.body)
			if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "VALIDATION_ERROR" {
				t.Errorf("status = %d code = %q, want 400 VALIDATION_ERROR", rec.Code, errorCode(t, rec))
			}
		})
	}

	rec := s.do(t, http.MethodGet, "/api/notifications/user?unread_only=maybe", "u1", "")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "VALIDATION_ERROR" {
		t.Errorf("unread_only=maybe status = %d, want 400 VALIDATION_ERROR", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/notifications/whatsapp", "u1", `{"message":"m","phone_number":"+966500000001"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("whatsapp without provider status = %d, want 503", rec.Code)
	}
}

func TestWebhooks(t *testing.T) {
	s := newTestServer(t)

	t.Run("handshake", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/webhooks/meta?hub.mode=subscribe&hub.verify_token="+testVerify+"&hub.challenge=42", "", "")
		if rec.Code != http.StatusOK || rec.Body.String() != "42" {
			t.Errorf("handshake = %d %q", rec.Code, rec.Body)
		}
		rec = s.do(t, http.MethodGet, "/api/webhooks/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", "")
		if rec.Code != http.StatusForbidden {
			t.Errorf("wrong token status = %d, want 403", rec.Code)
		}
		rec = s.do(t, http.MethodGet, "/api/webhooks/sms?hub.mode=subscribe", "", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("unknown provider status = %d, want 404", rec.Code)
		}
	})

	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.unknown","status":"delivered","timestamp":"1767225600"}]}}]}]}`
	sig := "sha256=" + hex.EncodeToString(meta.Sign(testAppSecret, []byte(body)))

	t.Run("unsigned", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/webhooks/meta", "", body)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("signed unknown message", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/webhooks/meta", "", body, meta.SignatureHeader, sig)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if res := decode[webhook.Result](t, rec); res.Unknown != 1 || res.Applied != 0 {
			t.Errorf("result = %+v, want 1 unknown", res)
		}
	})

	t.Run("signed recent unknown message", func(t *testing.T) {
		recent := strings.Replace(body, "1767225600", strconv.FormatInt(time.Now().Unix(), 10), 1)
		recentSig := "sha256=" + hex.EncodeToString(meta.Sign(testAppSecret, []byte(recent)))
		rec := s.do(t, http.MethodPost, "/api/webhooks/meta", "", recent, meta.SignatureHeader, recentSig)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503 (%s)", rec.Code, rec.Body)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After not set")
		}
		if got := errorCode(t, rec); got != "RETRY_LATER" {
			t.Errorf("error code = %q, want RETRY_LATER", got)
		}
	})

	t.Run("signed malformed", func(t *testing.T) {
		bad := `{"entry":`
		badSig := "sha256=" + hex.EncodeToString(meta.Sign(testAppSecret, []byte(bad)))
		rec := s.do(t, http.MethodPost, "/api/webhooks/meta", "", bad, meta.SignatureHeader, badSig)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/", "/health", "/health/db", "/health/push", "/health/metrics"} {
		rec := s.do(t, http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestStream_ReplayAndLive(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	// One unread row exists before the client connects.
	rec := s.do(t, http.MethodPost, "/api/notifications/system", "u3",
		`{"title":"Before","message":"queued","recipient_type":"user","recipient_id":"u1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/notifications/stream?access_token="+token(t, "u1"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := make(chan [2]string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		var name string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{name, strings.TrimPrefix(line, "data: ")}
			}
		}
		close(events)
	}()

	next := func() (string, string) {
		t.Helper()
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed early")
			}
			return ev[0], ev[1]
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return "", ""
	}

	if name, _ := next(); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}
	name, data := next()
	if name != "recent_notifications" {
		t.Fatalf("second event = %q, want recent_notifications", name)
	}
	var replay []store.Notification
	if err := json.Unmarshal([]byte(data), &replay); err != nil || len(replay) != 1 || replay[0].Title != "Before" {
		t.Fatalf("replay = %s (%v)", data, err)
	}

	// The connection registers before the connected frame is written.
	if !s.hub.Connected("u1") {
		t.Fatal("u1 not registered after replay")
	}
	s.do(t, http.MethodPost, "/api/notifications/system", "u3",
		`{"title":"Live","message":"now","recipient_type":"user","recipient_id":"u1"}`)

	name, data = next()
	if name != "notification" {
		t.Fatalf("third event = %q, want notification", name)
	}
	var live store.Notification
	if err := json.Unmarshal([]byte(data), &live); err != nil || live.Title != "Live" || live.Seq <= replay[0].Seq {
		t.Errorf("live = %s (%v)", data, err)
	}
}
