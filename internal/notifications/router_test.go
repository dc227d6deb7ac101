package notifications

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/push"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
	"github.com/modplast83/Modern-MPS--sub001/internal/store/sqlite"
)

type recorder struct {
	mu         sync.Mutex
	published  []store.Notification
	dispatched []store.Notification
}

func (r *recorder) Publish(_ context.Context, n store.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, n)
}

func (r *recorder) Dispatch(n store.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, n)
}

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func setupRouter(t *testing.T) (*Router, *sqlite.Store, *recorder) {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	users := []store.User{
		{ID: "u1", RoleID: "5", Phone: "+966500000001", Active: true, CreatedAt: t0.Add(-time.Hour)},
		{ID: "u2", RoleID: "5", Active: true, CreatedAt: t0.Add(-time.Hour)},
		{ID: "u3", RoleID: "7", Phone: "+966500000003", Active: true, CreatedAt: t0.Add(-time.Hour)},
	}
	for _, u := range users {
		if err := st.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser() error = %v", err)
		}
	}

	rec := &recorder{}
	r := NewRouter(st, rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return t0 }
	return r, st, rec
}

func TestCreate_RoleSnapshot(t *testing.T) {
	r, st, rec := setupRouter(t)
	ctx := context.Background()

	rows, err := r.Create(ctx, Request{
		Title:      "Shift change",
		Message:    "Line 2 starts at 14:00",
		Recipients: []Recipient{{Kind: RecipientRole, ID: "5"}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	for _, n := range rows {
		if n.Channel != store.ChannelInApp || n.Status != store.StatusSent || n.SentAt == nil {
			t.Errorf("row %+v, want in_app sent", n)
		}
		if n.Type != defaultType || n.Priority != store.PriorityNormal {
			t.Errorf("defaults not applied: type=%s priority=%s", n.Type, n.Priority)
		}
	}
	if len(rec.published) != 2 || len(rec.dispatched) != 0 {
		t.Errorf("published=%d dispatched=%d, want 2 and 0", len(rec.published), len(rec.dispatched))
	}
	if rec.published[0].Seq >= rec.published[1].Seq {
		t.Error("rows not published in seq order")
	}

	// A user joining the role later is not part of the earlier snapshot.
	if err := st.UpsertUser(ctx, store.User{ID: "u9", RoleID: "5", Active: true, CreatedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	late, err := r.ListForUser(ctx, "u9", false, 10)
	if err != nil {
		t.Fatalf("ListForUser() error = %v", err)
	}
	if len(late) != 0 {
		t.Errorf("late user has %d notifications, want 0", len(late))
	}
}

func TestCreate_External(t *testing.T) {
	r, _, rec := setupRouter(t)

	rows, err := r.Create(context.Background(), Request{
		Title:      "Press 4 overheating",
		Message:    "Temperature 240C",
		Priority:   store.PriorityUrgent,
		Recipients: []Recipient{{Kind: RecipientRole, ID: "5"}, {Kind: RecipientUser, ID: "u1"}},
		External:   true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2 (user listed twice resolves once)", len(rows))
	}

	byUser := map[string]store.Notification{}
	for _, n := range rows {
		byUser[n.RecipientID] = n
	}
	if n := byUser["u1"]; n.Channel != store.ChannelExternal || n.Status != store.StatusPending || n.Destination != "+966500000001" {
		t.Errorf("u1 row = %+v, want external pending to phone", n)
	}
	if n := byUser["u2"]; n.Channel != store.ChannelInApp || n.Status != store.StatusSent {
		t.Errorf("u2 row = %+v, want in_app fallback without phone", n)
	}
	if len(rec.dispatched) != 1 || rec.dispatched[0].RecipientID != "u1" {
		t.Errorf("dispatched = %+v, want only u1", rec.dispatched)
	}
}

func TestCreate_AllAndEmpty(t *testing.T) {
	r, _, _ := setupRouter(t)
	ctx := context.Background()

	rows, err := r.Create(ctx, Request{Title: "Plant closed", Message: "Holiday", Recipients: []Recipient{{Kind: RecipientAll}}})
	if err != nil {
		t.Fatalf("Create(all) error = %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("Create(all) = %d rows, want 3", len(rows))
	}

	rows, err = r.Create(ctx, Request{Title: "x", Message: "y", Recipients: []Recipient{{Kind: RecipientRole, ID: "404"}}})
	if err != nil {
		t.Fatalf("Create(empty role) error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Create(empty role) = %d rows, want 0", len(rows))
	}
}

func TestCreate_Validation(t *testing.T) {
	r, _, _ := setupRouter(t)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing title", Request{Message: "m", Recipients: []Recipient{{Kind: RecipientAll}}}, "title"},
		{"missing message", Request{Title: "t", Recipients: []Recipient{{Kind: RecipientAll}}}, "message"},
		{"no recipients", Request{Title: "t", Message: "m"}, "recipient_type"},
		{"user without id", Request{Title: "t", Message: "m", Recipients: []Recipient{{Kind: RecipientUser}}}, "recipient_id"},
		{"role without id", Request{Title: "t", Message: "m", Recipients: []Recipient{{Kind: RecipientRole, ID: " "}}}, "recipient_id"},
		{"unknown kind", Request{Title: "t", Message: "m", Recipients: []Recipient{{Kind: "team", ID: "1"}}}, "recipient_type"},
		{"bad priority", Request{Title: "t", Message: "m", Priority: "asap", Recipients: []Recipient{{Kind: RecipientAll}}}, "priority"},
		{"title too long", Request{Title: strings.Repeat("x", maxTitleLen+1), Message: "m", Recipients: []Recipient{{Kind: RecipientAll}}}, "title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(context.Background(), tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Create() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestCreate_ConcurrentRowsReachHubInSeqOrder(t *testing.T) {
	r, _, _ := setupRouter(t)
	hub := push.NewHub(256)
	r.publisher = hub
	conn := hub.Register("u2")
	defer hub.Unregister(conn)

	const creators = 32
	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(context.Background(), Request{
				Title:      "Batch",
				Message:    "Batch " + string(rune('A'+i%26)),
				Recipients: []Recipient{{Kind: RecipientUser, ID: "u2"}},
			})
			if err != nil {
				t.Errorf("Create() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got := conn.Drain()
	if len(got) != creators {
		t.Fatalf("drained %d rows, want %d", len(got), creators)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("row %d seq %d after seq %d, want increasing", i, got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestMarkRead_PublishesOnce(t *testing.T) {
	r, _, rec := setupRouter(t)
	ctx := context.Background()

	rows, err := r.Create(ctx, Request{Title: "t", Message: "m", Recipients: []Recipient{{Kind: RecipientUser, ID: "u2"}}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	before := len(rec.published)

	n, err := r.MarkRead(ctx, "u2", rows[0].ID)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if n.Status != store.StatusRead || n.ReadAt == nil {
		t.Errorf("MarkRead() = %+v", n)
	}
	if _, err := r.MarkRead(ctx, "u2", rows[0].ID); err != nil {
		t.Fatalf("second MarkRead() error = %v", err)
	}
	if got := len(rec.published) - before; got != 1 {
		t.Errorf("published %d updates, want 1", got)
	}

	if _, err := r.MarkRead(ctx, "u1", rows[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkRead() by another user error = %v, want ErrNotFound", err)
	}
}

func TestMarkRead_PendingExternalStaysDispatchable(t *testing.T) {
	r, st, rec := setupRouter(t)
	ctx := context.Background()

	rows, err := r.Create(ctx, Request{
		Title: "Press 4 overheating", Message: "Temperature 240C",
		Recipients: []Recipient{{Kind: RecipientUser, ID: "u1"}},
		External:   true,
	})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Create() = %v, %v", rows, err)
	}
	before := len(rec.published)

	n, err := r.MarkRead(ctx, "u1", rows[0].ID)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if n.Status != store.StatusPending || n.ReadAt != nil || n.DeliveredAt != nil {
		t.Errorf("MarkRead() = %+v, want the pending row unchanged", n)
	}
	if count, err := r.MarkAllRead(ctx, "u1"); err != nil || count != 0 {
		t.Errorf("MarkAllRead() = %d, %v; want 0", count, err)
	}
	if got := len(rec.published) - before; got != 0 {
		t.Errorf("published %d updates for a no-op read", got)
	}
	if _, ok, err := st.ClaimForDispatch(ctx, n.ID, time.Minute, t0.Add(time.Minute)); err != nil || !ok {
		t.Errorf("ClaimForDispatch() ok=%v err=%v, want the send to proceed", ok, err)
	}
}

func TestMarkAllReadAndDelete(t *testing.T) {
	r, _, _ := setupRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Create(ctx, Request{Title: "t", Message: "m", Recipients: []Recipient{{Kind: RecipientUser, ID: "u3"}}}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	unread, err := r.ListForUser(ctx, "u3", true, 0)
	if err != nil || len(unread) != 3 {
		t.Fatalf("ListForUser(unread) = %d rows, err %v; want 3", len(unread), err)
	}

	count, err := r.MarkAllRead(ctx, "u3")
	if err != nil || count != 3 {
		t.Fatalf("MarkAllRead() = %d, %v; want 3", count, err)
	}
	unread, _ = r.ListForUser(ctx, "u3", true, 0)
	if len(unread) != 0 {
		t.Errorf("unread after MarkAllRead = %d", len(unread))
	}

	all, _ := r.ListForUser(ctx, "u3", false, 0)
	if err := r.Delete(ctx, "u3", all[0].ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := r.Delete(ctx, "u3", all[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestNotifyAlert(t *testing.T) {
	r, _, rec := setupRouter(t)
	ctx := context.Background()

	alert := store.Alert{
		ID:          "a1",
		Title:       "Raw material low",
		Message:     "PE granules below 2t",
		Severity:    store.SeverityMedium,
		Source:      "warehouse",
		Occurrences: 1,
		Target:      store.Audience{Users: []string{"u1"}},
	}
	if err := r.NotifyAlert(ctx, alert, false); err != nil {
		t.Fatalf("NotifyAlert() error = %v", err)
	}
	if len(rec.dispatched) != 0 {
		t.Errorf("medium alert dispatched externally")
	}
	first := rec.published[len(rec.published)-1]
	if first.Type != alertType || first.Priority != store.PriorityNormal || first.AlertID != "a1" {
		t.Errorf("alert row = %+v", first)
	}

	alert.Severity = store.SeverityCritical
	alert.Occurrences = 3
	if err := r.NotifyAlert(ctx, alert, true); err != nil {
		t.Fatalf("NotifyAlert(escalated) error = %v", err)
	}
	if len(rec.dispatched) != 1 {
		t.Fatalf("critical alert dispatched %d times, want 1", len(rec.dispatched))
	}
	got := rec.dispatched[0]
	if !strings.HasPrefix(got.Title, escalatedPrefix) || got.Priority != store.PriorityUrgent {
		t.Errorf("escalated row = %+v", got)
	}
	if !strings.Contains(got.Message, "3 occurrences") {
		t.Errorf("Message = %q, want occurrence count", got.Message)
	}

	if err := r.NotifyAlert(ctx, store.Alert{ID: "a2", Title: "x"}, false); err != nil {
		t.Errorf("NotifyAlert(no audience) error = %v", err)
	}
}

func TestSendDirect(t *testing.T) {
	r, _, rec := setupRouter(t)
	ctx := context.Background()

	n, err := r.SendDirect(ctx, DirectRequest{Title: "Pickup", Message: "Order 771 ready", Phone: "+966 50-000-0009"})
	if err != nil {
		t.Fatalf("SendDirect() error = %v", err)
	}
	if n.Destination != "+966500000009" || n.Channel != store.ChannelExternal || n.Status != store.StatusPending {
		t.Errorf("SendDirect() = %+v", n)
	}
	if len(rec.dispatched) != 1 {
		t.Errorf("dispatched = %d, want 1", len(rec.dispatched))
	}
	if len(rec.published) != 0 {
		t.Errorf("row without recipient was published")
	}

	tests := []struct {
		name  string
		req   DirectRequest
		field string
	}{
		{"no message", DirectRequest{Phone: "+966500000009"}, "message"},
		{"bad phone", DirectRequest{Message: "m", Phone: "12ab"}, "phone_number"},
		{"short phone", DirectRequest{Message: "m", Phone: "+1234"}, "phone_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.SendDirect(ctx, tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("SendDirect() error = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
}
