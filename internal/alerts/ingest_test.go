package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
	"github.com/modplast83/Modern-MPS--sub001/internal/store/sqlite"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

type notifyCall struct {
	alertID   string
	severity  store.Severity
	escalated bool
}

func (f *fakeNotifier) NotifyAlert(_ context.Context, a store.Alert, escalated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{alertID: a.ID, severity: a.Severity, escalated: escalated})
	return nil
}

func (f *fakeNotifier) snapshot() []notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifyCall(nil), f.calls...)
}

func setupIngest(t *testing.T) (*Ingest, *fakeNotifier) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	in := New(st, NewLocalLocker(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	n := &fakeNotifier{}
	in.SetNotifier(n)
	return in, n
}

func machineStopped(severity string) Event {
	return Event{
		Type:     "production",
		Category: "machine",
		Source:   "extruder",
		SourceID: "12",
		Title:    "Machine stopped",
		Severity: severity,
		Target:   store.Audience{Roles: []string{"5"}},
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("production", "machine", "extruder", "12")
	b := Fingerprint(" Production", "MACHINE", "extruder ", "12")
	c := Fingerprint("production", "machine", "extruder", "13")
	d := Fingerprint("production", "machinee", "xtruder", "12")

	if a != b {
		t.Error("fingerprint should ignore case and surrounding space")
	}
	if a == c || a == d {
		t.Error("distinct conditions share a fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("len(fingerprint) = %d, want 64", len(a))
	}
}

func TestSubmit_Concurrent(t *testing.T) {
	in, n := setupIngest(t)
	ctx := context.Background()
	const events = 40

	var wg sync.WaitGroup
	ids := make(chan string, events)
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := in.Submit(ctx, machineStopped("high"))
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			ids <- res.Alert.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("got %d distinct alert ids, want 1", len(seen))
	}

	alerts, err := in.List(ctx, store.AlertFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(alerts))
	}
	if alerts[0].Occurrences != events {
		t.Errorf("Occurrences = %d, want %d", alerts[0].Occurrences, events)
	}
	if calls := n.snapshot(); len(calls) != 1 {
		t.Errorf("notifier called %d times, want 1", len(calls))
	}
}

func TestSubmit_Escalation(t *testing.T) {
	in, n := setupIngest(t)
	ctx := context.Background()

	steps := []struct {
		severity      string
		wantCreated   bool
		wantEscalated bool
		wantSeverity  store.Severity
	}{
		{"medium", true, false, store.SeverityMedium},
		{"low", false, false, store.SeverityMedium},
		{"critical", false, true, store.SeverityCritical},
		{"critical", false, false, store.SeverityCritical},
		{"high", false, false, store.SeverityCritical},
	}

	for i, step := range steps {
		res, err := in.Submit(ctx, machineStopped(step.severity))
		if err != nil {
			t.Fatalf("step %d: Submit() error = %v", i, err)
		}
		if res.Created != step.wantCreated || res.Escalated != step.wantEscalated {
			t.Errorf("step %d: created=%v escalated=%v, want %v %v",
				i, res.Created, res.Escalated, step.wantCreated, step.wantEscalated)
		}
		if res.Alert.Severity != step.wantSeverity {
			t.Errorf("step %d: severity = %s, want %s", i, res.Alert.Severity, step.wantSeverity)
		}
	}

	calls := n.snapshot()
	if len(calls) != 2 {
		t.Fatalf("notifier called %d times, want 2 (create + escalation)", len(calls))
	}
	if calls[0].escalated || !calls[1].escalated || calls[1].severity != store.SeverityCritical {
		t.Errorf("notifier calls = %+v", calls)
	}
}

func TestResolveDismiss_Idempotent(t *testing.T) {
	in, _ := setupIngest(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return base }

	res, err := in.Submit(ctx, machineStopped("high"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	first, err := in.Resolve(ctx, res.Alert.ID, "u1", " belt replaced ")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.ResolutionNotes != "belt replaced" {
		t.Errorf("ResolutionNotes = %q", first.ResolutionNotes)
	}

	in.now = func() time.Time { return base.Add(time.Hour) }
	second, err := in.Resolve(ctx, res.Alert.ID, "u2", "")
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if !second.ResolvedAt.Equal(*first.ResolvedAt) || second.ResolvedBy != "u1" {
		t.Errorf("second Resolve() changed the alert: %+v", second)
	}

	dismissed, err := in.Dismiss(ctx, res.Alert.ID, "u3")
	if err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	if dismissed.Status != store.AlertResolved || dismissed.DismissedAt != nil {
		t.Errorf("Dismiss() on resolved alert = %+v", dismissed)
	}

	if _, err := in.Resolve(ctx, "missing", "u1", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Resolve(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := in.Dismiss(ctx, "missing", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Dismiss(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	in, _ := setupIngest(t)

	tests := []struct {
		name  string
		mod   func(*Event)
		field string
	}{
		{"missing type", func(e *Event) { e.Type = " " }, "type"},
		{"missing title", func(e *Event) { e.Title = "" }, "title"},
		{"bad severity", func(e *Event) { e.Severity = "catastrophic" }, "severity"},
		{"action without label", func(e *Event) { e.SuggestedActions = []store.Action{{Action: "/x"}} }, "suggested_actions[0].label"},
		{"bad context", func(e *Event) { e.Context = []byte("{") }, "context"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := machineStopped("high")
			tt.mod(&ev)
			_, err := in.Submit(context.Background(), ev)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Submit() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestSubmit_DefaultSeverityAndAliases(t *testing.T) {
	in, _ := setupIngest(t)
	ctx := context.Background()

	ev := machineStopped("")
	res, err := in.Submit(ctx, ev)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Alert.Severity != store.SeverityMedium {
		t.Errorf("default severity = %s, want medium", res.Alert.Severity)
	}

	ev = machineStopped("INFO")
	ev.SourceID = "99"
	res, err = in.Submit(ctx, ev)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Alert.Severity != store.SeverityLow {
		t.Errorf("alias severity = %s, want low", res.Alert.Severity)
	}
}

func TestRaise(t *testing.T) {
	in, n := setupIngest(t)
	ctx := context.Background()

	in.Raise(ctx, "circuit", "meta", "WhatsApp provider unavailable", "circuit open")
	in.Raise(ctx, "circuit", "meta", "WhatsApp provider unavailable", "circuit open")

	alerts, err := in.List(ctx, store.AlertFilter{Type: "messaging"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(alerts) != 1 || alerts[0].Occurrences != 2 || alerts[0].Severity != store.SeverityLow {
		t.Errorf("messaging alerts = %+v", alerts)
	}
	if len(n.snapshot()) != 1 {
		t.Errorf("notifier called %d times, want 1", len(n.snapshot()))
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Lock() error = %v, want deadline exceeded", err)
	}

	other, err := l.Lock(ctx, "other")
	if err != nil {
		t.Fatalf("Lock(other) error = %v", err)
	}
	other()

	unlock()
	unlock()
	if l.size() != 0 {
		t.Errorf("size() = %d after release, want 0", l.size())
	}

	again, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	again()
}
