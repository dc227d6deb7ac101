// Package alerts folds raw condition events into deduplicated alerts and
// hands new or escalated alerts to the notification router.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// Event is one raw condition report from a producer.
type Event struct {
	Type             string          `json:"type"`
	Category         string          `json:"category"`
	Source           string          `json:"source"`
	SourceID         string          `json:"source_id"`
	Title            string          `json:"title"`
	Message          string          `json:"message"`
	Severity         string          `json:"severity"`
	Target           store.Audience  `json:"target"`
	SuggestedActions []store.Action  `json:"suggested_actions"`
	Context          json.RawMessage `json:"context,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// SubmitResult reports what Submit did with an event.
type SubmitResult struct {
	Alert     store.Alert `json:"alert"`
	Created   bool        `json:"created"`
	Escalated bool        `json:"escalated"`
}

// ValidationError is returned for malformed events.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Notifier receives alerts that need notifications: newly created ones and
// ones whose severity was raised.
type Notifier interface {
	NotifyAlert(ctx context.Context, a store.Alert, escalated bool) error
}

// Ingest is the alert intake. It is safe for concurrent use.
type Ingest struct {
	store    store.AlertStore
	locker   Locker
	notifier Notifier
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

func New(st store.AlertStore, locker Locker, logger *slog.Logger) *Ingest {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Ingest{
		store:  st,
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
}

// SetNotifier wires the router. The router itself depends on components that
// raise alerts, so it is attached after construction.
func (in *Ingest) SetNotifier(n Notifier) {
	in.notifier = n
}

func (in *Ingest) SetMetrics(m *metrics.Collector) {
	in.metrics = m
}

// Submit validates ev and upserts it against the active alert with the same
// fingerprint.
func (in *Ingest) Submit(ctx context.Context, ev Event) (SubmitResult, error) {
	severity, err := validate(&ev)
	if err != nil {
		return SubmitResult{}, err
	}

	now := in.now().UTC()
	occurred := now
	if !ev.OccurredAt.IsZero() {
		occurred = ev.OccurredAt.UTC()
	}
	fp := Fingerprint(ev.Type, ev.Category, ev.Source, ev.SourceID)

	unlock, err := in.locker.Lock(ctx, fp)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("lock fingerprint: %w", err)
	}
	defer unlock()

	// Under the fingerprint lock the previous severity is stable, which is
	// what escalation detection compares against.
	var previous store.Severity
	current, err := in.store.GetActiveByFingerprint(ctx, fp)
	switch {
	case err == nil:
		previous = current.Severity
	case errors.Is(err, store.ErrNotFound):
	default:
		return SubmitResult{}, err
	}

	res, err := in.store.UpsertActive(ctx, store.Alert{
		ID:               uuid.NewString(),
		Fingerprint:      fp,
		Type:             ev.Type,
		Category:         ev.Category,
		Source:           ev.Source,
		SourceID:         ev.SourceID,
		Title:            ev.Title,
		Message:          ev.Message,
		Severity:         severity,
		FirstOccurrence:  occurred,
		LastOccurrence:   occurred,
		Target:           ev.Target,
		SuggestedActions: ev.SuggestedActions,
		Context:          ev.Context,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{
		Alert:     res.Alert,
		Created:   res.Created,
		Escalated: !res.Created && previous != "" && res.Alert.Severity.Rank() > previous.Rank(),
	}

	in.metrics.Inc(metrics.AlertsSubmitted)
	if out.Escalated {
		in.metrics.Inc(metrics.AlertsEscalated)
	}
	if out.Created {
		in.metrics.Inc(metrics.AlertsCreated)
		in.logger.Info("Alert created",
			"alert_id", out.Alert.ID, "type", out.Alert.Type, "severity", out.Alert.Severity)
	} else {
		in.logger.Debug("Alert occurrence folded",
			"alert_id", out.Alert.ID, "occurrences", out.Alert.Occurrences, "escalated", out.Escalated)
	}

	if (out.Created || out.Escalated) && in.notifier != nil {
		if err := in.notifier.NotifyAlert(ctx, out.Alert, out.Escalated); err != nil {
			// The alert is stored; a notification failure must not make the
			// producer retry and inflate occurrences.
			in.logger.Error("alert notification failed", "alert_id", out.Alert.ID, "error", err)
		}
	}
	return out, nil
}

// Resolve closes an active alert. Resolving a terminal alert returns it
// unchanged.
func (in *Ingest) Resolve(ctx context.Context, id, actor, notes string) (store.Alert, error) {
	a, err := in.store.ResolveAlert(ctx, id, actor, strings.TrimSpace(notes), in.now().UTC())
	if err != nil {
		return store.Alert{}, err
	}
	in.logger.Info("Alert resolved", "alert_id", id, "status", a.Status, "actor", actor)
	return a, nil
}

// Dismiss closes an active alert without resolution. Dismissing a terminal
// alert returns it unchanged.
func (in *Ingest) Dismiss(ctx context.Context, id, actor string) (store.Alert, error) {
	a, err := in.store.DismissAlert(ctx, id, actor, in.now().UTC())
	if err != nil {
		return store.Alert{}, err
	}
	in.logger.Info("Alert dismissed", "alert_id", id, "status", a.Status, "actor", actor)
	return a, nil
}

func (in *Ingest) Get(ctx context.Context, id string) (store.Alert, error) {
	return in.store.GetAlert(ctx, id)
}

func (in *Ingest) List(ctx context.Context, f store.AlertFilter) ([]store.Alert, error) {
	return in.store.ListAlerts(ctx, f)
}

func (in *Ingest) Stats(ctx context.Context) (store.AlertStats, error) {
	return in.store.AlertStats(ctx)
}

// Raise is the short form used by the messaging components to report their
// own health through the alert pipeline.
func (in *Ingest) Raise(ctx context.Context, category, source, title, message string) {
	_, err := in.Submit(ctx, Event{
		Type:     "messaging",
		Category: category,
		Source:   source,
		Title:    title,
		Message:  message,
		Severity: string(store.SeverityLow),
		Target:   store.Audience{Roles: []string{AdminRole}},
	})
	if err != nil {
		in.logger.Error("raise messaging alert failed", "source", source, "error", err)
	}
}

// AdminRole receives the engine's own messaging-health alerts.
const AdminRole = "1"

func validate(ev *Event) (store.Severity, error) {
	ev.Type = strings.TrimSpace(ev.Type)
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Type == "" {
		return "", &ValidationError{Field: "type", Reason: "required"}
	}
	if ev.Title == "" {
		return "", &ValidationError{Field: "title", Reason: "required"}
	}
	if ev.Severity == "" {
		ev.Severity = string(store.SeverityMedium)
	}
	severity, err := store.ParseSeverity(ev.Severity)
	if err != nil {
		return "", &ValidationError{Field: "severity", Reason: err.Error()}
	}
	for i, a := range ev.SuggestedActions {
		if strings.TrimSpace(a.Label) == "" {
			return "", &ValidationError{Field: fmt.Sprintf("suggested_actions[%d].label", i), Reason: "required"}
		}
	}
	if len(ev.Context) > 0 && !json.Valid(ev.Context) {
		return "", &ValidationError{Field: "context", Reason: "must be valid JSON"}
	}
	return severity, nil
}
