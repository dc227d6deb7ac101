package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// NotifyAlert fans an alert out to its target audience. It is called by the
// alert intake for new alerts and severity escalations.
func (r *Router) NotifyAlert(ctx context.Context, a store.Alert, escalated bool) error {
	if a.Target.Empty() {
		r.logger.Info("Alert has no audience", "alert_id", a.ID)
		return nil
	}

	title := a.Title
	if escalated {
		title = escalatedPrefix + title
	}

	_, err := r.Create(ctx, Request{
		Title:      title,
		Message:    buildMessage(a),
		Type:       alertType,
		Priority:   priorityFor(a.Severity),
		Recipients: recipientsFor(a.Target),
		External:   a.Severity.Rank() >= r.externalMinSeverity.Rank(),
		AlertID:    a.ID,
	})
	if err != nil {
		return fmt.Errorf("notify alert %s: %w", a.ID, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func recipientsFor(t store.Audience) []Recipient {
	if t.All {
		return []Recipient{{Kind: RecipientAll}}
	}
	out := make([]Recipient, 0, len(t.Users)+len(t.Roles))
	for _, id := range t.Users {
		out = append(out, Recipient{Kind: RecipientUser, ID: id})
	}
	for _, id := range t.Roles {
		out = append(out, Recipient{Kind: RecipientRole, ID: id})
	}
	return out
}

func priorityFor(s store.Severity) store.Priority {
	switch s {
	case store.SeverityCritical:
		return store.PriorityUrgent
	case store.SeverityHigh:
		return store.PriorityHigh
	case store.SeverityLow:
		return store.PriorityLow
	default:
		return store.PriorityNormal
	}
}

func buildMessage(a store.Alert) string {
	var b strings.Builder
	if a.Message != "" {
		b.WriteString(a.Message)
	} else {
		b.WriteString(a.Title)
	}
	fmt.Fprintf(&b, " [%s", a.Severity)
	if a.Source != "" {
		fmt.Fprintf(&b, ", %s", a.Source)
	}
	if a.Occurrences > 1 {
		fmt.Fprintf(&b, ", %d occurrences", a.Occurrences)
	}
	b.WriteString("]")
	return b.String()
}
