package store

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Notification status
// --------------------------------------------------------------------------

// Status is a notification delivery status. The main chain is totally
// ordered pending < sent < delivered < read; failed is a side branch that can
// only be entered from pending or sent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Rank returns the position of s on the main chain. Failed has no rank and
// returns -1.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// CanTransition reports whether a row in status from may move to status to.
// Equal statuses are not a transition, which makes duplicate callbacks no-ops.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return from == StatusPending || from == StatusSent
	}
	if from == StatusFailed || to.Rank() < 0 {
		return false
	}
	return to.Rank() > from.Rank()
}

// Predecessors lists the statuses from which to is reachable. Backends use it
// to build the guard of conditional UPDATE statements so that the check and
// the write happen in one statement.
func Predecessors(to Status) []Status {
	all := []Status{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed}
	var out []Status
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Alert severity
// --------------------------------------------------------------------------

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity normalizes user input ("HIGH", " warning ") to a Severity.
// "warning" and "info" are accepted as aliases used by some producers.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low", "info":
		return SeverityLow, nil
	case "medium", "warning":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", v)
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
