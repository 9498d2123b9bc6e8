package console

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/hitlwatch/internal/ledger"
)

const separator = "──────────────────────────────────────────────────────────────────"

// Tally counts the safety-relevant events of a chain.
type Tally struct {
	Total      int `json:"total"`
	Requests   int `json:"requests"`
	Approved   int `json:"approved"`
	Denied     int `json:"denied"`
	Cancelled  int `json:"cancelled"`
	Stale      int `json:"stale_dropped"`
	SafeMode   int `json:"safe_mode"`
	Resets     int `json:"resets"`
	Disconnect int `json:"connection_errors"`
	Violations int `json:"integrity_violations"`
}

// Count tallies entries.
func Count(entries []ledger.Entry[Event]) Tally {
	var t Tally
	for _, e := range entries {
		t.Total++
		switch e.Data.Kind {
		case KindAuthRequest:
			t.Requests++
		case KindAuthDecision:
			switch e.Data.Decision {
			case "APPROVED":
				t.Approved++
			case "DENIED":
				t.Denied++
			case "CANCELLED":
				t.Cancelled++
			}
		case KindAuthStaleDropped:
			t.Stale += len(e.Data.RequestIDs)
		case KindSafeModeActive:
			t.SafeMode++
		case KindSessionReset:
			t.Resets++
		case KindConnection:
			if e.Data.Status == "error" {
				t.Disconnect++
			}
		case KindIntegrityViolation:
			t.Violations++
		}
	}
	return t
}

// FormatTimeline renders entries as a human-readable text timeline.
func FormatTimeline(entries []ledger.Entry[Event]) string {
	if len(entries) == 0 {
		return "Ledger: no entries found.\n"
	}

	var b strings.Builder

	first, last := entries[0].Data, entries[len(entries)-1].Data
	b.WriteString(fmt.Sprintf("Session: %s | %s–%s UTC\n",
		first.SessionID, formatDateRange(first), formatTimeOnly(last)))
	b.WriteString(separator + "\n")

	for _, e := range entries {
		b.WriteString(fmt.Sprintf("%-6d %-10s %-20s %-14s %s\n",
			e.Sequence, formatTimeOnly(e.Data), e.Data.Kind, truncate(e.Data.RequestID, 14), describe(e.Data)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatTally(Count(entries)))
	return b.String()
}

// FormatJSON renders entries as indented JSON.
func FormatJSON(entries []ledger.Entry[Event]) (string, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal entries: %w", err)
	}
	return string(data), nil
}

func describe(e Event) string {
	switch e.Kind {
	case KindSessionStart:
		return truncate("peer "+e.PeerURL, 40)
	case KindAuthRequest:
		return fmt.Sprintf("%s %s risk=%s timeout=%ds", e.ActionType, e.EntityID, e.RiskEstimate, e.TimeoutSec)
	case KindAuthDecision:
		if e.Reason != "" {
			return e.Decision + " (" + e.Reason + ")"
		}
		return e.Decision
	case KindAuthAck:
		if e.Accepted != nil && !*e.Accepted {
			return "rejected: " + e.Reason
		}
		return "accepted"
	case KindAuthStaleDropped, KindSessionReset:
		return truncate(strings.Join(e.RequestIDs, ","), 40)
	case KindConnection:
		if e.Reason != "" {
			return e.Status + ": " + truncate(e.Reason, 30)
		}
		return e.Status
	case KindInstructorControl:
		return e.Command
	default:
		return truncate(e.Reason, 40)
	}
}

func formatDateRange(e Event) string {
	t := e.Time()
	if t.IsZero() {
		return e.Timestamp
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(e Event) string {
	t := e.Time()
	if t.IsZero() {
		return e.Timestamp
	}
	return t.Format("15:04:05")
}

func formatTally(t Tally) string {
	parts := []string{fmt.Sprintf("%d entries", t.Total)}
	if t.Requests > 0 {
		parts = append(parts, fmt.Sprintf("%d requests", t.Requests))
	}
	if t.Approved > 0 {
		parts = append(parts, fmt.Sprintf("%d approved", t.Approved))
	}
	if t.Denied > 0 {
		parts = append(parts, fmt.Sprintf("%d denied", t.Denied))
	}
	if t.Cancelled > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", t.Cancelled))
	}
	if t.Stale > 0 {
		parts = append(parts, fmt.Sprintf("%d stale", t.Stale))
	}
	if t.SafeMode > 0 {
		parts = append(parts, fmt.Sprintf("%d safe-mode", t.SafeMode))
	}
	if t.Violations > 0 {
		parts = append(parts, fmt.Sprintf("%d integrity violations", t.Violations))
	}
	return "Summary: " + strings.Join(parts, ", ") + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
