package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	request := event.RequestID
	if request == "" {
		request = "-"
	}
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("hitlwatch: %s", event.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Session:* %s", event.SessionID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Request:* %s", request)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", severityLabel(event.Severity))},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.SessionID + ":" + event.Type + ":" + event.RequestID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("hitlwatch %s: %s", event.Type, event.Reason),
			"severity": severityLabel(event.Severity),
			"source":   "hitlwatch",
			"custom_details": map[string]any{
				"session_id": event.SessionID,
				"request_id": event.RequestID,
				"reason":     event.Reason,
				"timestamp":  event.Timestamp,
			},
		},
	}
	return json.Marshal(payload)
}

// severityLabel uses the PagerDuty severity vocabulary.
func severityLabel(s int) string {
	switch {
	case s >= SeverityCritical:
		return "critical"
	case s == SeverityError:
		return "error"
	case s == SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
