package alert

// Event types raised by the console.
const (
	TypeAuthTimeout        = "auth_timeout"
	TypeSafeMode           = "safe_mode"
	TypeIntegrityViolation = "integrity_violation"
	TypeConnectionLost     = "connection_lost"
	TypeBinaryTamper       = "binary_tamper"
)

// Severity levels, lowest first.
const (
	SeverityInfo = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["auth_timeout", "integrity_violation"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason"`
	Severity  int    `json:"severity"`
}
