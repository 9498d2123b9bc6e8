package console

import (
	"time"

	"github.com/ppiankov/hitlwatch/internal/ledger"
)

// TimestampFormat is the layout used in ledger event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Ledger event kinds.
const (
	KindSessionStart       = "session_start"
	KindAuthRequest        = "auth_request"
	KindAuthDecision       = "auth_decision"
	KindAuthAck            = "auth_ack"
	KindAuthStaleDropped   = "auth_stale_dropped"
	KindSafeModeActive     = "safe_mode_active"
	KindSafeModeCleared    = "safe_mode_cleared"
	KindSessionReset       = "session_reset"
	KindConnection         = "connection"
	KindInstructorControl  = "instructor_control"
	KindIntegrityViolation = "integrity_violation"
)

// Event is one ledger record. All fields are scalars or slices (no maps) so
// json.Marshal output is deterministic and the chain hash is reproducible.
type Event struct {
	Timestamp      string   `json:"ts"`
	Kind           string   `json:"kind"`
	SessionID      string   `json:"session_id"`
	RequestID      string   `json:"request_id,omitempty"`
	EntityID       string   `json:"entity_id,omitempty"`
	ActionType     string   `json:"action_type,omitempty"`
	TargetID       string   `json:"target_id,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	RiskEstimate   string   `json:"risk_estimate,omitempty"`
	CollateralRisk string   `json:"collateral_risk,omitempty"`
	TimeoutSec     uint32   `json:"timeout_sec,omitempty"`
	Decision       string   `json:"decision,omitempty"`
	Rationale      string   `json:"rationale,omitempty"`
	Conditions     []string `json:"conditions,omitempty"`
	Accepted       *bool    `json:"accepted,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Status         string   `json:"status,omitempty"`
	Command        string   `json:"command,omitempty"`
	RequestIDs     []string `json:"request_ids,omitempty"`
	PeerURL        string   `json:"peer_url,omitempty"`
	Version        string   `json:"version,omitempty"`
}

// Time parses the event timestamp. Unparseable timestamps yield the zero time.
func (e Event) Time() time.Time {
	t, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func stamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// SessionMeta describes the console session recorded in the genesis entry.
type SessionMeta struct {
	SessionID string
	PeerURL   string
	Version   string
	Started   time.Time
}

// NewLedger creates the session ledger with a session_start genesis entry.
func NewLedger(meta SessionMeta, cfg ledger.Config) (*ledger.Ledger[Event], error) {
	started := meta.Started
	if started.IsZero() {
		started = time.Now()
	}
	return ledger.New(Event{
		Timestamp: stamp(started),
		Kind:      KindSessionStart,
		SessionID: meta.SessionID,
		PeerURL:   meta.PeerURL,
		Version:   meta.Version,
	}, cfg)
}
