package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Kind is the payload type tag carried in payload.type.
type Kind string

const (
	KindHeartbeat         Kind = "HEARTBEAT"
	KindHeartbeatAck      Kind = "HEARTBEAT_ACK"
	KindAuthRequest       Kind = "AUTH_REQUEST"
	KindAuthResponse      Kind = "AUTH_RESPONSE"
	KindAuthResponseAck   Kind = "AUTH_RESPONSE_ACK"
	KindSafeModeActive    Kind = "SAFE_MODE_ACTIVE"
	KindSafeModeCleared   Kind = "SAFE_MODE_CLEARED"
	KindInstructorControl Kind = "INSTRUCTOR_CONTROL"
)

// Risk levels accepted for risk_estimate and collateral_risk.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// Authorization decisions carried by AUTH_RESPONSE.
const (
	DecisionApproved  = "APPROVED"
	DecisionDenied    = "DENIED"
	DecisionCancelled = "CANCELLED"
)

// actionToken matches action_type values such as WEAPONS_RELEASE.
var actionToken = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Payload is the closed set of payload kinds. Only types in this package implement it.
type Payload interface {
	Kind() Kind
	validate() error
}

// Heartbeat is the peer's liveness signal.
type Heartbeat struct {
	Seq uint64 `json:"seq"`
}

// HeartbeatAck echoes the heartbeat seq back to the peer.
type HeartbeatAck struct {
	Seq uint64 `json:"seq"`
}

// AuthRequest asks the operator to authorize a simulated action.
type AuthRequest struct {
	RequestID      string  `json:"request_id"`
	EntityID       string  `json:"entity_id"`
	ActionType     string  `json:"action_type"`
	TargetID       string  `json:"target_id,omitempty"`
	Confidence     float64 `json:"confidence"`
	RiskEstimate   string  `json:"risk_estimate"`
	CollateralRisk string  `json:"collateral_risk"`
	Rationale      string  `json:"rationale"`
	TimeoutSec     uint32  `json:"timeout_sec"`
}

// AuthResponse carries the operator (or timeout) outcome for one request.
type AuthResponse struct {
	RequestID  string   `json:"request_id"`
	Decision   string   `json:"decision"`
	Rationale  string   `json:"rationale,omitempty"`
	Conditions []string `json:"conditions"`
}

// AuthResponseAck confirms that the peer received an AUTH_RESPONSE.
type AuthResponseAck struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// SafeModeActive reports that the simulation halted autonomous actions.
type SafeModeActive struct {
	Reason    string `json:"reason"`
	CanResume bool   `json:"can_resume"`
}

// SafeModeCleared reports that the simulation left safe mode.
type SafeModeCleared struct {
	Reason string `json:"reason,omitempty"`
}

// InstructorControl is forwarded verbatim from the operator UI. Params are
// flattened next to command on the wire.
type InstructorControl struct {
	Command string
	Params  map[string]any
}

// Unknown holds any payload kind this core does not interpret. Raw is the
// full payload object including its type field.
type Unknown struct {
	Type Kind
	Raw  json.RawMessage
}

func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (HeartbeatAck) Kind() Kind      { return KindHeartbeatAck }
func (AuthRequest) Kind() Kind       { return KindAuthRequest }
func (AuthResponse) Kind() Kind      { return KindAuthResponse }
func (AuthResponseAck) Kind() Kind   { return KindAuthResponseAck }
func (SafeModeActive) Kind() Kind    { return KindSafeModeActive }
func (SafeModeCleared) Kind() Kind   { return KindSafeModeCleared }
func (InstructorControl) Kind() Kind { return KindInstructorControl }
func (u Unknown) Kind() Kind         { return u.Type }

func (Heartbeat) validate() error    { return nil }
func (HeartbeatAck) validate() error { return nil }

func (p AuthRequest) validate() error {
	if strings.TrimSpace(p.RequestID) == "" {
		return fmt.Errorf("%w: AUTH_REQUEST missing request_id", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.EntityID) == "" {
		return fmt.Errorf("%w: AUTH_REQUEST missing entity_id", ErrInvalidPayload)
	}
	if !actionToken.MatchString(p.ActionType) {
		return fmt.Errorf("%w: AUTH_REQUEST invalid action_type %q", ErrInvalidPayload, p.ActionType)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: AUTH_REQUEST confidence %v outside [0,1]", ErrInvalidPayload, p.Confidence)
	}
	if !validRisk(p.RiskEstimate) {
		return fmt.Errorf("%w: AUTH_REQUEST invalid risk_estimate %q", ErrInvalidPayload, p.RiskEstimate)
	}
	if !validRisk(p.CollateralRisk) {
		return fmt.Errorf("%w: AUTH_REQUEST invalid collateral_risk %q", ErrInvalidPayload, p.CollateralRisk)
	}
	if p.TimeoutSec == 0 {
		return fmt.Errorf("%w: AUTH_REQUEST timeout_sec must be positive", ErrInvalidPayload)
	}
	return nil
}

func (p AuthResponse) validate() error {
	if strings.TrimSpace(p.RequestID) == "" {
		return fmt.Errorf("%w: AUTH_RESPONSE missing request_id", ErrInvalidPayload)
	}
	switch p.Decision {
	case DecisionApproved, DecisionDenied, DecisionCancelled:
		return nil
	default:
		return fmt.Errorf("%w: AUTH_RESPONSE invalid decision %q", ErrInvalidPayload, p.Decision)
	}
}

func (p AuthResponseAck) validate() error {
	if strings.TrimSpace(p.RequestID) == "" {
		return fmt.Errorf("%w: AUTH_RESPONSE_ACK missing request_id", ErrInvalidPayload)
	}
	return nil
}

func (SafeModeActive) validate() error  { return nil }
func (SafeModeCleared) validate() error { return nil }

func (p InstructorControl) validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("%w: INSTRUCTOR_CONTROL missing command", ErrInvalidPayload)
	}
	return nil
}

func (Unknown) validate() error { return nil }

func validRisk(s string) bool {
	switch s {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// The MarshalJSON methods add the type tag. Each aliases its receiver so the
// nested json.Marshal does not recurse.

func (p Heartbeat) MarshalJSON() ([]byte, error) {
	type alias Heartbeat
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{p.Kind(), alias(p)})
}

func (p HeartbeatAck) MarshalJSON() ([]byte, error) {
	type alias HeartbeatAck
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{p.Kind(), alias(p)})
}

func (p AuthRequest) MarshalJSON() ([]byte, error) {
	type alias AuthRequest
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{p.Kind(), alias(p)})
}

func (p AuthResponse) MarshalJSON() ([]byte, error) {
	type alias AuthResponse
	if p.Conditions == nil {
		p.Conditions = []string{}
	}
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{p.Kind(), alias(p)})
}

func (p AuthResponseAck) MarshalJSON() ([]byte, error) {
	type alias AuthResponseAck
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{p.Kind(), alias(p)})
}

func (p SafeModeActive) MarshalJSON() ([]byte, error) {
	type alias SafeModeActive
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{p.Kind(), alias(p)})
}

func (p SafeModeCleared) MarshalJSON() ([]byte, error) {
	type alias SafeModeCleared
	return json.Marshal(struct {
		Type Kind `json:"type"`
		alias
	}{p.Kind(), alias(p)})
}

func (p InstructorControl) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(p.Params)+2)
	for k, v := range p.Params {
		fields[k] = v
	}
	fields["type"] = p.Kind()
	fields["command"] = p.Command
	return json.Marshal(fields)
}

func (p *InstructorControl) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	cmd, _ := fields["command"].(string)
	delete(fields, "command")
	delete(fields, "type")
	p.Command = cmd
	p.Params = nil
	if len(fields) > 0 {
		p.Params = fields
	}
	return nil
}

func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{u.Type})
	}
	return u.Raw, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindHeartbeat:
		var v Heartbeat
		err = json.Unmarshal(raw, &v)
		p = v
	case KindHeartbeatAck:
		var v HeartbeatAck
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAuthRequest:
		var v AuthRequest
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAuthResponse:
		var v AuthResponse
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAuthResponseAck:
		var v AuthResponseAck
		err = json.Unmarshal(raw, &v)
		p = v
	case KindSafeModeActive:
		var v SafeModeActive
		err = json.Unmarshal(raw, &v)
		p = v
	case KindSafeModeCleared:
		var v SafeModeCleared
		err = json.Unmarshal(raw, &v)
		p = v
	case KindInstructorControl:
		var v InstructorControl
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return Unknown{Type: kind, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
