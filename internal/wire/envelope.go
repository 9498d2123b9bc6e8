// Package wire defines the JSON envelope exchanged with the simulation peer
// and the closed set of payload kinds the console understands.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the envelope schema this console speaks. Peers must share
// the major version.
const SchemaVersion = "1.0"

// MaxMessageSize is the hard cap on one serialized envelope, both directions.
const MaxMessageSize = 1 << 20

var (
	ErrMessageTooLarge  = errors.New("wire: message too large")
	ErrInvalidEnvelope  = errors.New("wire: invalid envelope")
	ErrInvalidPayload   = errors.New("wire: invalid payload")
	ErrSchemaMismatch   = errors.New("wire: unsupported schema_version")
	ErrMissingPayload   = errors.New("wire: missing payload")
	ErrMissingPayloadID = errors.New("wire: missing payload type")
)

// Envelope is one message on the wire.
type Envelope struct {
	SchemaVersion string
	TimestampUTC  time.Time
	SimTimeUTC    time.Time
	SimTick       uint64
	Seq           uint64
	SourceSystem  string
	TimeScale     float64
	Payload       Payload
}

type rawEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	TimestampUTC  string          `json:"timestamp_utc"`
	SimTimeUTC    string          `json:"sim_time_utc"`
	SimTick       uint64          `json:"sim_tick"`
	Seq           uint64          `json:"seq"`
	SourceSystem  string          `json:"source_system"`
	TimeScale     float64         `json:"time_scale"`
	Payload       json.RawMessage `json:"payload"`
}

type payloadTag struct {
	Type Kind `json:"type"`
}

// Encode serializes env and enforces maxSize (MaxMessageSize when <= 0).
// The payload is validated first so malformed messages never leave the process.
func Encode(env Envelope, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	if env.Payload == nil {
		return nil, ErrMissingPayload
	}
	if err := env.Payload.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	out, err := json.Marshal(rawEnvelope{
		SchemaVersion: env.SchemaVersion,
		TimestampUTC:  env.TimestampUTC.UTC().Format(time.RFC3339Nano),
		SimTimeUTC:    env.SimTimeUTC.UTC().Format(time.RFC3339Nano),
		SimTick:       env.SimTick,
		Seq:           env.Seq,
		SourceSystem:  env.SourceSystem,
		TimeScale:     env.TimeScale,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if len(out) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(out), maxSize)
	}
	return out, nil
}

// Decode validates and parses one inbound message. Oversized input is
// rejected before any JSON parsing.
func Decode(data []byte, maxSize int) (Envelope, error) {
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	if len(data) > maxSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(data), maxSize)
	}

	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := checkSchemaVersion(raw.SchemaVersion); err != nil {
		return Envelope{}, err
	}
	ts, err := time.Parse(time.RFC3339, raw.TimestampUTC)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: timestamp_utc: %v", ErrInvalidEnvelope, err)
	}
	simTS, err := time.Parse(time.RFC3339, raw.SimTimeUTC)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: sim_time_utc: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(raw.SourceSystem) == "" {
		return Envelope{}, fmt.Errorf("%w: missing source_system", ErrInvalidEnvelope)
	}
	if raw.TimeScale < 0 {
		return Envelope{}, fmt.Errorf("%w: negative time_scale", ErrInvalidEnvelope)
	}
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return Envelope{}, ErrMissingPayload
	}

	var tag payloadTag
	if err := json.Unmarshal(raw.Payload, &tag); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(string(tag.Type)) == "" {
		return Envelope{}, ErrMissingPayloadID
	}
	payload, err := decodePayload(tag.Type, raw.Payload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		SchemaVersion: raw.SchemaVersion,
		TimestampUTC:  ts.UTC(),
		SimTimeUTC:    simTS.UTC(),
		SimTick:       raw.SimTick,
		Seq:           raw.Seq,
		SourceSystem:  raw.SourceSystem,
		TimeScale:     raw.TimeScale,
		Payload:       payload,
	}, nil
}

func checkSchemaVersion(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("%w: missing schema_version", ErrInvalidEnvelope)
	}
	if majorOf(v) != majorOf(SchemaVersion) {
		return fmt.Errorf("%w: %q", ErrSchemaMismatch, v)
	}
	return nil
}

func majorOf(v string) string {
	major, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), ".")
	return major
}
