// Package transport maintains the duplex session with the simulation peer:
// dialing, heartbeat liveness, envelope validation, and reconnection.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/hitlwatch/internal/wire"
)

// Status is the connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

var allStatuses = []string{
	string(StatusDisconnected),
	string(StatusConnecting),
	string(StatusConnected),
	string(StatusError),
}

var (
	ErrHeartbeatLost = errors.New("transport: heartbeat lost")
	ErrNoURL         = errors.New("transport: peer url required")
)

// State is the connection session. Only the session loop mutates it; callers
// get copies.
type State struct {
	Status           Status    `json:"status"`
	ReconnectAttempt int       `json:"reconnect_attempt"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

// Handler receives validated inbound envelopes and status transitions. Both
// are called from the session loop; implementations may call Send but not
// Connect or Disconnect.
type Handler interface {
	HandleEnvelope(env wire.Envelope)
	StatusChanged(prev, next Status)
}

// Conn is one established duplex message connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens connections to the peer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Backoff computes reconnect delays.
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// Delay returns min(Base * 2^attempt, Max) for a 0-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && delay >= b.Max {
			break
		}
		if delay > (1<<62)/2 {
			break
		}
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Config configures a Session.
type Config struct {
	URL                 string
	SourceSystem        string
	SchemaVersion       string
	DialTimeout         time.Duration
	WriteTimeout        time.Duration
	HeartbeatTimeout    time.Duration
	MaxMissedHeartbeats int
	Backoff             Backoff
	MaxMessageSize      int
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		SourceSystem:        "hitlwatch",
		SchemaVersion:       wire.SchemaVersion,
		DialTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		MaxMissedHeartbeats: 3,
		Backoff:             Backoff{Base: time.Second, Max: 30 * time.Second},
		MaxMessageSize:      wire.MaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SourceSystem == "" {
		c.SourceSystem = d.SourceSystem
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = d.SchemaVersion
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = d.MaxMissedHeartbeats
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}
