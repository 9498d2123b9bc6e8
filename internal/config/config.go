// Package config loads the console configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/hitlwatch/internal/alert"
	"github.com/ppiankov/hitlwatch/internal/ledger"
	"github.com/ppiankov/hitlwatch/internal/observability"
	"github.com/ppiankov/hitlwatch/internal/transport"
	"github.com/ppiankov/hitlwatch/internal/wire"
)

var ErrInvalidConfig = errors.New("config: invalid")

// TransportConfig tunes the peer session. Durations are YAML strings ("5s").
type TransportConfig struct {
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	MaxMessageBytes     int           `yaml:"max_message_bytes"`
}

// RegistryConfig tunes request expiry.
type RegistryConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	StaleProcessingAfter time.Duration `yaml:"stale_processing_after"`
}

// LedgerConfig selects the digest and persistence sinks.
type LedgerConfig struct {
	Digest         string        `yaml:"digest"`
	Dir            string        `yaml:"dir"`
	SQLitePath     string        `yaml:"sqlite_path"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
}

// ServerConfig holds listen addresses. An empty address disables the listener.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Config is the full console configuration.
type Config struct {
	PeerURL       string                  `yaml:"peer_url"`
	SourceSystem  string                  `yaml:"source_system"`
	SchemaVersion string                  `yaml:"schema_version"`
	Transport     TransportConfig         `yaml:"transport"`
	Registry      RegistryConfig          `yaml:"registry"`
	Ledger        LedgerConfig            `yaml:"ledger"`
	Server        ServerConfig            `yaml:"server"`
	Log           observability.LogConfig `yaml:"log"`
	Alerts        []alert.AlertConfig     `yaml:"alerts"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		PeerURL:       "ws://127.0.0.1:8765/ws",
		SourceSystem:  "hitlwatch",
		SchemaVersion: wire.SchemaVersion,
		Transport: TransportConfig{
			DialTimeout:         10 * time.Second,
			WriteTimeout:        5 * time.Second,
			HeartbeatTimeout:    5 * time.Second,
			MaxMissedHeartbeats: 3,
			BackoffBase:         time.Second,
			BackoffMax:          30 * time.Second,
			MaxMessageBytes:     wire.MaxMessageSize,
		},
		Registry: RegistryConfig{
			PollInterval:         time.Second,
			StaleProcessingAfter: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Digest:         "sha256",
			Dir:            filepath.Join(stateDir(), "ledger"),
			VerifyInterval: time.Minute,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8790",
		},
		Log: observability.LogConfig{Level: "info", Format: "console"},
	}
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hitlwatch")
	}
	return filepath.Join(home, ".hitlwatch")
}

// DefaultPath returns ~/.hitlwatch/config.yaml.
func DefaultPath() string {
	return filepath.Join(stateDir(), "config.yaml")
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults; an empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the console cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.PeerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("peer_url %q must be a ws:// or wss:// URL", c.PeerURL))
	}
	if strings.TrimSpace(c.SourceSystem) == "" {
		errs = append(errs, errors.New("source_system must not be empty"))
	}
	if c.Transport.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("transport.heartbeat_timeout must be positive"))
	}
	if c.Transport.MaxMissedHeartbeats < 1 {
		errs = append(errs, errors.New("transport.max_missed_heartbeats must be at least 1"))
	}
	if c.Transport.BackoffBase <= 0 || c.Transport.BackoffMax < c.Transport.BackoffBase {
		errs = append(errs, errors.New("transport.backoff_base must be positive and not exceed backoff_max"))
	}
	if c.Transport.MaxMessageBytes <= 0 || c.Transport.MaxMessageBytes > 16*wire.MaxMessageSize {
		errs = append(errs, fmt.Errorf("transport.max_message_bytes must be in (0, %d]", 16*wire.MaxMessageSize))
	}
	if c.Registry.PollInterval <= 0 {
		errs = append(errs, errors.New("registry.poll_interval must be positive"))
	}
	if c.Registry.StaleProcessingAfter < 0 {
		errs = append(errs, errors.New("registry.stale_processing_after must not be negative"))
	}
	if _, err := ledger.DigestFromName(c.Ledger.Digest); err != nil {
		errs = append(errs, fmt.Errorf("ledger.digest: %v", err))
	}
	for i, a := range c.Alerts {
		if strings.TrimSpace(a.URL) == "" {
			errs = append(errs, fmt.Errorf("alerts[%d].url must not be empty", i))
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			errs = append(errs, fmt.Errorf("alerts[%d].format %q is not generic, slack, or pagerduty", i, a.Format))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// TransportSession maps the config onto transport.Config.
func (c *Config) TransportSession() transport.Config {
	return transport.Config{
		URL:                 c.PeerURL,
		SourceSystem:        c.SourceSystem,
		SchemaVersion:       c.SchemaVersion,
		DialTimeout:         c.Transport.DialTimeout,
		WriteTimeout:        c.Transport.WriteTimeout,
		HeartbeatTimeout:    c.Transport.HeartbeatTimeout,
		MaxMissedHeartbeats: c.Transport.MaxMissedHeartbeats,
		Backoff:             transport.Backoff{Base: c.Transport.BackoffBase, Max: c.Transport.BackoffMax},
		MaxMessageSize:      c.Transport.MaxMessageBytes,
	}
}
