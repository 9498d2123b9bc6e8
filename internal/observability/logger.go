// Package observability wires structured logging and Prometheus metrics
// for the console process.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "HITLWATCH_LOG_LEVEL"

// LogConfig selects level and output format for InitLogger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// InitLogger builds the process logger and installs it as the zerolog global.
func InitLogger(app string, cfg LogConfig) zerolog.Logger {
	return initLogger(os.Stderr, app, cfg)
}

func initLogger(out io.Writer, app string, cfg LogConfig) zerolog.Logger {
	if strings.ToLower(strings.TrimSpace(cfg.Format)) != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	SetLevel(cfg.Level)
	logger := zerolog.New(out).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// SetLevel sets the process-wide log level. HITLWATCH_LOG_LEVEL wins over raw
// so a level forced from the environment survives config reloads.
func SetLevel(raw string) zerolog.Level {
	if env := os.Getenv(EnvLogLevel); strings.TrimSpace(env) != "" {
		raw = env
	}
	level := ParseLevel(raw)
	zerolog.SetGlobalLevel(level)
	return level
}

// ParseLevel maps a config string to a zerolog level. Unknown values mean info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Nop returns a pointer to a disabled logger for components built without one.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
