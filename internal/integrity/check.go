// Package integrity verifies the console binary's checksum at startup.
// The expected hash is embedded at build time via ldflags. If the running
// binary does not match, a tamper event is recorded and the console refuses
// to start: a modified binary could forge ledger entries.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/alert"
	"github.com/ppiankov/hitlwatch/internal/observability"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/hitlwatch/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty (dev builds), verification falls back to a checksum file.
var ExpectedHash string

// ErrTampered is returned when the binary does not match the expected hash.
var ErrTampered = errors.New("integrity: binary checksum mismatch")

// DefaultChecksumPaths are searched in order for a file holding one
// hex-encoded SHA-256 digest.
var DefaultChecksumPaths = []string{
	"/etc/hitlwatch/binary.sha256",
	"$HOME/.hitlwatch/binary.sha256",
}

// TamperEvent records a binary integrity violation.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Binary       string `json:"binary"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
}

// Checker verifies a binary against an expected digest.
type Checker struct {
	// Expected overrides ExpectedHash and the checksum files.
	Expected      string
	ChecksumPaths []string
	// TamperLogDir receives tamper.jsonl. Empty disables the file log.
	TamperLogDir string
	// Binary defaults to os.Executable().
	Binary string
	Alerts *alert.Dispatcher
	Logger *zerolog.Logger
}

// Verify checks the binary. It returns nil when verification passes or when
// no expected hash is available (dev mode). On mismatch it writes a tamper
// event and fires binary_tamper alerts before returning ErrTampered.
func (c *Checker) Verify() error {
	logger := c.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	log := logger.With().Str("component", "integrity").Logger()

	expected := strings.ToLower(c.Expected)
	if expected == "" {
		expected = strings.ToLower(ExpectedHash)
	}
	if expected == "" {
		expected = loadChecksumFile(c.checksumPaths())
	}
	if expected == "" {
		log.Warn().Msg("no build-time hash or checksum file found, integrity check skipped")
		return nil
	}

	binary := c.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("integrity: cannot resolve executable path: %w", err)
		}
		binary = exe
	}

	actual, err := hashFile(binary)
	if err != nil {
		return fmt.Errorf("integrity: cannot hash binary: %w", err)
	}

	if actual == expected {
		log.Info().Str("sha256", actual[:8]+"..."+actual[len(actual)-8:]).Msg("binary checksum verified")
		return nil
	}

	event := TamperEvent{
		Timestamp:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Binary:       binary,
		ExpectedHash: expected,
		ActualHash:   actual,
		Type:         alert.TypeBinaryTamper,
	}
	event.Hostname, _ = os.Hostname()

	log.Error().Str("binary", binary).Str("expected", expected).Str("actual", actual).Msg("TAMPER: binary checksum mismatch")
	if c.TamperLogDir != "" {
		if err := writeTamperEvent(c.TamperLogDir, event); err != nil {
			log.Warn().Err(err).Msg("failed to write tamper log")
		}
	}
	// Synchronous: the caller is about to exit.
	c.Alerts.DispatchSync(alert.Event{
		Timestamp: event.Timestamp,
		Type:      alert.TypeBinaryTamper,
		Reason:    fmt.Sprintf("binary %s on %s: expected %s, got %s", binary, event.Hostname, expected, actual),
		Severity:  alert.SeverityCritical,
	})

	return fmt.Errorf("%w (expected %s, got %s)", ErrTampered, expected, actual)
}

func (c *Checker) checksumPaths() []string {
	if c.ChecksumPaths != nil {
		return c.ChecksumPaths
	}
	return DefaultChecksumPaths
}

// HashSelf returns the SHA-256 hex digest of the running binary.
// Useful for writing the checksum file after install.
func HashSelf() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return hashFile(exePath)
}

func loadChecksumFile(paths []string) string {
	for _, p := range paths {
		data, err := os.ReadFile(os.ExpandEnv(p))
		if err != nil {
			continue
		}
		hash := strings.ToLower(strings.TrimSpace(string(data)))
		// sha256sum output carries the file name after the digest.
		if i := strings.IndexAny(hash, " \t"); i > 0 {
			hash = hash[:i]
		}
		if len(hash) == 64 && isHex(hash) {
			return hash
		}
	}
	return ""
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeTamperEvent(dir string, event TamperEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "tamper.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
