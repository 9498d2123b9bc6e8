package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/hitlwatch/internal/alert"
	"github.com/ppiankov/hitlwatch/internal/config"
	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/ledger"
	"github.com/ppiankov/hitlwatch/internal/observability"
	"github.com/ppiankov/hitlwatch/internal/registry"
	"github.com/ppiankov/hitlwatch/internal/server"
	"github.com/ppiankov/hitlwatch/internal/systemd"
	"github.com/ppiankov/hitlwatch/internal/wire"
)

var t0 = time.Date(2026, 4, 12, 8, 30, 0, 0, time.UTC)

// execute runs the root command against an isolated config and HOME.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	cfgFile := filepath.Join(dir, "config.yaml")
	body := "ledger:\n  dir: " + filepath.Join(dir, "ledger") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(cfgFile, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	configPath, logLevel = "", ""
	ledgerSession, ledgerSQLite, ledgerJSON, ledgerLines = "", "", false, 10
	consoleAddr, decideRationale, resetReason, instructorParams, healthService = "", "", "", "", ""
	versionChecksum = false
	unitOpts = systemd.UnitOptions{}

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--config", cfgFile}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeExport(t *testing.T) string {
	t.Helper()
	l, err := console.NewLedger(console.SessionMeta{SessionID: "s-cli", PeerURL: "ws://sim", Version: "test", Started: t0}, ledger.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	stamp := func(d time.Duration) string { return t0.Add(d).Format(console.TimestampFormat) }
	events := []console.Event{
		{Timestamp: stamp(time.Second), Kind: console.KindAuthRequest, SessionID: "s-cli", RequestID: "req-1", TimeoutSec: 30},
		{Timestamp: stamp(4 * time.Second), Kind: console.KindAuthDecision, SessionID: "s-cli", RequestID: "req-1", Decision: "APPROVED"},
	}
	for _, ev := range events {
		if _, err := l.Append(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	data, err := l.Export()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out)
	}
	if info["name"] != "hitlwatch" || info["version"] != version {
		t.Errorf("info = %v", info)
	}
	if info["schema_version"] != wire.SchemaVersion {
		t.Errorf("schema_version = %q", info["schema_version"])
	}
}

func TestLedgerVerifyIntact(t *testing.T) {
	path := writeExport(t)
	out, err := execute(t, "ledger", "verify", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "OK: 3 entries verified") {
		t.Errorf("output = %q", out)
	}
}

func TestLedgerVerifyTamperedExitsTwo(t *testing.T) {
	path := writeExport(t)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, bytes.Replace(data, []byte("APPROVED"), []byte("DENIED"), 1), 0600); err != nil {
		t.Fatal(err)
	}

	_, err = execute(t, "ledger", "verify", path)
	var exit *exitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected exitError, got %v", err)
	}
	if exit.code != 2 {
		t.Errorf("exit code = %d, want 2", exit.code)
	}
	if !strings.Contains(err.Error(), "entry 2") {
		t.Errorf("error = %v", err)
	}
}

func TestLedgerSummary(t *testing.T) {
	path := writeExport(t)
	out, err := execute(t, "ledger", "summary", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Session:   s-cli", "Entries:   3", "Chain:     intact", "Requests:  1 (1 approved, 0 denied, 0 cancelled)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestLedgerTailLines(t *testing.T) {
	path := writeExport(t)
	out, err := execute(t, "ledger", "tail", "-n", "1", path)
	if err != nil {
		t.Fatal(err)
	}
	var entries []ledger.Entry[console.Event]
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("tail output: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].Data.Kind != console.KindAuthDecision {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLedgerSessionsNeedsSQLite(t *testing.T) {
	if _, err := execute(t, "ledger", "sessions"); err == nil {
		t.Error("expected error without a SQLite ledger")
	}
}

func TestLedgerSessionsFromSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	sink, err := ledger.NewSQLiteSink(dbPath, "s-stored")
	if err != nil {
		t.Fatal(err)
	}
	l, err := console.NewLedger(console.SessionMeta{SessionID: "s-stored", PeerURL: "ws://sim", Started: t0}, ledger.Config{Sinks: []ledger.Sink{sink}})
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	out, err := execute(t, "ledger", "sessions", "--sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "s-stored") {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t, "ledger", "summary", "--sqlite", dbPath, "--session", "s-stored")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Entries:   1") {
		t.Errorf("summary = %q", out)
	}
}

type connectedPeer struct{}

func (connectedPeer) Send(wire.Payload) bool { return true }

func startConsole(t *testing.T) (string, *console.Console) {
	t.Helper()
	l, err := console.NewLedger(console.SessionMeta{SessionID: "s-op", PeerURL: "ws://sim", Started: time.Now()}, ledger.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	c := console.New(l, registry.New(registry.Config{}), console.Config{SessionID: "s-op"})
	c.Bind(connectedPeer{})
	ts := httptest.NewServer(server.New(c, server.Config{}).Handler())
	t.Cleanup(ts.Close)
	return ts.URL, c
}

func TestPendingAndApprove(t *testing.T) {
	addr, c := startConsole(t)

	out, err := execute(t, "pending", "--addr", addr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No pending requests.") {
		t.Errorf("pending = %q", out)
	}

	c.HandleEnvelope(wire.Envelope{Payload: wire.AuthRequest{
		RequestID:    "req-7",
		EntityID:     "uav-1",
		ActionType:   "ENGAGE",
		Confidence:   0.8,
		RiskEstimate: wire.RiskHigh,
		TimeoutSec:   60,
	}})

	out, err = execute(t, "pending", "--addr", addr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "req-7") || !strings.Contains(out, "ENGAGE") {
		t.Errorf("pending = %q", out)
	}

	out, err = execute(t, "approve", "req-7", "--addr", addr, "-r", "target confirmed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "APPROVED") {
		t.Errorf("approve = %q", out)
	}

	_, err = execute(t, "deny", "req-7", "--addr", addr)
	if err == nil || !strings.Contains(err.Error(), "no longer pending") {
		t.Errorf("second decision: %v", err)
	}
}

func TestResetCommand(t *testing.T) {
	addr, c := startConsole(t)
	c.HandleEnvelope(wire.Envelope{Payload: wire.AuthRequest{
		RequestID: "req-9", EntityID: "ugv-3", ActionType: "MOVE", RiskEstimate: wire.RiskLow, TimeoutSec: 60,
	}})

	out, err := execute(t, "reset", "--addr", addr, "--reason", "scenario restart")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "dropped 1 pending") || !strings.Contains(out, "req-9") {
		t.Errorf("reset = %q", out)
	}
}

func TestInstructorRejectsBadParams(t *testing.T) {
	addr, _ := startConsole(t)
	if _, err := execute(t, "instructor", "pause", "--addr", addr, "--params", "[1,2]"); err == nil {
		t.Error("expected error for non-object params")
	}
	out, err := execute(t, "instructor", "pause", "--addr", addr, "--params", `{"reason":"brief"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `Sent "pause"`) {
		t.Errorf("instructor = %q", out)
	}
}

func TestApplyReload(t *testing.T) {
	l, err := console.NewLedger(console.SessionMeta{SessionID: "s-reload", PeerURL: "ws://sim", Started: t0}, ledger.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	c := console.New(l, registry.New(registry.Config{}), console.Config{SessionID: "s-reload"})

	cfg = config.DefaultConfig()
	next := config.DefaultConfig()
	next.Registry.StaleProcessingAfter = 45 * time.Second
	next.Alerts = []alert.AlertConfig{{URL: "http://127.0.0.1:1/hook", Format: "generic"}}
	next.Log.Level = "warn"

	nop := observability.Nop()
	applyReload(c, next, nop)

	st := c.Status()
	if st.StaleAfter != "45s" {
		t.Errorf("stale after = %q", st.StaleAfter)
	}
	if st.AlertWebhooks != 1 {
		t.Errorf("alert webhooks = %d", st.AlertWebhooks)
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "expired"},
		{-time.Second, "expired"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatRemaining(tt.in); got != tt.want {
			t.Errorf("formatRemaining(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a-very-long-request-id", 10); got != "a-very-..." {
		t.Errorf("got %q", got)
	}
}

func TestServiceUnitAndCheck(t *testing.T) {
	out, err := execute(t, "service", "unit", "--user", "range-ops")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "User=range-ops") || !strings.Contains(out, "hitlwatch run --config") {
		t.Errorf("unit = %q", out)
	}

	dir := t.TempDir()
	unit := filepath.Join(dir, "hitlwatch.service")
	hash := filepath.Join(dir, "unit.sha256")
	if err := os.WriteFile(unit, []byte(out), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "service", "record-hash", "--unit", unit, "--hash-file", hash); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "service", "check", "--unit", unit, "--hash-file", hash); err != nil {
		t.Fatalf("intact unit: %v", err)
	}

	if err := os.WriteFile(unit, []byte(out+"Environment=X=1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = execute(t, "service", "check", "--unit", unit, "--hash-file", hash)
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 2 {
		t.Errorf("modified unit: %v", err)
	}
}
