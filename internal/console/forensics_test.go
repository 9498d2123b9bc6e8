package console

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/hitlwatch/internal/ledger"
)

func TestLoadAndAnalyzeExportFile(t *testing.T) {
	f := newFixture(t)
	f.console.HandleEnvelope(authRequest("req-1", 30))
	if _, err := f.console.Decide(context.Background(), "req-1", "DENIED", "no", nil); err != nil {
		t.Fatal(err)
	}

	data, err := f.ledger.Export()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	entries, err := Load(context.Background(), Source{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	report, decoded, err := Analyze(entries)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Verify.Valid || report.Summary.Length != 3 || len(decoded) != 3 {
		t.Errorf("report = %+v", report)
	}
	if report.SessionID != "s-test" || report.Tally.Denied != 1 || report.Tally.Requests != 1 {
		t.Errorf("tally = %+v session=%s", report.Tally, report.SessionID)
	}
}

func TestLoadStoredSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	sink, err := ledger.NewSQLiteSink(dbPath, "s-db")
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLedger(SessionMeta{SessionID: "s-db", PeerURL: "ws://sim", Started: t0}, ledger.Config{Sinks: []ledger.Sink{sink}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(context.Background(), Event{Timestamp: stamp(t0), Kind: KindSessionReset, SessionID: "s-db"}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	entries, err := Load(context.Background(), Source{SQLitePath: dbPath, SessionID: "s-db"})
	if err != nil {
		t.Fatal(err)
	}
	report, _, err := Analyze(entries)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Verify.Valid || report.Tally.Resets != 1 {
		t.Errorf("report = %+v", report)
	}

	if _, err := Load(context.Background(), Source{SQLitePath: dbPath, SessionID: "missing"}); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestLoadWithoutSource(t *testing.T) {
	if _, err := Load(context.Background(), Source{}); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}
}
