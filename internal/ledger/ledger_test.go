package ledger

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type testRecord struct {
	TS   time.Time `json:"ts"`
	Kind string    `json:"kind"`
	N    int       `json:"n"`
}

func (r testRecord) Time() time.Time { return r.TS }

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func rec(kind string, n int) testRecord {
	return testRecord{TS: epoch.Add(time.Duration(n) * time.Second), Kind: kind, N: n}
}

func newTestLedger(t *testing.T, sinks ...Sink) *Ledger[testRecord] {
	t.Helper()
	l, err := New(rec("genesis", 0), Config{Sinks: sinks})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l *Ledger[testRecord], n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if _, err := l.Append(context.Background(), rec("event", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestGenesisEntry(t *testing.T) {
	l := newTestLedger(t)

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Sequence != 0 {
		t.Errorf("genesis sequence = %d", entries[0].Sequence)
	}
	want := "sha256:" + strings.Repeat("0", 64)
	if entries[0].PreviousHash != want {
		t.Errorf("genesis previous_hash = %s, want %s", entries[0].PreviousHash, want)
	}
	if !strings.HasPrefix(entries[0].Hash, "sha256:") {
		t.Errorf("hash prefix missing: %s", entries[0].Hash)
	}
}

func TestChainLinks(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 10)

	entries := l.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence != uint64(i) {
			t.Fatalf("entry %d has sequence %d", i, entries[i].Sequence)
		}
		if entries[i].PreviousHash != entries[i-1].Hash {
			t.Fatalf("entry %d previous_hash does not match entry %d hash", i, i-1)
		}
	}

	result := l.Verify()
	if !result.Valid {
		t.Fatalf("expected valid chain: %s", result.Error)
	}
	if result.Entries != 11 {
		t.Errorf("verified %d entries, want 11", result.Entries)
	}
}

func TestVerifyDetectsTamperedData(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 5)

	l.mu.Lock()
	l.entries[3].Data.Kind = "edited"
	l.mu.Unlock()

	result := l.Verify()
	if result.Valid {
		t.Fatal("expected tampered chain to fail")
	}
	if result.FirstBadIndex == nil || *result.FirstBadIndex != 3 {
		t.Fatalf("expected first bad index 3, got %v", result.FirstBadIndex)
	}
}

func TestVerifyDetectsTamperedHash(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 5)

	l.mu.Lock()
	l.entries[2].Hash = "sha256:" + strings.Repeat("a", 64)
	l.mu.Unlock()

	result := l.Verify()
	if result.Valid {
		t.Fatal("expected tampered hash to fail")
	}
	if *result.FirstBadIndex != 2 {
		t.Fatalf("expected first bad index 2, got %d", *result.FirstBadIndex)
	}
}

func TestVerifyIsRepeatable(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 3)

	a, b := l.Verify(), l.Verify()
	if a.Valid != b.Valid || a.Entries != b.Entries {
		t.Fatalf("verify results differ: %+v vs %+v", a, b)
	}
}

func TestConcurrentAppendsGetDistinctSequences(t *testing.T) {
	l := newTestLedger(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(context.Background(), rec("concurrent", i)); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	entries := l.Entries()
	if len(entries) != n+1 {
		t.Fatalf("expected %d entries, got %d", n+1, len(entries))
	}
	seenPrev := make(map[string]bool)
	for i, e := range entries {
		if e.Sequence != uint64(i) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
		if seenPrev[e.PreviousHash] {
			t.Fatalf("previous_hash %s shared by two entries", e.PreviousHash)
		}
		seenPrev[e.PreviousHash] = true
	}
	if r := l.Verify(); !r.Valid {
		t.Fatalf("chain invalid after concurrent appends: %s", r.Error)
	}
}

func TestExportIsStable(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 4)

	a, err := l.Export()
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Export()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("two exports of an unchanged ledger differ")
	}

	entries, err := ReadExport(bytes.NewReader(a))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if r := VerifyExport(entries); !r.Valid {
		t.Fatalf("exported chain invalid: %s", r.Error)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 exported entries, got %d", len(entries))
	}
}

func TestSummaryTracksTail(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 3)

	s := l.Summary()
	if s.Length != 4 {
		t.Errorf("length = %d, want 4", s.Length)
	}
	if !s.FirstTimestamp.Equal(epoch) {
		t.Errorf("first timestamp = %v", s.FirstTimestamp)
	}
	if !s.LastTimestamp.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("last timestamp = %v", s.LastTimestamp)
	}
	tail := l.Tail(1)
	if len(tail) != 1 || s.LastHash != tail[0].Hash {
		t.Errorf("last hash does not match tail")
	}
}

func TestTailBounds(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 2)

	if got := len(l.Tail(10)); got != 3 {
		t.Errorf("tail(10) returned %d entries, want 3", got)
	}
	tail := l.Tail(2)
	if tail[0].Sequence != 1 || tail[1].Sequence != 2 {
		t.Errorf("tail(2) sequences = %d,%d", tail[0].Sequence, tail[1].Sequence)
	}
}

func TestDigestUnavailable(t *testing.T) {
	_, err := New(rec("genesis", 0), Config{Digest: crypto.MD4})
	if !errors.Is(err, ErrDigestUnavailable) {
		t.Fatalf("expected ErrDigestUnavailable, got %v", err)
	}
}

func TestSHA512Prefix(t *testing.T) {
	l, err := New(rec("genesis", 0), Config{Digest: crypto.SHA512})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	appendN(t, l, 2)

	if l.Digest() != "sha512" {
		t.Fatalf("digest name = %s", l.Digest())
	}
	raw, _ := l.Export()
	entries, _ := ReadExport(bytes.NewReader(raw))
	if r := VerifyExport(entries); !r.Valid {
		t.Fatalf("sha512 export invalid: %s", r.Error)
	}
}

func TestAppendAfterClose(t *testing.T) {
	l := newTestLedger(t)
	l.Close()

	if _, err := l.Append(context.Background(), rec("late", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAppendHonorsCancelledContext(t *testing.T) {
	l := newTestLedger(t)
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Append(ctx, rec("late", 1)); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := SessionFilePath(dir, "s-1")
	sink, err := OpenFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	l := newTestLedger(t, sink)
	appendN(t, l, 3)
	l.Close()

	entries, err := ReadExportFile(path)
	if err != nil {
		t.Fatalf("read sink file: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(entries))
	}
	if r := VerifyExport(entries); !r.Valid {
		t.Fatalf("file sink chain invalid: %s", r.Error)
	}
}

func TestFileSinkTamperDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	sink, err := OpenFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	l := newTestLedger(t, sink)
	appendN(t, l, 3)
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[2] = strings.Replace(lines[2], `"n":2`, `"n":9`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600)

	entries, err := ReadExportFile(path)
	if err != nil {
		t.Fatal(err)
	}
	r := VerifyExport(entries)
	if r.Valid {
		t.Fatal("expected tampered file to fail verification")
	}
	if *r.FirstBadIndex != 2 {
		t.Fatalf("first bad index = %d, want 2", *r.FirstBadIndex)
	}
}

type failingSink struct{ writes int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(ExportEntry) error {
	f.writes++
	return errors.New("disk full")
}
func (f *failingSink) Close() error { return nil }

func TestSinkFailureDoesNotBreakChain(t *testing.T) {
	sink := &failingSink{}
	l := newTestLedger(t, sink)
	appendN(t, l, 2)

	if r := l.Verify(); !r.Valid {
		t.Fatalf("chain invalid: %s", r.Error)
	}
	l.Close()
	if sink.writes != 3 {
		t.Fatalf("sink saw %d writes, want 3", sink.writes)
	}
}

func TestSQLiteSinkSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	sink, err := NewSQLiteSink(path, "s-a")
	if err != nil {
		t.Fatalf("open sqlite sink: %v", err)
	}
	l := newTestLedger(t, sink)
	appendN(t, l, 2)
	l.Close()

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	entries, err := LoadSession(context.Background(), db, "s-a")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 stored entries, got %d", len(entries))
	}
	if r := VerifyExport(entries); !r.Valid {
		t.Fatalf("stored chain invalid: %s", r.Error)
	}

	sessions, err := ListSessions(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "s-a" || sessions[0].Entries != 3 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestReadExportEmpty(t *testing.T) {
	entries, err := ReadExport(strings.NewReader("  \n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
	if r := VerifyExport(entries); !r.Valid {
		t.Fatal("empty export should verify")
	}
}

func TestDecodeAndSummarize(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, 2)
	raw, _ := l.Export()
	exported, _ := ReadExport(bytes.NewReader(raw))

	typed, err := Decode[testRecord](exported)
	if err != nil {
		t.Fatal(err)
	}
	if typed[2].Data.N != 2 {
		t.Errorf("decoded n = %d", typed[2].Data.N)
	}
	s, live := Summarize(typed), l.Summary()
	if s.Length != live.Length || s.LastHash != live.LastHash || !s.LastTimestamp.Equal(live.LastTimestamp) {
		t.Errorf("offline summary %+v differs from live %+v", s, live)
	}
}
