package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/ledger"
)

const defaultTail = 20

// SourceInput names the chain to inspect.
type SourceInput struct {
	Path       string `json:"path,omitempty" jsonschema:"path to a ledger export (JSON array) or sink file (JSONL)"`
	SessionID  string `json:"session_id,omitempty" jsonschema:"session id stored in the SQLite ledger database"`
	SQLitePath string `json:"sqlite_path,omitempty" jsonschema:"SQLite database path, defaults to the configured one"`
}

// VerifyOutput is the chain verification result.
type VerifyOutput struct {
	Valid         bool    `json:"valid"`
	Entries       int     `json:"entries"`
	FirstBadIndex *uint64 `json:"first_bad_index,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// SummaryOutput is the chain report. Timestamps are RFC 3339.
type SummaryOutput struct {
	SessionID      string        `json:"session_id,omitempty"`
	Valid          bool          `json:"valid"`
	Length         uint64        `json:"length"`
	FirstTimestamp string        `json:"first_timestamp,omitempty"`
	LastTimestamp  string        `json:"last_timestamp,omitempty"`
	LastHash       string        `json:"last_hash,omitempty"`
	Tally          console.Tally `json:"tally"`
}

// TailInput selects the last N events.
type TailInput struct {
	Path       string `json:"path,omitempty" jsonschema:"path to a ledger export (JSON array) or sink file (JSONL)"`
	SessionID  string `json:"session_id,omitempty" jsonschema:"session id stored in the SQLite ledger database"`
	SQLitePath string `json:"sqlite_path,omitempty" jsonschema:"SQLite database path, defaults to the configured one"`
	N          int    `json:"n,omitempty" jsonschema:"number of events, default 20"`
}

// TailOutput lists events in chain order.
type TailOutput struct {
	Entries []ledger.Entry[console.Event] `json:"entries"`
}

// SessionsInput optionally overrides the database path.
type SessionsInput struct {
	SQLitePath string `json:"sqlite_path,omitempty" jsonschema:"SQLite database path, defaults to the configured one"`
}

// SessionsOutput lists stored sessions.
type SessionsOutput struct {
	Sessions []ledger.SessionInfo `json:"sessions"`
}

func (s *Server) source(in SourceInput) console.Source {
	src := console.Source{Path: in.Path, SessionID: in.SessionID, SQLitePath: in.SQLitePath}
	if src.SQLitePath == "" {
		src.SQLitePath = s.sqlitePath
	}
	return src
}

func (s *Server) handleVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input SourceInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	entries, err := console.Load(ctx, s.source(input))
	if err != nil {
		return nil, VerifyOutput{}, err
	}
	result := ledger.VerifyExport(entries)
	out := VerifyOutput{
		Valid:         result.Valid,
		Entries:       result.Entries,
		FirstBadIndex: result.FirstBadIndex,
		Error:         result.Error,
	}
	if !result.Valid {
		s.log.Warn().Str("path", input.Path).Str("session_id", input.SessionID).Str("reason", result.Error).Msg("ledger verification failed")
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleSummary(ctx context.Context, req *mcpsdk.CallToolRequest, input SourceInput) (*mcpsdk.CallToolResult, SummaryOutput, error) {
	entries, err := console.Load(ctx, s.source(input))
	if err != nil {
		return nil, SummaryOutput{}, err
	}
	report, _, err := console.Analyze(entries)
	if err != nil {
		return nil, SummaryOutput{}, err
	}
	out := SummaryOutput{
		SessionID: report.SessionID,
		Valid:     report.Verify.Valid,
		Length:    report.Summary.Length,
		LastHash:  report.Summary.LastHash,
		Tally:     report.Tally,
	}
	if !report.Summary.FirstTimestamp.IsZero() {
		out.FirstTimestamp = report.Summary.FirstTimestamp.Format(time.RFC3339Nano)
		out.LastTimestamp = report.Summary.LastTimestamp.Format(time.RFC3339Nano)
	}
	return nil, out, nil
}

func (s *Server) handleTail(ctx context.Context, req *mcpsdk.CallToolRequest, input TailInput) (*mcpsdk.CallToolResult, TailOutput, error) {
	n := input.N
	if n == 0 {
		n = defaultTail
	}
	if n < 0 {
		return nil, TailOutput{}, fmt.Errorf("n must be positive, got %d", n)
	}
	entries, err := console.Load(ctx, s.source(SourceInput{Path: input.Path, SessionID: input.SessionID, SQLitePath: input.SQLitePath}))
	if err != nil {
		return nil, TailOutput{}, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	decoded, err := ledger.Decode[console.Event](entries)
	if err != nil {
		return nil, TailOutput{}, err
	}
	return nil, TailOutput{Entries: decoded}, nil
}

func (s *Server) handleSessions(ctx context.Context, req *mcpsdk.CallToolRequest, input SessionsInput) (*mcpsdk.CallToolResult, SessionsOutput, error) {
	path := input.SQLitePath
	if path == "" {
		path = s.sqlitePath
	}
	if path == "" {
		return nil, SessionsOutput{}, errors.New("no SQLite ledger database configured")
	}
	db, err := ledger.OpenSQLite(path)
	if err != nil {
		return nil, SessionsOutput{}, err
	}
	defer db.Close()
	sessions, err := ledger.ListSessions(ctx, db)
	if err != nil {
		return nil, SessionsOutput{}, err
	}
	if sessions == nil {
		sessions = []ledger.SessionInfo{}
	}
	return nil, SessionsOutput{Sessions: sessions}, nil
}
