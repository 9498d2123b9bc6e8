package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// recordedAtFormat is fixed width so recorded_at sorts as text.
const recordedAtFormat = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	session_id    TEXT    NOT NULL,
	sequence      INTEGER NOT NULL,
	data          TEXT    NOT NULL,
	previous_hash TEXT    NOT NULL,
	hash          TEXT    NOT NULL,
	recorded_at   TEXT    NOT NULL,
	PRIMARY KEY (session_id, sequence)
)`

// SQLiteSink stores entries of one session in a shared SQLite database so
// past sessions can be listed and re-verified.
type SQLiteSink struct {
	db        *sql.DB
	sessionID string
	timeout   time.Duration
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return db, nil
}

// NewSQLiteSink opens path and returns a sink bound to sessionID.
func NewSQLiteSink(path, sessionID string) (*SQLiteSink, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteSink{db: db, sessionID: sessionID, timeout: 5 * time.Second}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Write(e ExportEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (session_id, sequence, data, previous_hash, hash, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.sessionID, int64(e.Sequence), string(e.Data), e.PreviousHash, e.Hash,
		time.Now().UTC().Format(recordedAtFormat),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// LoadSession reads one session's entries in sequence order.
func LoadSession(ctx context.Context, db *sql.DB, sessionID string) ([]ExportEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sequence, data, previous_hash, hash FROM ledger_entries
		 WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query session: %w", err)
	}
	defer rows.Close()

	var out []ExportEntry
	for rows.Next() {
		var (
			seq  int64
			data string
			e    ExportEntry
		)
		if err := rows.Scan(&seq, &data, &e.PreviousHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Data = []byte(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Entries   int    `json:"entries"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// ListSessions returns stored sessions, oldest first.
func ListSessions(ctx context.Context, db *sql.DB) ([]SessionInfo, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MIN(recorded_at), MAX(recorded_at)
		 FROM ledger_entries GROUP BY session_id ORDER BY MIN(recorded_at) ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.SessionID, &s.Entries, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("ledger: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
