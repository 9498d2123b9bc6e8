package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/hitlwatch/internal/ledger"
)

// ErrNoSource is returned when neither an export path nor a stored session
// is named.
var ErrNoSource = errors.New("console: no ledger source given")

// Source names a chain to inspect offline: an export or sink file, or a
// session stored in a SQLite database.
type Source struct {
	Path       string
	SQLitePath string
	SessionID  string
}

// Load reads the exported entries named by src. Path wins over SessionID.
func Load(ctx context.Context, src Source) ([]ledger.ExportEntry, error) {
	if src.Path != "" {
		return ledger.ReadExportFile(src.Path)
	}
	if src.SessionID == "" || src.SQLitePath == "" {
		return nil, ErrNoSource
	}
	db, err := ledger.OpenSQLite(src.SQLitePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	entries, err := ledger.LoadSession(ctx, db, src.SessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("console: session %q not found in %s", src.SessionID, src.SQLitePath)
	}
	return entries, nil
}

// Report is the offline analysis of one chain.
type Report struct {
	SessionID string              `json:"session_id,omitempty"`
	Verify    ledger.VerifyResult `json:"verify"`
	Summary   ledger.Summary      `json:"summary"`
	Tally     Tally               `json:"tally"`
}

// Analyze verifies entries and decodes them as console events. Verification
// does not depend on decoding, so a chain whose data no longer parses still
// gets a VerifyResult alongside the decode error.
func Analyze(entries []ledger.ExportEntry) (Report, []ledger.Entry[Event], error) {
	report := Report{Verify: ledger.VerifyExport(entries)}
	decoded, err := ledger.Decode[Event](entries)
	if err != nil {
		return report, nil, fmt.Errorf("console: decode entries: %w", err)
	}
	report.Summary = ledger.Summarize(decoded)
	report.Tally = Count(decoded)
	if len(decoded) > 0 {
		report.SessionID = decoded[0].Data.SessionID
	}
	return report, decoded, nil
}
