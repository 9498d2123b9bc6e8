package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/ledger"
)

var (
	ledgerSession string
	ledgerSQLite  string
	ledgerJSON    bool
	ledgerLines   int
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerSummaryCmd, ledgerShowCmd, ledgerTailCmd, ledgerSessionsCmd)

	ledgerCmd.PersistentFlags().StringVar(&ledgerSession, "session", "", "Read a stored session from the SQLite ledger instead of a file")
	ledgerCmd.PersistentFlags().StringVar(&ledgerSQLite, "sqlite", "", "SQLite ledger path (default ledger.sqlite_path)")
	ledgerCmd.PersistentFlags().BoolVar(&ledgerJSON, "json", false, "Output JSON")
	ledgerTailCmd.Flags().IntVarP(&ledgerLines, "lines", "n", 10, "Number of recent entries to show")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Offline ledger forensics",
	Long:  "Commands for verifying and inspecting exported session ledgers.\nAccepts a JSON export, a JSONL sink file, or --session for a SQLite-stored session.",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of a ledger",
	Long:  "Recomputes every entry hash and checks each previous_hash link.\nExits 0 if valid, 2 if the chain is broken.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerVerify,
}

var ledgerSummaryCmd = &cobra.Command{
	Use:   "summary [path]",
	Short: "Summarize a ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerSummary,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Print a ledger as a timeline",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerShow,
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent ledger entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerTail,
}

var ledgerSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions stored in the SQLite ledger",
	Args:  cobra.NoArgs,
	RunE:  runLedgerSessions,
}

func ledgerSource(args []string) console.Source {
	src := console.Source{SessionID: ledgerSession, SQLitePath: ledgerSQLite}
	if len(args) == 1 {
		src.Path = args[0]
	}
	if src.SQLitePath == "" {
		src.SQLitePath = cfg.Ledger.SQLitePath
	}
	return src
}

func loadReport(cmd *cobra.Command, args []string) (console.Report, []ledger.Entry[console.Event], error) {
	entries, err := console.Load(cmd.Context(), ledgerSource(args))
	if err != nil {
		return console.Report{}, nil, err
	}
	return console.Analyze(entries)
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	entries, err := console.Load(cmd.Context(), ledgerSource(args))
	if err != nil {
		return err
	}
	result := ledger.VerifyExport(entries)
	out := cmd.OutOrStdout()
	if ledgerJSON {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(out, "OK: %d entries verified\n", result.Entries)
	}
	if result.Valid {
		return nil
	}
	var index uint64
	if result.FirstBadIndex != nil {
		index = *result.FirstBadIndex
	}
	return &exitError{code: 2, err: fmt.Errorf("FAILED at entry %d: %s", index, result.Error)}
}

func runLedgerSummary(cmd *cobra.Command, args []string) error {
	report, _, err := loadReport(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ledgerJSON {
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "Session:   %s\n", report.SessionID)
	fmt.Fprintf(out, "Entries:   %d\n", report.Summary.Length)
	if report.Summary.Length > 0 {
		fmt.Fprintf(out, "Span:      %s → %s\n",
			report.Summary.FirstTimestamp.Format(console.TimestampFormat),
			report.Summary.LastTimestamp.Format(console.TimestampFormat))
		fmt.Fprintf(out, "Last hash: %s\n", report.Summary.LastHash)
	}
	if report.Verify.Valid {
		fmt.Fprintln(out, "Chain:     intact")
	} else {
		fmt.Fprintf(out, "Chain:     BROKEN at entry %d (%s)\n", derefIndex(report.Verify.FirstBadIndex), report.Verify.Error)
	}
	t := report.Tally
	fmt.Fprintf(out, "Requests:  %d (%d approved, %d denied, %d cancelled)\n", t.Requests, t.Approved, t.Denied, t.Cancelled)
	fmt.Fprintf(out, "Stale:     %d\n", t.Stale)
	fmt.Fprintf(out, "Safe mode: %d\n", t.SafeMode)
	fmt.Fprintf(out, "Resets:    %d\n", t.Resets)
	fmt.Fprintf(out, "Conn errs: %d\n", t.Disconnect)
	return nil
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	report, entries, err := loadReport(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ledgerJSON {
		s, err := console.FormatJSON(entries)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	} else {
		fmt.Fprint(out, console.FormatTimeline(entries))
	}
	if !report.Verify.Valid {
		fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: chain broken at entry %d: %s\n", derefIndex(report.Verify.FirstBadIndex), report.Verify.Error)
	}
	return nil
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	if ledgerLines < 1 {
		return fmt.Errorf("--lines must be positive")
	}
	_, entries, err := loadReport(cmd, args)
	if err != nil {
		return err
	}
	if len(entries) > ledgerLines {
		entries = entries[len(entries)-ledgerLines:]
	}
	s, err := console.FormatJSON(entries)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), s)
	return nil
}

func runLedgerSessions(cmd *cobra.Command, args []string) error {
	path := ledgerSQLite
	if path == "" {
		path = cfg.Ledger.SQLitePath
	}
	if path == "" {
		return fmt.Errorf("no SQLite ledger configured (set ledger.sqlite_path or --sqlite)")
	}
	db, err := ledger.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := ledger.ListSessions(cmd.Context(), db)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ledgerJSON {
		return writeJSON(out, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No stored sessions.")
		return nil
	}
	fmt.Fprintf(out, "%-38s %-8s %-32s %s\n", "SESSION", "ENTRIES", "FIRST", "LAST")
	for _, s := range sessions {
		fmt.Fprintf(out, "%-38s %-8d %-32s %s\n", s.SessionID, s.Entries, s.FirstSeen, s.LastSeen)
	}
	return nil
}

func derefIndex(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
