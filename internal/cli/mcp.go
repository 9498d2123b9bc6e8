package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	hitlmcp "github.com/ppiankov/hitlwatch/internal/mcp"
)

var mcpSQLite string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpSQLite, "sqlite", "", "SQLite ledger path for session lookups (default ledger.sqlite_path)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for ledger forensics",
	Long:  "Runs hitlwatch as an MCP (Model Context Protocol) server over stdio.\nExposes read-only ledger tools: ledger_verify, ledger_summary, ledger_tail, ledger_sessions.",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	path := mcpSQLite
	if path == "" {
		path = cfg.Ledger.SQLitePath
	}
	srv := hitlmcp.New(hitlmcp.Config{
		SQLitePath: path,
		Version:    version,
		Logger:     &logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintln(os.Stderr, "hitlwatch MCP server running on stdio")
	return srv.Run(ctx)
}
