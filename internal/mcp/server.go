// Package mcp exposes offline ledger forensics as MCP tools over stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/observability"
)

// Config holds MCP server configuration.
type Config struct {
	// SQLitePath is the default database for tools called with a session_id.
	SQLitePath string
	Version    string
	Logger     *zerolog.Logger
}

// Server wraps the MCP SDK server with the ledger tools.
type Server struct {
	mcpServer  *mcpsdk.Server
	sqlitePath string
	log        zerolog.Logger
}

// New creates an MCP server with all tools registered.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		sqlitePath: cfg.SQLitePath,
		log:        cfg.Logger.With().Str("component", "mcp").Logger(),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "hitlwatch",
			Version: cfg.Version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "ledger_verify",
		Description: "Verify the hash chain of a hitlwatch ledger export or stored session. Reports the first broken entry.",
	}, s.handleVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "ledger_summary",
		Description: "Summarize a hitlwatch ledger: length, time span, last hash, and counts of decisions, timeouts, resets and safe-mode events.",
	}, s.handleSummary)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "ledger_tail",
		Description: "Return the last N events of a hitlwatch ledger.",
	}, s.handleTail)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "ledger_sessions",
		Description: "List sessions stored in the hitlwatch SQLite ledger database.",
	}, s.handleSessions)
}
