package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/hitlwatch/internal/client"
	"github.com/ppiankov/hitlwatch/internal/registry"
	"github.com/ppiankov/hitlwatch/internal/server"
)

var (
	consoleAddr      string
	decideRationale  string
	decideConditions []string
	resetReason      string
	instructorParams string
	healthService    string
)

func init() {
	for _, c := range []*cobra.Command{pendingCmd, approveCmd, denyCmd, statusCmd, resetCmd, instructorCmd} {
		c.Flags().StringVar(&consoleAddr, "addr", "", "Console operator API address (default server.addr)")
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVarP(&decideRationale, "rationale", "r", "", "Operator rationale recorded in the ledger")
		c.Flags().StringSliceVar(&decideConditions, "condition", nil, "Condition attached to the decision (repeatable)")
	}
	resetCmd.Flags().StringVar(&resetReason, "reason", "", "Reason recorded in the ledger")
	instructorCmd.Flags().StringVar(&instructorParams, "params", "", "Command parameters as a JSON object")

	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&consoleAddr, "addr", "", "gRPC health address (default server.grpc_addr)")
	healthCmd.Flags().StringVar(&healthService, "service", "", "Service to check: transport, ledger, or empty for overall")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending authorization requests",
	Long:  "Shows requests awaiting an operator decision, soonest expiry first.",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending authorization request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(cmd, args[0], registry.Approved)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending authorization request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(cmd, args[0], registry.Denied)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show console status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all pending requests",
	Long:  "Clears every pending request without sending responses. The dropped ids are\nrecorded in one session_reset ledger entry.",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

var instructorCmd = &cobra.Command{
	Use:   "instructor <command>",
	Short: "Send an instructor control command to the simulation",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstructor,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the console gRPC health service",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func newClient() (*client.Client, error) {
	addr := consoleAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	return client.New(addr)
}

func runPending(cmd *cobra.Command, args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	list, err := cl.Pending(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No pending requests.")
		return nil
	}
	now := time.Now()
	fmt.Fprintf(out, "%-24s %-12s %-18s %-9s %-9s %s\n", "REQUEST", "ENTITY", "ACTION", "RISK", "CONF", "EXPIRES")
	for _, r := range list {
		fmt.Fprintf(out, "%-24s %-12s %-18s %-9s %-9.2f %s\n",
			truncate(r.ID, 24),
			truncate(r.EntityID, 12),
			truncate(r.ActionType, 18),
			r.RiskEstimate,
			r.Confidence,
			formatRemaining(r.ExpiresAt.Sub(now)),
		)
	}
	return nil
}

func runDecide(cmd *cobra.Command, id string, decision registry.Decision) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	d, err := cl.Decide(cmd.Context(), id, decision, decideRationale, decideConditions)
	if client.IsConflict(err) {
		return fmt.Errorf("request %q is no longer pending", id)
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %q (ledger #%d)\n", d.Response.Decision, id, d.Sequence)
	if !d.Delivered {
		fmt.Fprintln(out, "Simulation not connected: the response will be re-sent on reconnect.")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	st, err := cl.Status(cmd.Context())
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), st)
}

func runReset(cmd *cobra.Command, args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	dropped, err := cl.Reset(cmd.Context(), resetReason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset: dropped %d pending request(s)\n", len(dropped))
	for _, id := range dropped {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
	}
	return nil
}

func runInstructor(cmd *cobra.Command, args []string) error {
	var params map[string]any
	if instructorParams != "" {
		if err := json.Unmarshal([]byte(instructorParams), &params); err != nil {
			return fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}
	cl, err := newClient()
	if err != nil {
		return err
	}
	resp, err := cl.Instructor(cmd.Context(), args[0], params)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("instructor command %q recorded but not sent: simulation not connected", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %q\n", resp.Command)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	addr := consoleAddr
	if addr == "" {
		addr = cfg.Server.GRPCAddr
	}
	if addr == "" {
		return fmt.Errorf("no gRPC health address (set server.grpc_addr or --addr)")
	}
	status, err := client.CheckHealth(cmd.Context(), addr, healthService)
	if err != nil {
		return err
	}
	name := healthService
	if name == server.ServiceOverall {
		name = "overall"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return &exitError{code: 2, err: fmt.Errorf("%s not serving", name)}
	}
	return nil
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	return d.Round(time.Second).String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
