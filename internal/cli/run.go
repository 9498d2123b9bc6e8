package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ppiankov/hitlwatch/internal/alert"
	"github.com/ppiankov/hitlwatch/internal/config"
	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/ledger"
	"github.com/ppiankov/hitlwatch/internal/observability"
	"github.com/ppiankov/hitlwatch/internal/registry"
	"github.com/ppiankov/hitlwatch/internal/server"
	"github.com/ppiankov/hitlwatch/internal/transport"
)

// alertFlushTimeout bounds how long shutdown waits for webhook deliveries.
const alertFlushTimeout = 30 * time.Second

var (
	runPeer    string
	runAddr    string
	runGRPC    string
	runNoWatch bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runPeer, "peer", "", "Simulation WebSocket URL (overrides peer_url)")
	runCmd.Flags().StringVar(&runAddr, "addr", "", "Operator API listen address (overrides server.addr)")
	runCmd.Flags().StringVar(&runGRPC, "grpc-addr", "", "gRPC health listen address (overrides server.grpc_addr)")
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "Disable config hot-reload")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the simulation and serve the operator console",
	Long:  "Opens a session with the simulation peer, keeps it alive with heartbeats and\nreconnects, times out unanswered authorization requests, and records everything in\nthe session ledger. The operator API serves decisions, status, and ledger export.\nAlert webhooks, log level, and the stale-processing age hot-reload from the config file.",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	if runPeer != "" {
		cfg.PeerURL = runPeer
	}
	if runAddr != "" {
		cfg.Server.Addr = runAddr
	}
	if runGRPC != "" {
		cfg.Server.GRPCAddr = runGRPC
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	observability.RegisterMetrics()

	digest, err := ledger.DigestFromName(cfg.Ledger.Digest)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	log := logger.With().Str("session_id", sessionID).Logger()

	sinks, err := openSinks(sessionID)
	if err != nil {
		return err
	}
	l, err := console.NewLedger(console.SessionMeta{
		SessionID: sessionID,
		PeerURL:   cfg.PeerURL,
		Version:   version,
		Started:   time.Now(),
	}, ledger.Config{Digest: digest, Sinks: sinks, Logger: &log})
	if err != nil {
		for _, s := range sinks {
			s.Close()
		}
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	defer l.Close()

	reg := registry.New(registry.Config{Logger: &log})
	c := console.New(l, reg, console.Config{
		SessionID:            sessionID,
		PollInterval:         cfg.Registry.PollInterval,
		StaleProcessingAfter: cfg.Registry.StaleProcessingAfter,
		VerifyInterval:       cfg.Ledger.VerifyInterval,
		Logger:               &log,
		Alerts:               alert.NewDispatcher(cfg.Alerts, &log),
	})

	session := transport.NewSession(cfg.TransportSession(), nil, c, &log)
	c.Bind(session)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	var health *server.Health
	if cfg.Server.GRPCAddr != "" {
		health = server.NewHealth(&log)
		c.OnStatus(health.Update)
		health.Update(c.Status())
		go func() {
			if err := health.Serve(cfg.Server.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("grpc health: %w", err)
			}
		}()
	}

	if cfg.Server.Addr != "" {
		srv := server.New(c, server.Config{Addr: cfg.Server.Addr, Logger: &log})
		go func() {
			if err := srv.Start(ctx); err != nil {
				errCh <- fmt.Errorf("operator API: %w", err)
			}
		}()
	}

	if !runNoWatch {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		watcher, err := config.NewWatcher(path, func(next *config.Config) {
			applyReload(c, next, &log)
		}, &log)
		if err != nil {
			log.Warn().Err(err).Msg("hot-reload disabled")
		} else {
			go watcher.Run(ctx)
		}
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx)
	}()
	session.Connect()

	fmt.Fprintf(os.Stderr, "hitlwatch session %s\n", sessionID)
	fmt.Fprintf(os.Stderr, "Peer: %s\n", cfg.PeerURL)
	if cfg.Server.Addr != "" {
		fmt.Fprintf(os.Stderr, "Operator API: http://%s\n", cfg.Server.Addr)
	}
	for _, s := range sinks {
		if fs, ok := s.(*ledger.FileSink); ok {
			fmt.Fprintf(os.Stderr, "Ledger: %s\n", fs.Path())
		}
	}
	fmt.Fprintln(os.Stderr)

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\nShutting down console...")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("listener failed")
	}
	cancel()
	session.Disconnect()
	<-runDone
	if health != nil {
		health.GracefulStop()
	}

	result := c.VerifyLedger()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), alertFlushTimeout)
	if err := c.FlushAlerts(flushCtx); err != nil {
		log.Warn().Err(err).Msg("exiting with alert deliveries still pending")
	}
	flushCancel()
	summary := l.Summary()
	tally := console.Count(l.Entries())
	fmt.Fprintf(os.Stderr, "Ledger: %d entries, last hash %s, intact=%t\n", summary.Length, summary.LastHash, result.Valid)
	fmt.Fprintf(os.Stderr, "Decisions: %d approved, %d denied, %d cancelled\n", tally.Approved, tally.Denied, tally.Cancelled)

	if runErr != nil {
		return runErr
	}
	if !c.LedgerIntact() {
		return &exitError{code: 2, err: errors.New("ledger integrity violation detected during session")}
	}
	return nil
}

func openSinks(sessionID string) ([]ledger.Sink, error) {
	var sinks []ledger.Sink
	if cfg.Ledger.Dir != "" {
		fs, err := ledger.OpenFileSink(ledger.SessionFilePath(cfg.Ledger.Dir, sessionID))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Ledger.SQLitePath != "" {
		ss, err := ledger.NewSQLiteSink(cfg.Ledger.SQLitePath, sessionID)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, ss)
	}
	return sinks, nil
}
