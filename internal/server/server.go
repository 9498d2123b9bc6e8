// Package server exposes the console to operators over HTTP and reports
// liveness through the standard gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/observability"
)

// maxBodyBytes caps request bodies on the operator API.
const maxBodyBytes = 64 << 10

// Config holds HTTP server configuration.
type Config struct {
	Addr string
	// StreamWriteTimeout bounds one envelope write to a /v1/stream client.
	StreamWriteTimeout time.Duration
	Logger             *zerolog.Logger
}

// Server is the operator HTTP API in front of a console.
type Server struct {
	console *console.Console
	cfg     Config
	log     zerolog.Logger
	router  chi.Router

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New creates a server for c. Nothing listens until Start.
func New(c *console.Console, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 5 * time.Second
	}
	s := &Server{
		console: c,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "server").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.limitBody)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/pending", s.handlePending)
		api.Get("/pending/oldest", s.handleOldest)
		api.Get("/pending/{request_id}", s.handleGetRequest)
		api.Post("/decisions", s.handleDecision)
		api.Post("/instructor", s.handleInstructor)
		api.Post("/reset", s.handleReset)
		api.Get("/ledger/summary", s.handleLedgerSummary)
		api.Get("/ledger/tail", s.handleLedgerTail)
		api.Post("/ledger/verify", s.handleLedgerVerify)
		api.Get("/ledger/export", s.handleLedgerExport)
		api.Get("/stream", s.handleStream)
	})
	return r
}

// Handler returns the router. Tests mount it on httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(ctx, ln)
}

// ServeOn serves on an existing listener until ctx is cancelled.
func (s *Server) ServeOn(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("operator API listening")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address once serving, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
