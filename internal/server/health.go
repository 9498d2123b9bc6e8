package server

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/observability"
	"github.com/ppiankov/hitlwatch/internal/transport"
)

// Health service names. The empty name is the overall console status.
const (
	ServiceOverall   = ""
	ServiceTransport = "transport"
	ServiceLedger    = "ledger"
)

// Health serves grpc.health.v1.Health. Transport is SERVING while connected;
// ledger goes NOT_SERVING once an integrity violation is detected and stays
// there.
type Health struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        zerolog.Logger
}

// NewHealth creates the gRPC health server. Every service starts NOT_SERVING
// except the ledger.
func NewHealth(logger *zerolog.Logger) *Health {
	if logger == nil {
		logger = observability.Nop()
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	hs.SetServingStatus(ServiceOverall, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceTransport, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceLedger, healthpb.HealthCheckResponse_SERVING)

	return &Health{
		grpcServer: gs,
		health:     hs,
		log:        logger.With().Str("component", "health").Logger(),
	}
}

// Update maps a console status onto the health services. Pass it to
// console.OnStatus.
func (h *Health) Update(st console.Status) {
	transportOK := st.Transport.Status == transport.StatusConnected
	h.health.SetServingStatus(ServiceTransport, servingStatus(transportOK))
	h.health.SetServingStatus(ServiceLedger, servingStatus(st.LedgerIntact))
	h.health.SetServingStatus(ServiceOverall, servingStatus(transportOK && st.LedgerIntact))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve listens on addr and blocks until GracefulStop.
func (h *Health) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return h.ServeOn(lis)
}

// ServeOn starts serving on an existing listener. Used in tests.
func (h *Health) ServeOn(lis net.Listener) error {
	h.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health listening")
	return h.grpcServer.Serve(lis)
}

// GracefulStop stops the server, marking every service NOT_SERVING first.
func (h *Health) GracefulStop() {
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
}
