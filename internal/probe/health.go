// Package probe serves the standard gRPC health service so orchestrators can
// gate traffic on the classifier being loaded.
package probe

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/radiology-api/internal/logging"
)

// ServiceName is the health service name reported for the analysis API.
const ServiceName = "radiology.Analysis"

// HealthServer wraps a gRPC server exposing grpc.health.v1.Health.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer returns a health server reporting NOT_SERVING until
// MarkServing is called.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &HealthServer{server: server, health: hs, logger: logger.Named("probe")}
}

// MarkServing reports the service as ready.
func (h *HealthServer) MarkServing() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// MarkNotServing reports the service as draining. Connections stay open so
// orchestrators can observe the change.
func (h *HealthServer) MarkNotServing() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serve accepts connections on lis until ctx is done, then reports
// NOT_SERVING and stops gracefully.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(lis)
	}()
	h.logger.Info("grpc health probe listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return logging.NewOperationError("probe.serve", "", err)
	case <-ctx.Done():
		h.health.Shutdown()
		h.server.GracefulStop()
		<-errCh
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (h *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		wrapped := logging.NewOperationError("probe.listen", "", err)
		h.logger.Error("failed to listen for grpc health probe", zap.Error(wrapped), zap.String("addr", addr))
		return wrapped
	}
	return h.Serve(ctx, lis)
}
