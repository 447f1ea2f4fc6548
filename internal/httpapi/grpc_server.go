package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"accessdesk.org/internal/obs"
)

// GRPCServer exposes the standard gRPC health service, kept in step with the
// readiness probe.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh runs the readiness probe once and publishes the result for both the
// overall server ("") and serviceName.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return err
}

// Watch refreshes health every interval until ctx ends, then marks the
// server as shutting down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.Refresh(probeCtx); err != nil {
			obs.Warn("readiness probe failed", map[string]any{"error": err.Error(), "version": s.version})
		}
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
