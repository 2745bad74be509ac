package admin

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported to gRPC health checks.
const ServiceName = "hwbridge.Gateway"

// HealthServer reports gateway liveness over the standard gRPC health
// protocol so orchestrators can probe it.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

func NewHealthServer() *HealthServer {
	h := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetServing flips the gateway status reported to probes.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}

// Serve runs the gRPC server on listener until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		h.SetServing(false)
		h.server.GracefulStop()
	}()
	if err := h.server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("admin: grpc serve: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and calls Serve.
func (h *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}
	return h.Serve(ctx, listener)
}
