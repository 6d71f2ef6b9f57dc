package server

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/earshot/internal/trace"
)

// NewGRPC builds a gRPC server exposing grpc.health.v1 for the pipeline.
func NewGRPC() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(trace.UnaryServerInterceptor()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return srv, hs
}

// HealthUpdater returns a hook that mirrors pipeline health onto hs for both
// the named service and the server as a whole.
func HealthUpdater(hs *health.Server) func(bool) {
	return func(ok bool) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if ok {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(HealthService, st)
		hs.SetServingStatus("", st)
		slog.Info("health changed", "service", HealthService, "status", st.String())
	}
}
