package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/essay-pipeline/constants"
)

// HealthReporter mirrors backend readiness into the standard gRPC health
// service. The empty service name reports the daemon itself.
type HealthReporter struct {
	hs *health.Server
}

func NewHealthReporter(backends ...string) *HealthReporter {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, b := range backends {
		hs.SetServingStatus(b, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &HealthReporter{hs: hs}
}

func (r *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.hs)
}

// BackendStateChanged has the shape of a supervisor state observer.
func (r *HealthReporter) BackendStateChanged(name string, state constants.ServerState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == constants.ServerReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.hs.SetServingStatus(name, status)
}

// Shutdown flips every service to NOT_SERVING ahead of a graceful stop.
func (r *HealthReporter) Shutdown() {
	r.hs.Shutdown()
}

func (r *HealthReporter) Server() healthpb.HealthServer { return r.hs }
