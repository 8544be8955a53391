package grpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	core "github.com/tusury/vt-middleware-sub006/ingestion/service/core"
)

// ServiceName is the health service name reporting the client acceptor.
const ServiceName = "logserver.Acceptor"

// HealthReporter mirrors the acceptor lifecycle onto the standard gRPC
// health service: SERVING while the acceptor runs, NOT_SERVING otherwise.
type HealthReporter struct {
	health *health.Server
	logger *zap.SugaredLogger
}

// NewHealthReporter creates a reporter that starts out NOT_SERVING.
func NewHealthReporter(logger *zap.SugaredLogger) *HealthReporter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &HealthReporter{health: health.NewServer(), logger: logger}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// ServerStateChanged implements core.StateObserver.
func (r *HealthReporter) ServerStateChanged(st core.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == core.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.set(status)
	r.logger.Debugf("gRPC Server: health %s for acceptor state %s", status, st)
}

func (r *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	r.health.SetServingStatus(ServiceName, status)
	r.health.SetServingStatus("", status)
}

// Shutdown sets every service to NOT_SERVING and ignores later updates.
func (r *HealthReporter) Shutdown() {
	r.health.Shutdown()
}

// NewServer creates a gRPC server exposing the health service of r.
func NewServer(r *HealthReporter, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, r.health)
	return s
}

var _ core.StateObserver = (*HealthReporter)(nil)
