package handler

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// HealthReporter exposes the result of a periodic dependency probe over the
// gRPC health service and the HTTP /health endpoint.
type HealthReporter struct {
	server  *health.Server
	service string
	probe   func(ctx context.Context) error
	healthy atomic.Bool
	log     *logger.Logger
}

// NewHealthReporter creates a reporter for service. probe is typically a
// database ping; a nil probe always reports serving.
func NewHealthReporter(service string, probe func(ctx context.Context) error, log *logger.Logger) *HealthReporter {
	h := &HealthReporter{
		server:  health.NewServer(),
		service: service,
		probe:   probe,
		log:     log.Component("health"),
	}
	h.set(true)
	return h
}

// Register adds the health service to a gRPC server.
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Check runs the probe once and publishes its result.
func (h *HealthReporter) Check(ctx context.Context) error {
	var err error
	if h.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = h.probe(probeCtx)
		cancel()
	}

	was := h.healthy.Load()
	h.set(err == nil)

	switch {
	case err != nil && was:
		h.log.Error().Err(err).Msg("Health probe failed, reporting NOT_SERVING")
	case err == nil && !was:
		h.log.Info().Msg("Health probe recovered, reporting SERVING")
	}
	return err
}

// Healthy reports the last probe result.
func (h *HealthReporter) Healthy() bool {
	return h.healthy.Load()
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthReporter) Shutdown() {
	h.healthy.Store(false)
	h.server.Shutdown()
}

func (h *HealthReporter) set(ok bool) {
	h.healthy.Store(ok)
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(h.service, status)
}
