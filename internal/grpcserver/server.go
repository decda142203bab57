// Package grpcserver serves the standard gRPC health service for the scoring
// service. Status follows the reachability of PostgreSQL and Redis.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"jobmate/scoring-service/internal/db"
	"jobmate/scoring-service/internal/logger"
)

// ServiceName is the name clients pass in HealthCheckRequest.Service.
const ServiceName = "jobmate.scoring.v1.ScoringService"

const checkTimeout = 3 * time.Second

// Health tracks dependency health and publishes it through a health.Server.
type Health struct {
	srv  *health.Server
	deps map[string]db.Pinger
	log  *zap.Logger
}

// NewHealth returns a Health reporting NOT_SERVING until the first Check.
func NewHealth(deps map[string]db.Pinger, log *zap.Logger) *Health {
	h := &Health{srv: health.NewServer(), deps: deps, log: logger.Component(log, "health")}
	h.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// Check pings every dependency and updates the served status.
func (h *Health) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := db.CheckAll(ctx, h.deps); err != nil {
		h.log.Warn("dependency unhealthy", zap.Error(err))
		h.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.set(grpc_health_v1.HealthCheckResponse_SERVING)
}

// Shutdown marks the service NOT_SERVING for good.
func (h *Health) Shutdown() { h.srv.Shutdown() }

func (h *Health) set(st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}

// NewServer returns a grpc.Server with the health service registered.
func NewServer(h *Health, log *zap.Logger) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger.Component(log, "grpc"))))
	grpc_health_v1.RegisterHealthServer(s, h.srv)
	return s
}

func loggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("took", time.Since(start)),
		)
		return resp, err
	}
}
