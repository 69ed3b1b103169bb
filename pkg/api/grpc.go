package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported alongside the
// server-wide "" entry
const ServiceName = "ledgerwatch"

// GRPCServer exposes the standard gRPC health service, mirroring readiness
type GRPCServer struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	ready  func() bool
	logger zerolog.Logger

	stopCh chan struct{}
	once   sync.Once
}

// NewGRPCServer creates the server. A nil ready func uses metrics.IsReady.
func NewGRPCServer(ready func() bool) *GRPCServer {
	if ready == nil {
		ready = metrics.IsReady
	}
	logger := log.WithComponent("grpc")

	s := &GRPCServer{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger))),
		health: grpchealth.NewServer(),
		ready:  ready,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.SyncReadiness()
	return s
}

// SyncReadiness copies the current readiness into the health service
func (s *GRPCServer) SyncReadiness() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchReadiness re-syncs readiness every interval until ctx ends or Stop
func (s *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SyncReadiness()
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Serve accepts connections on lis until Stop
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("address", lis.Addr().String()).Msg("gRPC health server listening")
	return s.grpc.Serve(lis)
}

// Start listens on addr and serves
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops gracefully
func (s *GRPCServer) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}
