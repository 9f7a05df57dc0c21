package grpc

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

// ServiceName is the health service name reported alongside the overall "" entry.
const ServiceName = "inventory.v1.InventoryService"

// ReadyFunc reports whether the service can take traffic.
type ReadyFunc func(ctx context.Context) bool

// Server exposes grpc.health.v1 with a status that follows the service's
// readiness checks.
type Server struct {
	config       config.GRPCConfig
	grpcServer   *grpc.Server
	healthServer *health.Server
	ready        ReadyFunc
	logger       logging.Logger
	metrics      metrics.Metrics
}

func NewServer(cfg config.GRPCConfig, ready ReadyFunc, logger logging.Logger, m metrics.Metrics) *Server {
	s := &Server{
		config:       cfg,
		healthServer: health.NewServer(),
		ready:        ready,
		logger:       logger,
		metrics:      m,
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.loggingInterceptor),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}))
	}
	s.grpcServer = grpc.NewServer(opts...)

	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	if cfg.ReflectionEnabled {
		reflection.Register(s.grpcServer)
	}
	s.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start serves until Stop and refreshes the health status every
// HealthInterval.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Refresh(ctx)
	go s.refreshLoop(ctx)

	s.logger.Info(ctx, "gRPC server listening", map[string]interface{}{"address": ln.Addr().String()})
	if err := s.grpcServer.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING, then drains in-flight calls until ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.healthServer.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info(ctx, "gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn(ctx, "Force stopping gRPC server")
		s.grpcServer.Stop()
	}
}

// Refresh runs the readiness check once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !s.ready(ctx) {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.setStatus(st)
}

func (s *Server) refreshLoop(ctx context.Context) {
	interval := s.config.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *Server) setStatus(st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	code := status.Code(err)
	s.metrics.IncrementCounter("grpc_requests_total", map[string]string{"method": info.FullMethod, "code": code.String()})
	fields := map[string]interface{}{
		"method":      info.FullMethod,
		"code":        code.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.logger.Warn(ctx, "gRPC request failed", fields)
	} else {
		s.logger.Debug(ctx, "gRPC request completed", fields)
	}
	return resp, err
}

func (s *Server) recoveryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "gRPC handler panic", fmt.Errorf("panic: %v", r), map[string]interface{}{
				"method": info.FullMethod,
				"stack":  string(debug.Stack()),
			})
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
