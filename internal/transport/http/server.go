package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/amiosamu/inventory-ledger/internal/transport/http/handlers"
	customMiddleware "github.com/amiosamu/inventory-ledger/internal/transport/http/middleware"
	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

// Server is the HTTP API of the inventory service.
type Server struct {
	server           *http.Server
	router           *chi.Mux
	logger           logging.Logger
	metrics          metrics.Metrics
	inventoryHandler *handlers.InventoryHandler
	healthServer     *HealthServer
	config           config.ServerConfig
	corsOrigins      []string
}

func NewServer(
	cfg config.ServerConfig,
	corsOrigins []string,
	inventoryHandler *handlers.InventoryHandler,
	healthServer *HealthServer,
	logger logging.Logger,
	m metrics.Metrics,
) *Server {
	s := &Server{
		logger:           logger,
		metrics:          m,
		inventoryHandler: inventoryHandler,
		healthServer:     healthServer,
		config:           cfg,
		corsOrigins:      corsOrigins,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	requestTimeout := s.config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	s.router = chi.NewRouter()
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))

	s.router.Use(customMiddleware.LoggingMiddleware(s.logger))
	s.router.Use(customMiddleware.TracingMiddleware("inventory-service"))
	s.router.Use(customMiddleware.MetricsMiddleware(s.metrics))
	s.router.Use(customMiddleware.SecurityHeadersMiddleware())
	s.router.Use(customMiddleware.CORSMiddleware(s.corsOrigins))
	s.router.Use(customMiddleware.ContentTypeMiddleware())

	s.router.Get("/health", s.healthServer.HandleHealthCheck)
	s.router.Get("/ready", s.healthServer.HandleReadinessCheck)
	s.router.Get("/live", s.healthServer.HandleLivenessCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/metrics", s.healthServer.HandleMetrics)

		r.Route("/inventory", func(r chi.Router) {
			r.Post("/", s.inventoryHandler.CreateInventory)
			r.Get("/low-stock", s.inventoryHandler.ListLowStock)

			r.Route("/{productID}", func(r chi.Router) {
				r.Get("/", s.inventoryHandler.GetInventory)
				r.Get("/events", s.inventoryHandler.ListEvents)
				r.Post("/reserve", s.inventoryHandler.ReserveInventory)
				r.Post("/release", s.inventoryHandler.ReleaseInventory)
				r.Post("/adjust", s.inventoryHandler.AdjustInventory)
			})
		})
	})
}

// Start serves until the server is shut down. It returns nil after Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info(ctx, "Starting HTTP server", map[string]interface{}{"address": s.server.Addr})
	s.logRoutes(ctx)

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info(ctx, "Stopping HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info(ctx, "HTTP server stopped")
	return nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRoutes(ctx context.Context) {
	_ = chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		s.logger.Debug(ctx, "Route registered", map[string]interface{}{"method": method, "route": route})
		return nil
	})
}
