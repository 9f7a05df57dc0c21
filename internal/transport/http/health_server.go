package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/transport/http/handlers"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const checkTimeout = 2 * time.Second

// HealthCheck probes one dependency. A failing critical check makes the
// service unready; a failing optional one only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
	Duration  string       `json:"duration"`
}

type OverallHealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthServer answers liveness, readiness and health probes from a fixed set
// of dependency checks.
type HealthServer struct {
	service   string
	version   string
	checks    []HealthCheck
	metrics   metrics.Metrics
	logger    logging.Logger
	startTime time.Time
}

func NewHealthServer(service, version string, checks []HealthCheck, m metrics.Metrics, logger logging.Logger) *HealthServer {
	return &HealthServer{
		service:   service,
		version:   version,
		checks:    checks,
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Report runs every check concurrently.
func (h *HealthServer) Report(ctx context.Context) OverallHealthResponse {
	components := make(map[string]ComponentHealth, len(h.checks))
	status := HealthStatusHealthy

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range h.checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()
			res := runCheck(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			components[c.Name] = res
			if res.Status == HealthStatusHealthy {
				return
			}
			if c.Critical {
				status = HealthStatusUnhealthy
			} else if status == HealthStatusHealthy {
				status = HealthStatusDegraded
			}
		}(c)
	}
	wg.Wait()

	return OverallHealthResponse{
		Status:     status,
		Service:    h.service,
		Version:    h.version,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Components: components,
	}
}

// Ready reports whether every critical check passes.
func (h *HealthServer) Ready(ctx context.Context) bool {
	for _, c := range h.checks {
		if c.Critical && runCheck(ctx, c).Status != HealthStatusHealthy {
			return false
		}
	}
	return true
}

func runCheck(ctx context.Context, c HealthCheck) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	res := ComponentHealth{Status: HealthStatusHealthy}
	if err := c.Check(ctx); err != nil {
		res.Status = HealthStatusUnhealthy
		res.Message = err.Error()
	}
	res.CheckedAt = time.Now().UTC()
	res.Duration = time.Since(start).String()
	return res
}

func (h *HealthServer) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.Report(r.Context())
	status := http.StatusOK
	if report.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
		h.logger.Warn(r.Context(), "Health check failed", map[string]interface{}{"components": report.Components})
	}
	_ = handlers.WriteJSON(w, status, report)
}

func (h *HealthServer) HandleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	status, code := HealthStatusHealthy, http.StatusOK
	if !h.Ready(r.Context()) {
		status, code = HealthStatusUnhealthy, http.StatusServiceUnavailable
	}
	_ = handlers.WriteJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   h.service,
		"timestamp": time.Now().UTC(),
	})
}

func (h *HealthServer) HandleLivenessCheck(w http.ResponseWriter, _ *http.Request) {
	_ = handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    HealthStatusHealthy,
		"service":   h.service,
		"timestamp": time.Now().UTC(),
	})
}

// HandleMetrics exposes the in-process metrics snapshot as JSON.
func (h *HealthServer) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	snap, ok := h.metrics.(interface{ Snapshot() metrics.Snapshot })
	if !ok {
		_ = handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Metrics not available"})
		return
	}
	_ = handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
		"metrics": snap.Snapshot(),
	})
}
