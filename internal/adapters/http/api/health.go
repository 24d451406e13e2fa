package api

import (
	"context"
	"net/http"
	"time"

	"github.com/okian/creditscore/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthTimeout = 2 * time.Second

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Store   string `json:"store"`
	Error   string `json:"error,omitempty"`
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// HandleHealth handles GET /healthz. It answers 503 when the store does not
// respond.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.checker.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Success: false,
			Status:  "degraded",
			Store:   "unreachable",
			Error:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Success: true, Status: "ok", Store: "ok"})
}

// NewMetricsHandler serves the service registry in Prometheus text format.
func NewMetricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
}
