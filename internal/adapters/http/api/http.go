// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	eventqueue "github.com/okian/creditscore/internal/adapters/mq/queue"
	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/scoring"
	"github.com/okian/creditscore/pkg/logger"
	"github.com/okian/creditscore/pkg/metrics"
)

const (
	defaultRateLimitRequests = 10
	defaultRateLimitWindow   = time.Minute
	defaultMaxBatchSize      = 500
	retryAfterSeconds        = "1"
)

// ScoreService reads and updates scores.
type ScoreService interface {
	GetScore(ctx context.Context, userID string) (model.ScoreView, error)
	ApplyRepayment(ctx context.Context, ev model.RepaymentEvent) (model.UpdateResult, error)
}

// Idempotency remembers Idempotency-Key values.
type Idempotency interface {
	SeenAndRecord(ctx context.Context, key string) bool
	Unrecord(ctx context.Context, key string)
}

// BatchEnqueuer queues repayments for asynchronous application.
type BatchEnqueuer interface {
	Enqueue(ctx context.Context, ev model.RepaymentEvent, idempotencyKey string) (string, error)
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	ScoreService
	Idempotency
	BatchEnqueuer
	HealthChecker
	StatsProvider
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAPIKey sets the key required on write endpoints. An empty key rejects
// every write.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithRateLimit allows requests per window per client on write endpoints.
func WithRateLimit(requests int, window time.Duration) ServerOption {
	return func(s *Server) {
		if requests > 0 && window > 0 {
			s.rateRequests = requests
			s.rateWindow = window
		}
	}
}

// WithMaxBatchSize caps events per batch request.
func WithMaxBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxBatchSize = n
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	apiKey       string
	rateRequests int
	rateWindow   time.Duration
	maxBatchSize int
	logger       logger.Logger

	limiter *RateLimiter

	healthHandler  *HealthHandler
	metricsHandler http.Handler
	statsHandler   *StatsHandler
	scoreHandler   *ScoreHandler
	eventsHandler  *EventsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...ServerOption) *Server {
	s := &Server{
		rateRequests: defaultRateLimitRequests,
		rateWindow:   defaultRateLimitWindow,
		maxBatchSize: defaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	if s.apiKey == "" {
		s.logger.Warn(context.Background(), "no internal api key configured; write endpoints will reject every request")
	}

	s.limiter = NewRateLimiter(s.rateRequests, s.rateWindow)
	s.healthHandler = NewHealthHandler(deps)
	s.metricsHandler = NewMetricsHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.scoreHandler = NewScoreHandler(deps, deps, s.logger)
	s.eventsHandler = NewEventsHandler(deps, deps, s.maxBatchSize, s.logger)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	guard := func(next http.HandlerFunc) http.HandlerFunc {
		return RequireAPIKey(s.apiKey, s.limiter.Middleware(next))
	}

	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("GET /metrics", s.metricsHandler)
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("GET /score/{userId}", MetricsMiddleware(s.scoreHandler.HandleGetScore, "score_get"))
	mux.HandleFunc("POST /score/update", MetricsMiddleware(guard(s.scoreHandler.HandleUpdateScore), "score_update"))
	mux.HandleFunc("POST /score/events", MetricsMiddleware(guard(s.eventsHandler.HandlePostEvents), "score_events"))
}

// Handler returns mux wrapped with request id propagation.
func (s *Server) Handler(mux *http.ServeMux) http.Handler {
	return RequestID(mux)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Close()
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeFailureBody is sent when a response value cannot be encoded.
const encodeFailureBody = `{"success":false,"code":"internal_error","message":"Internal Server Error"}` + "\n"

// writeJSON encodes v before touching the response so an encoding failure
// still produces a well-formed 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		metrics.RecordErrorByComponent("api", "encode")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(encodeFailureBody))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = publicMessage(err)
	}
	writeJSON(w, status, errorResponse{Success: false, Code: code, Message: msg})
}

// classify maps a service error to a status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, scoring.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_user_id"
	case errors.Is(err, scoring.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict, "duplicate_repayment"
	case errors.Is(err, scoring.ErrConcurrencyExhausted):
		return http.StatusServiceUnavailable, "concurrency_exhausted"
	case errors.Is(err, eventqueue.ErrFull), errors.Is(err, ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, eventqueue.ErrClosed), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, scoring.ErrStorageUnavailable):
		return http.StatusInternalServerError, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeServiceError writes err with its mapped status. Retryable failures
// carry Retry-After; internal details are not echoed for 5xx.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		writeJSON(w, status, errorResponse{Success: false, Code: code, Message: http.StatusText(status)})
		return
	}
	writeError(w, status, code, err)
}
