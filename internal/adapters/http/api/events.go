package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/okian/creditscore/pkg/logger"
)

type acceptedEvent struct {
	Index int    `json:"index"`
	JobID string `json:"jobId"`
}

type batchResponse struct {
	Success    bool            `json:"success"`
	Accepted   []acceptedEvent `json:"accepted"`
	Duplicates []int           `json:"duplicates"`
	Rejected   []int           `json:"rejected,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// EventsHandler accepts repayment batches for asynchronous application.
type EventsHandler struct {
	queue        BatchEnqueuer
	keys         Idempotency
	maxBatchSize int
	validate     *validator.Validate
	logger       logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(queue BatchEnqueuer, keys Idempotency, maxBatchSize int, l logger.Logger) *EventsHandler {
	return &EventsHandler{
		queue:        queue,
		keys:         keys,
		maxBatchSize: maxBatchSize,
		validate:     newValidator(),
		logger:       l,
	}
}

// HandlePostEvents handles POST /score/events. The whole batch is validated
// before anything is queued; queueing then stops at the first failure and
// reports the events that were not taken.
func (h *EventsHandler) HandlePostEvents(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_events"
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if len(req.Events) > h.maxBatchSize {
		writeError(w, http.StatusBadRequest, "batch_too_large",
			WrapKind(op, ErrBadRequest, fmt.Errorf("batch has %d events, limit is %d", len(req.Events), h.maxBatchSize)))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		err = validationError(err)
		status, code := classify(err)
		writeError(w, status, code, Wrap(op, err))
		return
	}

	resp := batchResponse{
		Success:    true,
		Accepted:   make([]acceptedEvent, 0, len(req.Events)),
		Duplicates: []int{},
	}
	for i, ev := range req.Events {
		if ev.IdempotencyKey != "" && h.keys.SeenAndRecord(r.Context(), ev.IdempotencyKey) {
			resp.Duplicates = append(resp.Duplicates, i)
			continue
		}
		jobID, err := h.queue.Enqueue(r.Context(), ev.event(), ev.IdempotencyKey)
		if err == nil {
			resp.Accepted = append(resp.Accepted, acceptedEvent{Index: i, JobID: jobID})
			continue
		}

		if ev.IdempotencyKey != "" {
			h.keys.Unrecord(r.Context(), ev.IdempotencyKey)
		}
		for j := i; j < len(req.Events); j++ {
			resp.Rejected = append(resp.Rejected, j)
		}
		status, code := classify(err)
		if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
			status, code = http.StatusServiceUnavailable, "unavailable"
			err = errors.Join(ErrUnavailable, err)
		}
		h.logger.Warn(r.Context(), "batch enqueue stopped",
			logger.Int("accepted", len(resp.Accepted)),
			logger.Int("rejected", len(resp.Rejected)),
			logger.Error(err),
		)
		resp.Success = false
		resp.Code = code
		resp.Message = publicMessage(NewKind(op, kindFor(status)))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func kindFor(status int) error {
	if status == http.StatusTooManyRequests {
		return ErrBackpressure
	}
	return ErrUnavailable
}
