package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/scoring"
	"github.com/okian/creditscore/pkg/logger"
)

const maxBodyBytes = 1 << 20

type scoreResponse struct {
	Success bool `json:"success"`
	model.ScoreView
}

type updateResponse struct {
	Success bool `json:"success"`
	model.UpdateResult
}

// ScoreHandler serves single-user score reads and synchronous updates.
type ScoreHandler struct {
	scores   ScoreService
	keys     Idempotency
	validate *validator.Validate
	logger   logger.Logger
}

// NewScoreHandler creates a new score handler.
func NewScoreHandler(scores ScoreService, keys Idempotency, l logger.Logger) *ScoreHandler {
	return &ScoreHandler{
		scores:   scores,
		keys:     keys,
		validate: newValidator(),
		logger:   l,
	}
}

// HandleGetScore handles GET /score/{userId}.
func (h *ScoreHandler) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_score"
	userID := r.PathValue("userId")
	if !scoring.ValidUserID(userID) {
		writeError(w, http.StatusBadRequest, "invalid_user_id", WrapKind(op, ErrBadRequest, scoring.ErrInvalidUserID))
		return
	}
	view, err := h.scores.GetScore(r.Context(), userID)
	if err != nil {
		h.logFailure(r, op, err)
		writeServiceError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse{Success: true, ScoreView: view})
}

// HandleUpdateScore handles POST /score/update. Authentication and rate
// limiting run before it.
func (h *ScoreHandler) HandleUpdateScore(w http.ResponseWriter, r *http.Request) {
	const op = "api.update_score"
	var req repaymentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		err = validationError(err)
		status, code := classify(err)
		writeError(w, status, code, Wrap(op, err))
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = req.IdempotencyKey
	}
	if len(key) > 128 {
		writeError(w, http.StatusBadRequest, "invalid_request",
			WrapKind(op, ErrBadRequest, errors.New("idempotency key must be at most 128 characters")))
		return
	}
	if key != "" && h.keys.SeenAndRecord(r.Context(), key) {
		writeError(w, http.StatusConflict, "duplicate_repayment", NewKind(op, ErrDuplicate))
		return
	}

	res, err := h.scores.ApplyRepayment(r.Context(), req.event())
	if err != nil {
		if key != "" {
			h.keys.Unrecord(r.Context(), key)
		}
		h.logFailure(r, op, err)
		writeServiceError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true, UpdateResult: res})
}

func (h *ScoreHandler) logFailure(r *http.Request, op string, err error) {
	status, _ := classify(err)
	if status < http.StatusInternalServerError {
		return
	}
	h.logger.Error(r.Context(), "request failed",
		logger.String("op", op),
		logger.String("requestId", RequestIDFrom(r.Context())),
		logger.Error(err),
	)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if dec.More() {
		return errors.New("decode body: unexpected trailing data")
	}
	return nil
}
