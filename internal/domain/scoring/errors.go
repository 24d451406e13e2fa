package scoring

import "errors"

// Sentinel kinds returned by the engine. Callers match them with errors.Is.
var (
	// ErrInvalidRequest marks malformed repayment input. Nothing was written.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUserID marks an empty or malformed user identifier.
	ErrInvalidUserID = errors.New("invalid user id")
	// ErrConcurrencyExhausted means every commit attempt lost a race. The
	// whole request is safe to retry.
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")
	// ErrStorageUnavailable wraps any failure reported by the store.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsRetryable reports whether err is transient for the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyExhausted)
}

// Kind returns a short label for err, used in metrics and API error codes.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidUserID):
		return "invalid_user_id"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrConcurrencyExhausted):
		return "concurrency_exhausted"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
