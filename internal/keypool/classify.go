package keypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/keyrelay/internal/backend"
)

// Error reasons used in log fields, metrics labels and failure details.
const (
	ReasonInvalidKey  = "invalid_key"
	ReasonRateLimited = "rate_limited"
	ReasonBadRequest  = "bad_request"
	ReasonClientError = "client_error"
	ReasonServerError = "server_error"
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonPanic       = "panic"
	ReasonUnknown     = "unknown"
)

// ErrAttemptPanicked wraps a panic recovered at an attempt boundary.
var ErrAttemptPanicked = errors.New("keypool: attempt panicked")

// Classify maps an upstream error onto one of the Reason constants.
//
//   - 401/403            → invalid_key (the key itself is bad)
//   - 429                → rate_limited (quota for this key is spent)
//   - 400                → bad_request, or invalid_key when the upstream
//     reports the key as malformed
//   - other 4xx          → client_error
//   - 5xx                → server_error
//   - deadline exceeded  → timeout
//   - context.Canceled   → canceled
//   - anything else      → unknown
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAttemptPanicked) {
		return ReasonPanic
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}

	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return ReasonInvalidKey
		case status == http.StatusTooManyRequests:
			return ReasonRateLimited
		case status == http.StatusBadRequest && invalidKeyMessage(err):
			return ReasonInvalidKey
		case status == http.StatusBadRequest:
			return ReasonBadRequest
		case status >= 400 && status < 500:
			return ReasonClientError
		case status >= 500:
			return ReasonServerError
		}
	}
	return ReasonUnknown
}

// describe renders the human-readable failure detail returned to callers.
func describe(reason string, err error) string {
	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("%s (http %d): %v", reason, sc.HTTPStatus(), err)
	}
	return fmt.Sprintf("%s: %v", reason, err)
}

// invalidKeyMessage recognizes the 400 responses the Gemini API sends for
// malformed keys.
func invalidKeyMessage(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "API_KEY_INVALID") || strings.Contains(msg, "API key not valid")
}
