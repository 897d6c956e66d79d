package spotify

import (
	"errors"
	"fmt"
	"net/http"
)

// Terminal error kinds surfaced by the client. Wrapped values carry detail;
// callers match with errors.Is.
var (
	// ErrAuthExpired means there is no valid token and refresh failed.
	ErrAuthExpired = errors.New("spotify: no valid token, please log in again")

	// ErrPremiumRequired means the service forbids Player control for this
	// account. Never retried.
	ErrPremiumRequired = errors.New("spotify: player control requires a Premium account")

	// ErrNotFound means the device or resource is gone. Never retried.
	ErrNotFound = errors.New("spotify: resource not found")

	// ErrRateLimited is returned only after 429 retries are exhausted.
	ErrRateLimited = errors.New("spotify: rate limited, retries exhausted")
)

// APIError is a non-retryable 4xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotify: API error %d: %s", e.StatusCode, e.Body)
}

// TransientError is a 5xx or timeout that survived all retries.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("spotify: transient failure after retries: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// HTTPStatus maps a client error onto the status code a command handler
// should return.
func HTTPStatus(err error) int {
	var apiErr *APIError
	var transient *TransientError

	switch {
	case errors.Is(err, ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPremiumRequired):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &transient):
		return http.StatusBadGateway
	case errors.As(err, &apiErr):
		return apiErr.StatusCode
	default:
		return http.StatusInternalServerError
	}
}
