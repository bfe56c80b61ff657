package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidEvent marks a request that fails local validation.
var ErrInvalidEvent = errors.New("invalid event")

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, msg)
}

// APIError is a failed call to the calendar service that carries an HTTP status.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later.
func (e *APIError) Retryable() bool {
	return RetryableStatus(e.StatusCode)
}

// RetryableStatus is true for 5xx, 408 and 429.
func RetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
