package stats

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is returned when the stats service answers 429
type RateLimitError struct {
	URL        string
	RetryAfter time.Duration // Zero when the service sent no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by stats service (retry after %s)", e.RetryAfter)
	}
	return "rate limited by stats service"
}

// ServerError is a 5xx answer. A 500 usually means a parameter the service
// could not parse, so the full request URL is kept for diagnosis.
type ServerError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("stats service error (status %d) for %s: %s", e.StatusCode, e.URL, e.Body)
}

// HTTPError is any other non-2xx answer
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("stats request failed (status %d): %s", e.StatusCode, e.Body)
}

// TransientError wraps transport failures and an open circuit
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient stats failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRateLimit reports whether err is a rate-limit rejection
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsTransient reports whether err is worth one more attempt: server errors,
// transport failures and an open circuit
func IsTransient(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter returns the service's retry hint carried by err, if any
func RetryAfter(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}
