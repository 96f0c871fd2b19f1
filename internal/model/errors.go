package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrRateLimited marks a marketplace rate-limit signal (HTTP 429) or a
	// call refused because the shared cooldown window is active.
	ErrRateLimited = errors.New("marketplace rate limited")

	// ErrLockHeld is returned when another trigger already owns the action
	// for a job. It is an expected outcome, not a failure.
	ErrLockHeld = errors.New("action already in flight")

	// ErrNotFound is returned by stores and sources for unknown keys or jobs.
	ErrNotFound = errors.New("not found")
)

// HTTPError wraps an HTTP status code so retry and rate-limit logic can inspect it.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // from Retry-After header, zero if absent
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRateLimited) match a 429 response.
func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// ValidationError reports a malformed job snapshot. The job is skipped for
// the current cycle and picked up again on its normal schedule.
type ValidationError struct {
	JobID  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid job %s: %s %s", e.JobID, e.Field, e.Reason)
}

// IsRateLimited reports whether err carries a marketplace rate-limit signal.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsTransient returns true for network failures and 5xx responses.
// Rate limits, 4xx responses, validation failures and cancellations are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation: never retry.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNotFound) {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}

	// Non-HTTP errors (network, DNS) are transient.
	return true
}
