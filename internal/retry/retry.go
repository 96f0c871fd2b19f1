package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/amishk599/autobid/internal/model"
)

// RetrySource is a decorator that retries transient read failures with
// exponential backoff and jitter before giving up. Rate limits are never
// retried here: they belong to the shared cooldown window.
//
// Bid submission is not wrapped. A POST that timed out may have landed.
type RetrySource struct {
	inner      model.JobSource
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// NewRetrySource wraps a JobSource with retry logic.
// maxRetries is the number of additional attempts after the first failure.
// baseDelay is the delay before the first retry, doubled on each subsequent retry.
func NewRetrySource(inner model.JobSource, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *RetrySource {
	return &RetrySource{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

// FetchJob fetches a job snapshot, retrying on transient errors.
func (r *RetrySource) FetchJob(ctx context.Context, jobID string) (model.Job, error) {
	return do(ctx, r, "fetch_job", func() (model.Job, error) {
		return r.inner.FetchJob(ctx, jobID)
	})
}

// ListActiveJobIDs lists open job IDs, retrying on transient errors.
func (r *RetrySource) ListActiveJobIDs(ctx context.Context) ([]string, error) {
	return do(ctx, r, "list_active_jobs", func() ([]string, error) {
		return r.inner.ListActiveJobIDs(ctx)
	})
}

// ListExistingBids lists the account's bids on a job, retrying on transient errors.
func (r *RetrySource) ListExistingBids(ctx context.Context, jobID, accountID string) ([]model.BidRecord, error) {
	return do(ctx, r, "list_bids", func() ([]model.BidRecord, error) {
		return r.inner.ListExistingBids(ctx, jobID, accountID)
	})
}

func do[T any](ctx context.Context, r *RetrySource, op string, call func() (T, error)) (T, error) {
	v, err := call()
	if err == nil || !model.IsTransient(err) {
		return v, err
	}

	lastErr := err
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		delay := r.backoffDelay(attempt)

		r.logger.Warn("retrying after transient error",
			"op", op,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}

		v, err = call()
		if err == nil || !model.IsTransient(err) {
			return v, err
		}
		lastErr = err
	}

	var zero T
	return zero, lastErr
}

// backoffDelay computes the delay for a given attempt with ±30% jitter.
func (r *RetrySource) backoffDelay(attempt int) time.Duration {
	// Exponential: baseDelay * 2^(attempt-1)
	delay := r.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	jitter := float64(delay) * 0.3
	return time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
}
