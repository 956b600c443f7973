package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

const maxJitter = 250 * time.Millisecond

// Retryer re-runs provider calls that fail with HTTP 429 or 5xx
type Retryer struct {
	maxRetries     int
	initialBackoff time.Duration
	logger         arbor.ILogger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a retryer with exponential backoff
func NewRetryer(maxRetries int, initialBackoff time.Duration, logger arbor.ILogger) *Retryer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	return &Retryer{
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		logger:         logger,
		sleep:          sleepCtx,
	}
}

// Do runs f, retrying retryable provider errors with backoff
// base*2^attempt plus up to 250ms of jitter. A Retry-After carried by the
// error replaces the computed backoff for that attempt.
func (r *Retryer) Do(ctx context.Context, f func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = f(ctx)
		if lastErr == nil {
			return nil
		}

		var provErr *models.ProviderError
		if !errors.As(lastErr, &provErr) || !provErr.Retryable() || attempt >= r.maxRetries {
			return lastErr
		}

		backoff := r.initialBackoff*(1<<attempt) + time.Duration(rand.Int63n(int64(maxJitter)))
		if provErr.RetryAfter > 0 {
			backoff = provErr.RetryAfter
		}

		r.logger.Warn().
			Int("attempt", attempt+1).
			Int("status", provErr.StatusCode).
			Dur("backoff", backoff).
			Msg("Provider call failed, retrying")

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}
