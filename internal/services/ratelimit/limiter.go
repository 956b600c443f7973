// -----------------------------------------------------------------------
// Rate Limiter - rolling request/token windows with FIFO admission
// -----------------------------------------------------------------------

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Gate serializes admission across processes. Acquire returns 0 when the
// caller was admitted, or a positive duration to sleep before retrying.
type Gate interface {
	Acquire(ctx context.Context, requests, tokens int) (time.Duration, error)
}

// Limiter enforces three rolling windows: requests per minute, tokens per
// minute, and tokens per day. A zero quota means unlimited. Waits are
// serialized in a FIFO queue so concurrent callers admit in arrival order.
type Limiter struct {
	mu      sync.Mutex
	waiters []chan struct{}

	rpm int
	tpm int
	tpd int

	minuteStart    time.Time
	minuteRequests int
	minuteTokens   int
	dayStart       time.Time
	dayTokens      int

	gate   Gate
	logger arbor.ILogger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with the given per-window quotas
func New(requestsPerMinute, tokensPerMinute, tokensPerDay int, logger arbor.ILogger) *Limiter {
	return &Limiter{
		rpm:    requestsPerMinute,
		tpm:    tokensPerMinute,
		tpd:    tokensPerDay,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WithGate composes a distributed admission step executed before the local
// windows on every acquire
func (l *Limiter) WithGate(gate Gate) *Limiter {
	l.gate = gate
	return l
}

// Acquire blocks until admitting (requests, tokens) would not overshoot any
// window, then admits by incrementing all counters. Callers are served
// strictly in arrival order.
func (l *Limiter) Acquire(ctx context.Context, requests, tokens int) error {
	if err := l.takeTurn(ctx); err != nil {
		return err
	}
	defer l.releaseTurn()

	if l.gate != nil {
		for {
			wait, err := l.gate.Acquire(ctx, requests, tokens)
			if err != nil {
				return err
			}
			if wait <= 0 {
				break
			}
			l.logger.Debug().Dur("wait", wait).Msg("Distributed gate deferred admission")
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	for {
		l.mu.Lock()
		now := l.now()
		l.roll(now)

		if l.fits(requests, tokens) {
			l.minuteRequests += requests
			l.minuteTokens += tokens
			l.dayTokens += tokens
			l.mu.Unlock()
			return nil
		}

		wait := l.nextEligible(now, tokens)
		l.mu.Unlock()

		l.logger.Debug().Dur("wait", wait).Int("tokens", tokens).Msg("Rate window full, waiting")
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// takeTurn enqueues the caller and blocks until it reaches the queue head
func (l *Limiter) takeTurn(ctx context.Context) error {
	ticket := make(chan struct{})

	l.mu.Lock()
	l.waiters = append(l.waiters, ticket)
	if len(l.waiters) == 1 {
		close(ticket)
	}
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		l.abandonTurn(ticket)
		return ctx.Err()
	}
}

func (l *Limiter) releaseTurn() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.waiters = l.waiters[1:]
	if len(l.waiters) > 0 {
		close(l.waiters[0])
	}
}

func (l *Limiter) abandonTurn(ticket chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range l.waiters {
		if w == ticket {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			// the head may have advanced to us between ctx.Done and the lock
			if i == 0 && len(l.waiters) > 0 {
				close(l.waiters[0])
			}
			return
		}
	}
}

// roll resets any window whose span has elapsed. Window starts anchor to the
// first admission after a reset, so rollover is deterministic given the
// clock.
func (l *Limiter) roll(now time.Time) {
	if l.minuteStart.IsZero() || now.Sub(l.minuteStart) >= time.Minute {
		l.minuteStart = now
		l.minuteRequests = 0
		l.minuteTokens = 0
	}
	if l.dayStart.IsZero() || now.Sub(l.dayStart) >= 24*time.Hour {
		l.dayStart = now
		l.dayTokens = 0
	}
}

// fits reports whether the admission stays inside every window. A request
// larger than a whole quota is admitted alone into an empty window rather
// than blocking forever.
func (l *Limiter) fits(requests, tokens int) bool {
	if l.rpm > 0 && l.minuteRequests+requests > l.rpm {
		if l.minuteRequests > 0 || requests <= l.rpm {
			return false
		}
	}
	if l.tpm > 0 && l.minuteTokens+tokens > l.tpm {
		if l.minuteTokens > 0 || tokens <= l.tpm {
			return false
		}
	}
	if l.tpd > 0 && l.dayTokens+tokens > l.tpd {
		if l.dayTokens > 0 || tokens <= l.tpd {
			return false
		}
	}
	return true
}

// nextEligible returns how long to wait for the earliest window roll that
// could admit the pending acquisition
func (l *Limiter) nextEligible(now time.Time, tokens int) time.Duration {
	wait := time.Duration(0)

	minuteBlocked := (l.rpm > 0 && l.minuteRequests >= l.rpm) ||
		(l.tpm > 0 && l.minuteTokens+tokens > l.tpm && l.minuteTokens > 0)
	if minuteBlocked {
		wait = l.minuteStart.Add(time.Minute).Sub(now)
	}

	if l.tpd > 0 && l.dayTokens+tokens > l.tpd && l.dayTokens > 0 {
		if d := l.dayStart.Add(24 * time.Hour).Sub(now); d > wait {
			wait = d
		}
	}

	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EstimateTokens approximates the provider token cost of a batch as the sum
// of ceil(len/4) per text, floor 1
func EstimateTokens(texts []string) int {
	total := 0
	for _, text := range texts {
		n := (len(text) + 3) / 4
		if n < 1 {
			n = 1
		}
		total += n
	}
	return total
}
