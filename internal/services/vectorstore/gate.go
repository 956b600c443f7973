package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ternarybob/arbor"
)

// embedRateLockKey is the advisory-lock key serializing embed-rate admission
// across processes sharing one database
const embedRateLockKey int64 = 7203_1129_4417

// EmbedRateGate coordinates embedding rate windows across processes through
// a single counter row guarded by an advisory lock. The lock is held only
// while reading and writing the row, never while waiting.
type EmbedRateGate struct {
	store *Store

	rpm int
	tpm int
	tpd int

	logger arbor.ILogger

	now func() time.Time
}

// NewEmbedRateGate creates the distributed gate and ensures its counter
// table exists
func NewEmbedRateGate(ctx context.Context, store *Store, requestsPerMinute, tokensPerMinute, tokensPerDay int, logger arbor.ILogger) (*EmbedRateGate, error) {
	_, err := store.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS docs_embed_rate_window (
			id INT PRIMARY KEY,
			minute_start TIMESTAMPTZ NOT NULL,
			minute_requests BIGINT NOT NULL DEFAULT 0,
			minute_tokens BIGINT NOT NULL DEFAULT 0,
			day_start TIMESTAMPTZ NOT NULL,
			day_tokens BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate window table: %w", err)
	}

	return &EmbedRateGate{
		store:  store,
		rpm:    requestsPerMinute,
		tpm:    tokensPerMinute,
		tpd:    tokensPerDay,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Acquire takes the advisory lock, rolls the shared windows, and either
// admits by incrementing the row or returns the wait until the next roll.
// The lock is released before returning in both cases.
func (g *EmbedRateGate) Acquire(ctx context.Context, requests, tokens int) (time.Duration, error) {
	conn, err := g.store.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection for rate gate: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", embedRateLockKey); err != nil {
		return 0, fmt.Errorf("failed to take rate gate lock: %w", err)
	}
	defer func() {
		// use a fresh context so the unlock survives caller cancellation
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", embedRateLockKey); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to release rate gate lock")
		}
	}()

	now := g.now()

	var minuteStart, dayStart time.Time
	var minuteRequests, minuteTokens, dayTokens int64
	err = conn.QueryRow(ctx, `
		SELECT minute_start, minute_requests, minute_tokens, day_start, day_tokens
		FROM docs_embed_rate_window WHERE id = 1`).
		Scan(&minuteStart, &minuteRequests, &minuteTokens, &dayStart, &dayTokens)
	if err == pgx.ErrNoRows {
		minuteStart, dayStart = now, now
	} else if err != nil {
		return 0, fmt.Errorf("failed to read rate window row: %w", err)
	}

	if now.Sub(minuteStart) >= time.Minute {
		minuteStart = now
		minuteRequests = 0
		minuteTokens = 0
	}
	if now.Sub(dayStart) >= 24*time.Hour {
		dayStart = now
		dayTokens = 0
	}

	if wait := g.blockedFor(now, minuteStart, dayStart, minuteRequests, minuteTokens, dayTokens, requests, tokens); wait > 0 {
		return wait, nil
	}

	_, err = conn.Exec(ctx, `
		INSERT INTO docs_embed_rate_window (id, minute_start, minute_requests, minute_tokens, day_start, day_tokens)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			minute_start = EXCLUDED.minute_start,
			minute_requests = EXCLUDED.minute_requests,
			minute_tokens = EXCLUDED.minute_tokens,
			day_start = EXCLUDED.day_start,
			day_tokens = EXCLUDED.day_tokens`,
		minuteStart, minuteRequests+int64(requests), minuteTokens+int64(tokens),
		dayStart, dayTokens+int64(tokens))
	if err != nil {
		return 0, fmt.Errorf("failed to write rate window row: %w", err)
	}

	return 0, nil
}

// blockedFor returns how long admission must wait, or 0 when it fits now.
// An oversize request is admitted alone into an empty window.
func (g *EmbedRateGate) blockedFor(now, minuteStart, dayStart time.Time, minuteRequests, minuteTokens, dayTokens int64, requests, tokens int) time.Duration {
	wait := time.Duration(0)

	minuteRoll := minuteStart.Add(time.Minute).Sub(now)
	if g.rpm > 0 && minuteRequests+int64(requests) > int64(g.rpm) && minuteRequests > 0 {
		wait = minuteRoll
	}
	if g.tpm > 0 && minuteTokens+int64(tokens) > int64(g.tpm) && minuteTokens > 0 && minuteRoll > wait {
		wait = minuteRoll
	}
	if g.tpd > 0 && dayTokens+int64(tokens) > int64(g.tpd) && dayTokens > 0 {
		if d := dayStart.Add(24 * time.Hour).Sub(now); d > wait {
			wait = d
		}
	}

	return wait
}
