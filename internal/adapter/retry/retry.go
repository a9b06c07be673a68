// Package retry drives bounded retries with jittered exponential backoff
// over upstream calls, and the primary-to-fallback escalation built on top
// of them.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/core/domain"
)

const jitterMax = 50 * time.Millisecond

type Config struct {
	// MaxRetries is the number of extra attempts after the initial one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}
}

// Operation is one upstream call. A returned response carrying a soft
// structured error is treated as a failure for retry purposes.
type Operation func(ctx context.Context) (*domain.ChatResponse, error)

type Engine struct {
	cfg   Config
	clock clock.Clock
}

func NewEngine(cfg Config, clk clock.Clock) *Engine {
	return &Engine{cfg: cfg, clock: clk}
}

// Do runs op until it succeeds or attempts are exhausted. Responses whose
// structured error code is in the soft set (timeout, server_error,
// rate_limit) are promoted to failures; anything else - including
// responses carrying a non-retryable structured error - returns
// immediately for the caller to inspect. After exhaustion the last
// failure propagates.
//
// Do does not consult the breaker; the caller wires breaker outcomes.
func (e *Engine) Do(ctx context.Context, op Operation) (*domain.ChatResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			if err := e.clock.Sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		resp, err := op(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		if resp != nil && resp.Issue != nil && domain.SoftErrorCode(resp.Issue.Code) {
			lastErr = fmt.Errorf("upstream %s: %s", resp.Issue.Code, resp.Issue.Message)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", domain.ErrRetryExhausted, lastErr)
}

// backoff computes the delay before attempt k (k >= 2):
// min(base * 2^(k-2), max) plus uniform jitter in [0, 50ms).
func (e *Engine) backoff(attempt int) time.Duration {
	delay := float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt-2))
	if delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}

	jitter := rand.Int63n(int64(jitterMax))

	return time.Duration(delay) + time.Duration(jitter)
}
