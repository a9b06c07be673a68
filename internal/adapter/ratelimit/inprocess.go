package ratelimit

/*
			Circuit Rate Limiter - In-Process Token Buckets
	One token bucket per client hash, created full on first sight. Refill is
	lazy: the limiter computes elapsed time against the injected clock on
	every admission query, so an idle client converges back to capacity
	without any background work.

	Idle buckets are evicted periodically. Eviction is equivalent to
	re-initialisation to full, which is safe once a client has been absent
	longer than capacity/refill seconds - it would be at capacity anyway.

	References:
	- https://pkg.go.dev/golang.org/x/time/rate
*/

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/relaygate/circuit/internal/clock"
)

const defaultCleanupInterval = 10 * time.Minute

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

type InProcessLimiter struct {
	buckets       *xsync.Map[string, *bucketEntry]
	clock         clock.Clock
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	capacity      int
	refillPerSec  float64
	idleTTL       time.Duration
}

func NewInProcessLimiter(capacity int, refillPerSec float64, clk clock.Clock) *InProcessLimiter {
	l := &InProcessLimiter{
		buckets:      xsync.NewMap[string, *bucketEntry](),
		clock:        clk,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		stopCleanup:  make(chan struct{}),
	}

	// A bucket idle longer than this has fully refilled; evicting it is
	// indistinguishable from keeping it.
	l.idleTTL = time.Duration(float64(capacity)/refillPerSec*float64(time.Second)) + time.Minute

	l.cleanupTicker = time.NewTicker(defaultCleanupInterval)
	go l.cleanupRoutine()

	return l
}

// Allow deducts one token from the client's bucket, refilling lazily first.
// Never returns an error; the in-process backend cannot fail.
func (l *InProcessLimiter) Allow(_ context.Context, clientHash string) (bool, error) {
	now := l.clock.Now()

	entry, ok := l.buckets.Load(clientHash)
	if !ok {
		// New buckets start full
		entry, _ = l.buckets.LoadOrStore(clientHash, &bucketEntry{
			limiter:    rate.NewLimiter(rate.Limit(l.refillPerSec), l.capacity),
			lastAccess: now,
		})
	}

	entry.mu.Lock()
	entry.lastAccess = now
	allowed := entry.limiter.AllowN(now, 1)
	entry.mu.Unlock()

	return allowed, nil
}

func (l *InProcessLimiter) cleanupRoutine() {
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-l.cleanupTicker.C:
			l.evictIdleBuckets()
		}
	}
}

func (l *InProcessLimiter) evictIdleBuckets() {
	cutoff := l.clock.Now().Add(-l.idleTTL)

	l.buckets.Range(func(key string, entry *bucketEntry) bool {
		entry.mu.Lock()
		lastAccess := entry.lastAccess
		entry.mu.Unlock()

		if lastAccess.Before(cutoff) {
			l.buckets.Delete(key)
		}
		return true
	})
}

func (l *InProcessLimiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stopCleanup)
	})
}
