// Package breaker implements the three-state circuit breaker guarding the
// primary provider. Closed passes everything; Open rejects until the
// cooldown elapses; HalfOpen admits exactly one probe whose outcome decides
// the next state.
package breaker

import (
	"sync"
	"time"

	"github.com/relaygate/circuit/internal/clock"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Breaker is process-wide for a given primary provider. All state lives
// behind one mutex; critical sections are a few comparisons.
type Breaker struct {
	mu               sync.Mutex
	clock            clock.Clock
	state            State
	failCount        int
	openedAt         time.Time
	halfOpenInFlight bool
	failureThreshold int
	cooldown         time.Duration
}

func New(failureThreshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		clock:            clk,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// AllowRequest reports whether a primary call may proceed. In Open it
// transitions to HalfOpen once the cooldown has elapsed and admits that
// caller as the single probe; in HalfOpen it admits only when no probe is
// in flight.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.clock.Since(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.halfOpenInFlight = true
			return true
		}
		return false

	case StateHalfOpen:
		if !b.halfOpenInFlight {
			b.halfOpenInFlight = true
			return true
		}
		return false
	}

	return false
}

// RecordSuccess resets the breaker to Closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failCount = 0
	b.state = StateClosed
	b.halfOpenInFlight = false
	b.openedAt = time.Time{}
}

// RecordFailure counts one failure, tripping to Open at the threshold. A
// HalfOpen failure re-trips immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failCount++

	if b.state == StateHalfOpen {
		b.trip()
		return
	}

	if b.failCount >= b.failureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.halfOpenInFlight = false
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailCount returns the consecutive failure count since the last success.
func (b *Breaker) FailCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failCount
}
