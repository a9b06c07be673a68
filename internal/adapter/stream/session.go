package stream

import (
	"context"
	"strings"
	"time"

	"github.com/relaygate/circuit/internal/adapter/breaker"
	"github.com/relaygate/circuit/internal/adapter/metrics"
	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/core/domain"
	"github.com/relaygate/circuit/internal/core/ports"
	"github.com/relaygate/circuit/internal/logger"
	"github.com/relaygate/circuit/internal/pricing"
	"github.com/relaygate/circuit/internal/quota"
	"github.com/relaygate/circuit/internal/tokenize"
)

// Session accumulates one streaming completion and settles it when the
// stream ends. Settlement happens exactly once, whether the stream drained
// cleanly or broke mid-flight.
//
// A session is driven by a single goroutine; it is not safe for concurrent
// use.
type Session struct {
	log     *logger.StyledLogger
	counter *tokenize.Counter
	prices  *pricing.Table
	quota   *quota.Enforcer
	metrics *metrics.Registry
	store   ports.AuditStore
	brk     *breaker.Breaker
	clock   clock.Clock

	requestID  string
	clientHash string
	provider   string
	model      string
	messages   []domain.ChatMessage

	start       time.Time
	accumulated strings.Builder
	frames      int
	settled     bool
}

// SessionParams carries the per-request identity of a stream.
type SessionParams struct {
	RequestID  string
	ClientHash string
	Provider   string
	Model      string
	Messages   []domain.ChatMessage
	// Breaker is nil when the stream came from the fallback provider;
	// breaker state reflects the primary path only.
	Breaker *breaker.Breaker
}

// SessionDeps carries the shared settlement machinery.
type SessionDeps struct {
	Logger  *logger.StyledLogger
	Counter *tokenize.Counter
	Prices  *pricing.Table
	Quota   *quota.Enforcer
	Metrics *metrics.Registry
	Store   ports.AuditStore
	Clock   clock.Clock
}

func NewSession(deps SessionDeps, params SessionParams) *Session {
	return &Session{
		log:        deps.Logger,
		counter:    deps.Counter,
		prices:     deps.Prices,
		quota:      deps.Quota,
		metrics:    deps.Metrics,
		store:      deps.Store,
		brk:        params.Breaker,
		clock:      deps.Clock,
		requestID:  params.RequestID,
		clientHash: params.ClientHash,
		provider:   params.Provider,
		model:      params.Model,
		messages:   params.Messages,
		start:      deps.Clock.Now(),
	}
}

// Observe normalizes one upstream frame, folding any delta text into the
// running accumulation. The returned chunk's Frame is what the caller
// forwards to the client.
func (s *Session) Observe(frame []byte) Chunk {
	chunk := Normalize(frame)
	s.frames++
	if chunk.Text != "" {
		s.accumulated.WriteString(chunk.Text)
	}
	return chunk
}

// Frames reports how many upstream frames the session has observed.
func (s *Session) Frames() int { return s.frames }

// Accumulated returns the assistant text folded so far.
func (s *Session) Accumulated() string { return s.accumulated.String() }

// FinalizeSuccess settles a cleanly drained stream: counts tokens over the
// accumulation, prices the request, checks and accrues quota, writes the
// audit row and reports success to the breaker. A quota overrun at this
// point is recorded as a 429 outcome with no accrual; the client already
// holds the data.
func (s *Session) FinalizeSuccess(ctx context.Context) {
	if s.settled {
		return
	}
	s.settled = true

	promptTokens := s.counter.CountMessages(s.model, s.messages)
	completionTokens := s.counter.CountText(s.model, s.accumulated.String())
	cost := s.prices.EstimateCostUSD(s.model, &promptTokens, &completionTokens)

	// settledCost is what the audit row records; it stays nil when the
	// ledger was unreachable, so recorded cost never exceeds accrued cost.
	status := 200
	settledCost := &cost
	allowed, spent, limit, err := s.quota.Check(ctx, s.clientHash, cost)
	switch {
	case err != nil:
		settledCost = nil
		s.log.Error("stream quota check failed; cost not settled for this request",
			"request_id", s.requestID, "cost_usd", cost, "error", err)
	case !allowed:
		status = 429
		s.metrics.Inc(metrics.CounterTotal429, s.clientHash)
		s.metrics.Inc(metrics.CounterQuotaHits, s.clientHash)
		s.log.WarnWithClient("stream exceeded daily quota after delivery", s.clientHash,
			"spent_usd", spent, "cost_usd", cost, "limit_usd", limit)
	case cost > 0:
		if err := s.quota.Accrue(ctx, s.clientHash, cost); err != nil {
			s.log.Error("stream quota accrual failed", "error", err)
		}
	}

	if status == 200 {
		s.metrics.Inc(metrics.CounterTotalSuccess, s.clientHash)
		s.metrics.Add(metrics.CounterTotalTokensInput, float64(promptTokens), s.clientHash)
		s.metrics.Add(metrics.CounterTotalTokensOutput, float64(completionTokens), s.clientHash)
		if settledCost != nil {
			s.metrics.Add(metrics.CounterTotalCostUSD, cost, s.clientHash)
		}
	}

	s.audit(ctx, status, &promptTokens, &completionTokens, settledCost)

	if s.brk != nil {
		s.brk.RecordSuccess()
	}

	s.log.InfoWithProvider("stream settled", s.provider,
		"request_id", s.requestID,
		"frames", s.frames,
		"tokens_input", promptTokens,
		"tokens_output", completionTokens,
		"cost_usd", cost,
		"status", status)
}

// FinalizeFailure settles a stream that broke mid-flight. Tokens observed
// before the break are recorded on the audit row, but nothing accrues to
// the quota ledger.
func (s *Session) FinalizeFailure(ctx context.Context, cause error) {
	if s.settled {
		return
	}
	s.settled = true

	promptTokens := s.counter.CountMessages(s.model, s.messages)
	completionTokens := s.counter.CountText(s.model, s.accumulated.String())

	s.audit(ctx, 502, &promptTokens, &completionTokens, nil)

	if s.brk != nil {
		s.brk.RecordFailure()
	}

	s.log.Error("stream failed mid-flight",
		"request_id", s.requestID,
		"provider", s.provider,
		"frames", s.frames,
		"error", cause)
}

func (s *Session) audit(ctx context.Context, status int, tokensIn, tokensOut *int, cost *float64) {
	row := ports.AuditRow{
		RequestID:    s.requestID,
		Timestamp:    s.clock.Now().UTC().Format(time.RFC3339Nano),
		Provider:     s.provider,
		Model:        s.model,
		StatusCode:   status,
		LatencyMs:    s.clock.Since(s.start).Milliseconds(),
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CostUSD:      cost,
	}
	if err := s.store.RecordRequest(ctx, row); err != nil {
		s.log.Error("stream audit write failed", "request_id", s.requestID, "error", err)
	}
}
