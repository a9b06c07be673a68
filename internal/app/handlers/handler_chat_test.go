package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/circuit/internal/adapter/breaker"
	"github.com/relaygate/circuit/internal/adapter/metrics"
	"github.com/relaygate/circuit/internal/adapter/ratelimit"
	"github.com/relaygate/circuit/internal/adapter/retry"
	"github.com/relaygate/circuit/internal/adapter/store/sqlite"
	"github.com/relaygate/circuit/internal/app/middleware"
	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/domain"
	"github.com/relaygate/circuit/internal/core/ports"
	"github.com/relaygate/circuit/internal/logger"
	"github.com/relaygate/circuit/internal/pricing"
	"github.com/relaygate/circuit/internal/quota"
	"github.com/relaygate/circuit/internal/tokenize"
	"github.com/relaygate/circuit/theme"
)

const testAPIKey = "sk-test-1"

// stubProvider scripts one provider's behaviour per test.
type stubProvider struct {
	name         string
	resp         *domain.ChatResponse
	err          error
	streamFrames [][]byte
	streamErr    error
	calls        int
	streamCalls  int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) ChatCompletion(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	s.calls++
	return s.resp, s.err
}

func (s *stubProvider) ChatCompletionStream(ctx context.Context, req *domain.ChatRequest) (ports.StreamReader, error) {
	s.streamCalls++
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return &sliceReader{frames: s.streamFrames}, nil
}

type sliceReader struct {
	frames [][]byte
	idx    int
}

func (r *sliceReader) Recv() ([]byte, error) {
	if r.idx >= len(r.frames) {
		return nil, io.EOF
	}
	frame := r.frames[r.idx]
	r.idx++
	return frame, nil
}

func (r *sliceReader) Close() error { return nil }

func completionResponse(provider string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Raw: map[string]interface{}{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "gpt-4o",
			"choices": []interface{}{
				map[string]interface{}{
					"index": 0,
					"message": map[string]interface{}{
						"role":    "assistant",
						"content": "Hello from upstream",
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]interface{}{
				"prompt_tokens":     100,
				"completion_tokens": 50,
			},
		},
		Provider: provider,
	}
}

var streamFrames = [][]byte{
	[]byte(`data: {"choices":[{"index":0,"delta":{"content":"Hi "}}]}`),
	[]byte(`data: {"choices":[{"index":0,"delta":{"content":"there"}}]}`),
	[]byte(`data: [DONE]`),
}

type appFixture struct {
	app      *Application
	handler  http.Handler
	store    *sqlite.Store
	registry *metrics.Registry
	enforcer *quota.Enforcer
	breaker  *breaker.Breaker
	clk      *clock.Fake
	primary  *stubProvider
	fallback *stubProvider
}

func newAppFixture(t *testing.T, mutate func(*config.Config)) *appFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.APIKeys = testAPIKey
	cfg.Quota.DailyUSDLimit = 10.0
	if mutate != nil {
		mutate(cfg)
	}

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := metrics.NewRegistry()
	enforcer := quota.NewEnforcer(store, cfg.Quota.DailyUSDLimit, clk)
	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown, clk)

	limiter := ratelimit.NewInProcessLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.EffectiveRefillPerSec(), clk)
	t.Cleanup(limiter.Stop)

	primary := &stubProvider{name: "openai", resp: completionResponse("openai")}
	fallback := &stubProvider{name: "ollama", resp: completionResponse("ollama"), streamFrames: streamFrames}
	primary.streamFrames = streamFrames

	app := NewApplication(Dependencies{
		Config:   cfg,
		Logger:   logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.Default()),
		Clock:    clk,
		Limiter:  limiter,
		Breaker:  brk,
		Retries:  retry.NewEngine(retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, clk),
		Quota:    enforcer,
		Metrics:  registry,
		Store:    store,
		Counter:  tokenize.NewCounter(),
		Prices:   pricing.DefaultTable(),
		Primary:  primary,
		Fallback: fallback,
	})

	return &appFixture{
		app:      app,
		handler:  app.buildHandler(),
		store:    store,
		registry: registry,
		enforcer: enforcer,
		breaker:  brk,
		clk:      clk,
		primary:  primary,
		fallback: fallback,
	}
}

func (f *appFixture) chat(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	r.Header.Set("Content-Type", ContentTypeJSON)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}]}`
const streamBody = `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Hello"}]}`

func TestChat_BufferedSuccess(t *testing.T) {
	f := newAppFixture(t, nil)

	rec := f.chat(t, chatBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	envelope, ok := body["circuit"].(map[string]interface{})
	require.True(t, ok, "response carries the gateway envelope")
	assert.Equal(t, rec.Header().Get(middleware.HeaderRequestID), envelope["request_id"])
	assert.Equal(t, middleware.HashKey(testAPIKey), envelope["client_key_hash"])
	assert.Equal(t, "closed", envelope["breaker_state"])
	assert.InDelta(t, 0.00075, envelope["cost_usd"], 1e-9, "100 prompt + 50 completion gpt-4o tokens")

	// Upstream payload is forwarded alongside the envelope.
	assert.Equal(t, "chatcmpl-test", body["id"])

	requestID := rec.Header().Get(middleware.HeaderRequestID)
	row, err := f.store.AuditRow(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, row.StatusCode)
	assert.Equal(t, "openai", row.Provider)
	require.NotNil(t, row.TokensInput)
	assert.Equal(t, 100, *row.TokensInput)

	spent, err := f.store.DailySpend(context.Background(), middleware.HashKey(testAPIKey), "2025-06-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.00075, spent, 1e-9)

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterTotalRequests])
	assert.Equal(t, 1.0, snap.Global[metrics.CounterTotalSuccess])
	assert.Equal(t, 0.0, snap.Global[metrics.CounterFallbackHits])
}

func TestChat_InvalidRequests(t *testing.T) {
	f := newAppFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"missing model", `{"messages":[{"role":"user","content":"Hi"}]}`},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.chat(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_request_error")
		})
	}
}

func TestChat_RateLimitRejection(t *testing.T) {
	f := newAppFixture(t, func(c *config.Config) {
		c.RateLimit.Capacity = 1
		c.RateLimit.RefillPerSec = 0.001
	})

	require.Equal(t, http.StatusOK, f.chat(t, chatBody).Code)

	rec := f.chat(t, chatBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeRateLimited)

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterRateLimitHits])
	assert.Equal(t, 1.0, snap.Global[metrics.CounterTotal429])
	assert.Equal(t, 1, f.primary.calls, "the rejected request never dispatched")
}

func TestChat_QuotaRejectionBeforeDispatch(t *testing.T) {
	f := newAppFixture(t, func(c *config.Config) {
		c.Quota.DailyUSDLimit = 0.0001
	})
	require.NoError(t, f.enforcer.Accrue(context.Background(), middleware.HashKey(testAPIKey), 0.0001))

	rec := f.chat(t, chatBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeQuotaExceeded)
	assert.Zero(t, f.primary.calls, "quota rejections never reach the upstream")

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterQuotaHits])
}

func TestChat_FallbackEscalation(t *testing.T) {
	f := newAppFixture(t, nil)
	f.primary.resp = nil
	f.primary.err = errors.New("connection refused")

	rec := f.chat(t, chatBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 2, f.primary.calls, "initial attempt plus one retry")
	assert.Equal(t, 1, f.fallback.calls)
	assert.Equal(t, 2, f.breaker.FailCount())

	requestID := rec.Header().Get(middleware.HeaderRequestID)
	row, err := f.store.AuditRow(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, "ollama", row.Provider)

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterFallbackHits])
	assert.Equal(t, 1.0, snap.Global[metrics.CounterTotalSuccess])
}

func TestChat_AllProvidersFail(t *testing.T) {
	f := newAppFixture(t, nil)
	f.primary.resp = nil
	f.primary.err = errors.New("connection refused")
	f.fallback.resp = nil
	f.fallback.err = errors.New("daemon not running")

	rec := f.chat(t, chatBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeFallbackFailed)

	requestID := rec.Header().Get(middleware.HeaderRequestID)
	row, err := f.store.AuditRow(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, row.StatusCode)
	require.NotNil(t, row.TokensInput)
	assert.Zero(t, *row.TokensInput)
	require.NotNil(t, row.CostUSD)
	assert.Zero(t, *row.CostUSD)

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterTotal503])
}

func TestChat_NonRetryableIssuePassesThrough(t *testing.T) {
	f := newAppFixture(t, nil)
	f.primary.resp = &domain.ChatResponse{
		Issue:    &domain.ProviderIssue{Code: domain.CodeProviderError, Message: "bad request upstream"},
		Provider: "openai",
	}

	rec := f.chat(t, chatBody)
	require.Equal(t, http.StatusOK, rec.Code, "the fallback answers for a rejected primary")

	assert.Equal(t, 1, f.primary.calls, "non-retryable issues are not retried")
	assert.Equal(t, 1, f.fallback.calls)
	assert.Zero(t, f.breaker.FailCount(), "a 4xx-class answer is not a primary outage")
}

func TestChat_QuotaRejectionAfterSettlement(t *testing.T) {
	// The optimistic bound (max_tokens=10 -> $0.0001) admits the request,
	// but the authoritative settled cost ($0.00075) exceeds the limit.
	f := newAppFixture(t, func(c *config.Config) {
		c.Quota.DailyUSDLimit = 0.0005
	})

	body := `{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"Hello"}]}`
	rec := f.chat(t, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeQuotaExceeded)
	assert.Equal(t, 1, f.primary.calls, "the rejection happens after dispatch")

	requestID := rec.Header().Get(middleware.HeaderRequestID)
	row, err := f.store.AuditRow(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, row.StatusCode)
	require.NotNil(t, row.TokensInput)
	assert.Equal(t, 100, *row.TokensInput)
	require.NotNil(t, row.CostUSD)
	assert.InDelta(t, 0.00075, *row.CostUSD, 1e-9)

	spent, err := f.store.DailySpend(context.Background(), middleware.HashKey(testAPIKey), "2025-06-01")
	require.NoError(t, err)
	assert.Zero(t, spent, "the rejected cost must not accrue")

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterQuotaHits])
	assert.Equal(t, 1.0, snap.Global[metrics.CounterTotal429])
	assert.Equal(t, 0.0, snap.Global[metrics.CounterTotalSuccess])
}

func TestChat_BreakerOpenFailsFastToFallback(t *testing.T) {
	f := newAppFixture(t, nil)
	for i := 0; i < f.app.Config.Breaker.FailureThreshold; i++ {
		f.breaker.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, f.breaker.State())

	rec := f.chat(t, chatBody)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Zero(t, f.primary.calls, "open breaker short-circuits the primary")
	assert.Equal(t, 1, f.fallback.calls)
}

func TestChat_HalfOpenProbeReleasedByNonRetryableAnswer(t *testing.T) {
	f := newAppFixture(t, nil)
	f.primary.resp = &domain.ChatResponse{
		Issue:    &domain.ProviderIssue{Code: domain.CodeProviderError, Message: "bad request upstream"},
		Provider: "openai",
	}
	for i := 0; i < f.app.Config.Breaker.FailureThreshold; i++ {
		f.breaker.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, f.breaker.State())
	f.clk.Advance(f.app.Config.Breaker.Cooldown)

	// The probe gets a non-retryable answer: the upstream is reachable, so
	// the breaker closes and the probe slot is released.
	rec := f.chat(t, chatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.primary.calls)
	assert.Equal(t, breaker.StateClosed, f.breaker.State())

	// A healed primary is consulted again on the next request.
	f.primary.resp = completionResponse("openai")
	f.primary.err = nil
	rec = f.chat(t, chatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.primary.calls, "the primary must not stay locked out")
}

func TestChat_StreamForwardsFramesVerbatim(t *testing.T) {
	f := newAppFixture(t, nil)

	rec := f.chat(t, streamBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ContentTypeSSE, rec.Header().Get(ContentTypeHeader))

	var want bytes.Buffer
	for _, frame := range streamFrames {
		want.Write(frame)
		want.WriteString("\n\n")
	}
	assert.Equal(t, want.String(), rec.Body.String())

	requestID := rec.Header().Get(middleware.HeaderRequestID)
	row, err := f.store.AuditRow(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, row.StatusCode)
	require.NotNil(t, row.TokensOutput)
	assert.Greater(t, *row.TokensOutput, 0)

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterTotalSuccess])
}

func TestChat_StreamFallsBackWhenPrimaryCannotOpen(t *testing.T) {
	f := newAppFixture(t, nil)
	f.primary.streamErr = errors.New("connection refused")

	rec := f.chat(t, streamBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data: [DONE]")

	assert.Equal(t, 1, f.primary.streamCalls)
	assert.Equal(t, 1, f.fallback.streamCalls)
	assert.Equal(t, 1, f.breaker.FailCount(), "the failed open feeds the breaker")

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Global[metrics.CounterFallbackHits])
}

func TestChat_StreamRejectedWhenBreakerOpen(t *testing.T) {
	f := newAppFixture(t, nil)
	for i := 0; i < f.app.Config.Breaker.FailureThreshold; i++ {
		f.breaker.RecordFailure()
	}

	rec := f.chat(t, streamBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeServiceUnavailable)
	assert.Zero(t, f.primary.streamCalls)
}

func TestChat_Unauthenticated(t *testing.T) {
	f := newAppFixture(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.primary.calls)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newAppFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.Equal(t, http.StatusOK, f.chat(t, chatBody).Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), metrics.CounterTotalRequests)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit_requests_total")
}
