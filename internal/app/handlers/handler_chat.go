package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relaygate/circuit/internal/adapter/metrics"
	"github.com/relaygate/circuit/internal/adapter/retry"
	"github.com/relaygate/circuit/internal/app/middleware"
	"github.com/relaygate/circuit/internal/core/domain"
	"github.com/relaygate/circuit/internal/core/ports"
	"github.com/relaygate/circuit/pkg/format"
)

// chatHandler runs the buffered pipeline: admission (rate limit, quota
// upper bound), dispatch (breaker-guarded retries, fallback escalation),
// then settlement (tokens, cost, authoritative quota check, audit,
// metrics). Streaming requests branch off after admission.
func (a *Application) chatHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := a.clock.Now()
	requestID := middleware.GetRequestID(ctx)
	clientHash := middleware.GetClientHash(ctx)
	log := middleware.GetLogger(ctx)

	a.metrics.Inc(metrics.CounterTotalRequests, clientHash)

	req, gerr := a.decodeChatRequest(w, r)
	if gerr != nil {
		writeError(w, gerr.Status, gerr.Code, gerr.Message)
		return
	}

	if a.Config.Logging.LogPayloads {
		log.Info("chat request payload",
			"model", req.Model, "stream", req.Stream, "messages", req.Messages)
	}

	// Admission: token bucket first, then the optimistic quota bound.
	allowed, err := a.limiter.Allow(ctx, clientHash)
	if err != nil {
		log.Error("rate limiter unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, domain.CodeServiceUnavailable, "rate limiter unavailable")
		return
	}
	if !allowed {
		a.metrics.Inc(metrics.CounterRateLimitHits, clientHash)
		a.metrics.Inc(metrics.CounterTotal429, clientHash)
		a.audit(ctx, requestID, "", req.Model, http.StatusTooManyRequests, start, nil, nil, nil)
		a.logger.WarnWithClient("rate limit exceeded", clientHash, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, domain.CodeRateLimited, "rate limit exceeded")
		return
	}

	bound := a.prices.MaxOutputCostUSD(req.Model, a.outputTokenBudget(req))
	quotaOK, spent, limit, err := a.quota.Check(ctx, clientHash, bound)
	if err != nil {
		log.Error("quota check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, domain.CodeServiceUnavailable, "quota ledger unavailable")
		return
	}
	if !quotaOK {
		a.metrics.Inc(metrics.CounterQuotaHits, clientHash)
		a.metrics.Inc(metrics.CounterTotal429, clientHash)
		a.audit(ctx, requestID, "", req.Model, http.StatusTooManyRequests, start, nil, nil, nil)
		a.logger.WarnWithClient("daily quota would be exceeded", clientHash,
			"request_id", requestID, "spent_usd", spent, "limit_usd", limit)
		writeError(w, http.StatusTooManyRequests, domain.CodeQuotaExceeded,
			fmt.Sprintf("daily quota exceeded: spent $%.4f of $%.4f", spent, limit))
		return
	}

	if req.Stream {
		a.streamChat(w, r, req, requestID, clientHash)
		return
	}

	resp, usedFallback, err := a.dispatch(ctx, req)
	if usedFallback {
		a.metrics.Inc(metrics.CounterFallbackHits, clientHash)
		a.logger.InfoWithProvider("escalated to fallback", a.fallback.Name(), "request_id", requestID)
	}
	if err != nil || resp == nil || resp.Issue != nil {
		a.metrics.Inc(metrics.CounterTotal503, clientHash)
		zero := 0
		zeroCost := 0.0
		a.audit(ctx, requestID, a.providerLabel(usedFallback), req.Model,
			http.StatusServiceUnavailable, start, &zero, &zero, &zeroCost)
		log.Error("all providers failed", "error", err, "fallback_used", usedFallback)
		writeError(w, http.StatusServiceUnavailable, domain.CodeFallbackFailed, "all providers failed")
		return
	}

	a.settleBuffered(ctx, w, req, resp, requestID, clientHash, start)
}

// dispatch runs the breaker-guarded, retried primary call and escalates to
// the fallback provider when it is exhausted. The fallback gets no retries
// and never touches the breaker.
func (a *Application) dispatch(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, bool, error) {
	primaryOp := func(ctx context.Context) (*domain.ChatResponse, error) {
		return a.retries.Do(ctx, a.guardedPrimary(req))
	}
	fallbackOp := func(ctx context.Context) (*domain.ChatResponse, error) {
		return a.fallback.ChatCompletion(ctx, req)
	}
	return retry.WithFallback(ctx, primaryOp, fallbackOp)
}

// guardedPrimary wraps one primary attempt with the breaker: denied
// attempts fail fast, outcomes feed the breaker. A response carrying a
// non-retryable structured error counts as a success for breaker purposes:
// the upstream answered, it just did not like the request. Every admitted
// attempt must record an outcome, or a half-open probe slot would leak.
func (a *Application) guardedPrimary(req *domain.ChatRequest) retry.Operation {
	return func(ctx context.Context) (*domain.ChatResponse, error) {
		if !a.breaker.AllowRequest() {
			return nil, domain.ErrBreakerOpen
		}

		resp, err := a.primary.ChatCompletion(ctx, req)
		switch {
		case err != nil:
			a.breaker.RecordFailure()
		case resp != nil && resp.Issue != nil && domain.SoftErrorCode(resp.Issue.Code):
			a.breaker.RecordFailure()
		default:
			a.breaker.RecordSuccess()
		}
		return resp, err
	}
}

// settleBuffered finishes a successful buffered dispatch: token and cost
// accounting, the authoritative quota check, accrual, audit, metrics, and
// the gateway envelope on the wire response.
func (a *Application) settleBuffered(ctx context.Context, w http.ResponseWriter, req *domain.ChatRequest,
	resp *domain.ChatResponse, requestID, clientHash string, start time.Time) {

	promptTokens, completionTokens, ok := resp.Usage()
	if !ok {
		promptTokens = a.counter.CountMessages(req.Model, req.Messages)
		completionTokens = a.counter.CountText(req.Model, resp.AssistantText())
	}
	cost := a.prices.EstimateCostUSD(req.Model, &promptTokens, &completionTokens)

	allowed, spent, limit, err := a.quota.Check(ctx, clientHash, cost)
	if err != nil {
		middleware.GetLogger(ctx).Error("post-dispatch quota check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, domain.CodeServiceUnavailable, "quota ledger unavailable")
		return
	}
	if !allowed {
		a.metrics.Inc(metrics.CounterQuotaHits, clientHash)
		a.metrics.Inc(metrics.CounterTotal429, clientHash)
		a.audit(ctx, requestID, resp.Provider, req.Model, http.StatusTooManyRequests, start,
			&promptTokens, &completionTokens, &cost)
		a.logger.WarnWithClient("settled cost exceeds daily quota", clientHash,
			"request_id", requestID, "cost_usd", cost, "spent_usd", spent, "limit_usd", limit)
		writeError(w, http.StatusTooManyRequests, domain.CodeQuotaExceeded,
			fmt.Sprintf("daily quota exceeded: spent $%.4f of $%.4f", spent, limit))
		return
	}

	if cost > 0 {
		if err := a.quota.Accrue(ctx, clientHash, cost); err != nil {
			middleware.GetLogger(ctx).Error("quota accrual failed", "error", err)
		}
	}

	a.audit(ctx, requestID, resp.Provider, req.Model, http.StatusOK, start,
		&promptTokens, &completionTokens, &cost)

	a.metrics.Inc(metrics.CounterTotalSuccess, clientHash)
	a.metrics.Add(metrics.CounterTotalTokensInput, float64(promptTokens), clientHash)
	a.metrics.Add(metrics.CounterTotalTokensOutput, float64(completionTokens), clientHash)
	a.metrics.Add(metrics.CounterTotalCostUSD, cost, clientHash)

	a.logger.InfoWithProvider("request settled", resp.Provider,
		"request_id", requestID,
		"tokens_input", promptTokens,
		"tokens_output", completionTokens,
		"cost_usd", cost,
		"latency", format.Latency(a.clock.Since(start).Milliseconds()))

	body := resp.Raw
	if body == nil {
		body = map[string]interface{}{}
	}
	body["circuit"] = map[string]interface{}{
		"request_id":      requestID,
		"client_key_hash": clientHash,
		"cost_usd":        cost,
		"breaker_state":   a.breaker.State().String(),
	}

	writeJSON(w, http.StatusOK, body)
}

// decodeChatRequest parses and validates the request body.
func (a *Application) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*domain.ChatRequest, *domain.GatewayError) {
	body := r.Body
	if a.Config.Server.MaxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, a.Config.Server.MaxBodySize)
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, domain.NewGatewayError(http.StatusBadRequest, "invalid_request_error",
			"request body is not valid JSON")
	}
	if req.Model == "" {
		return nil, domain.NewGatewayError(http.StatusBadRequest, "invalid_request_error",
			"model is required")
	}
	if len(req.Messages) == 0 {
		return nil, domain.NewGatewayError(http.StatusBadRequest, "invalid_request_error",
			"messages must not be empty")
	}
	return &req, nil
}

// outputTokenBudget bounds how many completion tokens a request may
// produce: the caller's max_tokens when set, else the configured ceiling.
func (a *Application) outputTokenBudget(req *domain.ChatRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return a.Config.Quota.MaxOutputTokens
}

func (a *Application) providerLabel(usedFallback bool) string {
	if usedFallback {
		return a.fallback.Name()
	}
	return a.primary.Name()
}

// audit writes one durable request record; failures are logged, never
// surfaced to the client.
func (a *Application) audit(ctx context.Context, requestID, provider, model string, status int,
	start time.Time, tokensIn, tokensOut *int, cost *float64) {

	row := ports.AuditRow{
		RequestID:    requestID,
		Timestamp:    a.clock.Now().UTC().Format(time.RFC3339Nano),
		Provider:     provider,
		Model:        model,
		StatusCode:   status,
		LatencyMs:    a.clock.Since(start).Milliseconds(),
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CostUSD:      cost,
	}
	if err := a.store.RecordRequest(ctx, row); err != nil {
		a.logger.Error("audit write failed", "request_id", requestID, "error", err)
	}
}
