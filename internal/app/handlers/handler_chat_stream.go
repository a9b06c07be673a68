package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/relaygate/circuit/internal/adapter/breaker"
	"github.com/relaygate/circuit/internal/adapter/metrics"
	"github.com/relaygate/circuit/internal/adapter/stream"
	"github.com/relaygate/circuit/internal/app/middleware"
	"github.com/relaygate/circuit/internal/core/domain"
	"github.com/relaygate/circuit/internal/core/ports"
)

// streamChat runs the streaming path after admission has passed: breaker
// probe, stream open (escalating to the fallback provider on failure), then
// frame-by-frame forwarding with settlement delegated to the session.
func (a *Application) streamChat(w http.ResponseWriter, r *http.Request, req *domain.ChatRequest,
	requestID, clientHash string) {

	ctx := r.Context()
	start := a.clock.Now()
	log := middleware.GetLogger(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, domain.CodeServerError, "streaming unsupported by server")
		return
	}

	// Streams get no retries; the probe is the only breaker consultation
	// before outcome.
	if !a.breaker.AllowRequest() {
		a.metrics.Inc(metrics.CounterTotal503, clientHash)
		a.audit(ctx, requestID, a.primary.Name(), req.Model, http.StatusServiceUnavailable, start, nil, nil, nil)
		a.logger.InfoBreakerState("stream rejected, breaker", a.breaker.State().String(),
			"request_id", requestID)
		writeError(w, http.StatusServiceUnavailable, domain.CodeServiceUnavailable, "circuit breaker is open")
		return
	}

	provider := a.primary
	var sessionBreaker *breaker.Breaker = a.breaker

	reader, err := a.primary.ChatCompletionStream(ctx, req)
	if err != nil {
		a.breaker.RecordFailure()
		log.Warn("primary stream failed to open", "error", err)

		reader, err = a.fallback.ChatCompletionStream(ctx, req)
		if err != nil {
			a.metrics.Inc(metrics.CounterTotal503, clientHash)
			a.audit(ctx, requestID, a.fallback.Name(), req.Model, http.StatusServiceUnavailable, start, nil, nil, nil)
			log.Error("fallback stream failed to open", "error", err)
			writeError(w, http.StatusServiceUnavailable, domain.CodeFallbackFailed, "all providers failed")
			return
		}

		provider = a.fallback
		sessionBreaker = nil
		a.metrics.Inc(metrics.CounterFallbackHits, clientHash)
		a.logger.InfoWithProvider("stream escalated to fallback", a.fallback.Name(), "request_id", requestID)
	}
	defer reader.Close()

	session := stream.NewSession(stream.SessionDeps{
		Logger:  a.logger,
		Counter: a.counter,
		Prices:  a.prices,
		Quota:   a.quota,
		Metrics: a.metrics,
		Store:   a.store,
		Clock:   a.clock,
	}, stream.SessionParams{
		RequestID:  requestID,
		ClientHash: clientHash,
		Provider:   provider.Name(),
		Model:      req.Model,
		Messages:   req.Messages,
		Breaker:    sessionBreaker,
	})

	w.Header().Set(ContentTypeHeader, ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	a.forwardStream(w, r, flusher, reader, session)
}

// forwardStream pumps upstream frames to the client verbatim. Settlement
// fires exactly once on every exit path, including client disconnect.
func (a *Application) forwardStream(w http.ResponseWriter, r *http.Request, flusher http.Flusher,
	reader ports.StreamReader, session *stream.Session) {

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			// Settlement writes must outlive the request context
			session.FinalizeFailure(context.WithoutCancel(ctx), ctx.Err())
			return
		default:
		}

		frame, err := reader.Recv()
		if err == io.EOF {
			session.FinalizeSuccess(ctx)
			return
		}
		if err != nil {
			session.FinalizeFailure(context.WithoutCancel(ctx), err)
			return
		}

		chunk := session.Observe(frame)

		if _, err := w.Write(chunk.Frame); err != nil {
			session.FinalizeFailure(context.WithoutCancel(ctx), err)
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			session.FinalizeFailure(context.WithoutCancel(ctx), err)
			return
		}
		flusher.Flush()
	}
}
