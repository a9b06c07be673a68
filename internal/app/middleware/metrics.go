package middleware

import (
	"net/http"
	"time"

	"github.com/relaygate/circuit/internal/adapter/metrics"
)

// ObserveLatency records wall-clock latency into the histogram for every
// request passing through it. Mount it on the chat routes only; health and
// metrics probes would drown the signal.
func ObserveLatency(registry *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)

			latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
			registry.ObserveLatency(latencyMs, GetClientHash(r.Context()))
		})
	}
}
