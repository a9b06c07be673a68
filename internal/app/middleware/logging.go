package middleware

import (
	"net/http"
	"time"

	"github.com/docker/go-units"
)

// Logging logs request start and completion with sizes and duration. The
// chat handler logs its own pipeline detail; this is the access-level view.
func Logging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := GetLogger(r.Context())

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			log.Debug("HTTP request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
				"request_bytes", requestSize)

			wrapped := &responseWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			log.Info("HTTP request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", duration.Milliseconds(),
				"request_size", units.HumanSize(float64(requestSize)),
				"response_size", units.HumanSize(float64(wrapped.size)))
		})
	}
}
