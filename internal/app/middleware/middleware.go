// Package middleware holds the HTTP middleware chain: request identity,
// request logging, bearer authentication and latency observation.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
)

// Context keys for request-scoped values
type contextKey string

const (
	RequestIDKey  contextKey = "request_id"
	ClientHashKey contextKey = "client_hash"
	LoggerKey     contextKey = "logger"
)

const HeaderRequestID = "X-Circuit-Request-ID"

// responseWriter wraps http.ResponseWriter to capture response size and status
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

func (rw *responseWriter) WriteHeader(s int) {
	rw.status = s
	rw.ResponseWriter.WriteHeader(s)
}

// Flush forwards to the underlying writer so streamed responses are sent
// immediately instead of buffering into choppy output.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetClientHash retrieves the authenticated client's key hash from context
func GetClientHash(ctx context.Context) string {
	if hash, ok := ctx.Value(ClientHashKey).(string); ok {
		return hash
	}
	return ""
}

// GetLogger retrieves a logger with request ID from context
func GetLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
