package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaygate/circuit/internal/adapter/metrics"
	"github.com/relaygate/circuit/internal/core/domain"
)

const bearerPrefix = "Bearer "

// HashKey derives the client identity used everywhere downstream: the first
// 12 hex characters of the key's SHA-256. Raw keys never leave this
// function.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

// Auth validates the bearer credential against the configured key set and
// stores the client's key hash in the context. Requests without a valid key
// get the authentication_error envelope. Rejections count against the
// global request and auth-failure counters; there is no client identity to
// attribute them to.
func Auth(allowedKeys []string, registry *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				rejectAuth(w, registry, "missing bearer credentials")
				return
			}

			key := strings.TrimPrefix(header, bearerPrefix)
			if !keyAllowed(key, allowedKeys) {
				rejectAuth(w, registry, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), ClientHashKey, HashKey(key))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func rejectAuth(w http.ResponseWriter, registry *metrics.Registry, message string) {
	registry.Inc(metrics.CounterTotalRequests, "")
	registry.Inc(metrics.CounterAuthFailures, "")
	writeAuthError(w, message)
}

func keyAllowed(key string, allowed []string) bool {
	for _, k := range allowed {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, domain.CodeAuthenticationError, message)
}
