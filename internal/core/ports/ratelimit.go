package ports

import "context"

// RateLimiter admits or rejects one request for a client identity hash.
// Admission costs exactly one token. A non-nil error means the limiter
// backend failed and the caller decides policy; it is never silently
// downgraded to an allow.
type RateLimiter interface {
	Allow(ctx context.Context, clientHash string) (bool, error)
}
