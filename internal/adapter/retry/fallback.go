package retry

import (
	"context"

	"github.com/relaygate/circuit/internal/core/domain"
)

// WithFallback invokes primary; if it fails or returns a structured error,
// it invokes fallback and returns its result - even when the fallback
// itself carries a structured error, which the caller inspects. The
// returned bool reports whether the fallback produced the result.
//
// Primary errors are not attached to the fallback result; observability of
// the escalation is the caller's job.
func WithFallback(ctx context.Context, primary, fallback Operation) (*domain.ChatResponse, bool, error) {
	resp, err := primary(ctx)
	if err == nil && (resp == nil || resp.Issue == nil) {
		return resp, false, nil
	}

	fresp, ferr := fallback(ctx)
	return fresp, true, ferr
}
