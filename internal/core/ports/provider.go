package ports

import (
	"context"

	"github.com/relaygate/circuit/internal/core/domain"
)

// ChatProvider is the capability contract for an upstream inference
// provider: one buffered call and one streaming call. Implementations
// return a structured ProviderIssue inside the response for upstream
// application errors, and a Go error for transport failures.
type ChatProvider interface {
	Name() string
	ChatCompletion(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req *domain.ChatRequest) (StreamReader, error)
}

// StreamReader yields upstream chunks in arrival order. Recv returns io.EOF
// after the final chunk. Close releases the underlying connection and is
// safe to call more than once.
type StreamReader interface {
	Recv() ([]byte, error)
	Close() error
}
