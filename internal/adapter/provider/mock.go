package provider

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/core/domain"
	"github.com/relaygate/circuit/internal/core/ports"
)

// DefaultMockLatency exceeds the default upstream total deadline, so a mock
// primary exercises the timeout, retry and fallback paths end to end.
const DefaultMockLatency = 2 * time.Second

// MockProvider stands in for a real upstream during development. It sleeps
// for a configured latency before answering; with the default latency every
// call outlives the upstream deadline and surfaces as a timeout.
type MockProvider struct {
	clock   clock.Clock
	latency time.Duration
}

func NewMockProvider(latency time.Duration, clk clock.Clock) *MockProvider {
	return &MockProvider{clock: clk, latency: latency}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) ChatCompletion(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	start := p.clock.Now()

	if p.latency > 0 {
		if err := p.clock.Sleep(ctx, p.latency); err != nil {
			return &domain.ChatResponse{
				Issue:    &domain.ProviderIssue{Code: domain.CodeTimeout, Message: "mock upstream timed out"},
				Provider: p.Name(),
			}, nil
		}
	}

	content := "Mock response to: " + lastUserContent(req.Messages)
	return &domain.ChatResponse{
		Raw:       openAICompatResponse(p.clock, req.Model, content, 9, 12),
		Provider:  p.Name(),
		LatencyMs: float64(p.clock.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (p *MockProvider) ChatCompletionStream(ctx context.Context, req *domain.ChatRequest) (ports.StreamReader, error) {
	if p.latency > 0 {
		if err := p.clock.Sleep(ctx, p.latency); err != nil {
			return nil, err
		}
	}
	content := "Mock response to: " + lastUserContent(req.Messages)
	return newMockStreamReader(req.Model, content), nil
}

// MockFallbackProvider is the fast, reliable stand-in for the degraded
// path. It never fails and answers immediately.
type MockFallbackProvider struct {
	clock clock.Clock
}

func NewMockFallbackProvider(clk clock.Clock) *MockFallbackProvider {
	return &MockFallbackProvider{clock: clk}
}

func (p *MockFallbackProvider) Name() string { return "mock-fallback" }

func (p *MockFallbackProvider) ChatCompletion(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	content := "Fallback response to: " + lastUserContent(req.Messages)
	return &domain.ChatResponse{
		Raw:      openAICompatResponse(p.clock, req.Model, content, 1, 1),
		Provider: p.Name(),
	}, nil
}

func (p *MockFallbackProvider) ChatCompletionStream(ctx context.Context, req *domain.ChatRequest) (ports.StreamReader, error) {
	content := "Fallback response to: " + lastUserContent(req.Messages)
	return newMockStreamReader(req.Model, content), nil
}

// mockStreamReader replays a canned reply as three SSE delta frames plus
// the [DONE] sentinel.
type mockStreamReader struct {
	frames [][]byte
	idx    int
}

func newMockStreamReader(model, content string) *mockStreamReader {
	id := "chatcmpl-" + uuid.NewString()

	parts := splitIntoChunks(content, 3)
	frames := make([][]byte, 0, len(parts)+1)
	for _, part := range parts {
		payload := map[string]interface{}{
			"id":     id,
			"object": "chat.completion.chunk",
			"model":  model,
			"choices": []interface{}{
				map[string]interface{}{
					"index": 0,
					"delta": map[string]interface{}{"content": part},
				},
			},
		}
		body, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		frames = append(frames, append([]byte("data: "), body...))
	}
	frames = append(frames, []byte("data: [DONE]"))

	return &mockStreamReader{frames: frames}
}

func (r *mockStreamReader) Recv() ([]byte, error) {
	if r.idx >= len(r.frames) {
		return nil, io.EOF
	}
	frame := r.frames[r.idx]
	r.idx++
	return frame, nil
}

func (r *mockStreamReader) Close() error { return nil }

// splitIntoChunks cuts s into at most n runs of roughly equal length.
func splitIntoChunks(s string, n int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return []string{""}
	}
	if n > len(runes) {
		n = len(runes)
	}
	size := (len(runes) + n - 1) / n

	chunks := make([]string, 0, n)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
