package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/domain"
	"github.com/relaygate/circuit/internal/core/ports"
)

// OllamaProvider serves the fallback path against a local Ollama daemon.
// Responses are reshaped into the OpenAI-compatible envelope so the rest of
// the pipeline never sees a second wire format.
type OllamaProvider struct {
	client          *http.Client
	clock           clock.Clock
	baseURL         string
	model           string
	maxOutputTokens int
}

func NewOllamaProvider(cfg config.ProviderConfig, upstream config.UpstreamConfig, maxOutputTokens int, clk clock.Clock) *OllamaProvider {
	model := cfg.OllamaModel
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaProvider{
		client:          newHTTPClient(upstream),
		clock:           clk,
		baseURL:         strings.TrimRight(cfg.OllamaURL, "/"),
		model:           model,
		maxOutputTokens: maxOutputTokens,
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *OllamaProvider) ChatCompletion(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	start := p.clock.Now()

	httpResp, err := p.generate(ctx, req, false)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &domain.ChatResponse{
				Issue:    &domain.ProviderIssue{Code: domain.CodeTimeout, Message: "ollama request timed out"},
				Provider: p.Name(),
			}, nil
		}
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama response read: %w", err)
	}

	if issue := classifyStatus(httpResp.StatusCode, body); issue != nil {
		return &domain.ChatResponse{Issue: issue, Provider: p.Name()}, nil
	}

	var oresp ollamaResponse
	if err := json.Unmarshal(body, &oresp); err != nil {
		return nil, fmt.Errorf("ollama response decode: %w", err)
	}

	return &domain.ChatResponse{
		Raw:       openAICompatResponse(p.clock, req.Model, oresp.Response, oresp.PromptEvalCount, oresp.EvalCount),
		Provider:  p.Name(),
		LatencyMs: float64(p.clock.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (p *OllamaProvider) ChatCompletionStream(ctx context.Context, req *domain.ChatRequest) (ports.StreamReader, error) {
	httpResp, err := p.generate(ctx, req, true)
	if err != nil {
		return nil, fmt.Errorf("ollama stream request: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("ollama stream: HTTP %d: %s", httpResp.StatusCode, truncate(body, 256))
	}

	return newOllamaStreamReader(httpResp.Body, req.Model), nil
}

func (p *OllamaProvider) generate(ctx context.Context, req *domain.ChatRequest, stream bool) (*http.Response, error) {
	numPredict := p.maxOutputTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 && (numPredict <= 0 || *req.MaxTokens < numPredict) {
		numPredict = *req.MaxTokens
	}

	payload := ollamaRequest{
		Model:  p.model,
		Prompt: renderPrompt(req.Messages),
		Stream: stream,
	}
	if numPredict > 0 {
		payload.Options = map[string]any{"num_predict": numPredict}
	}

	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return p.client.Do(httpReq)
}

// renderPrompt flattens a chat transcript into the single-prompt form the
// generate endpoint accepts.
func renderPrompt(messages []domain.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}

// openAICompatResponse builds the buffered completion envelope every
// provider hands back, regardless of its native wire format.
func openAICompatResponse(clk clock.Clock, model, content string, promptTokens, completionTokens int) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": clk.Now().Unix(),
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
}

// ollamaStreamReader converts the generate endpoint's NDJSON stream into
// OpenAI-style SSE frames, closing with the [DONE] sentinel.
type ollamaStreamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
	id      string
	done    bool
}

func newOllamaStreamReader(body io.ReadCloser, model string) *ollamaStreamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ollamaStreamReader{
		body:    body,
		scanner: scanner,
		model:   model,
		id:      "chatcmpl-" + uuid.NewString(),
	}
}

func (r *ollamaStreamReader) Recv() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}

	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("ollama stream decode: %w", err)
		}

		if chunk.Done {
			r.done = true
			return []byte("data: [DONE]"), nil
		}

		frame, err := r.sseFrame(chunk.Response)
		if err != nil {
			return nil, err
		}
		return frame, nil
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *ollamaStreamReader) sseFrame(content string) ([]byte, error) {
	payload := map[string]interface{}{
		"id":     r.id,
		"object": "chat.completion.chunk",
		"model":  r.model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"delta": map[string]interface{}{"content": content},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte("data: "), body...), nil
}

func (r *ollamaStreamReader) Close() error {
	return r.body.Close()
}
