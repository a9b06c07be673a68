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

	jsoniter "github.com/json-iterator/go"

	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/domain"
	"github.com/relaygate/circuit/internal/core/ports"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client       *http.Client
	clock        clock.Clock
	baseURL      string
	apiKey       string
	totalTimeout config.UpstreamConfig
}

func NewOpenAIProvider(cfg config.ProviderConfig, upstream config.UpstreamConfig, clk clock.Clock) (*OpenAIProvider, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("openai provider requires OPENAI_API_KEY")
	}
	return &OpenAIProvider{
		client:       newHTTPClient(upstream),
		clock:        clk,
		baseURL:      strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:       cfg.OpenAIAPIKey,
		totalTimeout: upstream,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	start := p.clock.Now()

	if p.totalTimeout.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.totalTimeout.TotalTimeout)
		defer cancel()
	}

	httpResp, err := p.post(ctx, req, false)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Upstream timeouts come back as structured soft errors so
			// the retry engine can classify them
			return &domain.ChatResponse{
				Issue:    &domain.ProviderIssue{Code: domain.CodeTimeout, Message: "openai request timed out"},
				Provider: p.Name(),
			}, nil
		}
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai response read: %w", err)
	}

	if issue := classifyStatus(httpResp.StatusCode, body); issue != nil {
		return &domain.ChatResponse{Issue: issue, Provider: p.Name()}, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("openai response decode: %w", err)
	}

	return &domain.ChatResponse{
		Raw:       raw,
		Provider:  p.Name(),
		LatencyMs: float64(p.clock.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *domain.ChatRequest) (ports.StreamReader, error) {
	httpResp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, fmt.Errorf("openai stream request: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("openai stream: HTTP %d: %s", httpResp.StatusCode, truncate(body, 256))
	}

	return newSSEReader(httpResp.Body), nil
}

func (p *OpenAIProvider) post(ctx context.Context, req *domain.ChatRequest, stream bool) (*http.Response, error) {
	payload := *req
	payload.Stream = stream

	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	return p.client.Do(httpReq)
}

// classifyStatus maps upstream HTTP failures to structured issue codes.
func classifyStatus(status int, body []byte) *domain.ProviderIssue {
	switch {
	case status == http.StatusTooManyRequests:
		return &domain.ProviderIssue{Code: domain.CodeRateLimit, Message: truncate(body, 256)}
	case status >= 500:
		return &domain.ProviderIssue{Code: domain.CodeServerError, Message: truncate(body, 256)}
	case status >= 400:
		return &domain.ProviderIssue{Code: domain.CodeProviderError, Message: truncate(body, 256)}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// sseReader yields one SSE line per Recv, skipping blank keep-alive
// separators. Frames are returned exactly as received so they can be
// forwarded verbatim.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEReader(body io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{body: body, scanner: scanner}
}

func (r *sseReader) Recv() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *sseReader) Close() error {
	return r.body.Close()
}
