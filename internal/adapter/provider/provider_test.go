package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/circuit/internal/adapter/stream"
	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/domain"
)

func testClock() *clock.Fake {
	return clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func chatRequest(content string) *domain.ChatRequest {
	return &domain.ChatRequest{
		Model: "gpt-4o",
		Messages: []domain.ChatMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: content},
		},
	}
}

func TestMockFallbackProvider_EchoesLastUserMessage(t *testing.T) {
	p := NewMockFallbackProvider(testClock())

	resp, err := p.ChatCompletion(context.Background(), chatRequest("ping"))
	require.NoError(t, err)
	require.Nil(t, resp.Issue)

	assert.Equal(t, "mock-fallback", resp.Provider)
	assert.Equal(t, "Fallback response to: ping", resp.AssistantText())

	pt, ct, ok := resp.Usage()
	require.True(t, ok)
	assert.Equal(t, 1, pt)
	assert.Equal(t, 1, ct)
}

func TestMockProvider_TimesOutAgainstDeadline(t *testing.T) {
	clk := testClock()
	p := NewMockProvider(2*time.Second, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := p.ChatCompletion(ctx, chatRequest("ping"))
	require.NoError(t, err, "timeouts surface as structured issues, not errors")
	require.NotNil(t, resp.Issue)
	assert.Equal(t, domain.CodeTimeout, resp.Issue.Code)
}

func TestMockProvider_ZeroLatencySucceeds(t *testing.T) {
	p := NewMockProvider(0, testClock())

	resp, err := p.ChatCompletion(context.Background(), chatRequest("ping"))
	require.NoError(t, err)
	require.Nil(t, resp.Issue)
	assert.Equal(t, "Mock response to: ping", resp.AssistantText())
}

func TestMockStream_FramesNormalizeAndTerminate(t *testing.T) {
	p := NewMockFallbackProvider(testClock())

	reader, err := p.ChatCompletionStream(context.Background(), chatRequest("ping"))
	require.NoError(t, err)
	defer reader.Close()

	var text strings.Builder
	frames := 0
	sawDone := false
	for {
		frame, err := reader.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames++

		chunk := stream.Normalize(frame)
		text.WriteString(chunk.Text)
		if chunk.Done {
			sawDone = true
		}
	}

	assert.True(t, sawDone, "stream ends with the [DONE] sentinel")
	assert.Equal(t, 4, frames, "three delta frames plus the sentinel")
	assert.Equal(t, "Fallback response to: ping", text.String())
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Equal(t, []string{"ab", "cd", "ef"}, splitIntoChunks("abcdef", 3))
	assert.Equal(t, []string{"abc", "def", "g"}, splitIntoChunks("abcdefg", 3))
	assert.Equal(t, []string{"a", "b"}, splitIntoChunks("ab", 3))
	assert.Equal(t, []string{""}, splitIntoChunks("", 3))
}

func TestSSEReader_SkipsBlankSeparators(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"))
	r := newSSEReader(body)
	defer r.Close()

	var frames []string
	for {
		frame, err := r.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames = append(frames, string(frame))
	}

	assert.Equal(t, []string{`data: {"a":1}`, `data: {"b":2}`, "data: [DONE]"}, frames)
}

func TestClassifyStatus(t *testing.T) {
	assert.Nil(t, classifyStatus(http.StatusOK, nil))

	issue := classifyStatus(http.StatusTooManyRequests, []byte("slow down"))
	require.NotNil(t, issue)
	assert.Equal(t, domain.CodeRateLimit, issue.Code)

	issue = classifyStatus(http.StatusBadGateway, []byte("bad"))
	require.NotNil(t, issue)
	assert.Equal(t, domain.CodeServerError, issue.Code)

	issue = classifyStatus(http.StatusBadRequest, []byte("nope"))
	require.NotNil(t, issue)
	assert.Equal(t, domain.CodeProviderError, issue.Code)
}

func TestRenderPrompt(t *testing.T) {
	prompt := renderPrompt([]domain.ChatMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hi"},
	})

	assert.Equal(t, "system: Be brief.\nuser: Hi\nassistant: ", prompt)
}

func TestOllamaStreamReader_ConvertsNDJSON(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		`{"response":"Hel","done":false}` + "\n" +
			`{"response":"lo","done":false}` + "\n" +
			`{"done":true,"prompt_eval_count":4,"eval_count":2}` + "\n"))
	r := newOllamaStreamReader(body, "gpt-4o")
	defer r.Close()

	var text strings.Builder
	sawDone := false
	for {
		frame, err := r.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		chunk := stream.Normalize(frame)
		text.WriteString(chunk.Text)
		if chunk.Done {
			sawDone = true
		}
	}

	assert.Equal(t, "Hello", text.String())
	assert.True(t, sawDone)
}

func TestBuild_SelectsProviderPairs(t *testing.T) {
	clk := testClock()

	cfg := config.DefaultConfig()
	cfg.Provider.Name = "mock"
	primary, fallback, err := Build(cfg, clk)
	require.NoError(t, err)
	assert.Equal(t, "mock", primary.Name())
	assert.Equal(t, "mock-fallback", fallback.Name())

	cfg.Provider.Name = "ollama"
	primary, fallback, err = Build(cfg, clk)
	require.NoError(t, err)
	assert.Equal(t, "ollama", primary.Name())
	assert.Equal(t, "mock-fallback", fallback.Name())

	cfg.Provider.Name = "openai"
	_, _, err = Build(cfg, clk)
	assert.Error(t, err, "openai requires an API key")

	cfg.Provider.Name = "nope"
	_, _, err = Build(cfg, clk)
	assert.Error(t, err)
}
