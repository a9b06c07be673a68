package domain

// OpenAI-compatible chat completion request. Unknown fields are ignored
// at the decode boundary; only the fields below are recognised.

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	N           *int          `json:"n,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ProviderIssue is a structured error returned inside an upstream response
// body, as opposed to a transport failure raised as a Go error.
type ProviderIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatResponse carries an upstream response through the pipeline. Raw holds
// the decoded payload so it can be forwarded verbatim with the gateway
// envelope added on top. Issue is non-nil when the upstream answered with a
// structured error object instead of a completion.
type ChatResponse struct {
	Raw       map[string]interface{}
	Issue     *ProviderIssue
	Provider  string
	LatencyMs float64
}

// AssistantText returns choices[0].message.content, or "" when absent.
func (r *ChatResponse) AssistantText() string {
	if r == nil || r.Raw == nil {
		return ""
	}
	choices, ok := r.Raw["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]interface{})
	if !ok {
		return ""
	}
	message, ok := first["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	return content
}

// Usage returns upstream-reported token usage when present.
func (r *ChatResponse) Usage() (promptTokens, completionTokens int, ok bool) {
	if r == nil || r.Raw == nil {
		return 0, 0, false
	}
	usage, found := r.Raw["usage"].(map[string]interface{})
	if !found {
		return 0, 0, false
	}
	pt, pok := asInt(usage["prompt_tokens"])
	ct, cok := asInt(usage["completion_tokens"])
	if !pok || !cok {
		return 0, 0, false
	}
	return pt, ct, true
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
