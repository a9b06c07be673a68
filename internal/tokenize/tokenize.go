// Package tokenize counts tokens the way the upstream billing does:
// model-aware BPE via tiktoken, with cl100k_base as the fallback table for
// models tiktoken does not know. The BPE tables are embedded via the
// offline loader; counting never reaches the network.
package tokenize

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/relaygate/circuit/internal/core/domain"
)

const fallbackEncoding = "cl100k_base"

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Overheads are the per-message and priming token constants. They are
// specific to a model family, so the counter allows per-model overrides.
type Overheads struct {
	PerMessage int
	Priming    int
}

// DefaultOverheads matches the gpt-3.5/gpt-4 chat format.
var DefaultOverheads = Overheads{PerMessage: 4, Priming: 2}

// Counter caches encodings per model. Safe for concurrent use.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	overheads map[string]Overheads
}

func NewCounter() *Counter {
	return &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		overheads: make(map[string]Overheads),
	}
}

// SetOverheads overrides the chat-format constants for one model.
func (c *Counter) SetOverheads(model string, o Overheads) {
	c.mu.Lock()
	c.overheads[model] = o
	c.mu.Unlock()
}

// encodingFor returns the cached encoding for a model, or nil when no
// table can be loaded; callers fall back to the approximate count. Nil is
// not cached so a transient failure does not pin the degraded path.
func (c *Counter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model, use the default table
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil
		}
	}

	c.encodings[model] = enc
	return enc
}

func (c *Counter) overheadsFor(model string) Overheads {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.overheads[model]; ok {
		return o
	}
	return DefaultOverheads
}

// CountMessages counts prompt tokens over a message list:
// per-message overhead plus the BPE length of every field value, plus the
// assistant priming overhead.
func (c *Counter) CountMessages(model string, messages []domain.ChatMessage) int {
	enc := c.encodingFor(model)
	o := c.overheadsFor(model)

	tokens := 0
	for _, m := range messages {
		tokens += o.PerMessage
		tokens += countWith(enc, m.Role)
		tokens += countWith(enc, m.Content)
	}
	tokens += o.Priming

	return tokens
}

// CountText counts the BPE length of a single text. Empty text is zero.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	return countWith(c.encodingFor(model), text)
}

func countWith(enc *tiktoken.Tiktoken, text string) int {
	if enc == nil {
		return approxTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// approxTokens is the degraded estimate when no BPE table is available:
// roughly four bytes per token, matching the upstream rule of thumb.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}
