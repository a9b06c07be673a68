// Package stream settles streaming completions: it normalizes upstream
// chunks for accounting while the raw frames pass through verbatim, then
// performs the post-hoc token, cost, quota and audit settlement exactly
// once per stream.
package stream

import (
	"bytes"

	"github.com/tidwall/gjson"
)

const deltaContentPath = "choices.0.delta.content"

var (
	ssePrefix    = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// Chunk is one normalized upstream frame. Frame is forwarded to the client
// byte for byte; Text is the assistant delta extracted for accounting,
// empty when the frame carries none.
type Chunk struct {
	Frame []byte
	Text  string
	Done  bool
}

// Normalize classifies a single upstream frame. SSE data lines have their
// payload inspected; the [DONE] sentinel is flagged; bare JSON objects are
// inspected directly; anything else passes through with no extracted text.
func Normalize(frame []byte) Chunk {
	chunk := Chunk{Frame: frame}

	payload := bytes.TrimSpace(frame)
	if bytes.HasPrefix(payload, ssePrefix) {
		payload = bytes.TrimSpace(payload[len(ssePrefix):])
	}

	if bytes.Equal(payload, doneSentinel) {
		chunk.Done = true
		return chunk
	}

	if len(payload) > 0 && payload[0] == '{' {
		if result := gjson.GetBytes(payload, deltaContentPath); result.Exists() {
			chunk.Text = result.String()
		}
	}

	return chunk
}
