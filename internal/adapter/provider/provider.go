// Package provider implements the upstream inference providers behind the
// ports.ChatProvider capability: a real OpenAI-compatible client, an Ollama
// client used as the fallback, and mock variants for development and tests.
package provider

import (
	"net"
	"net/http"
	"time"

	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/domain"
)

// newHTTPClient builds a client with the layered timeout discipline:
// connect and read timeouts on the transport, the total deadline applied
// per call via context.
func newHTTPClient(cfg config.UpstreamConfig) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// lastUserContent returns the content of the most recent user message.
func lastUserContent(messages []domain.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
