package provider

import (
	"fmt"

	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/ports"
)

// Build resolves the configured primary provider and pairs it with its
// fallback: mock primaries fall back to the mock fallback, everything else
// to Ollama.
func Build(cfg *config.Config, clk clock.Clock) (primary, fallback ports.ChatProvider, err error) {
	switch cfg.Provider.Name {
	case "openai":
		primary, err = NewOpenAIProvider(cfg.Provider, cfg.Upstream, clk)
		if err != nil {
			return nil, nil, err
		}
		fallback = NewOllamaProvider(cfg.Provider, cfg.Upstream, cfg.Quota.MaxOutputTokens, clk)

	case "ollama":
		primary = NewOllamaProvider(cfg.Provider, cfg.Upstream, cfg.Quota.MaxOutputTokens, clk)
		fallback = NewMockFallbackProvider(clk)

	case "mock", "":
		primary = NewMockProvider(DefaultMockLatency, clk)
		fallback = NewMockFallbackProvider(clk)

	default:
		return nil, nil, fmt.Errorf("unknown provider %q (expected openai, ollama or mock)", cfg.Provider.Name)
	}

	return primary, fallback, nil
}
