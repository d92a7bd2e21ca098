package embedder

import (
	"fmt"
	"strings"

	"github.com/dshills/memindex/internal/config"
)

// NewProvider creates the provider named by cfg.Provider.
// An empty provider (or "none") returns (nil, nil): the engine runs
// lexical-only.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, nil
	case ProviderJina:
		p, err := NewJinaProvider(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderOpenAI:
		p, err := NewOpenAIProvider(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderLocal:
		p, err := NewLocalProvider(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
