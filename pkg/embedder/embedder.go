// Package embedder builds the memory.Embedder selected by configuration.
package embedder

import (
	"fmt"
	"strings"
	"time"

	"github.com/jodaltro/tamagotchi/pkg/config"
	"github.com/jodaltro/tamagotchi/pkg/logger"
	"github.com/jodaltro/tamagotchi/pkg/memory"
)

// New returns the configured embedder, or nil for provider "none". Remote
// providers are wrapped with retries; every provider is cached.
func New(cfg config.EmbeddingConfig) (memory.Embedder, error) {
	var (
		base memory.Embedder
		err  error
	)
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "none":
		logger.InfoC("embedder", "Embeddings disabled, retrieval runs on keywords only")
		return nil, nil
	case "", "chargram", "hash":
		base, err = memory.NewLocalEmbedder(provider)
	case "openai":
		var oa *OpenAI
		oa, err = NewOpenAI(OpenAIOptions{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err == nil {
			base = NewRetrying(oa, time.Duration(cfg.TimeoutMS)*time.Millisecond, cfg.MaxTries)
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	cached, err := NewCached(base, cfg.CacheSize, time.Duration(cfg.CacheTTLMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}
	logger.InfoCF("embedder", "Embedder ready", map[string]interface{}{
		"provider": provider,
		"model":    base.ModelID(),
	})
	return cached, nil
}
