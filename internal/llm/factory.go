package llm

import (
	"context"
	"fmt"
	"time"

	"loopsmith/internal/config"
	"loopsmith/internal/logging"
	"loopsmith/internal/usage"
)

// Settings configures a single provider.
type Settings struct {
	Name        string
	APIKey      string
	BaseURL     string
	FastModel   string
	StrongModel string
	Timeout     time.Duration
}

// NewProvider creates a provider by name.
func NewProvider(ctx context.Context, s Settings) (Provider, error) {
	switch s.Name {
	case "gemini":
		return NewGeminiProvider(ctx, s)
	case "openai", "ollama":
		return NewEinoProvider(ctx, s)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: %v)", s.Name, config.ValidProviders)
	}
}

// NewChainFromConfig builds the provider chain from the active providers in cfg.
// Providers that fail to initialize are skipped; an empty chain is an error.
func NewChainFromConfig(ctx context.Context, cfg *config.Config, tracker *usage.Tracker) (*Chain, error) {
	var providers []Provider
	for _, pc := range cfg.ActiveProviders() {
		p, err := NewProvider(ctx, Settings{
			Name:        pc.Name,
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			FastModel:   pc.FastModel,
			StrongModel: pc.StrongModel,
			Timeout:     cfg.GetLLMTimeout(),
		})
		if err != nil {
			logging.LLMWarn("skipping provider %s: %v", pc.Name, err)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, config.ErrNoProviders
	}
	return NewChain(providers,
		WithMaxRetries(cfg.LLM.MaxRetries),
		WithBackoffBase(cfg.GetBackoffBase()),
		WithUsage(tracker),
	), nil
}
