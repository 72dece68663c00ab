package embedding

import (
	"fmt"
	"time"

	"github.com/scrypster/engram/internal/llm"
)

// Config selects and configures a provider.
type Config struct {
	Provider  string // ollama, openai or hash
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

// New creates the raw provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaProvider(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	case "hash":
		if cfg.Dimension <= 0 {
			return nil, fmt.Errorf("hash provider requires a positive dimension")
		}
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}

// NewGuardedFromConfig creates the provider named by cfg and wraps it with
// Guarded using breaker.
func NewGuardedFromConfig(cfg Config, breaker *llm.CircuitBreaker) (*Guarded, error) {
	inner, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return NewGuarded(inner, cfg.Dimension, cfg.Timeout, breaker), nil
}
