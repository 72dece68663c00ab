package llm

import (
	"fmt"
	"time"
)

// GeneratorConfig selects and configures a text generator.
type GeneratorConfig struct {
	Provider string // anthropic, openai or ollama
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Breaker  *CircuitBreaker
}

// NewTextGenerator creates the generator named by cfg.Provider.
func NewTextGenerator(cfg GeneratorConfig) (TextGenerator, error) {
	switch cfg.Provider {
	case "anthropic", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required")
		}
		return NewAnthropicClient(AnthropicConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, Timeout: cfg.Timeout, Breaker: cfg.Breaker,
		}), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai API key is required")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Breaker: cfg.Breaker,
		}), nil
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout, Breaker: cfg.Breaker,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}
