package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// OllamaConfig holds Ollama embedding configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the embedding model (default: nomic-embed-text)
	Model string

	// Timeout bounds the underlying HTTP client (default: 30s). Per-call
	// deadlines are applied by Guarded.
	Timeout time.Duration
}

// OllamaProvider embeds text with a local Ollama server.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

// NewOllamaProvider creates an Ollama provider, applying defaults.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL %q: %w", cfg.BaseURL, err)
	}
	return &OllamaProvider{
		client: ollama.NewClient(u, &http.Client{Timeout: cfg.Timeout}),
		model:  cfg.Model,
	}, nil
}

// Embed returns the embedding of text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := p.client.Embed(ctx, &ollama.EmbedRequest{
		Model: p.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return res.Embeddings[0], nil
}

// GetModel returns the embedding model name.
func (p *OllamaProvider) GetModel() string {
	return p.model
}
