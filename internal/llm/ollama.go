package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name to use for completions (default: phi3:mini)
	Model string

	// Timeout is the request timeout duration (default: 10s)
	Timeout time.Duration

	Breaker *CircuitBreaker
}

// OllamaClient runs completions on a local Ollama server. Every call goes
// through the circuit breaker so a dead server fails fast.
type OllamaClient struct {
	client         *ollama.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// NewOllamaClient creates a new Ollama client with the given configuration.
func NewOllamaClient(config OllamaConfig) (*OllamaClient, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "phi3:mini"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	breaker := config.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker("ollama")
	}
	return &OllamaClient{
		client:         ollama.NewClient(base, &http.Client{Timeout: config.Timeout}),
		circuitBreaker: breaker,
		model:          config.Model,
		timeout:        config.Timeout,
	}, nil
}

// Complete sends a non-streaming generate request and returns the response text.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OllamaClient) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream := false
	var b strings.Builder
	err := c.client.Generate(ctx, &ollama.GenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  &stream,
		Options: map[string]interface{}{"temperature": 0},
	}, func(resp ollama.GenerateResponse) error {
		b.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	return b.String(), nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

var _ TextGenerator = (*OllamaClient)(nil)
