// Package embedding provides embedding providers for the semantic tier.
//
// Every provider satisfies Provider. Callers never talk to a raw provider:
// Guarded adds the per-call timeout, the circuit breaker and the dimension
// check that the rest of the system relies on.
package embedding

import (
	"context"
	"errors"
)

var (
	// ErrProviderUnavailable is returned when the provider cannot be reached
	// or the circuit breaker is open.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrProviderTimeout is returned when a single call exceeds its deadline.
	ErrProviderTimeout = errors.New("embedding provider timeout")

	// ErrEmptyEmbedding is returned when a provider answers without a vector.
	ErrEmptyEmbedding = errors.New("embedding provider returned no vector")
)

// Provider turns text into a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
