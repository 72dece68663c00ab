package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/pkg/types"
)

// DefaultCallTimeout bounds a single embedding call when none is configured.
const DefaultCallTimeout = 5 * time.Second

// Guarded wraps a provider with a per-call timeout, a circuit breaker and
// dimension validation. Failures are reported as ErrProviderTimeout or
// ErrProviderUnavailable; a vector of the wrong size is ErrValidation and
// is never truncated.
type Guarded struct {
	inner     Provider
	breaker   *llm.CircuitBreaker
	timeout   time.Duration
	dimension int
}

// NewGuarded wraps inner. A nil breaker gets a default one.
func NewGuarded(inner Provider, dimension int, timeout time.Duration, breaker *llm.CircuitBreaker) *Guarded {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if breaker == nil {
		breaker = llm.NewCircuitBreaker("embedding:" + inner.GetModel())
	}
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout, dimension: dimension}
}

// Embed calls the wrapped provider. The call returns by the deadline even
// if the provider ignores cancellation.
func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.breaker.Execute(callCtx, func() (interface{}, error) {
		type outcome struct {
			vec []float32
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			vec, err := g.inner.Embed(callCtx, text)
			done <- outcome{vec, err}
		}()
		select {
		case <-callCtx.Done():
			return nil, callCtx.Err()
		case o := <-done:
			return o.vec, o.err
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrCircuitOpen):
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w: %s after %s", ErrProviderTimeout, g.inner.GetModel(), g.timeout)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
	}

	vec := result.([]float32)
	if err := types.ValidateDimension(vec, g.dimension); err != nil {
		return nil, fmt.Errorf("embedding model %s: %w", g.inner.GetModel(), err)
	}
	return vec, nil
}

// GetModel returns the wrapped provider's model.
func (g *Guarded) GetModel() string {
	return g.inner.GetModel()
}

// Dimension returns the enforced embedding dimension.
func (g *Guarded) Dimension() int {
	return g.dimension
}

// BreakerState reports the circuit breaker state for health checks.
func (g *Guarded) BreakerState() string {
	return g.breaker.State()
}
