package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes embeddings by model and exact text. It is used for query
// embeddings, where the same question is often asked repeatedly.
type Cached struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache holding up to maxEntries vectors.
func NewCached(inner Provider, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and stores it.
// Errors are never cached.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.inner.GetModel() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

// GetModel returns the wrapped provider's model.
func (c *Cached) GetModel() string {
	return c.inner.GetModel()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}
