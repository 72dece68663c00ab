package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

type stubProvider struct {
	calls atomic.Int32
	fn    func(ctx context.Context, text string) ([]float32, error)
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	return s.fn(ctx, text)
}

func (s *stubProvider) GetModel() string { return "stub" }

func fixed(vec ...float32) *stubProvider {
	return &stubProvider{fn: func(context.Context, string) ([]float32, error) { return vec, nil }}
}

func failing(err error) *stubProvider {
	return &stubProvider{fn: func(context.Context, string) ([]float32, error) { return nil, err }}
}

func TestHashProviderIsDeterministic(t *testing.T) {
	h := NewHashProvider(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "rotate the database credentials")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "rotate the database credentials")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, storage.CosineSimilarity(a, a), 1e-6)

	related, _ := h.Embed(ctx, "database credentials expired")
	unrelated, _ := h.Embed(ctx, "lunch menu friday")
	assert.Greater(t, storage.CosineSimilarity(a, related), storage.CosineSimilarity(a, unrelated))
}

func TestGuardedValidatesDimension(t *testing.T) {
	g := NewGuarded(fixed(1, 0), 3, time.Second, nil)
	_, err := g.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, types.ErrValidation)

	g = NewGuarded(fixed(1, 0, 0), 3, time.Second, nil)
	vec, err := g.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, 3, g.Dimension())
}

func TestGuardedTimesOutEvenIfProviderIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := &stubProvider{fn: func(context.Context, string) ([]float32, error) {
		<-release
		return []float32{1}, nil
	}}
	g := NewGuarded(slow, 1, 20*time.Millisecond, nil)

	start := time.Now()
	_, err := g.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuardedOpensCircuit(t *testing.T) {
	boom := errors.New("connection refused")
	p := failing(boom)
	breaker := llm.NewCircuitBreakerWithConfig(llm.CircuitBreakerConfig{Name: "test", MaxFailures: 2, Timeout: time.Minute})
	g := NewGuarded(p, 3, time.Second, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Embed(ctx, "x")
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", g.BreakerState())

	_, err := g.Embed(ctx, "x")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, llm.ErrCircuitOpen)
	assert.Equal(t, int32(2), p.calls.Load(), "open circuit must not reach the provider")

	m := breaker.Metrics()
	assert.Equal(t, uint64(3), m.TotalRequests)
	assert.Equal(t, uint64(2), m.TotalFailures)
	assert.Equal(t, uint64(1), m.TotalRejected)
}

func TestCachedMemoizesSuccessfulEmbeddings(t *testing.T) {
	p := fixed(0.5, 0.5)
	c, err := NewCached(p, 16)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	_, err = c.Embed(ctx, "query")
	require.NoError(t, err)
	c.cache.Wait()
	vec, err := c.Embed(ctx, "query")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
	assert.Equal(t, int32(1), p.calls.Load())

	f := failing(errors.New("down"))
	cf, err := NewCached(f, 16)
	require.NoError(t, err)
	defer cf.Close()
	_, err = cf.Embed(ctx, "q")
	require.Error(t, err)
	cf.cache.Wait()
	_, err = cf.Embed(ctx, "q")
	require.Error(t, err)
	assert.Equal(t, int32(2), f.calls.Load(), "errors are not cached")
}

func TestFactory(t *testing.T) {
	p, err := New(Config{Provider: "hash", Dimension: 8})
	require.NoError(t, err)
	assert.Equal(t, "hash", p.GetModel())

	p, err = New(Config{Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", p.GetModel())

	p, err = New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", p.GetModel())

	_, err = New(Config{Provider: "hash"})
	assert.Error(t, err)

	_, err = New(Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)

	g, err := NewGuardedFromConfig(Config{Provider: "hash", Dimension: 4}, nil)
	require.NoError(t, err)
	vec, err := g.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}
