package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/embedding"
	"github.com/scrypster/engram/internal/storage/sqlite"
	"github.com/scrypster/engram/pkg/types"
)

const testDimension = 32

// testClock is a settable clock shared by the engine and its trigger loop.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *MemoryEngine
	store  *sqlite.Store
	clock  *testClock
}

// newHarness builds an engine over an in-memory SQLite store and the hash
// embedder. mutate may adjust options before construction.
func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", sqlite.Options{Dimension: testDimension})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := newTestClock()
	defaults := config.Default()
	opts := Options{
		Working:       store,
		Semantic:      store.Semantic(),
		Graph:         store,
		Decisions:     store,
		Embedder:      embedding.NewGuarded(embedding.NewHashProvider(testDimension), testDimension, time.Second, nil),
		Consolidation: defaults.Consolidation,
		Retrieval:     defaults.Retrieval,
		Now:           clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewMemoryEngine(opts)
	require.NoError(t, err)
	return &harness{engine: e, store: store, clock: clock}
}

func importance(v float64) *float64 { return &v }

func (h *harness) remember(t *testing.T, category, key, value string, imp float64) *types.WorkingItem {
	t.Helper()
	item, err := h.engine.Remember(context.Background(), category, key, value, RememberOptions{Importance: importance(imp)})
	require.NoError(t, err)
	return item
}

// failingProvider always errors, like an unreachable embedding server.
type failingProvider struct {
	mu    sync.Mutex
	calls int
}

func (f *failingProvider) Embed(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, embedding.ErrProviderUnavailable
}

func (f *failingProvider) GetModel() string { return "down" }

func (f *failingProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
