// Package bootstrap assembles a MemoryEngine from configuration: it opens
// the store adapters, builds the shared circuit breaker and wires the
// embedding provider and importance scorer. Both binaries start here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/scrypster/engram/internal/backup"
	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/embedding"
	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/internal/storage/chromem"
	"github.com/scrypster/engram/internal/storage/neo4j"
	"github.com/scrypster/engram/internal/storage/postgres"
	"github.com/scrypster/engram/internal/storage/sqlite"
)

// App is a wired engine plus everything that must be released with it.
type App struct {
	Engine  *engine.MemoryEngine
	Breaker *llm.CircuitBreaker

	closers []func() error
}

// Close releases stores and caches in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// New validates cfg and builds the engine. On error everything opened so
// far is closed.
func New(ctx context.Context, cfg *config.Config) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app = &App{}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %q: %w", cfg.Storage.DataPath, err)
	}

	dim := cfg.Embedding.Dimension
	store, err := sqlite.NewStore(cfg.Storage.SQLitePath(), sqlite.Options{Dimension: dim})
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", cfg.Storage.SQLitePath(), err)
	}
	app.onClose(store.Close)

	semantic, err := openSemantic(cfg.Storage, dim, store, app)
	if err != nil {
		return nil, err
	}
	graph, err := openGraph(ctx, cfg.Storage, store, app)
	if err != nil {
		return nil, err
	}

	app.Breaker = NewBreaker(cfg.Breaker, "providers")

	embedder, err := embedding.NewGuardedFromConfig(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: dim,
		Timeout:   cfg.Embedding.Timeout,
	}, app.Breaker)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	queryEmbedder, err := embedding.NewCached(embedder, cfg.Embedding.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding cache: %w", err)
	}
	app.onClose(func() error { queryEmbedder.Close(); return nil })

	scorer, err := NewScorer(cfg.Scorer, app.Breaker)
	if err != nil {
		return nil, err
	}
	if c, ok := scorer.(*engine.LLMScorer); ok {
		app.onClose(func() error { c.Close(); return nil })
	}

	app.Engine, err = engine.NewMemoryEngine(engine.Options{
		Working:       store,
		Semantic:      semantic,
		Graph:         graph,
		Decisions:     store,
		Embedder:      embedder,
		QueryEmbedder: queryEmbedder,
		Scorer:        scorer,
		Consolidation: cfg.Consolidation,
		Retrieval:     cfg.Retrieval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory engine: %w", err)
	}

	log.Printf("engine: working=sqlite semantic=%s graph=%s embedder=%s scorer=%s",
		cfg.Storage.SemanticBackend, cfg.Storage.GraphBackend, embedder.GetModel(), cfg.Scorer.Kind)
	return app, nil
}

func openSemantic(cfg config.StorageConfig, dim int, store *sqlite.Store, app *App) (storage.SemanticStore, error) {
	switch cfg.SemanticBackend {
	case "postgres":
		s, err := postgres.NewSemanticStore(cfg.PostgresDSN, dim)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres semantic store: %w", err)
		}
		app.onClose(s.Close)
		return s, nil
	case "chromem":
		s, err := chromem.New(cfg.ChromemPath, dim)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem semantic store: %w", err)
		}
		app.onClose(s.Close)
		return s, nil
	default:
		return store.Semantic(), nil
	}
}

func openGraph(ctx context.Context, cfg config.StorageConfig, store *sqlite.Store, app *App) (storage.GraphStore, error) {
	if cfg.GraphBackend != "neo4j" {
		return store, nil
	}
	g, err := neo4j.New(ctx, neo4j.Config{
		URI:      cfg.Neo4jURI,
		Username: cfg.Neo4jUsername,
		Password: cfg.Neo4jPassword,
		Database: cfg.Neo4jDatabase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open neo4j graph store: %w", err)
	}
	app.onClose(g.Close)
	return g, nil
}

// NewBreaker builds a circuit breaker from cfg.
func NewBreaker(cfg config.BreakerConfig, name string) *llm.CircuitBreaker {
	return llm.NewCircuitBreakerWithConfig(llm.CircuitBreakerConfig{
		Name:                 name,
		MaxFailures:          cfg.MaxFailures,
		Timeout:              cfg.Timeout,
		HalfOpenMaxSuccesses: cfg.HalfOpenMaxRequests,
	})
}

// NewScorer returns the keyword scorer, or an LLM scorer that falls back to
// it when the provider is unavailable.
func NewScorer(cfg config.ScorerConfig, breaker *llm.CircuitBreaker) (engine.Scorer, error) {
	if cfg.Kind != "llm" {
		return engine.NewKeywordScorer(), nil
	}
	gen, err := llm.NewTextGenerator(llm.GeneratorConfig{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
		Breaker:  breaker,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}
	s, err := engine.NewLLMScorer(gen, engine.NewKeywordScorer(), cfg.CacheSize, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}
	return s, nil
}

// NewSnapshotter builds a snapshotter for the configured SQLite database.
func NewSnapshotter(cfg *config.Config) (*backup.Snapshotter, error) {
	return backup.New(backup.Config{
		DBPath: cfg.Storage.SQLitePath(),
		Dir:    cfg.BackupDir(),
		Keep:   cfg.Backup.Keep,
		Verify: cfg.Backup.Verify,
	})
}
