package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/embedding"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Options wires a MemoryEngine to its stores and providers.
type Options struct {
	Working   storage.WorkingStore
	Semantic  storage.SemanticStore
	Graph     storage.GraphStore
	Decisions storage.DecisionLog

	// Embedder is used for promotion. It should be a *embedding.Guarded.
	Embedder embedding.Provider

	// QueryEmbedder embeds search queries; defaults to Embedder. Usually
	// an *embedding.Cached wrapping the guarded provider.
	QueryEmbedder embedding.Provider

	// Scorer assigns importance when the caller gives none. Defaults to
	// the keyword scorer.
	Scorer Scorer

	Consolidation config.ConsolidationConfig
	Retrieval     config.RetrievalConfig

	// ExtraBackends are queried after the built-in ones.
	ExtraBackends []Backend

	// Now is the clock used for writes and ticks (default: time.Now).
	Now func() time.Time
}

// RememberOptions are the optional fields of a write.
type RememberOptions struct {
	Importance *float64 // nil means score with the configured Scorer
	TTL        time.Duration
	Source     string
	Metadata   map[string]any
}

// MemoryEngine is the facade over the three memory tiers. Writes go to
// the working store; consolidation runs independently of the request path
// and communicates with it only through storage; searches fan out across
// all live stores without waiting for consolidation.
type MemoryEngine struct {
	working   storage.WorkingStore
	semantic  storage.SemanticStore
	graph     storage.GraphStore
	decisions storage.DecisionLog

	scorer       Scorer
	consolidator *Consolidator
	retriever    *Retriever
	assembler    *ContextAssembler
	cfg          config.ConsolidationConfig
	nowFn        func() time.Time

	trigger chan struct{}
	limiter *rate.Limiter

	mu       sync.RWMutex
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	onReport func(*types.ConsolidationReport)
}

// NewMemoryEngine validates opts and builds the engine. Call Start to run
// the volume-trigger loop.
func NewMemoryEngine(opts Options) (*MemoryEngine, error) {
	if opts.Working == nil {
		return nil, fmt.Errorf("working store is required")
	}
	if opts.Semantic == nil {
		return nil, fmt.Errorf("semantic store is required")
	}
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if opts.QueryEmbedder == nil {
		opts.QueryEmbedder = opts.Embedder
	}
	if opts.Scorer == nil {
		opts.Scorer = NewKeywordScorer()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Consolidation.BatchSize < 1 || opts.Consolidation.WorkingCap < 1 {
		return nil, fmt.Errorf("invalid consolidation config: batch size and working cap must be positive")
	}
	if opts.Consolidation.TriggerRate <= 0 {
		opts.Consolidation.TriggerRate = 0.2
	}

	backends := []Backend{
		NewWorkingBackend(opts.Working),
		NewSemanticBackend(opts.Semantic, opts.QueryEmbedder, opts.Retrieval.MinSimilarity),
		NewGraphBackend(opts.Graph, storage.GraphBounds{
			MaxHops:  opts.Retrieval.GraphMaxHops,
			MaxNodes: opts.Retrieval.GraphMaxNodes,
			MaxEdges: opts.Retrieval.GraphMaxEdges,
		}),
	}
	backends = append(backends, opts.ExtraBackends...)
	retriever := NewRetriever(opts.Retrieval, backends...)

	return &MemoryEngine{
		working:      opts.Working,
		semantic:     opts.Semantic,
		graph:        opts.Graph,
		decisions:    opts.Decisions,
		scorer:       opts.Scorer,
		consolidator: NewConsolidator(opts.Working, opts.Semantic, opts.Decisions, opts.Embedder, opts.Consolidation, opts.Now),
		retriever:    retriever,
		assembler:    NewContextAssembler(retriever, opts.Retrieval.CharsPerToken, opts.Retrieval.FetchMultiplier),
		cfg:          opts.Consolidation,
		nowFn:        opts.Now,
		trigger:      make(chan struct{}, 1),
		limiter:      rate.NewLimiter(rate.Limit(opts.Consolidation.TriggerRate), 1),
	}, nil
}

// SetOnReport sets a callback fired after every consolidation tick.
func (e *MemoryEngine) SetOnReport(callback func(*types.ConsolidationReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReport = callback
}

// Start runs the loop that serves volume-triggered consolidation passes.
// The scheduled tick is owned by the caller via RunConsolidationTick.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	go e.triggerLoop(loopCtx, e.loopDone)
	e.started = true
	log.Println("Memory engine started")
	return nil
}

// Shutdown stops the trigger loop, waiting for an in-flight pass until ctx
// is done.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine not started")
	}
	e.cancel()
	done := e.loopDone
	e.started = false
	e.mu.Unlock()

	select {
	case <-done:
		log.Println("Memory engine shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// triggerLoop runs one pass per coalesced trigger, throttled by the
// limiter. Triggers are never dropped while a pass is waiting: they fold
// into the single pending signal.
func (e *MemoryEngine) triggerLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := e.runTick(ctx, TriggerVolume); err != nil {
				log.Printf("consolidation: volume-triggered pass failed: %v", err)
			}
		}
	}
}

// signalConsolidation requests an out-of-cycle pass. Pending requests
// coalesce.
func (e *MemoryEngine) signalConsolidation() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Remember writes (or rewrites) the working item at (category, key). When
// the write leaves the working store above its cap, an out-of-cycle
// consolidation pass is requested.
func (e *MemoryEngine) Remember(ctx context.Context, category, key, value string, opts RememberOptions) (*types.WorkingItem, error) {
	now := e.nowFn()
	item := &types.WorkingItem{
		Category:  strings.TrimSpace(category),
		Key:       strings.TrimSpace(key),
		Value:     value,
		TTL:       opts.TTL,
		Source:    opts.Source,
		Metadata:  opts.Metadata,
		UpdatedAt: now,
	}
	if opts.Importance != nil {
		item.Importance = *opts.Importance
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if opts.Importance == nil {
		item.Importance = e.scorer.Score(item)
	}

	saved, err := e.working.Upsert(ctx, item)
	if err != nil {
		return nil, err
	}
	e.CheckVolume(ctx)
	return saved, nil
}

// CheckVolume requests an out-of-cycle consolidation pass when the working
// store is above its cap. Remember calls it; callers that learn of writes
// made by another process call it directly.
func (e *MemoryEngine) CheckVolume(ctx context.Context) {
	count, err := e.working.Count(ctx)
	if err != nil {
		log.Printf("engine: failed to count working items: %v", err)
		return
	}
	if count > e.cfg.WorkingCap {
		e.signalConsolidation()
	}
}

// Recall returns the live item at (category, key) and records the access.
func (e *MemoryEngine) Recall(ctx context.Context, category, key string) (*types.WorkingItem, error) {
	return e.working.Touch(ctx, category, key, e.nowFn())
}

// RecallList returns live items in category (all categories when empty),
// most recently accessed first. Listing does not record accesses.
func (e *MemoryEngine) RecallList(ctx context.Context, category string, limit int) ([]types.WorkingItem, error) {
	return e.working.List(ctx, storage.WorkingListOptions{
		Category:  category,
		Now:       e.nowFn(),
		SortBy:    "accessed_at",
		SortOrder: "desc",
		Limit:     limit,
	})
}

// Forget purges the working item at (category, key) and records why.
func (e *MemoryEngine) Forget(ctx context.Context, category, key string) error {
	item, err := e.working.Get(ctx, category, key, e.nowFn())
	if err != nil {
		return err
	}
	if err := e.working.Delete(ctx, category, key); err != nil {
		return err
	}
	if e.decisions != nil {
		if err := e.decisions.RecordDecision(ctx, &types.ConsolidationDecision{
			ItemID:    item.ID,
			Category:  item.Category,
			Key:       item.Key,
			Decision:  types.DecisionPurge,
			Score:     item.Importance,
			Reason:    "forgotten_by_caller",
			Timestamp: e.nowFn(),
		}); err != nil {
			log.Printf("engine: failed to record forget decision: %v", err)
		}
	}
	return nil
}

// Search fans query out to every backend and returns fused results.
func (e *MemoryEngine) Search(ctx context.Context, query string, limit int, filters types.SearchFilters) ([]types.ResultItem, error) {
	return e.retriever.Search(ctx, query, limit, filters)
}

// AssembleContext packs the best results for query into tokenBudget.
func (e *MemoryEngine) AssembleContext(ctx context.Context, query string, tokenBudget int) (*types.AssembledContext, error) {
	return e.assembler.Assemble(ctx, query, tokenBudget)
}

// RunConsolidationTick runs one scheduled consolidation pass. It is the
// hook the external scheduler calls.
func (e *MemoryEngine) RunConsolidationTick(ctx context.Context) (*types.ConsolidationReport, error) {
	return e.runTick(ctx, TriggerScheduled)
}

// RunConsolidationNow runs one pass on behalf of an operator.
func (e *MemoryEngine) RunConsolidationNow(ctx context.Context) (*types.ConsolidationReport, error) {
	return e.runTick(ctx, TriggerManual)
}

func (e *MemoryEngine) runTick(ctx context.Context, trigger string) (*types.ConsolidationReport, error) {
	report, err := e.consolidator.RunTick(ctx, trigger)
	if err != nil {
		return report, err
	}
	e.mu.RLock()
	cb := e.onReport
	e.mu.RUnlock()
	if cb != nil {
		cb(report)
	}
	return report, nil
}

// Decisions returns the audit trail for itemID (all items when empty).
func (e *MemoryEngine) Decisions(ctx context.Context, itemID string, limit int) ([]types.ConsolidationDecision, error) {
	if e.decisions == nil {
		return nil, fmt.Errorf("decision log not configured")
	}
	return e.decisions.Decisions(ctx, itemID, limit)
}

// Archived returns items moved to the archive, newest first.
func (e *MemoryEngine) Archived(ctx context.Context, limit int) ([]types.ArchivedItem, error) {
	return e.working.ListArchived(ctx, limit)
}

// AddEntity creates or updates a graph entity.
func (e *MemoryEngine) AddEntity(ctx context.Context, entity *types.Entity) error {
	return e.graph.UpsertEntity(ctx, entity)
}

// AddRelation creates or updates a graph relation.
func (e *MemoryEngine) AddRelation(ctx context.Context, rel *types.Relation) error {
	return e.graph.UpsertRelation(ctx, rel)
}

// WorkingCount returns the number of items in working state.
func (e *MemoryEngine) WorkingCount(ctx context.Context) (int, error) {
	return e.working.Count(ctx)
}
