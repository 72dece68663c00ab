package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/engram/internal/embedding"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// RankQuery is what every backend receives for one search.
type RankQuery struct {
	Text    string
	Terms   []string
	Limit   int
	Filters types.SearchFilters
}

// RankedList is a backend's own ordering, best first. Scores inside the
// payloads are never compared across backends.
type RankedList []types.Payload

// Backend is one retrieval source. Adding a backend needs no change to
// fusion.
type Backend interface {
	Name() string
	Query(ctx context.Context, q RankQuery) (RankedList, error)
}

// WorkingBackend ranks live working items by matched query terms.
type WorkingBackend struct {
	store storage.WorkingStore
}

// NewWorkingBackend creates the working-memory backend.
func NewWorkingBackend(store storage.WorkingStore) *WorkingBackend {
	return &WorkingBackend{store: store}
}

// Name returns types.BackendWorking.
func (b *WorkingBackend) Name() string { return types.BackendWorking }

// Query matches terms against category, key and value.
func (b *WorkingBackend) Query(ctx context.Context, q RankQuery) (RankedList, error) {
	items, err := b.store.MatchText(ctx, q.Terms, storage.WorkingListOptions{
		Categories:    q.Filters.Categories,
		MinImportance: q.Filters.MinImportance,
		Limit:         q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make(RankedList, len(items))
	for i := range items {
		out[i] = workingPayload(&items[i])
	}
	return out, nil
}

func workingPayload(item *types.WorkingItem) types.Payload {
	return types.Payload{
		ID:         item.ID,
		Kind:       types.BackendWorking,
		Category:   item.Category,
		Key:        item.Key,
		Content:    item.Value,
		Importance: item.Importance,
		Metadata:   item.Metadata,
		CreatedAt:  item.CreatedAt,
	}
}

// SemanticBackend embeds the query and runs cosine k-NN.
type SemanticBackend struct {
	store         storage.SemanticStore
	embedder      embedding.Provider
	minSimilarity float64
}

// NewSemanticBackend creates the vector backend. embedder should already
// be guarded (and usually cached).
func NewSemanticBackend(store storage.SemanticStore, embedder embedding.Provider, minSimilarity float64) *SemanticBackend {
	return &SemanticBackend{store: store, embedder: embedder, minSimilarity: minSimilarity}
}

// Name returns types.BackendSemantic.
func (b *SemanticBackend) Name() string { return types.BackendSemantic }

// Query returns the nearest current memories.
func (b *SemanticBackend) Query(ctx context.Context, q RankQuery) (RankedList, error) {
	vec, err := b.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	hits, err := b.store.Nearest(ctx, vec, q.Limit, storage.VectorFilter{
		Categories:    q.Filters.Categories,
		MinImportance: q.Filters.MinImportance,
		MinSimilarity: b.minSimilarity,
	})
	if err != nil {
		return nil, err
	}
	out := make(RankedList, len(hits))
	for i, h := range hits {
		m := h.Memory
		key := strings.TrimPrefix(m.SourceKey, m.Category+"/")
		out[i] = types.Payload{
			ID:         m.ID,
			Kind:       types.BackendSemantic,
			Category:   m.Category,
			Key:        key,
			Content:    m.Content,
			Importance: m.Importance,
			Metadata:   m.Metadata,
			CreatedAt:  m.CreatedAt,
			Embedding:  m.Embedding,
		}
	}
	return out, nil
}

// GraphBackend matches entities by keyword and expands the matches with a
// bounded breadth-first walk. Direct matches rank first, then neighbours
// by hop distance.
type GraphBackend struct {
	store  storage.GraphStore
	bounds storage.GraphBounds
}

// NewGraphBackend creates the graph backend.
func NewGraphBackend(store storage.GraphStore, bounds storage.GraphBounds) *GraphBackend {
	bounds.Normalize()
	return &GraphBackend{store: store, bounds: bounds}
}

// Name returns types.BackendGraph.
func (b *GraphBackend) Name() string { return types.BackendGraph }

// Query returns matched entities followed by their neighbourhood. The
// category filter applies to entity types; entities carry no importance so
// MinImportance does not apply.
func (b *GraphBackend) Query(ctx context.Context, q RankQuery) (RankedList, error) {
	direct, err := b.store.SearchEntities(ctx, q.Terms, q.Limit)
	if err != nil {
		return nil, err
	}
	if len(direct) == 0 {
		return nil, nil
	}

	startIDs := make([]string, len(direct))
	for i, h := range direct {
		startIDs[i] = h.Entity.ID
	}
	hits := direct
	if len(hits) < q.Limit {
		reached, err := b.store.Traverse(ctx, startIDs, b.bounds)
		if err != nil {
			return nil, err
		}
		hits = append(hits, reached...)
	}

	out := make(RankedList, 0, len(hits))
	for _, h := range hits {
		if !q.Filters.AllowsCategory(h.Entity.Type) {
			continue
		}
		out = append(out, entityPayload(h))
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func entityPayload(h types.GraphHit) types.Payload {
	var meta map[string]any
	if h.Hops > 0 || h.Via != "" {
		meta = map[string]any{"hops": h.Hops}
		if h.Via != "" {
			meta["via"] = h.Via
		}
	}
	return types.Payload{
		ID:        h.Entity.ID,
		Kind:      "entity",
		Category:  h.Entity.Type,
		Key:       h.Entity.Name,
		Content:   h.Entity.Describe(),
		Metadata:  meta,
		CreatedAt: h.Entity.CreatedAt,
	}
}
