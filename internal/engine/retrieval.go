package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Retriever fans a query out to every backend, fuses the independent
// rankings with Reciprocal Rank Fusion and collapses near-duplicates.
type Retriever struct {
	backends []Backend
	cfg      config.RetrievalConfig
}

// NewRetriever creates a retriever over backends, queried in the given
// order. Backend order only matters for breaking exact ties.
func NewRetriever(cfg config.RetrievalConfig, backends ...Backend) *Retriever {
	if cfg.RRFK < 1 {
		cfg.RRFK = 60
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 150 * time.Millisecond
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.85
	}
	if cfg.DefaultLimit < 1 {
		cfg.DefaultLimit = 10
	}
	return &Retriever{backends: backends, cfg: cfg}
}

// backendResult is one backend's answer as seen by the collector.
type backendResult struct {
	index   int
	list    RankedList
	err     error
	elapsed time.Duration
}

// Search returns up to limit fused results. A backend that errors or
// misses its deadline is omitted and logged; Search itself only fails on
// invalid input.
func (r *Retriever) Search(ctx context.Context, query string, limit int, filters types.SearchFilters) ([]types.ResultItem, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", types.ErrValidation)
	}
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	perBackend := limit
	if r.cfg.PerBackendLimit > perBackend {
		perBackend = r.cfg.PerBackendLimit
	}
	q := RankQuery{Text: query, Terms: queryTerms(query), Limit: perBackend, Filters: filters}
	emit(ctx, TraceEvent{Kind: KindSearchStarted, Query: query})

	lists := r.fanOut(ctx, q)
	groups := r.fuse(ctx, lists)
	results := r.dedupe(ctx, groups)
	if len(results) > limit {
		results = results[:limit]
	}

	ids := make([]string, len(results))
	for i := range results {
		ids[i] = results[i].Payload.ID
	}
	emit(ctx, TraceEvent{Kind: KindResultsReturned, Count: len(results), IDs: ids})
	return results, nil
}

// fanOut queries every allowed backend concurrently and returns their
// lists indexed like r.backends (nil for omitted backends). The collector
// stops at the deadline even if a backend ignores cancellation.
func (r *Retriever) fanOut(ctx context.Context, q RankQuery) []RankedList {
	lists := make([]RankedList, len(r.backends))
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BackendTimeout)
	defer cancel()

	results := make(chan backendResult, len(r.backends))
	pending := 0
	for i, b := range r.backends {
		if !q.Filters.AllowsBackend(b.Name()) {
			continue
		}
		pending++
		go func(i int, b Backend) {
			start := time.Now()
			list, err := b.Query(ctx, q)
			results <- backendResult{index: i, list: list, err: err, elapsed: time.Since(start)}
		}(i, b)
	}

	answered := make([]bool, len(r.backends))
	for pending > 0 {
		select {
		case res := <-results:
			pending--
			answered[res.index] = true
			name := r.backends[res.index].Name()
			if res.err != nil {
				reason := res.err.Error()
				if errors.Is(res.err, context.DeadlineExceeded) {
					reason = types.ErrTimeout.Error()
				}
				log.Printf("retrieval: backend %s omitted: %v", name, res.err)
				emit(ctx, TraceEvent{Kind: KindBackendFailed, Backend: name, Reason: reason, ElapsedMS: res.elapsed.Milliseconds()})
				continue
			}
			lists[res.index] = res.list
			emit(ctx, TraceEvent{Kind: KindBackendReturned, Backend: name, Count: len(res.list), ElapsedMS: res.elapsed.Milliseconds()})
		case <-ctx.Done():
			for i, b := range r.backends {
				if !answered[i] && q.Filters.AllowsBackend(b.Name()) {
					log.Printf("retrieval: backend %s omitted: %v after %s", b.Name(), types.ErrTimeout, r.cfg.BackendTimeout)
					emit(ctx, TraceEvent{Kind: KindBackendFailed, Backend: b.Name(), Reason: types.ErrTimeout.Error(), ElapsedMS: r.cfg.BackendTimeout.Milliseconds()})
				}
			}
			return lists
		}
	}
	return lists
}

// fusedGroup is every hit sharing one content identity.
type fusedGroup struct {
	identity   string
	score      float64
	rep        types.Payload
	repBackend string
	repRank    int
	repOrder   int // backend index of the representative
	embedding  []float32
	sources    []types.SourceRef
}

// fuse applies RRF: the item at rank r in backend b contributes
// w_b/(k+r). Each backend contributes once per identity, at its best rank;
// further hits of the same identity are kept as corroborating sources.
func (r *Retriever) fuse(ctx context.Context, lists []RankedList) []*fusedGroup {
	byIdentity := make(map[string]*fusedGroup)
	var order []*fusedGroup

	for bi, list := range lists {
		name := r.backends[bi].Name()
		weight := r.weight(name)
		counted := make(map[string]bool)
		for ri, p := range list {
			rank := ri + 1
			id := types.ContentHash(p.Content)
			g, ok := byIdentity[id]
			if !ok {
				g = &fusedGroup{identity: id, rep: p, repBackend: name, repRank: rank, repOrder: bi}
				byIdentity[id] = g
				order = append(order, g)
			}
			g.sources = append(g.sources, types.SourceRef{Backend: name, ID: p.ID, Rank: rank})
			if g.embedding == nil && len(p.Embedding) > 0 {
				g.embedding = p.Embedding
			}
			if counted[id] {
				continue
			}
			counted[id] = true
			g.score += weight / float64(r.cfg.RRFK+rank)
			if rank < g.repRank || (rank == g.repRank && bi < g.repOrder) {
				g.rep, g.repBackend, g.repRank, g.repOrder = p, name, rank, bi
			}
		}
	}

	for _, g := range order {
		emit(ctx, TraceEvent{Kind: KindFused, Identity: g.identity, Score: g.score})
	}
	return order
}

func (r *Retriever) weight(backend string) float64 {
	if w, ok := r.cfg.Weights[backend]; ok {
		return w
	}
	return 1
}

// dedupe sorts groups by fused score (ties by identity) and greedily
// collapses any group whose similarity to an already kept representative
// exceeds the threshold. Collapsed groups add their sources to the
// representative but not their score.
func (r *Retriever) dedupe(ctx context.Context, groups []*fusedGroup) []types.ResultItem {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].score != groups[j].score {
			return groups[i].score > groups[j].score
		}
		return groups[i].identity < groups[j].identity
	})

	var kept []*fusedGroup
	for _, g := range groups {
		merged := false
		for _, k := range kept {
			sim := similarity(g, k)
			if sim > r.cfg.DedupThreshold {
				k.sources = append(k.sources, g.sources...)
				emit(ctx, TraceEvent{Kind: KindDeduplicated, Identity: g.identity, MergedInto: k.identity, Similarity: sim})
				merged = true
				break
			}
		}
		if !merged {
			kept = append(kept, g)
		}
	}

	out := make([]types.ResultItem, len(kept))
	for i, g := range kept {
		out[i] = types.ResultItem{
			SourceBackend: g.repBackend,
			OriginalRank:  g.repRank,
			Score:         g.score,
			Payload:       g.rep,
			Sources:       g.sources,
		}
	}
	return out
}

// similarity is 1 for equal content identity, otherwise the cosine of the
// embeddings when both groups carry one.
func similarity(a, b *fusedGroup) float64 {
	if a.identity == b.identity {
		return 1
	}
	if len(a.embedding) == 0 || len(b.embedding) == 0 {
		return 0
	}
	return storage.CosineSimilarity(a.embedding, b.embedding)
}
