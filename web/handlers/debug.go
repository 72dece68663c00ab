package handlers

import (
	"net/http"

	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/pkg/types"
)

// DebugHandler exposes retrieval debug endpoints.
type DebugHandler struct {
	engine MemoryEngine
}

// NewDebugHandler creates a DebugHandler backed by the given engine.
func NewDebugHandler(e MemoryEngine) *DebugHandler {
	return &DebugHandler{engine: e}
}

// SearchTrace handles GET /api/debug/search-trace. It accepts the same
// parameters as /api/search and adds a per-backend breakdown: hits and
// latency per backend, omitted backends with the reason, and every
// near-duplicate collapse.
func (h *DebugHandler) SearchTrace(w http.ResponseWriter, r *http.Request) {
	p, problem := parseSearchParams(r)
	if problem != "" {
		respondError(w, http.StatusBadRequest, problem, nil)
		return
	}

	tc := engine.NewTraceCollector()
	ctx := engine.WithTraceCollector(r.Context(), tc)
	results, err := h.engine.Search(ctx, p.query, p.limit, p.filters)
	if err != nil {
		respondEngineError(w, "debug search failed", err)
		return
	}
	if results == nil {
		results = []types.ResultItem{}
	}

	respondJSON(w, http.StatusOK, SearchResponse{
		Query:   p.query,
		Results: results,
		Total:   len(results),
		Debug:   engine.BuildSearchDebug(tc.Events(), tc.ElapsedMS()),
	})
}
