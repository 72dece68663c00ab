package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/scrypster/engram/pkg/types"
)

// maxSearchLimit bounds the limit query parameter.
const maxSearchLimit = 100

// SearchHandler serves fused search across the memory tiers.
type SearchHandler struct {
	engine MemoryEngine
}

// NewSearchHandler creates a new SearchHandler instance.
func NewSearchHandler(e MemoryEngine) *SearchHandler {
	return &SearchHandler{engine: e}
}

// searchParams is a parsed search request.
type searchParams struct {
	query   string
	limit   int
	filters types.SearchFilters
}

// parseSearchParams reads the shared search query parameters:
//   - q              search text (required)
//   - limit          max results (default 10, max 100)
//   - category       comma-separated category filter
//   - backend        comma-separated backend filter (working, semantic, graph)
//   - min_importance minimum importance in [0,1]
func parseSearchParams(r *http.Request) (searchParams, string) {
	q := r.URL.Query()
	p := searchParams{query: strings.TrimSpace(q.Get("q"))}
	if p.query == "" {
		return p, "query parameter q is required"
	}

	p.limit = parseInt(q.Get("limit"), 10)
	if p.limit < 1 {
		p.limit = 10
	}
	if p.limit > maxSearchLimit {
		p.limit = maxSearchLimit
	}

	p.filters.Categories = splitList(q.Get("category"))
	p.filters.Backends = splitList(q.Get("backend"))
	if v := q.Get("min_importance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return p, "min_importance must be a number in [0,1]"
		}
		p.filters.MinImportance = f
	}
	return p, ""
}

// Search handles GET /api/search.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	p, problem := parseSearchParams(r)
	if problem != "" {
		respondError(w, http.StatusBadRequest, problem, nil)
		return
	}

	results, err := h.engine.Search(r.Context(), p.query, p.limit, p.filters)
	if err != nil {
		respondEngineError(w, "search failed", err)
		return
	}
	if results == nil {
		results = []types.ResultItem{}
	}
	respondJSON(w, http.StatusOK, SearchResponse{Query: p.query, Results: results, Total: len(results)})
}
