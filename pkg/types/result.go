package types

import "time"

// Payload is the backend-neutral view of a retrieved record.
type Payload struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"` // working, semantic or entity
	Category   string         `json:"category,omitempty"`
	Key        string         `json:"key,omitempty"`
	Content    string         `json:"content"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`

	// Embedding is carried internally for near-duplicate detection and
	// never serialized.
	Embedding []float32 `json:"-"`
}

// SourceRef records one backend hit that contributed to a fused result.
type SourceRef struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
	Rank    int    `json:"rank"`
}

// ResultItem is one entry of a fused, deduplicated search result.
type ResultItem struct {
	SourceBackend string      `json:"source_backend"`
	OriginalRank  int         `json:"original_rank"`
	Score         float64     `json:"score"`
	Payload       Payload     `json:"payload"`
	Sources       []SourceRef `json:"sources"`
}

// Backends lists the distinct backends that corroborated the item, in the
// order they were first recorded.
func (r *ResultItem) Backends() []string {
	seen := make(map[string]bool, len(r.Sources))
	var out []string
	for _, s := range r.Sources {
		if !seen[s.Backend] {
			seen[s.Backend] = true
			out = append(out, s.Backend)
		}
	}
	return out
}

// SearchFilters narrows a search.
type SearchFilters struct {
	Categories    []string `json:"categories,omitempty"`
	MinImportance float64  `json:"min_importance,omitempty"`
	Backends      []string `json:"backends,omitempty"` // empty means all
}

// AllowsCategory reports whether category passes the category filter.
func (f SearchFilters) AllowsCategory(category string) bool {
	if len(f.Categories) == 0 {
		return true
	}
	for _, c := range f.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// AllowsBackend reports whether the named backend should be queried.
func (f SearchFilters) AllowsBackend(name string) bool {
	if len(f.Backends) == 0 {
		return true
	}
	for _, b := range f.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// AssembledContext is the token-budgeted context produced for LLM injection.
type AssembledContext struct {
	Query  string       `json:"query"`
	Budget int          `json:"budget"`
	Used   int          `json:"used"`
	Items  []ResultItem `json:"items"`
	Text   string       `json:"text"`
}
