package storage

import (
	"errors"
	"math"
	"time"

	"github.com/scrypster/engram/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = types.ErrValidation

	// ErrConflict indicates a concurrent writer changed the record first.
	ErrConflict = types.ErrConflict

	// ErrGraphBoundsExceeded indicates that graph traversal exceeded bounds.
	ErrGraphBoundsExceeded = errors.New("graph bounds exceeded")
)

// WorkingListOptions provides filtering and pagination for working-store
// reads.
type WorkingListOptions struct {
	// Category restricts results to one category. Empty means all.
	Category string

	// Categories restricts results to a set of categories. Combined with
	// Category when both are set.
	Categories []string

	// KeyPrefix restricts results to keys starting with this prefix.
	KeyPrefix string

	// States restricts results to these states. Empty means all states.
	States []types.ItemState

	// AccessedBefore restricts to items last accessed strictly before this
	// time. Zero means no bound.
	AccessedBefore time.Time

	// MinImportance filters to items with importance >= this value.
	MinImportance float64

	// IncludeExpired includes items whose TTL has elapsed.
	IncludeExpired bool

	// Now is the reference time for expiry checks (default: time.Now()).
	Now time.Time

	// SortBy specifies the sort field (accessed_at, updated_at, created_at,
	// importance, key).
	SortBy string

	// SortOrder is "asc" or "desc" (default: "desc").
	SortOrder string

	// Limit is the maximum number of items (default: 100, max: 1000).
	Limit int

	// Offset is the number of items to skip.
	Offset int
}

// Normalize applies defaults and validates the options.
func (o *WorkingListOptions) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection
	allowedSortFields := map[string]bool{
		"accessed_at": true,
		"updated_at":  true,
		"created_at":  true,
		"importance":  true,
		"key":         true,
	}
	if !allowedSortFields[o.SortBy] {
		o.SortBy = "updated_at"
	}
	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}
	if o.Limit < 1 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
}

// VectorFilter narrows a nearest-neighbour query.
type VectorFilter struct {
	Categories    []string
	MinImportance float64
	MinSimilarity float64
}

// ScoredMemory is a semantic memory with its cosine similarity to a query.
type ScoredMemory struct {
	Memory     types.SemanticMemory
	Similarity float64
}

// GraphBounds prevents combinatorial explosion during graph traversal.
type GraphBounds struct {
	// MaxHops is the maximum number of hops from the starting nodes.
	MaxHops int

	// MaxNodes is the maximum number of nodes to return.
	MaxNodes int

	// MaxEdges is the maximum number of edges to traverse.
	MaxEdges int
}

// Normalize applies defaults and caps to the bounds.
func (g *GraphBounds) Normalize() {
	if g.MaxHops < 1 {
		g.MaxHops = 2
	}
	if g.MaxHops > 5 {
		g.MaxHops = 5
	}
	if g.MaxNodes < 1 {
		g.MaxNodes = 50
	}
	if g.MaxNodes > 1000 {
		g.MaxNodes = 1000
	}
	if g.MaxEdges < 1 {
		g.MaxEdges = 500
	}
	if g.MaxEdges > 5000 {
		g.MaxEdges = 5000
	}
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
