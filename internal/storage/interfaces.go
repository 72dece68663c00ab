// Package storage provides composable storage interfaces for the engram
// memory tiers.
//
// The three stores are mutually unaware: WorkingStore is the hot, keyed,
// TTL-aware tier; SemanticStore holds durable vector-indexed memories;
// GraphStore holds typed entities and relations. Any engine offering these
// primitives satisfies the contract.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/engram/pkg/types"
)

// WorkingStore is the short-lived working-memory tier.
type WorkingStore interface {
	// Upsert writes an item keyed by (category, key) in a single atomic
	// statement. A repeat write updates the row in place, increments
	// access_count and version, and never creates a duplicate.
	Upsert(ctx context.Context, item *types.WorkingItem) (*types.WorkingItem, error)

	// Get returns an item live at now without recording an access.
	// Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, category, key string, now time.Time) (*types.WorkingItem, error)

	// Touch records an access (access_count+1, accessed_at=at) and returns
	// the updated item. Returns ErrNotFound if absent or expired.
	Touch(ctx context.Context, category, key string, at time.Time) (*types.WorkingItem, error)

	// List returns items matching opts.
	List(ctx context.Context, opts WorkingListOptions) ([]types.WorkingItem, error)

	// MatchText returns live items whose category, key or value contain any
	// of terms, ordered by number of matched terms, then importance, then
	// recency.
	MatchText(ctx context.Context, terms []string, opts WorkingListOptions) ([]types.WorkingItem, error)

	// Count returns the number of rows currently in the working store.
	Count(ctx context.Context) (int, error)

	// Transition applies a consolidation outcome to the item with the given
	// version. StatePromoted marks the row in place, StateArchived moves it
	// to the archive, StatePurged deletes it. Returns ErrConflict when the
	// row was re-written (or removed) since version was read.
	Transition(ctx context.Context, id string, version int64, to types.ItemState, reason string, at time.Time) error

	// RecordEmbedFailure increments the item's consecutive embedding
	// failure count and schedules the next attempt. Returns the new count.
	RecordEmbedFailure(ctx context.Context, id string, version int64, next time.Time) (int, error)

	// Delete removes an item explicitly. Returns ErrNotFound if absent.
	Delete(ctx context.Context, category, key string) error

	// ListArchived returns archived items, newest first.
	ListArchived(ctx context.Context, limit int) ([]types.ArchivedItem, error)
}

// SemanticStore is the durable, vector-indexed tier.
type SemanticStore interface {
	// Insert stores a new memory. The embedding dimension is validated
	// against Dimension(); content is never mutated afterwards.
	Insert(ctx context.Context, mem *types.SemanticMemory) error

	// Supersede inserts mem as a new version of oldID and flags the old
	// version superseded so it drops out of Nearest.
	Supersede(ctx context.Context, oldID string, mem *types.SemanticMemory) error

	// Get retrieves a memory by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.SemanticMemory, error)

	// LatestBySourceKey returns the current (non-superseded) memory promoted
	// from the given working category/key. Returns ErrNotFound if none.
	LatestBySourceKey(ctx context.Context, sourceKey string) (*types.SemanticMemory, error)

	// Touch records an access on a memory.
	Touch(ctx context.Context, id string, at time.Time) error

	// Nearest returns the k current memories most similar to query by
	// cosine similarity, best first.
	Nearest(ctx context.Context, query []float32, k int, filter VectorFilter) ([]ScoredMemory, error)

	// Dimension is the fixed embedding dimension of this deployment.
	Dimension() int
}

// GraphStore is the typed entity/relation tier.
type GraphStore interface {
	// UpsertEntity creates or updates an entity, unique on (name, type).
	// The entity's ID is filled in on return.
	UpsertEntity(ctx context.Context, entity *types.Entity) error

	// UpsertRelation creates or updates a relation, unique on
	// (from, to, relation_type).
	UpsertRelation(ctx context.Context, rel *types.Relation) error

	// GetEntity retrieves an entity by ID. Returns ErrNotFound if absent.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// SearchEntities returns entities whose name or properties contain any
	// of terms, best match first (Hops == 0).
	SearchEntities(ctx context.Context, terms []string, limit int) ([]types.GraphHit, error)

	// Traverse walks relations in both directions from startIDs, breadth
	// first, within bounds. Start entities are not included in the result.
	Traverse(ctx context.Context, startIDs []string, bounds GraphBounds) ([]types.GraphHit, error)
}

// DecisionLog is the consolidation audit trail.
type DecisionLog interface {
	// RecordDecision appends a decision.
	RecordDecision(ctx context.Context, d *types.ConsolidationDecision) error

	// Decisions returns decisions for itemID (all items when empty), newest
	// first.
	Decisions(ctx context.Context, itemID string, limit int) ([]types.ConsolidationDecision, error)
}
