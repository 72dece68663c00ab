package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// addEntity upserts an entity and returns its ID.
func addEntity(t *testing.T, s *Store, name, entityType string) string {
	t.Helper()
	e := &types.Entity{Name: name, Type: entityType}
	require.NoError(t, s.UpsertEntity(context.Background(), e))
	return e.ID
}

// link upserts a relation between two entities.
func link(t *testing.T, s *Store, from, to, relType string) {
	t.Helper()
	require.NoError(t, s.UpsertRelation(context.Background(), &types.Relation{
		FromID: from, ToID: to, RelationType: relType,
	}))
}

func TestUpsertEntityIsUniqueOnNameAndType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &types.Entity{Name: "Postgres", Type: "service"}
	require.NoError(t, s.UpsertEntity(ctx, first))

	second := &types.Entity{Name: "postgres", Type: "service", Properties: map[string]string{"version": "16"}}
	require.NoError(t, s.UpsertEntity(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetEntity(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "postgres", got.Name)
	assert.Equal(t, "16", got.Properties["version"])

	other := &types.Entity{Name: "Postgres", Type: "team"}
	require.NoError(t, s.UpsertEntity(ctx, other))
	assert.NotEqual(t, first.ID, other.ID)

	_, err = s.GetEntity(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertRelation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addEntity(t, s, "api", "service")
	b := addEntity(t, s, "db", "service")

	r1 := &types.Relation{FromID: a, ToID: b, RelationType: "depends_on"}
	require.NoError(t, s.UpsertRelation(ctx, r1))
	r2 := &types.Relation{FromID: a, ToID: b, RelationType: "depends_on", Properties: map[string]string{"critical": "yes"}}
	require.NoError(t, s.UpsertRelation(ctx, r2))
	assert.Equal(t, r1.ID, r2.ID)

	err := s.UpsertRelation(ctx, &types.Relation{FromID: a, ToID: "ghost", RelationType: "depends_on"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.UpsertRelation(ctx, &types.Relation{FromID: a, ToID: b})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSearchEntitiesRanksByMatchedTerms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntity(ctx, &types.Entity{
		Name: "payments-db", Type: "database", Properties: map[string]string{"engine": "postgres"},
	}))
	addEntity(t, s, "payments-api", "service")
	addEntity(t, s, "search", "service")

	hits, err := s.SearchEntities(ctx, []string{"payments", "postgres"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "payments-db", hits[0].Entity.Name)
	assert.Equal(t, 2, hits[0].MatchHit)
	assert.Equal(t, 1, hits[1].MatchHit)
	assert.Equal(t, 0, hits[0].Hops)

	hits, err = s.SearchEntities(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTraverseBreadthFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := addEntity(t, s, "a", "node")
	b := addEntity(t, s, "b", "node")
	c := addEntity(t, s, "c", "node")
	d := addEntity(t, s, "d", "node")
	link(t, s, a, b, "next")
	link(t, s, c, b, "points_at") // reached against edge direction
	link(t, s, c, d, "next")
	link(t, s, d, a, "loops") // cycle back to start

	hits, err := s.Traverse(ctx, []string{a}, storage.GraphBounds{MaxHops: 1})
	require.NoError(t, err)
	names := hitNames(hits)
	assert.Equal(t, []string{"b", "d"}, names)
	for _, h := range hits {
		assert.Equal(t, 1, h.Hops)
	}

	hits, err = s.Traverse(ctx, []string{a}, storage.GraphBounds{MaxHops: 2})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "c", hits[2].Entity.Name)
	assert.Equal(t, 2, hits[2].Hops)
	assert.NotEmpty(t, hits[2].Via)
}

func TestTraverseRespectsNodeBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hub := addEntity(t, s, "hub", "node")
	for _, name := range []string{"s1", "s2", "s3", "s4"} {
		link(t, s, hub, addEntity(t, s, name, "node"), "spoke")
	}

	hits, err := s.Traverse(ctx, []string{hub}, storage.GraphBounds{MaxHops: 3, MaxNodes: 2})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.Traverse(ctx, []string{hub}, storage.GraphBounds{MaxHops: 3, MaxEdges: 3})
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = s.Traverse(ctx, nil, storage.GraphBounds{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDecisionLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.RecordDecision(ctx, &types.ConsolidationDecision{
		ItemID: "i1", Category: "task", Key: "k", Decision: types.DecisionRetain,
		Score: 0.4, Reason: "young", Timestamp: base,
	}))
	require.NoError(t, s.RecordDecision(ctx, &types.ConsolidationDecision{
		ItemID: "i1", Category: "task", Key: "k", Decision: types.DecisionPromote,
		Score: 0.8, Reason: "important", Timestamp: base.Add(time.Minute),
	}))
	require.NoError(t, s.RecordDecision(ctx, &types.ConsolidationDecision{
		ItemID: "i2", Category: "task", Key: "other", Decision: types.DecisionPurge,
		Score: 0.1, Reason: "expired", Timestamp: base.Add(2 * time.Minute),
	}))

	got, err := s.Decisions(ctx, "i1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.DecisionPromote, got[0].Decision)
	assert.Equal(t, types.DecisionRetain, got[1].Decision)
	assert.NotEmpty(t, got[0].ID)

	all, err := s.Decisions(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "i2", all[0].ItemID)
}

func hitNames(hits []types.GraphHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Entity.Name
	}
	return out
}
