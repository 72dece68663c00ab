package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects to the test database with 3-dimensional
// embeddings and starts from an empty table.
func newTestStore(t *testing.T) *SemanticStore {
	t.Helper()

	store, err := NewSemanticStore(postgresTestDSN(t), 3)
	require.NoError(t, err, "NewSemanticStore should succeed")
	require.NoError(t, store.TruncateForTest(context.Background()))

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestMemory(id, content string, emb []float32) *types.SemanticMemory {
	return &types.SemanticMemory{
		ID:         id,
		Content:    content,
		Category:   "task",
		Embedding:  emb,
		Importance: 0.7,
		Metadata:   map[string]any{"origin": "test"},
	}
}

func TestFloatConversions(t *testing.T) {
	in := []float32{0.5, -2, 0}
	assert.Equal(t, in, toFloat32s(toFloat64s(in)))
}

func TestFilterClause(t *testing.T) {
	where, args := filterClause(storage.VectorFilter{}, 3)
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = filterClause(storage.VectorFilter{Categories: []string{"security"}, MinImportance: 0.5}, 3)
	assert.Equal(t, " AND category = ANY($3) AND importance >= $4", where)
	assert.Len(t, args, 2)
}

func TestNewSemanticStoreRejectsBadDimension(t *testing.T) {
	_, err := NewSemanticStore("postgres://unused", 0)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestPostgresInsertGetAndNearest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, newTestMemory("x", "along x", []float32{1, 0, 0})))
	require.NoError(t, s.Insert(ctx, newTestMemory("y", "along y", []float32{0, 1, 0})))
	assert.ErrorIs(t, s.Insert(ctx, newTestMemory("bad", "short", []float32{1})), types.ErrValidation)

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "along x", got.Content)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.Equal(t, "test", got.Metadata["origin"])

	hits, err := s.Nearest(ctx, []float32{0.9, 0.1, 0}, 1, storage.VectorFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "x", hits[0].Memory.ID)
	assert.InDelta(t, 0.9939, hits[0].Similarity, 1e-3)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresSupersede(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := newTestMemory("v1", "deploy: v1", []float32{1, 0, 0})
	v1.SourceKey = "task/deploy"
	require.NoError(t, s.Insert(ctx, v1))

	v2 := newTestMemory("v2", "deploy: v2", []float32{1, 0, 0})
	v2.SourceKey = "task/deploy"
	require.NoError(t, s.Supersede(ctx, "v1", v2))

	latest, err := s.LatestBySourceKey(ctx, "task/deploy")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.ID)

	hits, err := s.Nearest(ctx, []float32{1, 0, 0}, 5, storage.VectorFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "v2", hits[0].Memory.ID)

	assert.ErrorIs(t, s.Supersede(ctx, "v1", newTestMemory("v3", "x", []float32{1, 0, 0})), storage.ErrConflict)
}
