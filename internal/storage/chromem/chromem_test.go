package chromem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

func newTestStore(t *testing.T) *SemanticStore {
	t.Helper()
	s, err := New("", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func unitMemory(id, category, content string, emb []float32) *types.SemanticMemory {
	return &types.SemanticMemory{
		ID:         id,
		Content:    content,
		Category:   category,
		Embedding:  emb,
		Importance: 0.75,
		SourceKey:  types.SourceKey(category, id),
		Metadata:   map[string]any{"origin": "test"},
	}
}

func TestChromemInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, unitMemory("m1", "task", "deploy on friday", []float32{1, 0, 0})))
	assert.ErrorIs(t, s.Insert(ctx, unitMemory("m1", "task", "dup", []float32{1, 0, 0})), storage.ErrConflict)
	assert.ErrorIs(t, s.Insert(ctx, unitMemory("m2", "task", "short", []float32{1, 0})), types.ErrValidation)

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "deploy on friday", got.Content)
	assert.Equal(t, "task", got.Category)
	assert.InDelta(t, 0.75, got.Importance, 1e-9)
	assert.Equal(t, types.ContentHash("deploy on friday"), got.ContentHash)
	assert.Equal(t, "test", got.Metadata["origin"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChromemNearest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hits, err := s.Nearest(ctx, []float32{1, 0, 0}, 3, storage.VectorFilter{})
	require.NoError(t, err)
	assert.Empty(t, hits, "empty collection")

	require.NoError(t, s.Insert(ctx, unitMemory("x", "task", "x axis", []float32{1, 0, 0})))
	require.NoError(t, s.Insert(ctx, unitMemory("y", "security", "y axis", []float32{0, 1, 0})))
	require.NoError(t, s.Insert(ctx, unitMemory("xy", "task", "diagonal", []float32{0.6, 0.8, 0})))

	hits, err = s.Nearest(ctx, []float32{1, 0, 0}, 2, storage.VectorFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "x", hits[0].Memory.ID)
	assert.Equal(t, "xy", hits[1].Memory.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.InDelta(t, 0.6, hits[1].Similarity, 1e-6)

	hits, err = s.Nearest(ctx, []float32{1, 0, 0}, 5, storage.VectorFilter{Categories: []string{"security"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "y", hits[0].Memory.ID)

	hits, err = s.Nearest(ctx, []float32{1, 0, 0}, 5, storage.VectorFilter{MinSimilarity: 0.5})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestChromemSupersede(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := unitMemory("v1", "task", "deploy: v1", []float32{1, 0, 0})
	v1.SourceKey = "task/deploy"
	v1.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.Insert(ctx, v1))

	v2 := unitMemory("v2", "task", "deploy: v2", []float32{1, 0, 0})
	v2.SourceKey = "task/deploy"
	require.NoError(t, s.Supersede(ctx, "v1", v2))

	latest, err := s.LatestBySourceKey(ctx, "task/deploy")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.ID)
	assert.Equal(t, "v1", latest.SupersedesID)

	old, err := s.Get(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	hits, err := s.Nearest(ctx, []float32{1, 0, 0}, 5, storage.VectorFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "v2", hits[0].Memory.ID)

	assert.ErrorIs(t, s.Supersede(ctx, "v1", unitMemory("v3", "task", "again", []float32{1, 0, 0})), storage.ErrConflict)

	_, err = s.LatestBySourceKey(ctx, "task/none")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChromemTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, unitMemory("m", "task", "content", []float32{0, 0, 1})))

	at := time.Now().Add(time.Hour)
	require.NoError(t, s.Touch(ctx, "m", at))
	require.NoError(t, s.Touch(ctx, "m", at))

	got, err := s.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.True(t, got.AccessedAt.Equal(at))

	assert.ErrorIs(t, s.Touch(ctx, "missing", at), storage.ErrNotFound)
}

func TestChromemPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir, 3)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, unitMemory("p", "task", "persisted", []float32{0, 1, 0})))

	reopened, err := New(dir, 3)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content)
}
