package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/pkg/types"
)

func TestKeywordScorer(t *testing.T) {
	s := NewKeywordScorer()
	tests := []struct {
		name     string
		category string
		key      string
		value    string
		want     float64
	}{
		{"urgent incident", "incident", "outage", "urgent: production outage", 0.85},
		{"urgent note", "note", "outage", "urgent: production outage", 0.7},
		{"urgent event", "event", "outage", "urgent: production outage", 0.7},
		{"plain preference", "preference", "theme", "dark", 0.3},
		{"neutral note", "note", "lunch", "sandwiches on thursday", 0.2},
		{"action task", "task", "docs", "must fix the deploy docs", 0.55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &types.WorkingItem{Category: tt.category, Key: tt.key, Value: tt.value}
			assert.InDelta(t, tt.want, s.Score(item), 1e-9)
		})
	}
}

func TestKeywordScorerDampensLongText(t *testing.T) {
	s := NewKeywordScorer()
	short := &types.WorkingItem{Category: "note", Key: "k", Value: "urgent"}
	long := &types.WorkingItem{Category: "note", Key: "k", Value: "urgent " + strings.Repeat("filler ", 159)}

	assert.InDelta(t, 0.4, s.Score(short), 1e-9)
	assert.InDelta(t, 0.3, s.Score(long), 1e-9)
}

func TestKeywordScorerIsDeterministicAndBounded(t *testing.T) {
	s := NewKeywordScorer()
	item := &types.WorkingItem{
		Category: "security",
		Key:      "breach",
		Value:    "critical security breach: credentials leaked, urgent fix needed asap, must rotate immediately, deadline today",
	}
	first := s.Score(item)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Score(item))
	}
	assert.LessOrEqual(t, first, 1.0)
	assert.GreaterOrEqual(t, first, 0.0)
	assert.Equal(t, 0.0, s.Score(nil))
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"payments", "database"}, queryTerms("What is the payments database? payments"))
	assert.Equal(t, []string{"the"}, queryTerms("The"))
	assert.Empty(t, queryTerms("  "))
}

// fakeGenerator answers with a fixed string and counts calls.
type fakeGenerator struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  int
}

func (g *fakeGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.answer, g.err
}

func (g *fakeGenerator) GetModel() string { return "fake" }

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestLLMScorerMemoizesRatings(t *testing.T) {
	gen := &fakeGenerator{answer: "0.82"}
	s, err := NewLLMScorer(gen, nil, 64, time.Second)
	require.NoError(t, err)
	defer s.Close()

	item := &types.WorkingItem{Category: "task", Key: "deploy", Value: "ship it"}
	assert.InDelta(t, 0.82, s.Score(item), 1e-9)
	assert.InDelta(t, 0.82, s.Score(item), 1e-9)
	assert.Equal(t, 1, gen.Calls())

	other := &types.WorkingItem{Category: "note", Key: "deploy", Value: "ship it"}
	s.Score(other)
	assert.Equal(t, 2, gen.Calls(), "category is part of the cache key")
}

func TestLLMScorerFallsBackToKeywords(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider down")}
	s, err := NewLLMScorer(gen, NewKeywordScorer(), 64, time.Second)
	require.NoError(t, err)
	defer s.Close()

	item := &types.WorkingItem{Category: "note", Key: "outage", Value: "urgent: production outage"}
	assert.InDelta(t, 0.7, s.Score(item), 1e-9)

	// The fallback is memoized, so a recovered provider does not change
	// the score of an item already rated.
	gen.mu.Lock()
	gen.err, gen.answer = nil, "0.1"
	gen.mu.Unlock()
	assert.InDelta(t, 0.7, s.Score(item), 1e-9)
	assert.Equal(t, 1, gen.Calls())
}

func TestLLMScorerReportsRetainedRatings(t *testing.T) {
	gen := &fakeGenerator{answer: "0.4"}
	s, err := NewLLMScorer(gen, nil, 64, time.Second)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.memoize("pinned", 0.9))
	v, ok := s.cache.Get("pinned")
	require.True(t, ok)
	assert.Equal(t, 0.9, v)

	s.Close()
	assert.False(t, s.memoize("after-close", 0.5), "a closed cache keeps nothing")
}

func TestLLMScorerKeepsRatingsUpToCapacity(t *testing.T) {
	gen := &fakeGenerator{answer: "0.6"}
	s, err := NewLLMScorer(gen, nil, 64, time.Second)
	require.NoError(t, err)
	defer s.Close()

	items := make([]*types.WorkingItem, 40)
	for i := range items {
		items[i] = &types.WorkingItem{Category: "note", Key: keyN(i), Value: "entry " + keyN(i)}
		s.Score(items[i])
	}
	for _, item := range items {
		assert.InDelta(t, 0.6, s.Score(item), 1e-9)
	}
	assert.Equal(t, len(items), gen.Calls())
}

func TestLLMScorerRequiresGenerator(t *testing.T) {
	_, err := NewLLMScorer(nil, nil, 0, 0)
	assert.Error(t, err)
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"0.8", 0.8, false},
		{"Rating: 0.65.", 0.65, false},
		{"**0.9**", 0.9, false},
		{".5", 0.5, false},
		{"1.7", 1, false},
		{"not sure", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseRating(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
