package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/pkg/types"
)

const importancePrompt = `Rate how important it is for an AI assistant to remember the following note long-term.
Answer with a single number between 0 and 1 and nothing else.

Category: %s
Note: %s`

// LLMScorer asks a language model for an importance rating. Ratings are
// memoized by category and content so repeated calls on the same item
// return the same value while the rating stays cached. A rating the cache
// declines or later evicts is asked for again and may differ. Any provider
// error falls back to the keyword scorer, and that fallback is memoized too.
type LLMScorer struct {
	gen      llm.TextGenerator
	fallback Scorer
	cache    *ristretto.Cache
	timeout  time.Duration
}

// NewLLMScorer creates an LLM-backed scorer. A nil fallback uses the
// keyword scorer.
func NewLLMScorer(gen llm.TextGenerator, fallback Scorer, cacheSize int64, timeout time.Duration) (*LLMScorer, error) {
	if gen == nil {
		return nil, fmt.Errorf("text generator is required")
	}
	if fallback == nil {
		fallback = NewKeywordScorer()
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create score cache: %w", err)
	}
	return &LLMScorer{gen: gen, fallback: fallback, cache: cache, timeout: timeout}, nil
}

// Score returns the memoized rating for item.
func (s *LLMScorer) Score(item *types.WorkingItem) float64 {
	if item == nil {
		return 0
	}
	key := types.ContentHash(item.Category + "\n" + item.Text())
	if v, ok := s.cache.Get(key); ok {
		return v.(float64)
	}

	score, err := s.rate(item)
	if err != nil {
		log.Printf("scorer: llm rating failed for %s/%s, using keyword score: %v", item.Category, item.Key, err)
		score = s.fallback.Score(item)
	}
	if !s.memoize(key, score) {
		log.Printf("scorer: rating for %s/%s was not cached; a later score may differ", item.Category, item.Key)
	}
	return score
}

// memoize stores a rating and reports whether the cache kept it.
func (s *LLMScorer) memoize(key string, score float64) bool {
	if !s.cache.Set(key, score, 1) {
		return false
	}
	s.cache.Wait()
	_, ok := s.cache.Get(key)
	return ok
}

func (s *LLMScorer) rate(item *types.WorkingItem) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	out, err := s.gen.Complete(ctx, fmt.Sprintf(importancePrompt, item.Category, item.Text()))
	if err != nil {
		return 0, err
	}
	return parseRating(out)
}

// parseRating extracts the first number from a model answer.
func parseRating(out string) (float64, error) {
	for _, field := range strings.Fields(out) {
		field = strings.TrimRight(strings.TrimLeft(field, "\"'`*"), ".,;:!\"'`*")
		if v, err := strconv.ParseFloat(field, 64); err == nil {
			return types.ClampUnit(v), nil
		}
	}
	return 0, fmt.Errorf("no rating in model answer %q", out)
}

// Close releases the score cache.
func (s *LLMScorer) Close() {
	s.cache.Close()
}
