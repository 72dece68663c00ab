package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider generates deterministic embeddings without a model. Each
// lowercased word is hashed into a pseudo-random unit vector and the word
// vectors are summed, so texts sharing words land near each other. It is
// used offline and in tests.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash provider producing vectors of dimension.
func NewHashProvider(dimension int) *HashProvider {
	return &HashProvider{dimension: dimension}
}

// Embed returns a unit vector derived from the words of text.
func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		hasher := fnv.New64a()
		hasher.Write([]byte(w))
		seed := hasher.Sum64()
		for i := range vec {
			// LCG step, mapped to [-1, 1].
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return normalize(vec), nil
}

// GetModel returns "hash".
func (h *HashProvider) GetModel() string {
	return "hash"
}

// Dimension returns the embedding size.
func (h *HashProvider) Dimension() int {
	return h.dimension
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
