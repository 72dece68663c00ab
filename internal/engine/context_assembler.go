package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/engram/pkg/types"
)

// assumedItemTokens is the typical rendered size used to estimate how many
// results a budget can hold.
const assumedItemTokens = 50

// maxAssemblyFetch caps how many results one assembly asks for.
const maxAssemblyFetch = 200

// ContextAssembler packs search results into a token budget for prompt
// injection.
type ContextAssembler struct {
	retriever       *Retriever
	charsPerToken   int
	fetchMultiplier int
}

// NewContextAssembler creates an assembler over retriever.
func NewContextAssembler(retriever *Retriever, charsPerToken, fetchMultiplier int) *ContextAssembler {
	if charsPerToken < 1 {
		charsPerToken = 4
	}
	if fetchMultiplier < 1 {
		fetchMultiplier = 3
	}
	return &ContextAssembler{retriever: retriever, charsPerToken: charsPerToken, fetchMultiplier: fetchMultiplier}
}

// Assemble fetches fetchMultiplier times the estimated item count, then
// adds results highest score first until the next one would exceed
// tokenBudget. Identical inputs give identical output.
func (a *ContextAssembler) Assemble(ctx context.Context, query string, tokenBudget int) (*types.AssembledContext, error) {
	if tokenBudget <= 0 {
		return nil, fmt.Errorf("%w: token budget must be positive", types.ErrValidation)
	}
	estimate := tokenBudget / assumedItemTokens
	if estimate < 1 {
		estimate = 1
	}
	fetch := estimate * a.fetchMultiplier
	if fetch > maxAssemblyFetch {
		fetch = maxAssemblyFetch
	}

	results, err := a.retriever.Search(ctx, query, fetch, types.SearchFilters{})
	if err != nil {
		return nil, err
	}

	out := &types.AssembledContext{Query: query, Budget: tokenBudget, Items: []types.ResultItem{}}
	var lines []string
	for _, r := range results {
		line := RenderLine(r.Payload)
		cost := a.EstimateTokens(line)
		if out.Used+cost > tokenBudget {
			break
		}
		out.Used += cost
		out.Items = append(out.Items, r)
		lines = append(lines, line)
	}
	out.Text = strings.Join(lines, "\n")
	return out, nil
}

// EstimateTokens approximates the token count of a rendered line, counting
// its trailing newline.
func (a *ContextAssembler) EstimateTokens(line string) int {
	n := len(line) + 1
	return (n + a.charsPerToken - 1) / a.charsPerToken
}

// RenderLine formats one payload as "[category/key] content".
func RenderLine(p types.Payload) string {
	label := p.Category
	if p.Key != "" {
		if label != "" {
			label += "/"
		}
		label += p.Key
	}
	content := strings.Join(strings.Fields(p.Content), " ")
	if label == "" {
		return content
	}
	return "[" + label + "] " + content
}
