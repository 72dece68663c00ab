package engine

import (
	"math"
	"strings"
	"unicode"

	"github.com/scrypster/engram/pkg/types"
)

// Scorer assigns an importance in [0,1] to a working item. Implementations
// must be deterministic: the same item always yields the same score.
type Scorer interface {
	Score(item *types.WorkingItem) float64
}

// marker is a lowercase word stem and the weight it contributes once.
type marker struct {
	stem   string
	weight float64
	exact  bool
}

var (
	urgencyMarkers = []marker{
		{stem: "urgent", weight: 0.2},
		{stem: "critical", weight: 0.2},
		{stem: "emergenc", weight: 0.2},
		{stem: "outage", weight: 0.2},
		{stem: "breach", weight: 0.2},
		{stem: "vulnerab", weight: 0.2},
		{stem: "asap", weight: 0.15, exact: true},
		{stem: "immediate", weight: 0.15},
		{stem: "secur", weight: 0.15},
		{stem: "credential", weight: 0.15},
		{stem: "leak", weight: 0.15},
		{stem: "production", weight: 0.1},
		{stem: "error", weight: 0.1},
		{stem: "fail", weight: 0.1},
		{stem: "crash", weight: 0.1},
		{stem: "exception", weight: 0.1},
		{stem: "panic", weight: 0.1},
		{stem: "down", weight: 0.1, exact: true},
		{stem: "broken", weight: 0.1},
		{stem: "incident", weight: 0.1},
	}
	actionMarkers = []marker{
		{stem: "todo", weight: 0.1, exact: true},
		{stem: "fix", weight: 0.1},
		{stem: "task", weight: 0.1},
		{stem: "must", weight: 0.1, exact: true},
		{stem: "deadline", weight: 0.1},
		{stem: "remember", weight: 0.05},
		{stem: "deploy", weight: 0.05},
		{stem: "follow", weight: 0.05, exact: true},
		{stem: "need", weight: 0.05},
		{stem: "should", weight: 0.05, exact: true},
	}
	categoryPriors = map[string]float64{
		types.CategorySecurity:   0.2,
		types.CategoryError:      0.2,
		types.CategoryIncident:   0.15,
		types.CategoryTask:       0.15,
		types.CategoryPreference: 0.1,
	}
)

const (
	keywordBaseline  = 0.2
	maxUrgencyBonus  = 0.5
	maxActionBonus   = 0.2
	signalWordBudget = 40
)

// KeywordScorer scores items from urgency and action markers in their text
// plus a per-category prior. Marker bonuses are dampened for texts longer
// than signalWordBudget words so long low-signal text cannot accumulate
// score just by mentioning many markers.
type KeywordScorer struct{}

// NewKeywordScorer returns the default scorer.
func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{}
}

// Score returns the importance of item in [0,1].
func (s *KeywordScorer) Score(item *types.WorkingItem) float64 {
	if item == nil {
		return 0
	}
	words := tokenize(item.Text())

	dampen := 1.0
	if len(words) > signalWordBudget {
		dampen = math.Sqrt(float64(signalWordBudget) / float64(len(words)))
	}

	urgency := math.Min(maxUrgencyBonus, matchMarkers(words, urgencyMarkers)*dampen)
	action := math.Min(maxActionBonus, matchMarkers(words, actionMarkers)*dampen)
	prior := categoryPriors[strings.ToLower(item.Category)]

	score := keywordBaseline + urgency + action + prior
	// Round to remove float noise so threshold comparisons are stable.
	return types.ClampUnit(math.Round(score*1e6) / 1e6)
}

// matchMarkers sums the weight of every marker present in words. Each
// marker counts once.
func matchMarkers(words []string, markers []marker) float64 {
	var total float64
	for _, m := range markers {
		for _, w := range words {
			if (m.exact && w == m.stem) || (!m.exact && strings.HasPrefix(w, m.stem)) {
				total += m.weight
				break
			}
		}
	}
	return total
}

// tokenize lowercases s and splits it into letter/digit runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "with": true,
}

// queryTerms extracts distinct search terms from a free-text query. When
// every word is a stop word the whole normalized query is used as one term.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range tokenize(query) {
		if stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	if len(terms) == 0 {
		if q := types.NormalizeContent(query); q != "" {
			terms = []string{q}
		}
	}
	return terms
}
