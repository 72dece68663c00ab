// Package types defines the core data structures for the engram memory system:
// working-memory items, durable semantic memories, knowledge-graph nodes,
// consolidation audit records, and fused retrieval results.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Category constants used by the default importance scorer as priors.
// Callers may use any category string; these are just the ones with weight.
const (
	CategorySecurity   = "security"
	CategoryError      = "error"
	CategoryIncident   = "incident"
	CategoryTask       = "task"
	CategoryPreference = "preference"
)

// Backend names reported in ResultItem.SourceBackend.
const (
	BackendWorking  = "working"
	BackendSemantic = "semantic"
	BackendGraph    = "graph"
)

// ContentHash returns the hex SHA-256 of the normalized content.
// Normalization lowercases and collapses whitespace so that trivially
// reformatted copies share one identity across backends.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// NormalizeContent lowercases s and collapses all runs of whitespace.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ClampUnit clamps v to [0, 1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
