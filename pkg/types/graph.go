package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entity is a typed node in the knowledge graph.
type Entity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Validate checks required entity fields.
func (e *Entity) Validate() error {
	if e == nil || strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: entity name is required", ErrValidation)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: entity type is required", ErrValidation)
	}
	return nil
}

// Describe renders the entity as a single line of text for matching,
// hashing and context injection. Properties are emitted in key order.
func (e *Entity) Describe() string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(" (")
	b.WriteString(e.Type)
	b.WriteString(")")
	if len(e.Properties) > 0 {
		keys := make([]string, 0, len(e.Properties))
		for k := range e.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("; ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Properties[k])
		}
	}
	return b.String()
}

// Relation is a directed, typed edge between two entities.
type Relation struct {
	ID           string            `json:"id"`
	FromID       string            `json:"from_id"`
	ToID         string            `json:"to_id"`
	RelationType string            `json:"relation_type"`
	Properties   map[string]string `json:"properties,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Validate checks required relation fields.
func (r *Relation) Validate() error {
	if r == nil || r.FromID == "" || r.ToID == "" {
		return fmt.Errorf("%w: relation endpoints are required", ErrValidation)
	}
	if strings.TrimSpace(r.RelationType) == "" {
		return fmt.Errorf("%w: relation type is required", ErrValidation)
	}
	return nil
}

// GraphHit is an entity reached by a graph query, with the hop distance from
// the nearest keyword match (0 for a direct match) and the relation path used.
type GraphHit struct {
	Entity   Entity `json:"entity"`
	Hops     int    `json:"hops"`
	Via      string `json:"via,omitempty"`
	MatchHit int    `json:"match_hit"` // number of query terms matched directly
}
