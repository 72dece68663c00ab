// Package neo4j implements the graph tier on Neo4j.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	neo4jdriver "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

var _ storage.GraphStore = (*GraphStore)(nil)

// querier abstracts the driver so tests can supply canned records without
// a running server.
type querier interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// driverQuerier runs queries through neo4j.ExecuteQuery with eager results.
type driverQuerier struct {
	driver   neo4jdriver.DriverWithContext
	database string
}

func (q *driverQuerier) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	var opts []neo4jdriver.ExecuteQueryConfigurationOption
	if q.database != "" {
		opts = append(opts, neo4jdriver.ExecuteQueryWithDatabase(q.database))
	}
	res, err := neo4jdriver.ExecuteQuery(ctx, q.driver, cypher, params, neo4jdriver.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(res.Records))
	for i, rec := range res.Records {
		out[i] = rec.AsMap()
	}
	return out, nil
}

func (q *driverQuerier) Close(ctx context.Context) error {
	return q.driver.Close(ctx)
}

// GraphStore persists entities as (:Entity) nodes and relations as
// [:RELATES] edges carrying a relation_type property.
type GraphStore struct {
	q     querier
	nowFn func() time.Time
}

// Config holds Neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// New connects to Neo4j, verifies connectivity and ensures constraints.
func New(ctx context.Context, cfg Config) (*GraphStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: neo4j uri is required", storage.ErrInvalidInput)
	}
	driver, err := neo4jdriver.NewDriverWithContext(cfg.URI, neo4jdriver.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	s := newGraphStore(&driverQuerier{driver: driver, database: cfg.Database})
	if err := s.CreateSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func newGraphStore(q querier) *GraphStore {
	return &GraphStore{q: q, nowFn: time.Now}
}

// CreateSchema ensures uniqueness constraints and lookup indexes exist.
func (s *GraphStore) CreateSchema(ctx context.Context) error {
	queries := []string{
		"CREATE CONSTRAINT engram_entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
		"CREATE INDEX engram_entity_name_type IF NOT EXISTS FOR (e:Entity) ON (e.name_lower, e.type)",
	}
	for _, cypher := range queries {
		if _, err := s.q.Query(ctx, cypher, nil); err != nil {
			return fmt.Errorf("neo4j schema query: %w", err)
		}
	}
	return nil
}

// Close releases the driver.
func (s *GraphStore) Close() error {
	return s.q.Close(context.Background())
}

func (s *GraphStore) now() string {
	return s.nowFn().UTC().Format(time.RFC3339Nano)
}

const (
	upsertEntityCypher = `
MERGE (e:Entity {name_lower: $name_lower, type: $type})
ON CREATE SET e.id = $id, e.created_at = $now
SET e.name = $name,
    e.properties = $properties,
    e.search_text = $search_text,
    e.updated_at = $now
RETURN e.id AS id, e.created_at AS created_at, e.updated_at AS updated_at
`
	upsertRelationCypher = `
MATCH (a:Entity {id: $from_id}), (b:Entity {id: $to_id})
MERGE (a)-[r:RELATES {relation_type: $relation_type}]->(b)
ON CREATE SET r.id = $id, r.created_at = $now
SET r.properties = $properties
RETURN r.id AS id, r.created_at AS created_at
`
	getEntityCypher = `
MATCH (e:Entity {id: $id})
RETURN e.id AS id, e.name AS name, e.type AS type, e.properties AS properties,
       e.created_at AS created_at, e.updated_at AS updated_at
`
	searchEntitiesCypher = `
MATCH (e:Entity)
WITH e, size([t IN $terms WHERE e.search_text CONTAINS t]) AS hits
WHERE hits > 0
RETURN e.id AS id, e.name AS name, e.type AS type, e.properties AS properties,
       e.created_at AS created_at, e.updated_at AS updated_at, hits
ORDER BY hits DESC, e.name_lower ASC, e.id ASC
LIMIT $limit
`
	// Variable-length bounds cannot be parameters, so %d is the hop limit.
	// Enumerated paths are capped at $max_edges before aggregation.
	traverseCypher = `
MATCH (start:Entity) WHERE start.id IN $start_ids
MATCH p = (start)-[:RELATES*1..%d]-(n:Entity)
WHERE NOT n.id IN $start_ids
WITH n, p LIMIT $max_edges
WITH n, p ORDER BY length(p) ASC
WITH n, head(collect(p)) AS best
RETURN n.id AS id, n.name AS name, n.type AS type, n.properties AS properties,
       n.created_at AS created_at, n.updated_at AS updated_at,
       length(best) AS hops,
       last(relationships(best)).relation_type AS via_type,
       nodes(best)[size(nodes(best)) - 2].name AS via_name
ORDER BY hops ASC, name ASC, id ASC
LIMIT $max_nodes
`
)

func encodeProperties(p map[string]string) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(b), nil
}

// UpsertEntity merges an entity on (lower(name), type).
func (s *GraphStore) UpsertEntity(ctx context.Context, entity *types.Entity) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	props, err := encodeProperties(entity.Properties)
	if err != nil {
		return err
	}
	id := entity.ID
	if id == "" {
		id = uuid.NewString()
	}
	rows, err := s.q.Query(ctx, upsertEntityCypher, map[string]any{
		"id":          id,
		"name":        entity.Name,
		"name_lower":  strings.ToLower(entity.Name),
		"type":        entity.Type,
		"properties":  props,
		"search_text": strings.ToLower(entity.Describe()),
		"now":         s.now(),
	})
	if err != nil {
		return fmt.Errorf("neo4j upsert entity: %w", err)
	}
	if len(rows) == 0 {
		return errors.New("neo4j upsert entity: no row returned")
	}
	entity.ID = toString(rows[0]["id"])
	entity.CreatedAt = parseTime(toString(rows[0]["created_at"]))
	entity.UpdatedAt = parseTime(toString(rows[0]["updated_at"]))
	return nil
}

// UpsertRelation merges a relation on (from, to, relation_type).
func (s *GraphStore) UpsertRelation(ctx context.Context, rel *types.Relation) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	props, err := encodeProperties(rel.Properties)
	if err != nil {
		return err
	}
	id := rel.ID
	if id == "" {
		id = uuid.NewString()
	}
	rows, err := s.q.Query(ctx, upsertRelationCypher, map[string]any{
		"id":            id,
		"from_id":       rel.FromID,
		"to_id":         rel.ToID,
		"relation_type": rel.RelationType,
		"properties":    props,
		"now":           s.now(),
	})
	if err != nil {
		return fmt.Errorf("neo4j upsert relation: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: relation endpoint does not exist", storage.ErrNotFound)
	}
	rel.ID = toString(rows[0]["id"])
	rel.CreatedAt = parseTime(toString(rows[0]["created_at"]))
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *GraphStore) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	rows, err := s.q.Query(ctx, getEntityCypher, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("neo4j get entity: %w", err)
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	e := mapEntity(rows[0])
	return &e, nil
}

// SearchEntities matches lower-cased terms against each entity's search text.
func (s *GraphStore) SearchEntities(ctx context.Context, terms []string, limit int) ([]types.GraphHit, error) {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return []types.GraphHit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.q.Query(ctx, searchEntitiesCypher, map[string]any{"terms": terms, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("neo4j search entities: %w", err)
	}
	hits := make([]types.GraphHit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, types.GraphHit{Entity: mapEntity(row), MatchHit: int(toInt64(row["hits"]))})
	}
	return hits, nil
}

// Traverse walks RELATES edges in both directions from startIDs.
func (s *GraphStore) Traverse(ctx context.Context, startIDs []string, bounds storage.GraphBounds) ([]types.GraphHit, error) {
	bounds.Normalize()
	if len(startIDs) == 0 {
		return []types.GraphHit{}, nil
	}
	rows, err := s.q.Query(ctx, fmt.Sprintf(traverseCypher, bounds.MaxHops), map[string]any{
		"start_ids": startIDs,
		"max_edges": bounds.MaxEdges,
		"max_nodes": bounds.MaxNodes,
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j traverse: %w", err)
	}
	hits := make([]types.GraphHit, 0, len(rows))
	for _, row := range rows {
		hit := types.GraphHit{Entity: mapEntity(row), Hops: int(toInt64(row["hops"]))}
		if via := toString(row["via_type"]); via != "" {
			hit.Via = via + " " + toString(row["via_name"])
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func mapEntity(row map[string]any) types.Entity {
	e := types.Entity{
		ID:        toString(row["id"]),
		Name:      toString(row["name"]),
		Type:      toString(row["type"]),
		CreatedAt: parseTime(toString(row["created_at"])),
		UpdatedAt: parseTime(toString(row["updated_at"])),
	}
	if raw := toString(row["properties"]); raw != "" && raw != "{}" {
		_ = json.Unmarshal([]byte(raw), &e.Properties)
	}
	return e
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
