package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

const entityColumns = `id, name, type, properties, created_at, updated_at`

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e                    types.Entity
		props                sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Type, &props, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

func marshalProperties(p map[string]string) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal properties: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// UpsertEntity creates or updates an entity unique on (lower(name), type).
func (s *Store) UpsertEntity(ctx context.Context, entity *types.Entity) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	now := time.Now()
	id := entity.ID
	if id == "" {
		id = uuid.NewString()
	}
	props, err := marshalProperties(entity.Properties)
	if err != nil {
		return err
	}

	var createdAt, updatedAt int64
	err = withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO entities (id, name, name_lower, type, properties, search_text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name_lower, type) DO UPDATE SET
				name = excluded.name,
				properties = excluded.properties,
				search_text = excluded.search_text,
				updated_at = excluded.updated_at
			RETURNING id, created_at, updated_at`,
			id, entity.Name, strings.ToLower(entity.Name), entity.Type, props,
			strings.ToLower(entity.Describe()), toNanos(now), toNanos(now),
		).Scan(&entity.ID, &createdAt, &updatedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	entity.CreatedAt = fromNanos(createdAt)
	entity.UpdatedAt = fromNanos(updatedAt)
	return nil
}

// UpsertRelation creates or updates a relation unique on
// (from, to, relation_type). Both endpoints must exist.
func (s *Store) UpsertRelation(ctx context.Context, rel *types.Relation) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	id := rel.ID
	if id == "" {
		id = uuid.NewString()
	}
	props, err := marshalProperties(rel.Properties)
	if err != nil {
		return err
	}

	var createdAt int64
	err = withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO relations (id, from_id, to_id, relation_type, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, relation_type) DO UPDATE SET
				properties = excluded.properties
			RETURNING id, created_at`,
			id, rel.FromID, rel.ToID, rel.RelationType, props, toNanos(time.Now()),
		).Scan(&rel.ID, &createdAt)
	})
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("%w: relation endpoint does not exist", storage.ErrNotFound)
		}
		return fmt.Errorf("failed to upsert relation: %w", err)
	}
	rel.CreatedAt = fromNanos(createdAt)
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// SearchEntities matches terms against entity names, types and properties.
func (s *Store) SearchEntities(ctx context.Context, terms []string, limit int) ([]types.GraphHit, error) {
	terms = dedupeTerms(terms)
	if len(terms) == 0 {
		return []types.GraphHit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		scoreParts, matchParts []string
		scoreArgs, matchArgs   []any
	)
	for _, term := range terms {
		pattern := "%" + escapeLike(term) + "%"
		scoreParts = append(scoreParts, `CASE WHEN search_text LIKE ? ESCAPE '\' THEN 1 ELSE 0 END`)
		matchParts = append(matchParts, `search_text LIKE ? ESCAPE '\'`)
		scoreArgs = append(scoreArgs, pattern)
		matchArgs = append(matchArgs, pattern)
	}

	query := `SELECT ` + entityColumns + `, (` + strings.Join(scoreParts, " + ") + `) AS hits
		FROM entities
		WHERE ` + strings.Join(matchParts, " OR ") + `
		ORDER BY hits DESC, name_lower ASC, id ASC
		LIMIT ?`
	args := append(append(scoreArgs, matchArgs...), limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	defer rows.Close()

	hits := make([]types.GraphHit, 0)
	for rows.Next() {
		var matched int
		e, err := scanEntity(hitsScanner{rows: rows, hits: &matched})
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		hits = append(hits, types.GraphHit{Entity: *e, Hops: 0, MatchHit: matched})
	}
	return hits, rows.Err()
}

// Traverse walks relations breadth first from startIDs in both directions.
//
// visited prevents cycles; the walk stops early once MaxNodes entities have
// been discovered or MaxEdges relation rows have been examined. Results are
// ordered by hop distance, then name.
func (s *Store) Traverse(ctx context.Context, startIDs []string, bounds storage.GraphBounds) ([]types.GraphHit, error) {
	bounds.Normalize()
	startIDs = uniqueStrings(startIDs)
	if len(startIDs) == 0 {
		return []types.GraphHit{}, nil
	}

	visited := make(map[string]bool, len(startIDs))
	for _, id := range startIDs {
		visited[id] = true
	}

	type discovered struct {
		hop int
		via string
	}
	found := make(map[string]discovered)
	var order []string

	edges := 0
	frontier := startIDs

bfs:
	for hop := 1; hop <= bounds.MaxHops && len(frontier) > 0; hop++ {
		neighbours, err := s.neighbours(ctx, frontier, bounds.MaxEdges-edges+1)
		if err != nil {
			return nil, fmt.Errorf("sqlite: Traverse hop %d expand: %w", hop, err)
		}

		var next []string
		for _, n := range neighbours {
			edges++
			if edges > bounds.MaxEdges {
				break bfs
			}
			if visited[n.id] {
				continue
			}
			visited[n.id] = true
			found[n.id] = discovered{hop: hop, via: n.via}
			order = append(order, n.id)
			next = append(next, n.id)
			if len(order) >= bounds.MaxNodes {
				break bfs
			}
		}
		frontier = next
	}

	if len(order) == 0 {
		return []types.GraphHit{}, nil
	}

	entities, err := s.entitiesByIDs(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("sqlite: Traverse: fetch entities: %w", err)
	}

	results := make([]types.GraphHit, 0, len(entities))
	for _, e := range entities {
		d := found[e.ID]
		results = append(results, types.GraphHit{Entity: e, Hops: d.hop, Via: d.via})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Hops != results[j].Hops {
			return results[i].Hops < results[j].Hops
		}
		if results[i].Entity.Name != results[j].Entity.Name {
			return results[i].Entity.Name < results[j].Entity.Name
		}
		return results[i].Entity.ID < results[j].Entity.ID
	})
	return results, nil
}

type neighbour struct {
	id  string
	via string
}

// neighbours returns entities adjacent to frontier in either direction, in
// a stable order, reading at most limit relation rows. via describes the
// edge as "<relation_type> <bridge entity name>".
func (s *Store) neighbours(ctx context.Context, frontier []string, limit int) ([]neighbour, error) {
	args := make([]any, 0, 2*len(frontier)+1)
	for _, id := range frontier {
		args = append(args, id)
	}
	args = append(args, args...)
	args = append(args, limit)
	in := placeholders(len(frontier))

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.from_id, r.to_id, r.relation_type,
		       COALESCE(e_from.name, r.from_id), COALESCE(e_to.name, r.to_id)
		FROM relations r
		LEFT JOIN entities e_from ON e_from.id = r.from_id
		LEFT JOIN entities e_to ON e_to.id = r.to_id
		WHERE r.from_id IN (`+in+`) OR r.to_id IN (`+in+`)
		ORDER BY r.created_at ASC, r.id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inFrontier := make(map[string]bool, len(frontier))
	for _, id := range frontier {
		inFrontier[id] = true
	}

	var out []neighbour
	for rows.Next() {
		var fromID, toID, relType, fromName, toName string
		if err := rows.Scan(&fromID, &toID, &relType, &fromName, &toName); err != nil {
			return nil, err
		}
		if inFrontier[fromID] {
			out = append(out, neighbour{id: toID, via: relType + " " + fromName})
		}
		if inFrontier[toID] {
			out = append(out, neighbour{id: fromID, via: relType + " " + toName})
		}
	}
	return out, rows.Err()
}

func (s *Store) entitiesByIDs(ctx context.Context, ids []string) ([]types.Entity, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Entity, 0, len(ids))
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// uniqueStrings returns ss with duplicates and empty strings removed,
// preserving first occurrence order.
func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
