package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// vectorSearchMaxCandidates caps the number of embeddings loaded into memory
// during a nearest-neighbour query. Candidates are selected newest first.
// Deployments that outgrow this should use the postgres (pgvector) backend.
const vectorSearchMaxCandidates = 10_000

// SemanticStore is the durable vector tier. It shares the Store's
// connection; obtain one with Store.Semantic.
type SemanticStore struct {
	db        *sql.DB
	dimension int
}

// Semantic returns the semantic tier backed by this database.
func (s *Store) Semantic() *SemanticStore {
	return &SemanticStore{db: s.db, dimension: s.dimension}
}

// Dimension returns the fixed embedding dimension.
func (s *SemanticStore) Dimension() int {
	return s.dimension
}

const semanticColumns = `id, content, summary, category, embedding, dimension, importance, metadata,
	source, source_key, content_hash, supersedes_id, superseded, created_at, accessed_at, access_count`

// encodeEmbedding serializes a vector as little-endian float32s.
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding.
func decodeEmbedding(buf []byte, dimension int) ([]float32, error) {
	if len(buf) != 4*dimension {
		return nil, fmt.Errorf("embedding blob has %d bytes, expected %d", len(buf), 4*dimension)
	}
	vec := make([]float32, dimension)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

func scanSemanticMemory(row rowScanner) (*types.SemanticMemory, error) {
	var (
		mem                   types.SemanticMemory
		blob                  []byte
		dimension             int
		metadata, supersedes  sql.NullString
		superseded            int
		createdAt, accessedAt int64
	)
	err := row.Scan(
		&mem.ID, &mem.Content, &mem.Summary, &mem.Category, &blob, &dimension, &mem.Importance,
		&metadata, &mem.Source, &mem.SourceKey, &mem.ContentHash, &supersedes, &superseded,
		&createdAt, &accessedAt, &mem.AccessCount,
	)
	if err != nil {
		return nil, err
	}
	mem.Embedding, err = decodeEmbedding(blob, dimension)
	if err != nil {
		return nil, err
	}
	mem.SupersedesID = supersedes.String
	mem.Superseded = superseded != 0
	mem.CreatedAt = fromNanos(createdAt)
	mem.AccessedAt = fromNanos(accessedAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &mem, nil
}

// insertSemantic writes mem using q, which is either the DB or a tx.
func (s *SemanticStore) insertSemantic(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, mem *types.SemanticMemory) error {
	if err := mem.Validate(s.dimension); err != nil {
		return err
	}
	if mem.ContentHash == "" {
		mem.ContentHash = types.ContentHash(mem.Content)
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}
	if mem.AccessedAt.IsZero() {
		mem.AccessedAt = mem.CreatedAt
	}
	metadata, err := marshalMetadata(mem.Metadata)
	if err != nil {
		return err
	}
	var supersedes sql.NullString
	if mem.SupersedesID != "" {
		supersedes = sql.NullString{String: mem.SupersedesID, Valid: true}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO semantic_memories (`+semanticColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		mem.ID, mem.Content, mem.Summary, mem.Category, encodeEmbedding(mem.Embedding), len(mem.Embedding),
		mem.Importance, metadata, mem.Source, mem.SourceKey, mem.ContentHash, supersedes,
		toNanos(mem.CreatedAt), toNanos(mem.AccessedAt), mem.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert semantic memory: %w", err)
	}
	return nil
}

// Insert stores a new semantic memory.
func (s *SemanticStore) Insert(ctx context.Context, mem *types.SemanticMemory) error {
	return withRetry(ctx, func() error {
		return s.insertSemantic(ctx, s.db, mem)
	})
}

// Supersede inserts mem as the next version of oldID and flags oldID as
// superseded, atomically.
func (s *SemanticStore) Supersede(ctx context.Context, oldID string, mem *types.SemanticMemory) error {
	if mem == nil {
		return fmt.Errorf("%w: memory is nil", storage.ErrInvalidInput)
	}
	mem.SupersedesID = oldID

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.ExecContext(ctx,
			`UPDATE semantic_memories SET superseded = 1 WHERE id = ? AND superseded = 0`, oldID)
		if err != nil {
			return fmt.Errorf("failed to supersede memory: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			return storage.ErrConflict
		}
		if err := s.insertSemantic(ctx, tx, mem); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Get retrieves a semantic memory by ID, superseded versions included.
func (s *SemanticStore) Get(ctx context.Context, id string) (*types.SemanticMemory, error) {
	mem, err := scanSemanticMemory(s.db.QueryRowContext(ctx,
		`SELECT `+semanticColumns+` FROM semantic_memories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get semantic memory: %w", err)
	}
	return mem, nil
}

// LatestBySourceKey returns the current memory promoted from sourceKey.
func (s *SemanticStore) LatestBySourceKey(ctx context.Context, sourceKey string) (*types.SemanticMemory, error) {
	mem, err := scanSemanticMemory(s.db.QueryRowContext(ctx,
		`SELECT `+semanticColumns+` FROM semantic_memories
		 WHERE source_key = ? AND superseded = 0
		 ORDER BY created_at DESC LIMIT 1`, sourceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get semantic memory by source key: %w", err)
	}
	return mem, nil
}

// Touch records an access on a semantic memory.
func (s *SemanticStore) Touch(ctx context.Context, id string, at time.Time) error {
	var res sql.Result
	err := withRetry(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`UPDATE semantic_memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?`,
			toNanos(at), id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to touch semantic memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Nearest ranks current memories by cosine similarity to query.
func (s *SemanticStore) Nearest(ctx context.Context, query []float32, k int, filter storage.VectorFilter) ([]storage.ScoredMemory, error) {
	if err := types.ValidateDimension(query, s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []storage.ScoredMemory{}, nil
	}

	q := `SELECT ` + semanticColumns + ` FROM semantic_memories WHERE superseded = 0`
	var args []any
	if len(filter.Categories) > 0 {
		q += ` AND category IN (` + placeholders(len(filter.Categories)) + `)`
		for _, c := range filter.Categories {
			args = append(args, c)
		}
	}
	if filter.MinImportance > 0 {
		q += ` AND importance >= ?`
		args = append(args, filter.MinImportance)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, vectorSearchMaxCandidates)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var candidates []storage.ScoredMemory
	for rows.Next() {
		mem, err := scanSemanticMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan semantic memory: %w", err)
		}
		sim := storage.CosineSimilarity(query, mem.Embedding)
		if sim < filter.MinSimilarity {
			continue
		}
		candidates = append(candidates, storage.ScoredMemory{Memory: *mem, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Memory.ID < candidates[j].Memory.ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	if candidates == nil {
		candidates = []storage.ScoredMemory{}
	}
	return candidates, nil
}
