// Package chromem implements the semantic tier on chromem-go, a pure Go
// embedded vector database. It suits single-process deployments that want
// vector search without an external server.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

var _ storage.SemanticStore = (*SemanticStore)(nil)

const collectionName = "semantic_memories"

// Metadata keys. chromem documents carry string metadata only.
const (
	metaSummary      = "summary"
	metaCategory     = "category"
	metaImportance   = "importance"
	metaSource       = "source"
	metaSourceKey    = "source_key"
	metaContentHash  = "content_hash"
	metaSupersedesID = "supersedes_id"
	metaSuperseded   = "superseded"
	metaCreatedAt    = "created_at"
	metaAccessedAt   = "accessed_at"
	metaAccessCount  = "access_count"
	metaExtra        = "metadata"
)

// SemanticStore wraps a chromem collection. chromem stores embeddings
// unit-normalized, so vectors read back may differ from those written by a
// scale factor; cosine similarity is unaffected.
type SemanticStore struct {
	db        *chromem.DB
	col       *chromem.Collection
	dimension int

	// mu serializes read-modify-write cycles; chromem documents are
	// replaced wholesale on update.
	mu sync.Mutex
}

// New creates a store. An empty path keeps everything in memory; otherwise
// documents are persisted as gob files under path.
func New(path string, dimension int) (*SemanticStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive, got %d", storage.ErrInvalidInput, dimension)
	}

	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", path, err)
		}
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection(collectionName, map[string]string{"dimension": strconv.Itoa(dimension)}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}

	return &SemanticStore{db: db, col: col, dimension: dimension}, nil
}

// Dimension returns the fixed embedding dimension.
func (s *SemanticStore) Dimension() int {
	return s.dimension
}

// Close releases resources. Persistent databases write on every change,
// so there is nothing to flush.
func (s *SemanticStore) Close() error {
	return nil
}

func toDocument(mem *types.SemanticMemory) (chromem.Document, error) {
	meta := map[string]string{
		metaSummary:      mem.Summary,
		metaCategory:     mem.Category,
		metaImportance:   strconv.FormatFloat(mem.Importance, 'g', -1, 64),
		metaSource:       mem.Source,
		metaSourceKey:    mem.SourceKey,
		metaContentHash:  mem.ContentHash,
		metaSupersedesID: mem.SupersedesID,
		metaSuperseded:   strconv.FormatBool(mem.Superseded),
		metaCreatedAt:    mem.CreatedAt.Format(time.RFC3339Nano),
		metaAccessedAt:   mem.AccessedAt.Format(time.RFC3339Nano),
		metaAccessCount:  strconv.Itoa(mem.AccessCount),
	}
	if len(mem.Metadata) > 0 {
		b, err := json.Marshal(mem.Metadata)
		if err != nil {
			return chromem.Document{}, fmt.Errorf("marshal metadata: %w", err)
		}
		meta[metaExtra] = string(b)
	}
	emb := make([]float32, len(mem.Embedding))
	copy(emb, mem.Embedding)
	return chromem.Document{
		ID:        mem.ID,
		Content:   mem.Content,
		Embedding: emb,
		Metadata:  meta,
	}, nil
}

func fromDocument(id, content string, embedding []float32, meta map[string]string) (*types.SemanticMemory, error) {
	mem := &types.SemanticMemory{
		ID:           id,
		Content:      content,
		Summary:      meta[metaSummary],
		Category:     meta[metaCategory],
		Embedding:    embedding,
		Source:       meta[metaSource],
		SourceKey:    meta[metaSourceKey],
		ContentHash:  meta[metaContentHash],
		SupersedesID: meta[metaSupersedesID],
		Superseded:   meta[metaSuperseded] == "true",
	}
	var err error
	if mem.Importance, err = strconv.ParseFloat(meta[metaImportance], 64); err != nil {
		return nil, fmt.Errorf("parse importance: %w", err)
	}
	if mem.CreatedAt, err = time.Parse(time.RFC3339Nano, meta[metaCreatedAt]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if mem.AccessedAt, err = time.Parse(time.RFC3339Nano, meta[metaAccessedAt]); err != nil {
		return nil, fmt.Errorf("parse accessed_at: %w", err)
	}
	if mem.AccessCount, err = strconv.Atoi(meta[metaAccessCount]); err != nil {
		return nil, fmt.Errorf("parse access_count: %w", err)
	}
	if raw := meta[metaExtra]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return mem, nil
}

func (s *SemanticStore) prepare(mem *types.SemanticMemory) error {
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
	return nil
}

// Insert stores a new semantic memory. IDs must be unique.
func (s *SemanticStore) Insert(ctx context.Context, mem *types.SemanticMemory) error {
	if err := s.prepare(mem); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.col.GetByID(ctx, mem.ID); err == nil {
		return fmt.Errorf("%w: memory %s already exists", storage.ErrConflict, mem.ID)
	}
	return s.put(ctx, mem, false)
}

// put writes mem. When replace is set the existing document with the same
// ID is removed first. Caller holds mu.
func (s *SemanticStore) put(ctx context.Context, mem *types.SemanticMemory, replace bool) error {
	doc, err := toDocument(mem)
	if err != nil {
		return err
	}
	if replace {
		if err := s.col.Delete(ctx, nil, nil, mem.ID); err != nil {
			return fmt.Errorf("chromem: replace document: %w", err)
		}
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document: %w", err)
	}
	return nil
}

// get loads a memory by ID. Caller holds mu.
func (s *SemanticStore) get(ctx context.Context, id string) (*types.SemanticMemory, error) {
	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return fromDocument(doc.ID, doc.Content, doc.Embedding, doc.Metadata)
}

// Supersede inserts mem as the next version of oldID and flags oldID.
func (s *SemanticStore) Supersede(ctx context.Context, oldID string, mem *types.SemanticMemory) error {
	if mem == nil {
		return fmt.Errorf("%w: memory is nil", storage.ErrInvalidInput)
	}
	mem.SupersedesID = oldID
	if err := s.prepare(mem); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.get(ctx, oldID)
	if err != nil || old.Superseded {
		return storage.ErrConflict
	}
	if _, err := s.col.GetByID(ctx, mem.ID); err == nil {
		return fmt.Errorf("%w: memory %s already exists", storage.ErrConflict, mem.ID)
	}
	if err := s.put(ctx, mem, false); err != nil {
		return err
	}
	old.Superseded = true
	return s.put(ctx, old, true)
}

// Get retrieves a memory by ID.
func (s *SemanticStore) Get(ctx context.Context, id string) (*types.SemanticMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

// LatestBySourceKey returns the current memory promoted from sourceKey.
func (s *SemanticStore) LatestBySourceKey(ctx context.Context, sourceKey string) (*types.SemanticMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := s.queryAll(ctx, make([]float32, s.dimension), map[string]string{
		metaSourceKey:  sourceKey,
		metaSuperseded: "false",
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, storage.ErrNotFound
	}

	var latest *types.SemanticMemory
	for _, r := range results {
		mem, err := fromDocument(r.ID, r.Content, r.Embedding, r.Metadata)
		if err != nil {
			return nil, err
		}
		if latest == nil || mem.CreatedAt.After(latest.CreatedAt) {
			latest = mem
		}
	}
	return latest, nil
}

// Touch records an access on a memory.
func (s *SemanticStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	mem.AccessCount++
	mem.AccessedAt = at
	return s.put(ctx, mem, true)
}

// Nearest returns the k current memories most similar to query.
func (s *SemanticStore) Nearest(ctx context.Context, query []float32, k int, filter storage.VectorFilter) ([]storage.ScoredMemory, error) {
	if err := types.ValidateDimension(query, s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []storage.ScoredMemory{}, nil
	}

	s.mu.Lock()
	results, err := s.queryAll(ctx, query, map[string]string{metaSuperseded: "false"})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]storage.ScoredMemory, 0, k)
	for _, r := range results {
		mem, err := fromDocument(r.ID, r.Content, r.Embedding, r.Metadata)
		if err != nil {
			log.Printf("chromem: skipping unreadable document %s: %v", r.ID, err)
			continue
		}
		if !allowsCategory(filter.Categories, mem.Category) || mem.Importance < filter.MinImportance {
			continue
		}
		// Recompute rather than trusting the library's normalized score so
		// that all semantic backends report the same similarity.
		sim := storage.CosineSimilarity(query, mem.Embedding)
		if sim < filter.MinSimilarity {
			continue
		}
		out = append(out, storage.ScoredMemory{Memory: *mem, Similarity: sim})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// queryAll returns every document matching where, ordered by similarity to
// query. chromem-go requires nResults <= the number of matching documents,
// so the limit shrinks until the query succeeds.
func (s *SemanticStore) queryAll(ctx context.Context, query []float32, where map[string]string) ([]chromem.Result, error) {
	n := s.col.Count()
	if n == 0 {
		return nil, nil
	}
	if isZero(query) {
		// Cosine similarity is undefined for the zero vector; any unit
		// vector works when only the filter matters.
		query = make([]float32, len(query))
		query[0] = 1
	}

	for limit := n; limit >= 1; limit-- {
		results, err := s.col.QueryEmbedding(ctx, query, limit, where, nil)
		if err == nil {
			return results, nil
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
	}
	return nil, nil
}

func allowsCategory(categories []string, category string) bool {
	if len(categories) == 0 {
		return true
	}
	for _, c := range categories {
		if c == category {
			return true
		}
	}
	return false
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
