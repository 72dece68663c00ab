// Package handlers provides the HTTP handlers and middleware for the engram
// API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// MemoryEngine is the subset of the engine the API serves.
type MemoryEngine interface {
	Remember(ctx context.Context, category, key, value string, opts engine.RememberOptions) (*types.WorkingItem, error)
	Recall(ctx context.Context, category, key string) (*types.WorkingItem, error)
	RecallList(ctx context.Context, category string, limit int) ([]types.WorkingItem, error)
	Forget(ctx context.Context, category, key string) error
	Search(ctx context.Context, query string, limit int, filters types.SearchFilters) ([]types.ResultItem, error)
	AssembleContext(ctx context.Context, query string, tokenBudget int) (*types.AssembledContext, error)
	RunConsolidationNow(ctx context.Context) (*types.ConsolidationReport, error)
	Decisions(ctx context.Context, itemID string, limit int) ([]types.ConsolidationDecision, error)
	Archived(ctx context.Context, limit int) ([]types.ArchivedItem, error)
	AddEntity(ctx context.Context, entity *types.Entity) error
	AddRelation(ctx context.Context, rel *types.Relation) error
	WorkingCount(ctx context.Context) (int, error)
}

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	engine MemoryEngine
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(e MemoryEngine) *APIHandlers {
	return &APIHandlers{engine: e}
}

// Remember handles POST /api/memories - write or rewrite a working item.
func (h *APIHandlers) Remember(w http.ResponseWriter, r *http.Request) {
	var req RememberRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid ttl", err)
			return
		}
		ttl = d
	}

	item, err := h.engine.Remember(r.Context(), req.Category, req.Key, req.Value, engine.RememberOptions{
		Importance: req.Importance,
		TTL:        ttl,
		Source:     req.Source,
		Metadata:   req.Metadata,
	})
	if err != nil {
		respondEngineError(w, "failed to remember", err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

// Recall handles GET /api/memories. With category and key it returns that
// item and records the access; otherwise it lists live items.
func (h *APIHandlers) Recall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := q.Get("category")
	key := q.Get("key")

	if key != "" {
		if category == "" {
			respondError(w, http.StatusBadRequest, "category is required with key", nil)
			return
		}
		item, err := h.engine.Recall(r.Context(), category, key)
		if err != nil {
			respondEngineError(w, "failed to recall", err)
			return
		}
		respondJSON(w, http.StatusOK, item)
		return
	}

	limit := parseInt(q.Get("limit"), 100)
	if limit > 1000 {
		limit = 1000
	}
	items, err := h.engine.RecallList(r.Context(), category, limit)
	if err != nil {
		respondEngineError(w, "failed to list memories", err)
		return
	}
	if items == nil {
		items = []types.WorkingItem{}
	}
	respondJSON(w, http.StatusOK, ListResponse{Items: items, Total: len(items)})
}

// Forget handles DELETE /api/memories?category=&key=.
func (h *APIHandlers) Forget(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	key := r.URL.Query().Get("key")
	if category == "" || key == "" {
		respondError(w, http.StatusBadRequest, "category and key are required", nil)
		return
	}
	if err := h.engine.Forget(r.Context(), category, key); err != nil {
		respondEngineError(w, "failed to forget", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssembleContext handles POST /api/context.
func (h *APIHandlers) AssembleContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.engine.AssembleContext(r.Context(), req.Query, req.Budget)
	if err != nil {
		respondEngineError(w, "failed to assemble context", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// RunTick handles POST /api/consolidation/tick - run one pass now.
func (h *APIHandlers) RunTick(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.RunConsolidationNow(r.Context())
	if err != nil {
		respondEngineError(w, "consolidation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Decisions handles GET /api/consolidation/decisions?item_id=&limit=.
func (h *APIHandlers) Decisions(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	decisions, err := h.engine.Decisions(r.Context(), r.URL.Query().Get("item_id"), limit)
	if err != nil {
		respondEngineError(w, "failed to load decisions", err)
		return
	}
	if decisions == nil {
		decisions = []types.ConsolidationDecision{}
	}
	respondJSON(w, http.StatusOK, DecisionsResponse{Decisions: decisions, Total: len(decisions)})
}

// Archived handles GET /api/consolidation/archived?limit=.
func (h *APIHandlers) Archived(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.Archived(r.Context(), parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		respondEngineError(w, "failed to load archive", err)
		return
	}
	if items == nil {
		items = []types.ArchivedItem{}
	}
	respondJSON(w, http.StatusOK, ArchivedResponse{Items: items, Total: len(items)})
}

// AddEntity handles POST /api/graph/entities.
func (h *APIHandlers) AddEntity(w http.ResponseWriter, r *http.Request) {
	var entity types.Entity
	if !decodeJSON(w, r, &entity) {
		return
	}
	if err := h.engine.AddEntity(r.Context(), &entity); err != nil {
		respondEngineError(w, "failed to save entity", err)
		return
	}
	respondJSON(w, http.StatusCreated, entity)
}

// AddRelation handles POST /api/graph/relations.
func (h *APIHandlers) AddRelation(w http.ResponseWriter, r *http.Request) {
	var rel types.Relation
	if !decodeJSON(w, r, &rel) {
		return
	}
	if err := h.engine.AddRelation(r.Context(), &rel); err != nil {
		respondEngineError(w, "failed to save relation", err)
		return
	}
	respondJSON(w, http.StatusCreated, rel)
}

// Health handles GET /api/health.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.WorkingCount(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Version: Version})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: Version, WorkingItems: count})
}

// decodeJSON reads a bounded JSON body into dst, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// splitList parses a comma-separated query parameter.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}

// respondEngineError maps the error taxonomy onto HTTP status codes.
func respondEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, types.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("ERROR: %s: %v", message, err)
	}
	respondError(w, status, message, err)
}
