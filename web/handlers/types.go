package handlers

import (
	"time"

	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RememberRequest is the request format for POST /api/memories.
type RememberRequest struct {
	Category   string                 `json:"category"`
	Key        string                 `json:"key"`
	Value      string                 `json:"value"`
	Importance *float64               `json:"importance,omitempty"`
	TTL        string                 `json:"ttl,omitempty"` // Go duration, e.g. "24h"
	Source     string                 `json:"source,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ListResponse is the response format for GET /api/memories without a key.
type ListResponse struct {
	Items []types.WorkingItem `json:"items"`
	Total int                 `json:"total"`
}

// SearchResponse is the response format for GET /api/search.
type SearchResponse struct {
	Query   string              `json:"query"`
	Results []types.ResultItem  `json:"results"`
	Total   int                 `json:"total"`
	Debug   *engine.SearchDebug `json:"debug,omitempty"`
}

// ContextRequest is the request format for POST /api/context.
type ContextRequest struct {
	Query  string `json:"query"`
	Budget int    `json:"budget"`
}

// DecisionsResponse is the response format for GET /api/consolidation/decisions.
type DecisionsResponse struct {
	Decisions []types.ConsolidationDecision `json:"decisions"`
	Total     int                           `json:"total"`
}

// ArchivedResponse is the response format for GET /api/consolidation/archived.
type ArchivedResponse struct {
	Items []types.ArchivedItem `json:"items"`
	Total int                  `json:"total"`
}

// HealthResponse is the response format for GET /api/health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	WorkingItems int    `json:"working_items"`
}

// StreamMessage is one message pushed over /ws.
type StreamMessage struct {
	Type   string                     `json:"type"`
	At     time.Time                  `json:"at"`
	Report *types.ConsolidationReport `json:"report,omitempty"`
}

// NewReportMessage wraps a consolidation report for the stream.
func NewReportMessage(report *types.ConsolidationReport) StreamMessage {
	return StreamMessage{Type: "consolidation_report", At: time.Now().UTC(), Report: report}
}
