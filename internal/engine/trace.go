package engine

import (
	"context"
	"sync"
	"time"
)

// TraceEventKind classifies each trace event by type.
type TraceEventKind string

const (
	// KindSearchStarted is emitted at the beginning of a search.
	KindSearchStarted TraceEventKind = "search_started"

	// KindBackendReturned is emitted when a backend answers in time.
	KindBackendReturned TraceEventKind = "backend_returned"

	// KindBackendFailed is emitted when a backend errors or misses its deadline.
	KindBackendFailed TraceEventKind = "backend_failed"

	// KindFused is emitted once per fused identity with its RRF score.
	KindFused TraceEventKind = "fused"

	// KindDeduplicated is emitted when a near-duplicate collapses into a
	// higher-scoring representative.
	KindDeduplicated TraceEventKind = "deduplicated"

	// KindResultsReturned is emitted after truncation to record the final set.
	KindResultsReturned TraceEventKind = "results_returned"
)

// TraceEvent is a single structured event emitted during a search.
type TraceEvent struct {
	Kind TraceEventKind `json:"kind"`
	At   time.Time      `json:"at"`

	// Backend is the retrieval backend for backend_* events.
	Backend string `json:"backend,omitempty"`

	// Count is the number of hits (backend_returned) or results.
	Count int `json:"count,omitempty"`

	// ElapsedMS is how long the backend took.
	ElapsedMS int64 `json:"elapsed_ms,omitempty"`

	// Identity is the content identity for fused/deduplicated events.
	Identity string `json:"identity,omitempty"`

	// MergedInto is the representative identity a duplicate collapsed into.
	MergedInto string `json:"merged_into,omitempty"`

	// Similarity is the pairwise similarity that triggered a collapse.
	Similarity float64 `json:"similarity,omitempty"`

	// Score is the fused score for fused events.
	Score float64 `json:"score,omitempty"`

	// Reason explains a backend failure.
	Reason string `json:"reason,omitempty"`

	// Query is the original search query, populated in search_started.
	Query string `json:"query,omitempty"`

	// IDs lists the returned payload IDs for results_returned.
	IDs []string `json:"ids,omitempty"`
}

// TraceCollector accumulates TraceEvents for a single search operation.
type TraceCollector struct {
	mu        sync.Mutex
	events    []TraceEvent
	startedAt time.Time
}

// NewTraceCollector returns a fresh collector.
func NewTraceCollector() *TraceCollector {
	return &TraceCollector{startedAt: time.Now()}
}

// Emit appends an event to the collector.
func (tc *TraceCollector) Emit(e TraceEvent) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, e)
}

// Events returns a copy of the collected events in emission order.
func (tc *TraceCollector) Events() []TraceEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]TraceEvent(nil), tc.events...)
}

// ElapsedMS returns the elapsed time since the collector was created, in milliseconds.
func (tc *TraceCollector) ElapsedMS() int64 {
	return time.Since(tc.startedAt).Milliseconds()
}

type contextKey string

const traceKey contextKey = "search_trace"

// WithTraceCollector stores a collector in the context.
func WithTraceCollector(ctx context.Context, tc *TraceCollector) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// TraceCollectorFromContext retrieves the collector from the context.
func TraceCollectorFromContext(ctx context.Context) (*TraceCollector, bool) {
	tc, ok := ctx.Value(traceKey).(*TraceCollector)
	return tc, ok
}

// emit records e only when a collector is present in ctx.
func emit(ctx context.Context, e TraceEvent) {
	if tc, ok := TraceCollectorFromContext(ctx); ok {
		if e.At.IsZero() {
			e.At = time.Now()
		}
		tc.Emit(e)
	}
}
