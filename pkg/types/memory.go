package types

import (
	"fmt"
	"strings"
	"time"
)

// MaxKeyLength and MaxValueLength bound working items so a single runaway
// record cannot bloat the hot tier.
const (
	MaxKeyLength      = 256
	MaxCategoryLength = 64
	MaxValueLength    = 64 * 1024
)

// WorkingItem is a short-lived record in the working-memory tier.
// Items are unique on (Category, Key): a repeat write upserts the row.
type WorkingItem struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	Key        string         `json:"key"`
	Value      string         `json:"value"`
	Importance float64        `json:"importance"`
	TTL        time.Duration  `json:"ttl,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Source     string         `json:"source,omitempty"`
	State      ItemState      `json:"state"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`

	// Version increments on every write; consolidation applies decisions
	// only if the version it read is still current.
	Version int64 `json:"version"`

	// EmbedFailures counts consecutive failed promotion attempts.
	EmbedFailures int        `json:"embed_failures,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Validate checks the caller-supplied fields of a working item.
func (w *WorkingItem) Validate() error {
	if w == nil {
		return fmt.Errorf("%w: item is nil", ErrValidation)
	}
	if strings.TrimSpace(w.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrValidation)
	}
	if len(w.Category) > MaxCategoryLength {
		return fmt.Errorf("%w: category exceeds %d bytes", ErrValidation, MaxCategoryLength)
	}
	if strings.TrimSpace(w.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrValidation)
	}
	if len(w.Key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrValidation, MaxKeyLength)
	}
	if w.Value == "" {
		return fmt.Errorf("%w: value is required", ErrValidation)
	}
	if len(w.Value) > MaxValueLength {
		return fmt.Errorf("%w: value exceeds %d bytes", ErrValidation, MaxValueLength)
	}
	if w.Importance < 0 || w.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0,1]", ErrValidation, w.Importance)
	}
	if w.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", ErrValidation)
	}
	return nil
}

// Text returns the text used for scoring, matching and embedding.
func (w *WorkingItem) Text() string {
	return w.Key + ": " + w.Value
}

// Expired reports whether the item's TTL has elapsed at now.
func (w *WorkingItem) Expired(now time.Time) bool {
	return w.ExpiresAt != nil && !now.Before(*w.ExpiresAt)
}

// SemanticMemory is a durable, vector-indexed memory. Content is immutable
// once written; a changed value is stored as a new version that supersedes
// the previous one.
type SemanticMemory struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Summary      string         `json:"summary,omitempty"`
	Category     string         `json:"category"`
	Embedding    []float32      `json:"embedding,omitempty"`
	Importance   float64        `json:"importance"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Source       string         `json:"source,omitempty"`
	SourceKey    string         `json:"source_key,omitempty"` // category/key of the working item it came from
	ContentHash  string         `json:"content_hash"`
	SupersedesID string         `json:"supersedes_id,omitempty"`
	Superseded   bool           `json:"superseded,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
}

// Validate checks a semantic memory against the deployment's fixed
// embedding dimension. Vectors of the wrong size are rejected, never
// truncated or padded.
func (m *SemanticMemory) Validate(dimension int) error {
	if m == nil {
		return fmt.Errorf("%w: memory is nil", ErrValidation)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: memory ID is required", ErrValidation)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0,1]", ErrValidation, m.Importance)
	}
	return ValidateDimension(m.Embedding, dimension)
}

// ValidateDimension returns ErrValidation when vec does not have exactly
// dimension components.
func ValidateDimension(vec []float32, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive, got %d", ErrValidation, dimension)
	}
	if len(vec) != dimension {
		return fmt.Errorf("%w: embedding has %d dimensions, deployment requires %d", ErrValidation, len(vec), dimension)
	}
	return nil
}

// SourceKey builds the category/key reference stored on promoted memories.
func SourceKey(category, key string) string {
	return category + "/" + key
}

// ArchivedItem is a working item moved out of the hot tier by consolidation.
type ArchivedItem struct {
	ID         string      `json:"id"`
	Item       WorkingItem `json:"item"`
	Reason     string      `json:"reason"`
	ArchivedAt time.Time   `json:"archived_at"`
}
