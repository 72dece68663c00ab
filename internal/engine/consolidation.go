package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/embedding"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Retention policies for the working copy of a promoted item.
const (
	RetentionDelete = "delete"
	RetentionMark   = "mark"
)

// Consolidation triggers reported in ConsolidationReport.Trigger.
const (
	TriggerScheduled = "scheduled"
	TriggerVolume    = "volume"
	TriggerManual    = "manual"
)

// Decision reasons recorded in the audit log.
const (
	reasonTTLExpired     = "ttl_expired"
	reasonImportant      = "importance_above_promote_threshold"
	reasonUnchanged      = "already_promoted_unchanged"
	reasonStaleLow       = "low_importance_past_purge_after"
	reasonStale          = "below_retain_threshold_past_archive_after"
	reasonRetainMax      = "exceeded_retain_max"
	reasonEmbedExhausted = "embedding_failures_exhausted"
	reasonEmbedBackoff   = "embedding_retry_scheduled"
	reasonYoung          = "within_thresholds"
	reasonMarkedExpired  = "promoted_copy_expired"
)

// maxBatchesPerTick bounds one tick when rows keep changing underneath it.
const maxBatchesPerTick = 100

// Consolidator moves working items toward durable storage. Ticks are
// serialized among themselves and never hold a store lock across an
// embedding call: each batch is read, decided off-store, and every
// decision is applied as its own short transaction guarded by the item
// version read with the batch.
type Consolidator struct {
	working   storage.WorkingStore
	semantic  storage.SemanticStore
	decisions storage.DecisionLog
	embedder  embedding.Provider
	cfg       config.ConsolidationConfig
	nowFn     func() time.Time

	mu sync.Mutex
}

// NewConsolidator creates a consolidator. embedder should be guarded so a
// degraded provider cannot stall a tick.
func NewConsolidator(working storage.WorkingStore, semantic storage.SemanticStore, decisions storage.DecisionLog,
	embedder embedding.Provider, cfg config.ConsolidationConfig, nowFn func() time.Time) *Consolidator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Consolidator{
		working:   working,
		semantic:  semantic,
		decisions: decisions,
		embedder:  embedder,
		cfg:       cfg,
		nowFn:     nowFn,
	}
}

// outcome is what applying one decision did.
type outcome int

const (
	outcomeRetained outcome = iota
	outcomePromoted
	outcomeArchived
	outcomePurged
	outcomeDeferred
	outcomeConflict
	outcomeSkipped
	outcomeError
)

// RunTick evaluates every working item past its dwell time.
func (c *Consolidator) RunTick(ctx context.Context, trigger string) (*types.ConsolidationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	report := &types.ConsolidationReport{Trigger: trigger, StartedAt: now}
	started := time.Now()

	seen := make(map[string]bool)
	offset := 0
	for batch := 0; batch < maxBatchesPerTick; batch++ {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err.Error())
			break
		}
		items, err := c.working.List(ctx, storage.WorkingListOptions{
			States:         []types.ItemState{types.StateWorking, types.StatePromoted},
			AccessedBefore: now.Add(-c.cfg.MinDwell),
			IncludeExpired: true,
			Now:            now,
			SortBy:         "accessed_at",
			SortOrder:      "asc",
			Limit:          c.cfg.BatchSize,
			Offset:         offset,
		})
		if err != nil {
			report.Duration = time.Since(started)
			return report, fmt.Errorf("failed to list working items: %w", err)
		}

		for i := range items {
			item := &items[i]
			if seen[item.ID] {
				offset++
				continue
			}
			seen[item.ID] = true

			switch c.evaluate(ctx, item, now, report) {
			case outcomePromoted:
				report.Promoted++
				if c.cfg.RetentionPolicy == RetentionMark {
					offset++ // the marked copy stays in the listed set
				}
			case outcomeArchived:
				report.Archived++
			case outcomePurged:
				report.Purged++
			case outcomeRetained:
				report.Retained++
				offset++
			case outcomeDeferred:
				report.Deferred++
				offset++
			case outcomeConflict:
				report.Conflicts++
				offset++
			case outcomeSkipped:
				offset++
			case outcomeError:
				offset++
			}
		}
		if len(items) < c.cfg.BatchSize {
			break
		}
	}

	report.Duration = time.Since(started)
	log.Printf("consolidation: %s tick evaluated=%d promoted=%d archived=%d purged=%d retained=%d deferred=%d conflicts=%d errors=%d (%s)",
		trigger, report.Evaluated, report.Promoted, report.Archived, report.Purged, report.Retained,
		report.Deferred, report.Conflicts, len(report.Errors), report.Duration)
	return report, nil
}

// evaluate decides and applies the outcome for one item.
func (c *Consolidator) evaluate(ctx context.Context, item *types.WorkingItem, now time.Time, report *types.ConsolidationReport) outcome {
	if item.State == types.StatePromoted {
		return c.evaluateMarked(ctx, item, now, report)
	}
	report.Evaluated++

	decision, reason := c.decide(item, now)
	switch decision {
	case types.DecisionPromote:
		if item.NextAttemptAt != nil && now.Before(*item.NextAttemptAt) {
			c.record(ctx, item, types.DecisionRetain, reasonEmbedBackoff, now)
			return outcomeDeferred
		}
		return c.promote(ctx, item, now, report)
	case types.DecisionPurge:
		return c.apply(ctx, item, item.Version, types.StatePurged, decision, reason, now, report)
	case types.DecisionArchive:
		return c.apply(ctx, item, item.Version, types.StateArchived, decision, reason, now, report)
	default:
		c.record(ctx, item, types.DecisionRetain, reason, now)
		return outcomeRetained
	}
}

// decide applies the consolidation rules in order. Age is measured from
// the last access, so reads refresh dwell. Items below the purge threshold
// are never archived; they wait for purge_after.
func (c *Consolidator) decide(item *types.WorkingItem, now time.Time) (types.Decision, string) {
	age := now.Sub(item.AccessedAt)
	switch {
	case item.Expired(now):
		return types.DecisionPurge, reasonTTLExpired
	case item.Importance >= c.cfg.PromoteThreshold:
		return types.DecisionPromote, reasonImportant
	case item.Importance < c.cfg.PurgeThreshold && age > c.cfg.PurgeAfter:
		return types.DecisionPurge, reasonStaleLow
	case age > c.cfg.ArchiveAfter && item.Importance >= c.cfg.PurgeThreshold && item.Importance < c.cfg.RetainThreshold:
		return types.DecisionArchive, reasonStale
	case age > c.cfg.RetainMax:
		return types.DecisionArchive, reasonRetainMax
	default:
		return types.DecisionRetain, reasonYoung
	}
}

// evaluateMarked removes a promoted copy kept under the mark policy once
// its TTL (or retain_max, for copies without TTL) has passed.
func (c *Consolidator) evaluateMarked(ctx context.Context, item *types.WorkingItem, now time.Time, report *types.ConsolidationReport) outcome {
	if !item.Expired(now) && now.Sub(item.AccessedAt) <= c.cfg.RetainMax {
		return outcomeSkipped
	}
	report.Evaluated++
	return c.apply(ctx, item, item.Version, types.StatePurged, types.DecisionPurge, reasonMarkedExpired, now, report)
}

// promote writes the item to the semantic tier and then applies the
// retention policy to the working copy.
func (c *Consolidator) promote(ctx context.Context, item *types.WorkingItem, now time.Time, report *types.ConsolidationReport) outcome {
	sourceKey := types.SourceKey(item.Category, item.Key)
	hash := types.ContentHash(item.Value)

	existing, err := c.semantic.LatestBySourceKey(ctx, sourceKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return c.fail(item, report, fmt.Errorf("lookup promoted version: %w", err))
	}

	reason := reasonImportant
	if existing != nil && existing.ContentHash == hash {
		if err := c.semantic.Touch(ctx, existing.ID, now); err != nil {
			return c.fail(item, report, fmt.Errorf("touch promoted memory: %w", err))
		}
		reason = reasonUnchanged
	} else {
		vec, err := c.embedder.Embed(ctx, item.Text())
		if err != nil {
			return c.embedFailed(ctx, item, now, err, report)
		}
		mem := &types.SemanticMemory{
			ID:         uuid.NewString(),
			Content:    item.Value,
			Category:   item.Category,
			Embedding:  vec,
			Importance: item.Importance,
			Metadata:   item.Metadata,
			Source:     item.Source,
			SourceKey:  sourceKey,
			CreatedAt:  now,
			AccessedAt: now,
		}
		if existing != nil {
			err = c.semantic.Supersede(ctx, existing.ID, mem)
		} else {
			err = c.semantic.Insert(ctx, mem)
		}
		if errors.Is(err, storage.ErrConflict) {
			c.record(ctx, item, types.DecisionRetain, "semantic_version_conflict", now)
			return outcomeConflict
		}
		if err != nil {
			return c.fail(item, report, fmt.Errorf("write semantic memory: %w", err))
		}
	}

	to := types.StatePurged
	if c.cfg.RetentionPolicy == RetentionMark {
		to = types.StatePromoted
	}
	return c.apply(ctx, item, item.Version, to, types.DecisionPromote, reason, now, report)
}

// embedFailed records a failed promotion attempt. The item stays working
// with exponential backoff until max_embed_failures, then it is archived.
func (c *Consolidator) embedFailed(ctx context.Context, item *types.WorkingItem, now time.Time, cause error, report *types.ConsolidationReport) outcome {
	backoff := c.cfg.RetryBackoff << uint(item.EmbedFailures)
	if backoff < 0 || backoff > c.cfg.RetainMax {
		backoff = c.cfg.RetainMax
	}
	failures, err := c.working.RecordEmbedFailure(ctx, item.ID, item.Version, now.Add(backoff))
	if errors.Is(err, storage.ErrConflict) {
		return outcomeConflict
	}
	if err != nil {
		return c.fail(item, report, fmt.Errorf("record embed failure: %w", err))
	}

	log.Printf("consolidation: promotion of %s/%s deferred (attempt %d): %v", item.Category, item.Key, failures, cause)
	if failures >= c.cfg.MaxEmbedFailures {
		// RecordEmbedFailure bumped the version.
		return c.apply(ctx, item, item.Version+1, types.StateArchived, types.DecisionArchive, reasonEmbedExhausted, now, report)
	}
	c.record(ctx, item, types.DecisionRetain, reasonEmbedBackoff+": "+cause.Error(), now)
	return outcomeDeferred
}

// apply transitions the item and records the decision. A version mismatch
// leaves the item for the next tick.
func (c *Consolidator) apply(ctx context.Context, item *types.WorkingItem, version int64, to types.ItemState,
	decision types.Decision, reason string, now time.Time, report *types.ConsolidationReport) outcome {
	err := c.working.Transition(ctx, item.ID, version, to, reason, now)
	if errors.Is(err, storage.ErrConflict) {
		log.Printf("consolidation: %s/%s changed during tick, skipping %s", item.Category, item.Key, decision)
		return outcomeConflict
	}
	if err != nil {
		return c.fail(item, report, fmt.Errorf("transition to %s: %w", to, err))
	}
	c.record(ctx, item, decision, reason, now)

	switch decision {
	case types.DecisionPromote:
		return outcomePromoted
	case types.DecisionArchive:
		return outcomeArchived
	default:
		return outcomePurged
	}
}

func (c *Consolidator) record(ctx context.Context, item *types.WorkingItem, decision types.Decision, reason string, now time.Time) {
	if c.decisions == nil {
		return
	}
	err := c.decisions.RecordDecision(ctx, &types.ConsolidationDecision{
		ItemID:    item.ID,
		Category:  item.Category,
		Key:       item.Key,
		Decision:  decision,
		Score:     item.Importance,
		Reason:    reason,
		Timestamp: now,
	})
	if err != nil {
		log.Printf("consolidation: failed to record %s decision for %s: %v", decision, item.ID, err)
	}
}

func (c *Consolidator) fail(item *types.WorkingItem, report *types.ConsolidationReport, err error) outcome {
	msg := fmt.Sprintf("%s/%s: %v", item.Category, item.Key, err)
	log.Printf("consolidation: %s", msg)
	report.Errors = append(report.Errors, msg)
	return outcomeError
}
