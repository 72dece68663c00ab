package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

func TestDecideAppliesRulesInOrder(t *testing.T) {
	cfg := config.Default().Consolidation
	c := &Consolidator{cfg: cfg}
	now := time.Now()
	expired := now.Add(-time.Minute)

	tests := []struct {
		name       string
		importance float64
		age        time.Duration
		expiresAt  *time.Time
		want       types.Decision
		reason     string
	}{
		{"ttl beats importance", 0.9, time.Hour, &expired, types.DecisionPurge, reasonTTLExpired},
		{"important is promoted", 0.7, 10 * time.Minute, nil, types.DecisionPromote, reasonImportant},
		{"low and old is purged", 0.1, 49 * time.Hour, nil, types.DecisionPurge, reasonStaleLow},
		{"low waits for purge instead of archiving", 0.1, 25 * time.Hour, nil, types.DecisionRetain, reasonYoung},
		{"low and fresh is retained", 0.1, time.Hour, nil, types.DecisionRetain, reasonYoung},
		{"mid and stale is archived", 0.4, 30 * time.Hour, nil, types.DecisionArchive, reasonStale},
		{"retain-worthy stays", 0.6, 30 * time.Hour, nil, types.DecisionRetain, reasonYoung},
		{"retain-worthy past retain max", 0.6, 8 * 24 * time.Hour, nil, types.DecisionArchive, reasonRetainMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &types.WorkingItem{Importance: tt.importance, AccessedAt: now.Add(-tt.age), ExpiresAt: tt.expiresAt}
			got, reason := c.decide(item, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestTickRespectsMinDwell(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.remember(t, "incident", "fresh", "urgent: database down", 0.9)

	report, err := h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evaluated, "items younger than min_dwell are not judged")

	h.clock.Advance(6 * time.Minute)
	report, err = h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, TriggerScheduled, report.Trigger)
}

func TestPromotionWritesSemanticMemoryAndDeletesWorkingCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.remember(t, "incident", "outage", "urgent: production outage", 0.9)

	h.clock.Advance(10 * time.Minute)
	_, err := h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)

	mem, err := h.store.Semantic().LatestBySourceKey(ctx, "incident/outage")
	require.NoError(t, err)
	assert.Equal(t, "urgent: production outage", mem.Content)
	assert.Len(t, mem.Embedding, testDimension)
	assert.Equal(t, 0.9, mem.Importance)

	_, err = h.engine.Recall(ctx, "incident", "outage")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	decisions, err := h.engine.Decisions(ctx, item.ID, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, types.DecisionPromote, decisions[0].Decision)
}

func TestMarkRetentionKeepsPromotedCopyUntilTTL(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Consolidation.RetentionPolicy = RetentionMark })
	ctx := context.Background()
	_, err := h.engine.Remember(ctx, "security", "rotation", "rotate credentials every 30 days",
		RememberOptions{Importance: importance(0.8), TTL: time.Hour})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	report, err := h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	got, err := h.engine.Recall(ctx, "security", "rotation")
	require.NoError(t, err)
	assert.Equal(t, types.StatePromoted, got.State)

	count, err := h.engine.WorkingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "marked copies do not count against the working cap")

	// A second tick leaves the marked copy alone until it expires.
	report, err = h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evaluated)

	h.clock.Advance(2 * time.Hour)
	report, err = h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	items, err := h.store.List(ctx, storage.WorkingListOptions{IncludeExpired: true})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRepromotionSupersedesChangedContent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remember(t, "task", "release", "ship v1 on monday", 0.8)
	h.clock.Advance(10 * time.Minute)
	_, err := h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	first, err := h.store.Semantic().LatestBySourceKey(ctx, "task/release")
	require.NoError(t, err)

	// Same content again only touches the existing memory.
	h.remember(t, "task", "release", "ship v1 on monday", 0.8)
	h.clock.Advance(10 * time.Minute)
	_, err = h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	same, err := h.store.Semantic().LatestBySourceKey(ctx, "task/release")
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)
	assert.Equal(t, 1, same.AccessCount)

	h.remember(t, "task", "release", "ship v2 on friday", 0.8)
	h.clock.Advance(10 * time.Minute)
	_, err = h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	latest, err := h.store.Semantic().LatestBySourceKey(ctx, "task/release")
	require.NoError(t, err)
	assert.Equal(t, "ship v2 on friday", latest.Content)
	assert.Equal(t, first.ID, latest.SupersedesID)

	old, err := h.store.Semantic().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
}

func TestEmbedFailuresBackOffThenArchive(t *testing.T) {
	down := &failingProvider{}
	h := newHarness(t, func(o *Options) {
		o.Embedder = down
		o.QueryEmbedder = down
	})
	ctx := context.Background()
	item := h.remember(t, "incident", "pager", "critical: pager storm", 0.9)
	h.clock.Advance(10 * time.Minute)

	report, err := h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, down.Calls())

	got, err := h.store.Get(ctx, "incident", "pager", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, types.StateWorking, got.State, "failed promotion leaves the item working")
	assert.Equal(t, 1, got.EmbedFailures)
	require.NotNil(t, got.NextAttemptAt)

	// Within the backoff window the provider is not called again.
	report, err = h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, down.Calls())

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Hour)
		_, err = h.engine.RunConsolidationTick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, down.Calls())

	_, err = h.store.Get(ctx, "incident", "pager", h.clock.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	archived, err := h.engine.Archived(ctx, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, item.ID, archived[0].Item.ID)
	assert.Equal(t, reasonEmbedExhausted, archived[0].Reason)
}

// rewritingStore rewrites the first listed item right after List, as a
// concurrent writer would.
type rewritingStore struct {
	storage.WorkingStore
	done bool
}

func (r *rewritingStore) List(ctx context.Context, opts storage.WorkingListOptions) ([]types.WorkingItem, error) {
	items, err := r.WorkingStore.List(ctx, opts)
	if err != nil || r.done || len(items) == 0 {
		return items, err
	}
	r.done = true
	first := items[0]
	first.Value = first.Value + " (edited)"
	first.ID = ""
	first.UpdatedAt = time.Time{}
	if _, err := r.WorkingStore.Upsert(ctx, &first); err != nil {
		return nil, err
	}
	return items, nil
}

func TestTickLeavesConcurrentlyRewrittenItem(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Working = &rewritingStore{WorkingStore: o.Working}
	})
	ctx := context.Background()
	h.remember(t, "note", "stale", "nothing to see", 0.1)
	h.clock.Advance(50 * time.Hour)

	report, err := h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 0, report.Purged)

	got, err := h.store.Get(ctx, "note", "stale", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "nothing to see (edited)", got.Value)
}

func TestConsolidationTerminates(t *testing.T) {
	down := &failingProvider{}
	h := newHarness(t, func(o *Options) { o.Embedder = down })
	ctx := context.Background()

	for i, imp := range []float64{0.05, 0.2, 0.35, 0.45, 0.55, 0.65, 0.75, 0.95} {
		h.remember(t, "mixed", string(rune('a'+i)), "value", imp)
	}
	h.clock.Advance(10 * time.Minute)

	for tick := 0; tick < 12; tick++ {
		_, err := h.engine.RunConsolidationTick(ctx)
		require.NoError(t, err)
		h.clock.Advance(24 * time.Hour)
	}

	items, err := h.store.List(ctx, storage.WorkingListOptions{IncludeExpired: true})
	require.NoError(t, err)
	assert.Empty(t, items, "every item reaches a terminal state")

	archived, err := h.engine.Archived(ctx, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
}

func TestVolumeTriggerPurgesOldLowImportanceItems(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan *types.ConsolidationReport, 16)
	h.engine.SetOnReport(func(r *types.ConsolidationReport) {
		select {
		case reports <- r:
		default:
		}
	})
	require.NoError(t, h.engine.Start(ctx))
	defer func() { _ = h.engine.Shutdown(context.Background()) }()

	for i := 0; i < 100; i++ {
		h.remember(t, "chatter", keyN(i), "low value line", 0.1)
	}
	h.clock.Advance(49 * time.Hour)
	for i := 100; i < 150; i++ {
		h.remember(t, "chatter", keyN(i), "low value line", 0.1)
	}

	select {
	case r := <-reports:
		assert.Equal(t, TriggerVolume, r.Trigger)
	case <-time.After(5 * time.Second):
		t.Fatal("no out-of-cycle consolidation pass ran")
	}

	require.Eventually(t, func() bool {
		n, err := h.engine.WorkingCount(ctx)
		return err == nil && n < 100
	}, 5*time.Second, 10*time.Millisecond)

	decisions, err := h.engine.Decisions(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, types.DecisionPurge, decisions[0].Decision)
}

func TestStartShutdown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	assert.Error(t, h.engine.Start(ctx))
	require.NoError(t, h.engine.Shutdown(ctx))
	err := h.engine.Shutdown(ctx)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

func keyN(i int) string {
	return "line-" + string(rune('0'+i/100)) + string(rune('0'+(i/10)%10)) + string(rune('0'+i%10))
}

func TestScoredUrgentNoteIsPromoted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	item, err := h.engine.Remember(ctx, "note", "outage", "urgent: production outage", RememberOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, item.Importance, 0.7)

	h.clock.Advance(10 * time.Minute)
	report, err := h.engine.RunConsolidationTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	mem, err := h.store.Semantic().LatestBySourceKey(ctx, "note/outage")
	require.NoError(t, err)
	assert.Len(t, mem.Embedding, testDimension)
}

func TestHourlyTicksPurgeLowImportanceItems(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	item := h.remember(t, "chatter", "noise", "low value line", 0.1)

	var purged, archived int
	for tick := 0; tick < 60; tick++ {
		h.clock.Advance(time.Hour)
		report, err := h.engine.RunConsolidationTick(ctx)
		require.NoError(t, err)
		purged += report.Purged
		archived += report.Archived
	}
	assert.Equal(t, 1, purged)
	assert.Equal(t, 0, archived)

	decisions, err := h.engine.Decisions(ctx, item.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, types.DecisionPurge, decisions[0].Decision)
	assert.Equal(t, reasonStaleLow, decisions[0].Reason)
}
