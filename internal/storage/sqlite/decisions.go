package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/scrypster/engram/pkg/types"
)

// RecordDecision appends a consolidation decision to the audit log.
func (s *Store) RecordDecision(ctx context.Context, d *types.ConsolidationDecision) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO consolidation_decisions (id, item_id, category, key, decision, score, reason, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ItemID, d.Category, d.Key, string(d.Decision), d.Score, d.Reason, toNanos(d.Timestamp))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Decisions returns decisions for itemID, or for every item when itemID is
// empty, newest first.
func (s *Store) Decisions(ctx context.Context, itemID string, limit int) ([]types.ConsolidationDecision, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, item_id, category, key, decision, score, reason, ts FROM consolidation_decisions`
	var args []any
	if itemID != "" {
		query += ` WHERE item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	out := make([]types.ConsolidationDecision, 0)
	for rows.Next() {
		var (
			d        types.ConsolidationDecision
			decision string
			ts       int64
		)
		if err := rows.Scan(&d.ID, &d.ItemID, &d.Category, &d.Key, &decision, &d.Score, &d.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Decision = types.Decision(decision)
		d.Timestamp = fromNanos(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}
