package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

const workingColumns = `id, category, key, value, importance, ttl_ns, expires_at, source, state,
	metadata, created_at, updated_at, accessed_at, access_count, version, embed_failures, next_attempt_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkingItem(row rowScanner) (*types.WorkingItem, error) {
	var (
		item                           types.WorkingItem
		ttl                            int64
		expiresAt, nextAttemptAt       sql.NullInt64
		metadata                       sql.NullString
		state                          string
		createdAt, updatedAt, accessed int64
	)
	err := row.Scan(
		&item.ID, &item.Category, &item.Key, &item.Value, &item.Importance, &ttl, &expiresAt,
		&item.Source, &state, &metadata, &createdAt, &updatedAt, &accessed,
		&item.AccessCount, &item.Version, &item.EmbedFailures, &nextAttemptAt,
	)
	if err != nil {
		return nil, err
	}
	item.TTL = time.Duration(ttl)
	item.ExpiresAt = timePtr(expiresAt)
	item.NextAttemptAt = timePtr(nextAttemptAt)
	item.State = types.ItemState(state)
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)
	item.AccessedAt = fromNanos(accessed)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &item, nil
}

func marshalMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Upsert writes item keyed by (category, key) in one statement. On
// conflict the row is rewritten in place: access_count and version are
// incremented, the state returns to working and any embedding backoff is
// cleared. An expired row is treated as a fresh insert.
func (s *Store) Upsert(ctx context.Context, item *types.WorkingItem) (*types.WorkingItem, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	now := item.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	var expiresAt sql.NullInt64
	if item.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(item.TTL).UnixNano(), Valid: true}
	}
	metadata, err := marshalMetadata(item.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO working_items (
			id, category, key, value, importance, ttl_ns, expires_at, source, state,
			metadata, created_at, updated_at, accessed_at, access_count, version,
			embed_failures, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'working', ?, ?, ?, ?, 0, 1, 0, NULL)
		ON CONFLICT(category, key) DO UPDATE SET
			value = excluded.value,
			importance = excluded.importance,
			ttl_ns = excluded.ttl_ns,
			expires_at = excluded.expires_at,
			source = excluded.source,
			state = 'working',
			metadata = excluded.metadata,
			created_at = CASE
				WHEN working_items.expires_at IS NOT NULL AND working_items.expires_at <= excluded.updated_at
				THEN excluded.created_at ELSE working_items.created_at END,
			updated_at = excluded.updated_at,
			accessed_at = excluded.accessed_at,
			access_count = CASE
				WHEN working_items.expires_at IS NOT NULL AND working_items.expires_at <= excluded.updated_at
				THEN 0 ELSE working_items.access_count + 1 END,
			version = working_items.version + 1,
			embed_failures = 0,
			next_attempt_at = NULL
		RETURNING ` + workingColumns

	var out *types.WorkingItem
	err = withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query,
			id, item.Category, item.Key, item.Value, item.Importance, int64(item.TTL), expiresAt,
			item.Source, metadata, toNanos(now), toNanos(now), toNanos(now),
		)
		var scanErr error
		out, scanErr = scanWorkingItem(row)
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert working item: %w", err)
	}
	return out, nil
}

// Get returns a live item without recording an access.
func (s *Store) Get(ctx context.Context, category, key string, now time.Time) (*types.WorkingItem, error) {
	query := `SELECT ` + workingColumns + ` FROM working_items
		WHERE category = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`

	item, err := scanWorkingItem(s.db.QueryRowContext(ctx, query, category, key, toNanos(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get working item: %w", err)
	}
	return item, nil
}

// Touch records an access on a live item.
func (s *Store) Touch(ctx context.Context, category, key string, at time.Time) (*types.WorkingItem, error) {
	query := `
		UPDATE working_items
		SET access_count = access_count + 1, accessed_at = ?, version = version + 1
		WHERE category = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)
		RETURNING ` + workingColumns

	var item *types.WorkingItem
	err := withRetry(ctx, func() error {
		var scanErr error
		item, scanErr = scanWorkingItem(s.db.QueryRowContext(ctx, query, toNanos(at), category, key, toNanos(at)))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to touch working item: %w", err)
	}
	return item, nil
}

// buildWorkingWhere renders the WHERE clause shared by List and MatchText.
func buildWorkingWhere(opts storage.WorkingListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if !opts.IncludeExpired {
		clauses = append(clauses, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, opts.Now.UnixNano())
	}

	categories := opts.Categories
	if opts.Category != "" {
		categories = append(append([]string{}, categories...), opts.Category)
	}
	if len(categories) > 0 {
		clauses = append(clauses, "category IN ("+placeholders(len(categories))+")")
		for _, c := range categories {
			args = append(args, c)
		}
	}

	if opts.KeyPrefix != "" {
		clauses = append(clauses, `key LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(opts.KeyPrefix)+"%")
	}

	if len(opts.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(opts.States))+")")
		for _, st := range opts.States {
			args = append(args, string(st))
		}
	}

	if !opts.AccessedBefore.IsZero() {
		clauses = append(clauses, "accessed_at < ?")
		args = append(args, opts.AccessedBefore.UnixNano())
	}

	if opts.MinImportance > 0 {
		clauses = append(clauses, "importance >= ?")
		args = append(args, opts.MinImportance)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// List returns items matching opts.
func (s *Store) List(ctx context.Context, opts storage.WorkingListOptions) ([]types.WorkingItem, error) {
	opts.Normalize()
	where, args := buildWorkingWhere(opts)

	// SortBy and SortOrder are whitelisted by Normalize.
	query := `SELECT ` + workingColumns + ` FROM working_items` + where +
		fmt.Sprintf(" ORDER BY %s %s, id ASC LIMIT ? OFFSET ?", opts.SortBy, opts.SortOrder)
	args = append(args, opts.Limit, opts.Offset)

	return s.queryWorkingItems(ctx, query, args...)
}

// MatchText returns live items containing any of terms in category, key or
// value (case-insensitive), ranked by matched-term count, then importance,
// then recency.
func (s *Store) MatchText(ctx context.Context, terms []string, opts storage.WorkingListOptions) ([]types.WorkingItem, error) {
	opts.Normalize()
	terms = dedupeTerms(terms)
	if len(terms) == 0 {
		return []types.WorkingItem{}, nil
	}

	where, whereArgs := buildWorkingWhere(opts)

	var (
		scoreParts []string
		matchParts []string
		scoreArgs  []any
		matchArgs  []any
	)
	for _, term := range terms {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		expr := `(lower(category || ' ' || key || ' ' || value) LIKE ? ESCAPE '\')`
		scoreParts = append(scoreParts, "CASE WHEN "+expr+" THEN 1 ELSE 0 END")
		matchParts = append(matchParts, expr)
		scoreArgs = append(scoreArgs, pattern)
		matchArgs = append(matchArgs, pattern)
	}

	matchClause := "(" + strings.Join(matchParts, " OR ") + ")"
	if where == "" {
		where = " WHERE " + matchClause
	} else {
		where += " AND " + matchClause
	}

	query := `SELECT ` + workingColumns + `, (` + strings.Join(scoreParts, " + ") + `) AS hits
		FROM working_items` + where + `
		ORDER BY hits DESC, importance DESC, accessed_at DESC, id ASC
		LIMIT ?`

	args := make([]any, 0, len(scoreArgs)+len(whereArgs)+len(matchArgs)+1)
	args = append(args, scoreArgs...)
	args = append(args, whereArgs...)
	args = append(args, matchArgs...)
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to match working items: %w", err)
	}
	defer rows.Close()

	items := make([]types.WorkingItem, 0)
	for rows.Next() {
		var hits int
		item, err := scanWorkingItem(hitsScanner{rows: rows, hits: &hits})
		if err != nil {
			return nil, fmt.Errorf("failed to scan working item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// hitsScanner appends the trailing hits column to a working-item scan.
type hitsScanner struct {
	rows *sql.Rows
	hits *int
}

func (h hitsScanner) Scan(dest ...any) error {
	return h.rows.Scan(append(dest, h.hits)...)
}

func dedupeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func (s *Store) queryWorkingItems(ctx context.Context, query string, args ...any) ([]types.WorkingItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query working items: %w", err)
	}
	defer rows.Close()

	items := make([]types.WorkingItem, 0)
	for rows.Next() {
		item, err := scanWorkingItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan working item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Count returns the number of items in the working state. Expired rows are
// counted until a tick purges them.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM working_items WHERE state = 'working'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count working items: %w", err)
	}
	return n, nil
}

// Transition applies a consolidation outcome if the row still has version.
func (s *Store) Transition(ctx context.Context, id string, version int64, to types.ItemState, reason string, at time.Time) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		item, err := scanWorkingItem(tx.QueryRowContext(ctx,
			`SELECT `+workingColumns+` FROM working_items WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to load working item: %w", err)
		}
		if item.Version != version {
			return storage.ErrConflict
		}
		if !types.IsValidStateTransition(item.State, to) {
			return fmt.Errorf("%w: invalid transition %s -> %s", storage.ErrInvalidInput, item.State, to)
		}

		switch to {
		case types.StateWorking:
			// Nothing to apply.
		case types.StatePromoted:
			if _, err := tx.ExecContext(ctx,
				`UPDATE working_items SET state = 'promoted', version = version + 1, updated_at = ? WHERE id = ?`,
				toNanos(at), id); err != nil {
				return fmt.Errorf("failed to mark promoted: %w", err)
			}
		case types.StateArchived:
			item.State = types.StateArchived
			payload, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("failed to marshal archived item: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO archived_items (id, item_id, category, key, payload, reason, archived_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), item.ID, item.Category, item.Key, string(payload), reason, toNanos(at)); err != nil {
				return fmt.Errorf("failed to archive item: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM working_items WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to remove archived item: %w", err)
			}
		case types.StatePurged:
			if _, err := tx.ExecContext(ctx, `DELETE FROM working_items WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to purge item: %w", err)
			}
		default:
			return fmt.Errorf("%w: unknown state %q", storage.ErrInvalidInput, to)
		}

		return tx.Commit()
	})
}

// RecordEmbedFailure bumps the consecutive failure count and schedules the
// next promotion attempt.
func (s *Store) RecordEmbedFailure(ctx context.Context, id string, version int64, next time.Time) (int, error) {
	var failures int
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE working_items
			SET embed_failures = embed_failures + 1, next_attempt_at = ?, version = version + 1
			WHERE id = ? AND version = ?
			RETURNING embed_failures`,
			toNanos(next), id, version).Scan(&failures)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record embed failure: %w", err)
	}
	return failures, nil
}

// Delete removes an item explicitly.
func (s *Store) Delete(ctx context.Context, category, key string) error {
	var res sql.Result
	err := withRetry(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `DELETE FROM working_items WHERE category = ? AND key = ?`, category, key)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to delete working item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListArchived returns archived items, newest first.
func (s *Store) ListArchived(ctx context.Context, limit int) ([]types.ArchivedItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, reason, archived_at FROM archived_items ORDER BY archived_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived items: %w", err)
	}
	defer rows.Close()

	out := make([]types.ArchivedItem, 0)
	for rows.Next() {
		var (
			a          types.ArchivedItem
			payload    string
			archivedAt int64
		)
		if err := rows.Scan(&a.ID, &payload, &a.Reason, &archivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &a.Item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal archived item: %w", err)
		}
		a.ArchivedAt = fromNanos(archivedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
