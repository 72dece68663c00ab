package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the semantic_memories table.
// It is only compiled into test binaries.
func (s *SemanticStore) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE semantic_memories")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate semantic_memories: %w", err)
	}
	return nil
}
