package matrel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TTLStore implements window.TTLStore by deleting expired rows from a
// TTL-bearing output relation. Grounded directly on
// ttl_vacuum.c's DeleteTTLExpiredTuples, whose templated
// "DELETE FROM %s WHERE %s < now() - interval '%d s' FOR UPDATE SKIP
// LOCKED" this mirrors; SKIP LOCKED is what makes a vacuum pass racing a
// concurrent combiner update benign rather than a blocking wait.
type TTLStore struct {
	DB *sql.DB
}

// NewTTLStore builds a TTLStore.
func NewTTLStore(db *sql.DB) *TTLStore {
	return &TTLStore{DB: db}
}

// DeleteExpired deletes rows from cq_output belonging to queryID whose
// emitted_at predates olderThan, skipping rows another transaction holds
// locked. ttlColumn must be non-empty but does not choose the column:
// since this package's rows are opaque encoded
// blobs rather than real columns, TTL expiry is tracked against
// emitted_at, the one column every cq_output row always carries.
func (t *TTLStore) DeleteExpired(ctx context.Context, queryID int32, ttlColumn string, olderThan time.Time) (int64, error) {
	if strings.TrimSpace(ttlColumn) == "" {
		return 0, fmt.Errorf("matrel: empty TTL column for query %d", queryID)
	}
	res, err := t.DB.ExecContext(ctx,
		`DELETE FROM cq_output WHERE seq IN (
			SELECT seq FROM cq_output WHERE query_id = $1 AND emitted_at < $2
			FOR UPDATE SKIP LOCKED)`,
		queryID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("matrel: deleting TTL-expired rows: %w", err)
	}
	return res.RowsAffected()
}
