package matrel

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgstream/cqengine/internal/plan"
)

// RowCodec is the minimal contract an output row needs for encoding: both
// plan.CombinePlan and plan.OverlayPlan satisfy it, so one OutputStore can
// back both the combiner's and the sliding window's output stream.
type RowCodec interface {
	EncodeRow(row plan.Row) ([]byte, error)
}

// OutputPlans resolves a query id to the plan whose EncodeRow should be
// used for its emitted rows.
type OutputPlans interface {
	OutputPlan(queryID int32) (RowCodec, bool)
}

// OutputStore implements combiner.OutputStream and window.OutputStream
// against the cq_output table: the logical stream other queries may read,
// per spec.md §3's "Group" / "output stream" data model entry.
type OutputStore struct {
	DB    *sql.DB
	Plans OutputPlans
}

// NewOutputStore builds an OutputStore.
func NewOutputStore(db *sql.DB, plans OutputPlans) *OutputStore {
	return &OutputStore{DB: db, Plans: plans}
}

// Emit persists the (old, new) row pair for queryID; either side may be
// nil (insert or out-of-window expiry).
func (o *OutputStore) Emit(ctx context.Context, queryID int32, old, newRow plan.Row) error {
	codec, ok := o.Plans.OutputPlan(queryID)
	if !ok {
		return fmt.Errorf("matrel: no output plan registered for query %d", queryID)
	}

	var oldEncoded, newEncoded []byte
	var err error
	if old != nil {
		if oldEncoded, err = codec.EncodeRow(old); err != nil {
			return fmt.Errorf("matrel: encoding old row: %w", err)
		}
	}
	if newRow != nil {
		if newEncoded, err = codec.EncodeRow(newRow); err != nil {
			return fmt.Errorf("matrel: encoding new row: %w", err)
		}
	}

	_, err = o.DB.ExecContext(ctx,
		`INSERT INTO cq_output (query_id, old_row, new_row) VALUES ($1, $2, $3)`,
		queryID, nullableBytes(oldEncoded), nullableBytes(newEncoded))
	if err != nil {
		return fmt.Errorf("matrel: emitting output row: %w", err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
