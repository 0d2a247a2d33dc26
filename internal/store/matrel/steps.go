package matrel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pgstream/cqengine/internal/plan"
	"github.com/pgstream/cqengine/internal/window"
)

// OverlayPlans resolves a query id to its compiled sliding-window overlay
// plan, the same contract a window.Set's owner uses to build each
// window.Window.
type OverlayPlans interface {
	OverlayPlan(queryID int32) (*plan.OverlayPlan, bool)
}

// StepStore implements window.StepSource against the cq_step_rows table:
// the source's step_groups hash table, persisted so a sliding window can
// resync after a restart (spec.md §4.5's lazy-sync-on-first-tick).
type StepStore struct {
	DB    *sql.DB
	Plans OverlayPlans
}

// NewStepStore builds a StepStore.
func NewStepStore(db *sql.DB, plans OverlayPlans) *StepStore {
	return &StepStore{DB: db, Plans: plans}
}

// Insert records one raw step row with its arrival timestamp; called from
// the combiner's ingestion path for sliding-window CQs instead of (or
// alongside) cq_matrel writes.
func (s *StepStore) Insert(ctx context.Context, queryID int32, row plan.Row, arrival time.Time) error {
	op, ok := s.Plans.OverlayPlan(queryID)
	if !ok {
		return fmt.Errorf("matrel: no overlay plan registered for query %d", queryID)
	}
	encoded, err := op.EncodeRow(row)
	if err != nil {
		return fmt.Errorf("matrel: encoding step row: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO cq_step_rows (query_id, row, arrival_timestamp) VALUES ($1, $2, $3)`,
		queryID, encoded, arrival)
	if err != nil {
		return fmt.Errorf("matrel: inserting step row: %w", err)
	}
	return nil
}

// SelectLiveSteps returns every step row for queryID with arrival_timestamp
// >= since, implementing window.StepSource.
func (s *StepStore) SelectLiveSteps(ctx context.Context, queryID int32, since time.Time) ([]window.StepRow, error) {
	op, ok := s.Plans.OverlayPlan(queryID)
	if !ok {
		return nil, fmt.Errorf("matrel: no overlay plan registered for query %d", queryID)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT row, arrival_timestamp FROM cq_step_rows WHERE query_id = $1 AND arrival_timestamp >= $2`,
		queryID, since)
	if err != nil {
		return nil, fmt.Errorf("matrel: selecting live steps: %w", err)
	}
	defer rows.Close()

	var out []window.StepRow
	for rows.Next() {
		var encoded []byte
		var arrival time.Time
		if err := rows.Scan(&encoded, &arrival); err != nil {
			return nil, fmt.Errorf("matrel: scanning step row: %w", err)
		}
		row, err := op.DecodeRow(encoded)
		if err != nil {
			return nil, fmt.Errorf("matrel: decoding step row: %w", err)
		}
		out = append(out, window.StepRow{Row: row, ArrivalTimestamp: arrival})
	}
	return out, rows.Err()
}

// DeleteAged removes step rows older than cutoff, the persisted-storage
// counterpart of Window.Tick's in-memory prune; called periodically so
// cq_step_rows doesn't grow unbounded.
func (s *StepStore) DeleteAged(ctx context.Context, queryID int32, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM cq_step_rows WHERE query_id = $1 AND arrival_timestamp < $2`,
		queryID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("matrel: deleting aged step rows: %w", err)
	}
	return res.RowsAffected()
}
