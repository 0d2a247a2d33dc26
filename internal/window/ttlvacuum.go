package window

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrConcurrentUpdate mirrors spec.md §8's ConcurrentHeapUpdateBenign error
// kind: the vacuumer raced a combiner updating the same matrel row and lost
// — not a failure, just a no-op for this pass.
var ErrConcurrentUpdate = errors.New("window: concurrent heap update, benign")

// TTLStore deletes matrel rows whose TTL column has aged past the
// retention window, grounded on original_source's
// src/backend/pipeline/ttl_vacuum.c ("DELETE ... WHERE ttl_col < now() -
// interval '%d seconds' FOR UPDATE SKIP LOCKED").
type TTLStore interface {
	DeleteExpired(ctx context.Context, queryID int32, ttlColumn string, olderThan time.Time) (deleted int64, err error)
}

// TTLVacuum periodically deletes expired rows from one TTL-bearing CQ's
// matrel (spec.md §2 item 10, §4.6's "sliding-window vacuum the TTLs"
// housekeeping).
type TTLVacuum struct {
	QueryID   int32
	TTLColumn string
	TTL       time.Duration
	Interval  time.Duration // housekeeping cadence; source runs this from autovacuum, here it's a ticker
	Store     TTLStore
	Log       zerolog.Logger
}

// Tick runs one vacuum pass, returning the number of rows deleted.
// ErrConcurrentUpdate is treated as a benign zero-row pass rather than an
// error, per spec.md §8.
func (v *TTLVacuum) Tick(ctx context.Context) (int64, error) {
	deleted, err := v.Store.DeleteExpired(ctx, v.QueryID, v.TTLColumn, time.Now().Add(-v.TTL))
	if errors.Is(err, ErrConcurrentUpdate) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "window: vacuuming expired rows")
	}
	return deleted, nil
}

// Run loops Tick on Interval until ctx is cancelled, logging failures
// rather than exiting (a failed vacuum pass shouldn't take down the
// combiner process).
func (v *TTLVacuum) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deleted, err := v.Tick(ctx)
			if err != nil {
				v.Log.Error().Err(err).Int32("query_id", v.QueryID).Msg("ttl vacuum pass failed")
				continue
			}
			if deleted > 0 {
				v.Log.Debug().Int32("query_id", v.QueryID).Int64("deleted", deleted).Msg("ttl vacuum pass")
			}
		}
	}
}
