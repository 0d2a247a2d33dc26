// Package window implements the sliding-window overlay that a combiner
// maintains for CQs with sw='...' semantics: step-bucketed matrel rows are
// re-aggregated on a timer into an instantaneous value, with (old, new)
// pairs pushed to the output stream and out-of-window rows expired.
// Grounded on spec.md §4.5, which consolidates the source's step_groups /
// overlay_groups combiner state (combiner.c) into one component.
package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pgstream/cqengine/internal/plan"
)

// ErrOutOfMemory is returned by AddStep when MaxStepRows is exceeded,
// matching spec.md §4.5's fatal "not enough memory to sync sliding-window
// groups" condition.
var ErrOutOfMemory = errors.New("window: not enough memory to sync sliding-window groups")

// StepRow is one step-bucketed matrel row: a fine-grained, one-row-per-step
// aggregate plus the arrival timestamp that ages it out of the window.
type StepRow struct {
	Row              plan.Row
	ArrivalTimestamp time.Time
}

// StepSource lazily syncs step_groups from the matrel on the process's
// first tick for a query (spec.md §4.5 step 1): every row of the query
// with an arrival timestamp inside the window. Rows are not filtered by
// combiner shard.
type StepSource interface {
	SelectLiveSteps(ctx context.Context, queryID int32, since time.Time) ([]StepRow, error)
}

// OutputStream receives the (old, new) row pair an overlay tick produces;
// old is nil for a group seen for the first time, new is nil when a group
// ages out of overlay_groups entirely.
type OutputStream interface {
	Emit(ctx context.Context, queryID int32, old, newRow plan.Row) error
}

type overlayEntry struct {
	finalized   plan.Row
	lastTouched time.Time
}

// Window owns one CQ's sliding-window state: step_groups (live step rows)
// and overlay_groups (last-emitted instantaneous row per group).
type Window struct {
	QueryID  int32
	Interval time.Duration
	Step     time.Duration
	Overlay  *plan.OverlayPlan
	Steps    StepSource
	Output   OutputStream
	Log      zerolog.Logger

	// MaxStepRows bounds step_groups' size, standing in for
	// combiner_work_mem (spec.md §4.5 step 1). Zero means unbounded.
	MaxStepRows int

	mu     sync.Mutex
	steps  []StepRow
	synced bool
	groups map[string]*overlayEntry
}

// AddStep appends a newly-combined step row to step_groups, enforcing the
// memory cap.
func (w *Window) AddStep(row plan.Row, arrival time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.MaxStepRows > 0 && len(w.steps) >= w.MaxStepRows {
		return ErrOutOfMemory
	}
	w.steps = append(w.steps, StepRow{Row: row, ArrivalTimestamp: arrival})
	return nil
}

// Tick runs one sliding-window refresh (spec.md §4.5 steps 1-4): lazily
// sync from disk, drop expired step rows, re-run the overlay plan per
// group, emit (old, new) for changed groups, and sweep overlay_groups
// entries untouched this tick.
func (w *Window) Tick(ctx context.Context, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.groups == nil {
		w.groups = make(map[string]*overlayEntry)
	}

	if !w.synced && w.Steps != nil {
		since := now.Add(-w.Interval)
		rows, err := w.Steps.SelectLiveSteps(ctx, w.QueryID, since)
		if err != nil {
			return errors.Wrap(err, "window: syncing step_groups from matrel")
		}
		if w.MaxStepRows > 0 && len(rows) > w.MaxStepRows {
			return ErrOutOfMemory
		}
		w.steps = rows
		w.synced = true
	}

	cutoff := now.Add(-w.Interval)
	live := w.steps[:0]
	for _, s := range w.steps {
		if !s.ArrivalTimestamp.Before(cutoff) {
			live = append(live, s)
		}
	}
	w.steps = live

	buckets := make(map[string][]plan.Row)
	for _, s := range w.steps {
		key := string(w.Overlay.GroupKey(s.Row))
		buckets[key] = append(buckets[key], s.Row)
	}

	touched := make(map[string]bool, len(buckets))
	for key, rows := range buckets {
		merged, err := w.Overlay.Execute(rows)
		if err != nil {
			return errors.Wrap(err, "window: running overlay plan")
		}
		finalized := w.Overlay.Finalize(merged)
		touched[key] = true

		prior, ok := w.groups[key]
		if ok && rowsEqual(prior.finalized, finalized) {
			prior.lastTouched = now
			continue
		}

		var old plan.Row
		if ok {
			old = prior.finalized
		}
		if err := w.Output.Emit(ctx, w.QueryID, old, finalized); err != nil {
			return errors.Wrap(err, "window: emitting overlay update")
		}
		w.groups[key] = &overlayEntry{finalized: finalized, lastTouched: now}
	}

	for key, entry := range w.groups {
		if touched[key] {
			continue
		}
		if err := w.Output.Emit(ctx, w.QueryID, entry.finalized, nil); err != nil {
			return errors.Wrap(err, "window: emitting overlay expiry")
		}
		delete(w.groups, key)
	}

	return nil
}

func rowsEqual(a, b plan.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(v) != fmt.Sprint(b[k]) {
			return false
		}
	}
	return true
}
