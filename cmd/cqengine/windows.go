package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgstream/cqengine/internal/catalog"
	"github.com/pgstream/cqengine/internal/plan"
	"github.com/pgstream/cqengine/internal/store/matrel"
	"github.com/pgstream/cqengine/internal/window"
)

// registerWindows builds one window.Window per sliding-window CQ that also
// has a compiled overlay plan registered, and adds it to ws. Called once
// per database's window.Set right after the set is created; CQs added
// later (or whose overlay plan is registered later) are picked up the next
// time a deployment calls this after a catalog/registry change. maxStepRows
// bounds each window's step_groups size (section 4.5's combiner_work_mem
// cap); exceeding it surfaces window.ErrOutOfMemory from a tick.
func registerWindows(ws *window.Set, cqs []catalog.ContinuousQuery, registry *plan.Registry, steps *matrel.StepStore, output *matrel.OutputStore, maxStepRows int, logger zerolog.Logger) {
	for _, cq := range cqs {
		if !cq.IsSlidingWindow {
			continue
		}
		overlay, ok := registry.OverlayPlan(cq.ID)
		if !ok {
			continue
		}
		ws.Register(&window.Window{
			QueryID:     cq.ID,
			Interval:    time.Duration(cq.SWIntervalMs) * time.Millisecond,
			Step:        time.Duration(cq.SWStepMs) * time.Millisecond,
			Overlay:     overlay,
			Steps:       steps,
			Output:      output,
			MaxStepRows: maxStepRows,
			Log:         logger.With().Int32("query_id", cq.ID).Logger(),
		})
	}
}

// runTTLVacuums starts one TTLVacuum goroutine per CQ with a configured
// TTL column, returning when ctx is cancelled. The vacuum interval is
// fixed rather than per-CQ configurable, standing in for the source's
// autovacuum-driven cadence (spec.md §4.6).
func runTTLVacuums(ctx context.Context, cqs []catalog.ContinuousQuery, store *matrel.TTLStore, interval time.Duration, logger zerolog.Logger) {
	for _, cq := range cqs {
		if !cq.HasTTL() {
			continue
		}
		v := &window.TTLVacuum{
			QueryID:   cq.ID,
			TTLColumn: cq.TTLColumn,
			TTL:       time.Duration(cq.TTLSeconds) * time.Second,
			Interval:  interval,
			Store:     store,
			Log:       logger.With().Int32("query_id", cq.ID).Logger(),
		}
		go func() {
			if err := v.Run(ctx); err != nil {
				v.Log.Error().Err(err).Msg("ttl vacuum exited")
			}
		}()
	}
}
