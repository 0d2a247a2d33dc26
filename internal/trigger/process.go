package trigger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TriggerSource resolves the triggers currently registered against a
// matrel, standing in for the diff against a live relation's TriggerDesc
// (trigger.c's diff_triggers) plus the pipeline_query catalog lookup
// (get_cv_Info) that decides whether a relation is even a CQ matrel at
// all. ok is false once the matrel is no longer a tracked CQ (dropped, or
// never was one).
type TriggerSource interface {
	TriggersFor(ctx context.Context, matrelID int64) (triggers []Trigger, ok bool, err error)
}

// Processor runs process_batches: for each decoded transaction's
// changelists, refresh the trigger cache entry against the catalog and
// fire every matching trigger for every change.
type Processor struct {
	Cache  *Cache
	Source TriggerSource
	Log    zerolog.Logger

	fire func(ctx context.Context, t Trigger, c Change) error
}

// NewProcessor wires a Processor to publish fired triggers through pub.
func NewProcessor(cache *Cache, source TriggerSource, pub func(ctx context.Context, t Trigger, c Change) error, log zerolog.Logger) *Processor {
	return &Processor{Cache: cache, Source: source, Log: log, fire: pub}
}

// ProcessBatch runs one XactBatch through the cache-diff-then-fire
// pipeline (trigger.c's do_decode_change + fire_triggers). A trigger's
// Project, when set, is applied to the old and new rows before its When
// predicate runs and before it fires.
func (p *Processor) ProcessBatch(ctx context.Context, batch *XactBatch) error {
	for _, cl := range batch.ChangeLists() {
		entry := p.Cache.EntryFor(cl.MatrelID)

		triggers, isCQ, err := p.Source.TriggersFor(ctx, cl.MatrelID)
		if err != nil {
			return err
		}
		if !isCQ {
			p.Cache.Remove(cl.MatrelID)
			continue
		}

		added, removed := entry.Diff(triggers)
		for _, t := range removed {
			p.Log.Debug().Int64("trigger_oid", t.OID).Str("name", t.Name).Msg("trigger removed")
		}
		for _, t := range added {
			p.Log.Debug().Int64("trigger_oid", t.OID).Str("name", t.Name).Msg("trigger added")
		}

		if len(entry.Triggers) == 0 {
			continue
		}

		for _, ch := range cl.Changes {
			if ch.Action == ChangeDelete || ch.Action == ChangeNoop {
				continue
			}
			for _, t := range entry.Triggers {
				if !t.Matches(ch.Action) {
					continue
				}
				old, newRow := ch.Old, ch.New
				if t.Project != nil {
					if old != nil {
						old = t.Project(old)
					}
					if newRow != nil {
						newRow = t.Project(newRow)
					}
				}
				if t.When != nil && !t.When(old, newRow) {
					continue
				}
				if err := p.fire(ctx, t, Change{Action: ch.Action, Old: old, New: newRow}); err != nil {
					p.Log.Error().Err(err).Int64("trigger_oid", t.OID).Msg("firing trigger failed")
				}
			}
		}
	}
	return nil
}

// Cleaner runs the spec.md §4.6 periodic housekeeping: every
// cleanupInterval, drop cache entries whose matrel no longer exists.
type Cleaner struct {
	Cache    *Cache
	Source   TriggerSource
	Interval time.Duration // defaults to cleanupInterval when zero
	Log      zerolog.Logger
}

// Tick runs one cleanup pass.
func (c *Cleaner) Tick(ctx context.Context) error {
	for _, id := range c.Cache.MatrelIDs() {
		_, ok, err := c.Source.TriggersFor(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			c.Cache.Remove(id)
		}
	}
	return nil
}

// Run loops Tick on Interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	interval := c.Interval
	if interval == 0 {
		interval = cleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.Log.Error().Err(err).Msg("trigger cache cleanup failed")
			}
		}
	}
}
