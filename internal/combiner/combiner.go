// Package combiner implements the combiner slot: turn partial tuples into
// idempotent in-place updates on a continuous query's materialized
// relation, emitting (old, new) row pairs to its output stream. Grounded on
// spec.md §4.4, which itself consolidates the source's two divergent
// combiner implementations (original_source's combiner.c and
// cont_combiner.c) into one design.
package combiner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pgstream/cqengine/internal/groupcache"
	"github.com/pgstream/cqengine/internal/ipc"
	"github.com/pgstream/cqengine/internal/microbatch"
	"github.com/pgstream/cqengine/internal/plan"
)

// MatrelRow is one on-disk aggregate row plus its surrogate primary key.
type MatrelRow struct {
	PK  int64
	Row plan.Row
}

// Matrel is the combiner's contract with the materialized relation store
// (spec.md §6's heap_open/insert/update list). Insert is responsible for
// assigning PK (via nextval(seqrelid) when the CQ is configured with one,
// per spec.md §4.4.e) since only the store knows the sequence relation.
type Matrel interface {
	// SelectExisting returns one result per hash, in the same order, nil
	// where no matrel row has that group hash.
	SelectExisting(ctx context.Context, queryID int32, hashes []uint64) ([]*MatrelRow, error)
	Insert(ctx context.Context, queryID int32, row plan.Row) (pk int64, err error)
	Update(ctx context.Context, queryID int32, pk int64, row plan.Row) error
}

// OutputStream receives the (old, new) row pair emitted for every mutated
// matrel row; old is nil on insert, new is nil on out-of-window expiry.
type OutputStream interface {
	Emit(ctx context.Context, queryID int32, old, newRow plan.Row) error
}

// QueryPlans resolves a query id to its compiled combine plan. A query with
// no plan registered (dropped mid-flight) is silently skipped.
type QueryPlans interface {
	CombinePlan(queryID int32) (*plan.CombinePlan, bool)
}

// AckRegistry resolves an ack id back to the live Ack.
type AckRegistry interface {
	Lookup(id int64) (*microbatch.Ack, bool)
}

// Combiner owns one IPC queue of CombinerTuple microbatches and a group
// shard: only group hashes with hash mod NumCombiners == GroupID are ever
// routed here (enforced upstream by internal/worker's hash-shard step).
type Combiner struct {
	GroupID      int
	NumCombiners int
	MaxWait      time.Duration

	// BatchSize bounds how many already-packed microbatches RunOnce
	// peeks per iteration — a message-count knob, not the packed-byte
	// cap (section 4.1's batch_size_kb) those microbatches were built
	// under by the worker that forwarded them.
	BatchSize int

	// SyncStreamInsert, when true, flushes this batch's combiner acks
	// immediately after every RunOnce (section 4.4 step 3: "commit
	// immediately if the batch carried acknowledgement demands"). When
	// false, acks instead coalesce behind CommitInterval (see
	// flushPendingAcks).
	SyncStreamInsert bool

	// CommitInterval is the max delay, once the oldest buffered ack
	// appears, before a non-synchronous batch's acks are flushed
	// (section 4.4 step 3 / section 6's commit_interval_ms).
	CommitInterval time.Duration

	Queue  *ipc.Queue[microbatch.Microbatch]
	Plans  QueryPlans
	Matrel Matrel
	Output OutputStream
	Acks   AckRegistry
	Cache  *groupcache.GroupCache // L1: hot groups' last-synced tuple
	Log    zerolog.Logger

	existing map[int32]*existingGroupsCache // L2: per-query, spec.md §4.4's cached-plan TTL

	pendingAcks  map[int64]uint32 // buffered AckCombinerTuples counts awaiting a coalesced flush
	pendingSince time.Time        // when the oldest entry in pendingAcks first appeared
}

type partialGroup struct {
	hash      uint64
	partials  []plan.Row
	ackCounts map[int64]uint32
}

// RunOnce executes one combiner main-loop iteration: drain up to BatchSize
// microbatches (or until MaxWait elapses with at least one present), group
// them by query then by group hash, and merge each group's partials into
// the matrel. A failure merging one query's groups is isolated to that
// query (spec.md §4.4 "Eviction and recovery") — its acks are left pending
// and every other query in the same drained set proceeds normally.
func (c *Combiner) RunOnce(ctx context.Context) error {
	if c.existing == nil {
		c.existing = make(map[int32]*existingGroupsCache)
	}

	var batches []microbatch.Microbatch
	for len(batches) < c.BatchSize {
		wait := c.MaxWait
		if len(batches) > 0 {
			wait = 0
		}
		mb, ok := c.Queue.Peek(ctx, wait)
		if !ok {
			break
		}
		batches = append(batches, mb)
	}
	if len(batches) == 0 {
		return nil
	}

	byQuery := make(map[int32][]microbatch.Microbatch)
	batchHadAcks := false
	for _, mb := range batches {
		byQuery[mb.QueryID] = append(byQuery[mb.QueryID], mb)
		if len(mb.AckIDs) > 0 {
			batchHadAcks = true
		}
	}

	for queryID, mbs := range byQuery {
		if err := c.combineQuery(ctx, queryID, mbs); err != nil {
			c.Log.Error().Err(err).Int32("query_id", queryID).
				Msg("combiner sub-step failed, dropping this query's partials for the batch")
		}
	}

	if c.shouldFlushAcks(batchHadAcks) {
		c.flushPendingAcks()
	}
	return nil
}

// combineQuery merges every partial addressed to queryID in mbs, grouped by
// group hash, syncing each group to the matrel and emitting output-stream
// rows for whichever groups actually changed.
func (c *Combiner) combineQuery(ctx context.Context, queryID int32, mbs []microbatch.Microbatch) error {
	cp, ok := c.Plans.CombinePlan(queryID)
	if !ok {
		return nil
	}

	groups := make(map[uint64]*partialGroup)
	for _, mb := range mbs {
		g, ok := groups[mb.GroupHash]
		if !ok {
			g = &partialGroup{hash: mb.GroupHash, ackCounts: make(map[int64]uint32)}
			groups[mb.GroupHash] = g
		}
		for _, tup := range mb.Tuples {
			row, err := cp.DecodeRow(tup)
			if err != nil {
				return errors.Wrap(err, "combiner: decoding partial tuple")
			}
			g.partials = append(g.partials, row)
		}
		for _, ackID := range mb.AckIDs {
			g.ackCounts[ackID] += uint32(len(mb.Tuples))
		}
	}

	cache := c.existingCacheFor(queryID)
	toFetch := make([]uint64, 0, len(groups))
	for hash := range groups {
		if _, hit := c.lookupExisting(cache, hash, cp, groups[hash]); !hit {
			toFetch = append(toFetch, hash)
		}
	}
	if len(toFetch) > 0 {
		rows, err := c.Matrel.SelectExisting(ctx, queryID, toFetch)
		if err != nil {
			return errors.Wrap(err, "combiner: selecting existing groups")
		}
		if len(rows) != len(toFetch) {
			return errors.Errorf("combiner: matrel returned %d rows for %d requested hashes", len(rows), len(toFetch))
		}
		cache.populate(toFetch, rows)
	}

	for hash, g := range groups {
		if err := c.syncGroup(ctx, queryID, cp, cache, hash, g); err != nil {
			return err
		}
	}
	return nil
}

// lookupExisting checks the LRU group cache first (hot groups' last-synced
// tuple, spec.md's GroupCache), falling back to the per-query TTL cache of
// already-fetched matrel rows (the cached-plan-lifespan stand-in).
func (c *Combiner) lookupExisting(cache *existingGroupsCache, hash uint64, cp *plan.CombinePlan, g *partialGroup) (MatrelRow, bool) {
	if len(g.partials) > 0 {
		key := cp.GroupKey(g.partials[0])
		if raw, ok := c.Cache.Get(key); ok {
			if row, err := decodeCachedRow(cp, raw); err == nil {
				return row, true
			}
		}
	}
	return cache.lookup(hash)
}

func (c *Combiner) syncGroup(ctx context.Context, queryID int32, cp *plan.CombinePlan, cache *existingGroupsCache, hash uint64, g *partialGroup) error {
	existing, hasExisting := c.lookupExisting(cache, hash, cp, g)
	// A hash recorded as fetched-but-absent comes back as a zero MatrelRow:
	// there is no matrel row to update.
	hasExisting = hasExisting && existing.Row != nil

	var existingRow plan.Row
	if hasExisting {
		existingRow = existing.Row
	}

	merged, changed, err := cp.Combine(existingRow, g.partials)
	if err != nil {
		return errors.Wrap(err, "combiner: running combine plan")
	}
	finalized := cp.Finalize(merged)

	var pk int64
	switch {
	case cp.Distinct:
		pk, err = c.Matrel.Insert(ctx, queryID, merged)
		if err != nil {
			return errors.Wrap(err, "combiner: inserting distinct matrel row")
		}
		if err := c.Output.Emit(ctx, queryID, nil, finalized); err != nil {
			return errors.Wrap(err, "combiner: emitting output stream insert")
		}
	case hasExisting && changed:
		if err := c.Matrel.Update(ctx, queryID, existing.PK, merged); err != nil {
			return errors.Wrap(err, "combiner: updating matrel row")
		}
		pk = existing.PK
		if err := c.Output.Emit(ctx, queryID, cp.Finalize(existingRow), finalized); err != nil {
			return errors.Wrap(err, "combiner: emitting output stream update")
		}
	case hasExisting:
		pk = existing.PK
	default:
		pk, err = c.Matrel.Insert(ctx, queryID, merged)
		if err != nil {
			return errors.Wrap(err, "combiner: inserting matrel row")
		}
		if err := c.Output.Emit(ctx, queryID, nil, finalized); err != nil {
			return errors.Wrap(err, "combiner: emitting output stream insert")
		}
	}

	row := MatrelRow{PK: pk, Row: merged}
	cache.put(hash, row)
	if encoded, err := encodeCachedRow(cp, row); err == nil {
		c.Cache.Put(cp.GroupKey(merged), encoded)
	}

	c.bufferAcks(g.ackCounts)
	return nil
}

// bufferAcks folds counts into pendingAcks, recording pendingSince the
// first time the buffer goes from empty to non-empty.
func (c *Combiner) bufferAcks(counts map[int64]uint32) {
	if len(counts) == 0 {
		return
	}
	if c.pendingAcks == nil {
		c.pendingAcks = make(map[int64]uint32)
	}
	if len(c.pendingAcks) == 0 {
		c.pendingSince = time.Now()
	}
	for ackID, n := range counts {
		c.pendingAcks[ackID] += n
	}
}

// flushPendingAcks delivers every buffered AckCombinerTuples count and
// empties the buffer.
func (c *Combiner) flushPendingAcks() {
	for ackID, n := range c.pendingAcks {
		if a, ok := c.Acks.Lookup(ackID); ok {
			a.AckCombinerTuples(n)
		}
	}
	c.pendingAcks = nil
}

// shouldFlushAcks implements spec.md §4.4 step 3's commit policy: commit
// (here, release acks) immediately when this batch carries acknowledgement
// demands under SyncStreamInsert; otherwise coalesce until CommitInterval
// has elapsed since the oldest buffered ack.
func (c *Combiner) shouldFlushAcks(batchHadAcks bool) bool {
	if len(c.pendingAcks) == 0 {
		return false
	}
	if c.SyncStreamInsert && batchHadAcks {
		return true
	}
	return c.CommitInterval <= 0 || time.Since(c.pendingSince) >= c.CommitInterval
}

func (c *Combiner) existingCacheFor(queryID int32) *existingGroupsCache {
	cache, ok := c.existing[queryID]
	if !ok {
		cache = newExistingGroupsCache()
		c.existing[queryID] = cache
	}
	return cache
}

// Run loops RunOnce until ctx is cancelled.
func (c *Combiner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := c.RunOnce(ctx); err != nil {
			return err
		}
	}
}
