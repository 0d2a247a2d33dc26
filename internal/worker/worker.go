// Package worker implements the per-database worker slot: drains its IPC
// queue, runs each target continuous query's pre-aggregate plan against
// incoming tuples, and hash-shards the resulting partials to combiners.
// Grounded on spec.md §4.3, itself distilled from cont_execute.c's worker
// loop.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgstream/cqengine/internal/hashkey"
	"github.com/pgstream/cqengine/internal/ipc"
	"github.com/pgstream/cqengine/internal/microbatch"
	"github.com/pgstream/cqengine/internal/plan"
)

// StreamTuple is one row arriving on a source stream, already resolved to
// the set of continuous queries it targets.
type StreamTuple struct {
	Tuple    plan.Row
	QueryIDs []int32
	AckID    int64
}

// Registry resolves a query id to its compiled pre-aggregate plan; the
// combiner shard owning a group hash comes from hashkey.Combiner.
type Registry interface {
	PreAggregatePlan(queryID int32) (*plan.PreAggregatePlan, bool)
}

// Combiners routes a partial tuple to the combiner owning its group hash.
type Combiners interface {
	Send(ctx context.Context, combinerIdx int, partial microbatch.Microbatch) error
	NumCombiners() int
}

// AckRegistry resolves an ack id back to the live Ack so the worker can
// record that it finished its share of a batch.
type AckRegistry interface {
	Lookup(id int64) (*microbatch.Ack, bool)
}

// Worker owns one IPC queue fed by stream writers and a slot identity
// (group_id, numWorkers) that determines which of a tuple's target queries
// it actually owns: query_id mod numWorkers == groupID.
type Worker struct {
	GroupID    int
	NumWorkers int
	MaxWait    time.Duration

	// BatchSize bounds how many messages RunOnce peeks per iteration —
	// a message-count knob, distinct from MaxPackedBytes below (section
	// 4.1's batch_size_kb, a packed-byte cap on the microbatch a peeked
	// message is forwarded in).
	BatchSize int

	// MaxPackedBytes caps a forwarded combiner microbatch's packed size
	// (section 4.1: batch_size_kb*1024 - 2048 bytes reserved for ack
	// overhead). Zero means unbounded.
	MaxPackedBytes int

	Queue     *ipc.Queue[StreamTuple]
	Registry  Registry
	Combiners Combiners
	Acks      AckRegistry
	Log       zerolog.Logger
}

func (w *Worker) owns(queryID int32) bool {
	return hashkey.Worker(queryID, w.NumWorkers) == w.GroupID
}

// RunOnce executes one iteration of the worker main loop: peek up to
// BatchSize messages (or until MaxWait elapses with at least one message
// present), execute each owned query's pre-aggregate plan, and forward
// partials to their combiner shard. Returns nil on an empty/timed-out
// iteration — that is not an error, just an idle tick.
func (w *Worker) RunOnce(ctx context.Context) error {
	var tuples []StreamTuple
	for len(tuples) < w.BatchSize {
		wait := w.MaxWait
		if len(tuples) > 0 {
			wait = 0 // once we have at least one, don't block further
		}
		t, ok := w.Queue.Peek(ctx, wait)
		if !ok {
			break
		}
		tuples = append(tuples, t)
	}
	if len(tuples) == 0 {
		return nil
	}

	ackDelivered := make(map[int64]uint32)

	for _, st := range tuples {
		for _, queryID := range st.QueryIDs {
			if !w.owns(queryID) {
				continue
			}
			p, ok := w.Registry.PreAggregatePlan(queryID)
			if !ok {
				continue
			}

			partial, groupHash, err := p.Execute(st.Tuple)
			if err != nil {
				w.Log.Error().Err(err).Int32("query_id", queryID).Msg("pre-aggregate plan failed")
				continue
			}

			maxPacked := w.MaxPackedBytes
			if maxPacked <= 0 {
				maxPacked = 1 << 30
			}
			combinerIdx := hashkey.Combiner(groupHash, w.Combiners.NumCombiners())
			mb := microbatch.NewCombinerBatch(queryID, groupHash, maxPacked)
			if st.AckID != 0 {
				mb.AddAck(st.AckID)
			}
			encoded, err := p.EncodeRow(partial)
			if err != nil {
				w.Log.Error().Err(err).Msg("failed to encode partial")
				continue
			}
			if err := mb.AddTuple(encoded); err != nil {
				w.Log.Error().Err(err).Msg("failed to add partial to combiner batch")
				continue
			}

			if err := w.Combiners.Send(ctx, combinerIdx, *mb); err != nil {
				w.Log.Error().Err(err).Int("combiner", combinerIdx).Msg("failed to forward partial")
				continue
			}
		}

		if st.AckID != 0 {
			ackDelivered[st.AckID]++
		}
	}

	for ackID, n := range ackDelivered {
		if a, ok := w.Acks.Lookup(ackID); ok {
			a.AckWorkerTuples(n)
		}
	}

	return nil
}

// Run loops RunOnce until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := w.RunOnce(ctx); err != nil {
			return err
		}
	}
}
