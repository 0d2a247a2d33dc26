package combiner

import (
	"context"

	"github.com/pgstream/cqengine/internal/ipc"
	"github.com/pgstream/cqengine/internal/microbatch"
)

// Router fans a worker's hash-sharded partials out to each combiner's own
// IPC queue, implementing internal/worker.Combiners. One Router is shared
// by every worker slot in a database's process group; one queue per
// combiner slot guarantees that partials for a given group hash, which
// always resolve to the same combiner index, arrive in FIFO order
// (spec.md §4.3 "Ordering").
type Router struct {
	queues []*ipc.Queue[microbatch.Microbatch]
}

// NewRouter creates a Router with one queue per combiner slot.
func NewRouter(numCombiners int, queueCapacity int) *Router {
	r := &Router{queues: make([]*ipc.Queue[microbatch.Microbatch], numCombiners)}
	for i := range r.queues {
		r.queues[i] = ipc.NewQueue[microbatch.Microbatch](queueCapacity)
	}
	return r
}

// Send enqueues partial onto combinerIdx's queue.
func (r *Router) Send(ctx context.Context, combinerIdx int, partial microbatch.Microbatch) error {
	return r.queues[combinerIdx].Send(ctx, partial)
}

// NumCombiners returns the number of combiner slots this router fans out to.
func (r *Router) NumCombiners() int { return len(r.queues) }

// Queue returns combinerIdx's inbound queue, for wiring a Combiner's Queue
// field at process-group start-up.
func (r *Router) Queue(combinerIdx int) *ipc.Queue[microbatch.Microbatch] {
	return r.queues[combinerIdx]
}
