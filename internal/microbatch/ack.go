package microbatch

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"
)

// ackBackoffSeed and ackBackoffMax bound the busy-wait in WaitAndFree,
// matching the source's "TODO: exponential backoff" note in
// microbatch_ack_wait_and_free with an actual exponential backoff
// (1ms seed, doubling, capped).
const ackBackoffSeed = time.Millisecond
const ackBackoffMax = 50 * time.Millisecond

// Ack is the shared bookkeeping object a microbatch producer registers to
// learn when every tuple it emitted has been locally processed by its
// consumers. Grounded on microbatch_ack_t: four 32-bit counters, the first
// two set once by the producer and the last two incremented by consumers.
// In the source this lives in shared memory so any backend can reach it by
// pointer; here any goroutine holding a *Ack reference can do the same.
type Ack struct {
	id       int64
	numWTups atomic.Uint32 // set once: total worker-destined tuples in the batch
	numCTups atomic.Uint32 // set once: total combiner-destined tuples in the batch
	numWAcks atomic.Uint32 // incremented by workers as they finish tuples
	numCAcks atomic.Uint32 // incremented by combiners as they finish tuples
}

// NewAck creates an unregistered Ack with a random id.
func NewAck() *Ack {
	return &Ack{id: rand.Int63()}
}

// ID returns the ack's identifier, stable for its lifetime.
func (a *Ack) ID() int64 { return a.id }

// SetExpected records the totals the producer emitted. Must be called
// before the producer starts waiting.
func (a *Ack) SetExpected(numWTups, numCTups uint32) {
	a.numWTups.Store(numWTups)
	a.numCTups.Store(numCTups)
}

// AckWorkerTuples is called by a worker after it locally processes n tuples
// belonging to this batch.
func (a *Ack) AckWorkerTuples(n uint32) { a.numWAcks.Add(n) }

// AckCombinerTuples is called by a combiner after it locally processes n
// tuples belonging to this batch.
func (a *Ack) AckCombinerTuples(n uint32) { a.numCAcks.Add(n) }

// IsAcked reports whether every tuple emitted against this ack has been
// consumed: num_wacks >= num_wtups && num_cacks >= num_ctups.
func (a *Ack) IsAcked() bool {
	return a.numWAcks.Load() >= a.numWTups.Load() && a.numCAcks.Load() >= a.numCTups.Load()
}

// Counts returns the four counters, for observability/tests.
func (a *Ack) Counts() (numWTups, numCTups, numWAcks, numCAcks uint32) {
	return a.numWTups.Load(), a.numCTups.Load(), a.numWAcks.Load(), a.numCAcks.Load()
}

// WaitAndFree busy-waits with exponential backoff until IsAcked is true,
// honoring ctx cancellation the way the source honors interrupts (spec.md
// §5 "Cancellation/timeouts": ack-wait unwinds the stuck insert on
// interrupt). Returns ctx.Err() if cancelled before the ack completes.
func (a *Ack) WaitAndFree(ctx context.Context) error {
	backoff := ackBackoffSeed
	for !a.IsAcked() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > ackBackoffMax {
			backoff = ackBackoffMax
		}
	}
	return nil
}
