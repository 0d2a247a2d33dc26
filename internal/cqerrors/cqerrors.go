// Package cqerrors defines the error kinds named in spec.md section 7 and
// the propagation policy (local recovery / surfaced / fatal) attached to
// each. The source unwinds errors with setjmp/longjmp inside a PG_CATCH
// block; this core replaces that with plain (T, error) returns checked with
// errors.Is, per the "Exceptions / long-jumps" DESIGN NOTE.
package cqerrors

import "github.com/pkg/errors"

// Sentinel error kinds. Wrap with errors.Wrap/Wrapf at the point of origin
// so the resulting error still satisfies errors.Is against these.
var (
	// ErrBatchFull signals that appending a tuple would exceed a
	// microbatch's packed-size cap; the caller should flush and start a new
	// batch. Locally recovered.
	ErrBatchFull = errors.New("cqengine: microbatch full")

	// ErrQueueBackpressure signals an IPC queue is saturated.
	ErrQueueBackpressure = errors.New("cqengine: queue backpressure")

	// ErrOutOfMemory covers sketch/cache/sliding-window memory exhaustion.
	// Fatal when raised during sliding-window sync; locally recoverable
	// (refuse-to-cache) elsewhere.
	ErrOutOfMemory = errors.New("cqengine: out of memory")

	// ErrSchemaMismatch is raised when a combine-table's row shape doesn't
	// match its matrel. Surfaced to the caller.
	ErrSchemaMismatch = errors.New("cqengine: schema mismatch")

	// ErrNotLeaderForSlot is raised when a combiner is handed a group hash
	// outside its shard.
	ErrNotLeaderForSlot = errors.New("cqengine: not leader for group shard")

	// ErrWALRead covers trigger-decoder WAL tailing failures.
	ErrWALRead = errors.New("cqengine: wal read error")

	// ErrSubscribeUnknownTrigger is raised by the alert server when a
	// client subscribes to a trigger name that doesn't exist. Surfaced to
	// the alert API as subscribe_fail.
	ErrSubscribeUnknownTrigger = errors.New("cqengine: unknown trigger")

	// ErrClientTimeout is raised when an alert-server client is silent for
	// longer than the read timeout.
	ErrClientTimeout = errors.New("cqengine: client read timeout")

	// ErrClientWatermark is raised when a client's mirrored ring buffer
	// would overflow.
	ErrClientWatermark = errors.New("cqengine: client hit watermark")

	// ErrConcurrentHeapUpdateBenign covers a TTL-vacuumer racing a
	// combiner's update of the same row. Always ignored.
	ErrConcurrentHeapUpdateBenign = errors.New("cqengine: concurrent heap update (benign)")

	// ErrFatalCatalogLookup covers a catalog read failing in a way that
	// leaves the process unable to continue. Fatal.
	ErrFatalCatalogLookup = errors.New("cqengine: fatal catalog lookup failure")
)

// Kind classifies an error against the propagation policy in spec.md
// section 7. Unrecognized errors are treated as Fatal, matching the
// source's default elog(ERROR) behavior for an uncaught condition.
type Kind int

const (
	// LocalRecovery errors are retried or cause the current unit of work
	// to be skipped; the process keeps running.
	LocalRecovery Kind = iota
	// Surfaced errors propagate to the API caller (e.g. DDL, subscribe).
	Surfaced
	// Fatal errors cause the owning process/goroutine to exit and be
	// restarted by the scheduler.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case LocalRecovery:
		return "local-recovery"
	case Surfaced:
		return "surfaced"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify returns the propagation Kind for err per spec.md section 7.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return LocalRecovery
	case errors.Is(err, ErrBatchFull),
		errors.Is(err, ErrConcurrentHeapUpdateBenign),
		errors.Is(err, ErrQueueBackpressure):
		return LocalRecovery
	case errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrSubscribeUnknownTrigger):
		return Surfaced
	case errors.Is(err, ErrOutOfMemory),
		errors.Is(err, ErrFatalCatalogLookup):
		return Fatal
	default:
		return Fatal
	}
}
