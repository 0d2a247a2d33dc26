// Package scheduler implements the per-database process group of worker
// and combiner slots: registration, liveness, soft activation, and
// terminate/restart policy. Grounded on cont_scheduler.c, with OS-level
// fork_process replaced by goroutines supervised per group through
// golang.org/x/sync/errgroup, the natural Go idiom for "spawn N tasks,
// propagate the first fatal error without losing the others."
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// minWaitTerminateMs is the source's MIN_WAIT_TERMINATE_MS: how long
// Terminate waits for slots to notice before declaring them stragglers.
const minWaitTerminateMs = 250 * time.Millisecond

// restartBackoff is how long the scheduler waits before respawning a slot
// whose task exited (crash_recovery = off path), per spec.md §4.2
// "the task exits and the scheduler's dynamic-restart policy respawns it
// after 1 s."
const restartBackoff = time.Second

// Role distinguishes a worker slot from a combiner slot, used only to
// compute each slot's dense group_id within its role (spec.md §4.2).
type Role int

const (
	RoleWorker Role = iota
	RoleCombiner
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "combiner"
}

// SlotTask is one iteration of a worker or combiner's main loop. A non-nil
// error is logged and never tears down the group: with crash recovery on
// the slot loops again at once, otherwise it first waits restartBackoff.
type SlotTask func(ctx context.Context, dbID int64, role Role, groupID int) error

// Group is a per-database set of W worker slots and C combiner slots, each
// running slotTask in a loop until cancelled or torn down.
type Group struct {
	dbID         int64
	numWorkers   int
	numCombiners int

	active atomic.Bool // soft-activation flag slots poll

	cancel        context.CancelFunc
	eg            *errgroup.Group
	egCtx         context.Context
	log           zerolog.Logger
	done          chan struct{}
	crashRecovery bool
}

// Scheduler owns every active per-database Group.
type Scheduler struct {
	mu     sync.Mutex
	groups map[int64]*Group

	numWorkers    int
	numCombiners  int
	crashRecovery bool
	log           zerolog.Logger

	workerTask   SlotTask
	combinerTask SlotTask
}

// New constructs a Scheduler. workerTask/combinerTask are invoked once per
// loop iteration for each of their respective slots.
func New(numWorkers, numCombiners int, crashRecovery bool, log zerolog.Logger, workerTask, combinerTask SlotTask) *Scheduler {
	return &Scheduler{
		groups:        make(map[int64]*Group),
		numWorkers:    numWorkers,
		numCombiners:  numCombiners,
		crashRecovery: crashRecovery,
		log:           log.With().Str("component", "scheduler").Logger(),
		workerTask:    workerTask,
		combinerTask:  combinerTask,
	}
}

// Refresh adds a Group for every database id not already registered,
// mirroring the scheduler's SIGHUP "re-read database list" response.
func (s *Scheduler) Refresh(ctx context.Context, databaseIDs []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dbID := range databaseIDs {
		if _, ok := s.groups[dbID]; ok {
			continue
		}
		s.groups[dbID] = s.spawnGroup(ctx, dbID)
	}
}

func (s *Scheduler) spawnGroup(parent context.Context, dbID int64) *Group {
	ctx, cancel := context.WithCancel(parent)
	eg, egCtx := errgroup.WithContext(ctx)

	g := &Group{
		dbID:          dbID,
		numWorkers:    s.numWorkers,
		numCombiners:  s.numCombiners,
		cancel:        cancel,
		eg:            eg,
		egCtx:         egCtx,
		log:           s.log.With().Int64("db_id", dbID).Logger(),
		done:          make(chan struct{}),
		crashRecovery: s.crashRecovery,
	}
	g.active.Store(true)

	for i := 0; i < s.numWorkers; i++ {
		groupID := i
		eg.Go(func() error { return g.runSlot(egCtx, RoleWorker, groupID, s.workerTask) })
	}
	for i := 0; i < s.numCombiners; i++ {
		groupID := i
		eg.Go(func() error { return g.runSlot(egCtx, RoleCombiner, groupID, s.combinerTask) })
	}

	go func() {
		defer close(g.done)
		if err := eg.Wait(); err != nil && ctx.Err() == nil {
			g.log.Error().Err(err).Msg("process group exited with fatal error")
		}
	}()

	return g
}

// runSlot is one slot's main loop: call task repeatedly, honoring soft
// activation (yield while inactive) and the crash-recovery policy from
// spec.md §4.2.
func (g *Group) runSlot(ctx context.Context, role Role, groupID int, task SlotTask) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !g.active.Load() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		err := task(ctx, g.dbID, role, groupID)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if g.crashRecovery {
			g.log.Error().Err(err).Str("role", role.String()).Int("slot", groupID).Msg("slot error, recovering")
			continue
		}

		g.log.Error().Err(err).Str("role", role.String()).Int("slot", groupID).Msg("slot exited, will restart")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartBackoff):
		}
	}
}

// SetActive implements "soft activation": slots poll Group.active and
// yield while false.
func (g *Group) SetActive(active bool) { g.active.Store(active) }

// SetStateAndWait sets active and then waits out the full timeout (slots
// poll on a 10ms cadence so any wait ≥ 10ms observes it); it always
// returns nil and never reverts the flag. Since slots here poll a shared atomic rather
// than individually-observable latches, "every slot has observed the new
// state" reduces to "the flag flip has had time to be read at least once."
func (g *Group) SetStateAndWait(active bool, timeout time.Duration) error {
	g.SetActive(active)
	<-time.After(timeout)
	return nil
}

// Terminate marks dbID's group for shutdown, cancels its context (waking
// all slot loops), waits up to minWaitTerminateMs for them to exit, and
// returns as soon as the group's errgroup has finished or the wait elapses.
func (s *Scheduler) Terminate(dbID int64) error {
	s.mu.Lock()
	g, ok := s.groups[dbID]
	if ok {
		delete(s.groups, dbID)
	}
	s.mu.Unlock()

	if !ok {
		return errors.Errorf("scheduler: no group registered for database %d", dbID)
	}

	g.cancel()

	select {
	case <-g.done:
		return nil
	case <-time.After(minWaitTerminateMs):
		return nil
	}
}

// Shutdown terminates every registered group.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	dbIDs := make([]int64, 0, len(s.groups))
	for dbID := range s.groups {
		dbIDs = append(dbIDs, dbID)
	}
	s.mu.Unlock()

	for _, dbID := range dbIDs {
		_ = s.Terminate(dbID)
	}
}

// Group looks up a registered group by database id.
func (s *Scheduler) Group(dbID int64) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[dbID]
	return g, ok
}
