package window

import (
	"context"
	"sync"
	"time"
)

// Set tracks every sliding-window CQ a combiner owns, so the combiner's
// main loop can compute min(step_ms) as its IPC wait bound (spec.md §4.5:
// "the main loop passes this as the IPC wait bound so idle combiners still
// tick") and drive each window's timer independently of tuple arrival.
type Set struct {
	mu       sync.Mutex
	windows  map[int32]*Window
	lastTick map[int32]time.Time
}

// NewSet returns an empty window set.
func NewSet() *Set {
	return &Set{
		windows:  make(map[int32]*Window),
		lastTick: make(map[int32]time.Time),
	}
}

// Register adds or replaces the sliding-window state for a CQ.
func (s *Set) Register(w *Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.QueryID] = w
}

// Unregister drops a CQ's sliding-window state, e.g. on DROP.
func (s *Set) Unregister(queryID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, queryID)
	delete(s.lastTick, queryID)
}

// Lookup returns the Window registered for queryID, if any — used by the
// combiner to feed freshly-combined step rows into AddStep.
func (s *Set) Lookup(queryID int32) (*Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[queryID]
	return w, ok
}

// MinStep returns the smallest Step across every registered window, or 0
// if none are registered (no sliding-window CQs active on this combiner).
func (s *Set) MinStep() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min time.Duration
	for _, w := range s.windows {
		if min == 0 || w.Step < min {
			min = w.Step
		}
	}
	return min
}

// TickDue runs Tick on every window whose Step interval has elapsed since
// its last tick, continuing past an individual window's error the same
// way the combiner isolates per-query failures.
func (s *Set) TickDue(ctx context.Context, now time.Time) []error {
	s.mu.Lock()
	due := make([]*Window, 0, len(s.windows))
	for id, w := range s.windows {
		last, ok := s.lastTick[id]
		if !ok || now.Sub(last) >= w.Step {
			due = append(due, w)
			s.lastTick[id] = now
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, w := range due {
		if err := w.Tick(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
