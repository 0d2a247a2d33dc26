package plan

import "sync"

// QueryEntry bundles every compiled plan a registered continuous query
// needs: the worker's pre-aggregate step, the combiner's merge step, and
// (for sliding-window CQs only) the overlay step. Compiling these from SQL
// text is out of scope (package doc); Registry is the wiring point where a
// deployment's own planner — or, in tests, a hand-built plan — makes a
// query id resolvable to the objects internal/worker, internal/combiner,
// internal/window, and internal/store/matrel all need.
type QueryEntry struct {
	PreAggregate *PreAggregatePlan
	Combine      *CombinePlan
	Overlay      *OverlayPlan // nil unless the query is a sliding-window CQ
}

// Registry is the process-wide map from query id to compiled plan,
// structured like internal/microbatch.Registry's id->live-object lookup.
// One Registry instance is shared by the worker, combiner, and matrel
// store for a given process group, so registering or removing a query
// takes effect everywhere at once.
type Registry struct {
	mu      sync.Mutex
	entries map[int32]QueryEntry
}

// NewRegistry returns an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int32]QueryEntry)}
}

// Register makes a query's compiled plans visible to every lookup method.
func (r *Registry) Register(queryID int32, e QueryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[queryID] = e
}

// Unregister drops a query's plans, e.g. once catalog.Store.SweepGC has
// reclaimed its row.
func (r *Registry) Unregister(queryID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, queryID)
}

// QueryIDs returns every registered query id, in no particular order.
func (r *Registry) QueryIDs() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int32, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// PreAggregatePlan implements internal/worker.Registry.
func (r *Registry) PreAggregatePlan(queryID int32) (*PreAggregatePlan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[queryID]
	if !ok || e.PreAggregate == nil {
		return nil, false
	}
	return e.PreAggregate, true
}

// CombinePlan implements internal/combiner.QueryPlans and
// internal/store/matrel.CombinePlans.
func (r *Registry) CombinePlan(queryID int32) (*CombinePlan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[queryID]
	if !ok || e.Combine == nil {
		return nil, false
	}
	return e.Combine, true
}

// OverlayPlan implements internal/store/matrel.OverlayPlans and feeds
// internal/window.Window construction for sliding-window CQs.
func (r *Registry) OverlayPlan(queryID int32) (*OverlayPlan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[queryID]
	if !ok || e.Overlay == nil {
		return nil, false
	}
	return e.Overlay, true
}

// HasOverlay reports whether queryID has a registered overlay plan,
// letting a caller decide whether the combine plan or the overlay plan is
// the output stream's row codec without importing internal/store/matrel's
// RowCodec interface type here (the two packages would otherwise need to
// agree on one interface identity across an import boundary neither
// crosses).
func (r *Registry) HasOverlay(queryID int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[queryID]
	return ok && e.Overlay != nil
}
