package main

import (
	"github.com/pgstream/cqengine/internal/plan"
	"github.com/pgstream/cqengine/internal/store/matrel"
)

// outputPlans adapts a shared plan.Registry into matrel.OutputPlans: a
// sliding-window query's output-stream rows are overlay-encoded, every
// other query's are combine-encoded. Declared here rather than on
// plan.Registry itself since matrel.RowCodec and plan's own row-codec
// methods are distinct interface types across the package boundary —
// gluing them together is wiring, not a plan-package concern.
type outputPlans struct {
	registry *plan.Registry
}

func (p outputPlans) OutputPlan(queryID int32) (matrel.RowCodec, bool) {
	if p.registry.HasOverlay(queryID) {
		return p.registry.OverlayPlan(queryID)
	}
	return p.registry.CombinePlan(queryID)
}
