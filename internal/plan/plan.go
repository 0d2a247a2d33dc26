// Package plan implements the pre-aggregate, combine, and overlay plans the
// worker and combiner execute against tuples. The host's real SQL executor
// (parser, planner, expression evaluator) is explicitly out of scope
// (spec.md §1); this package instead plays the role of the compiled plan
// objects the combiner/worker invoke, operating on a generic row
// representation rather than a full relational type system.
package plan

import (
	"fmt"

	"github.com/pgstream/cqengine/internal/hashkey"
)

// Row is a tuple, keyed by column name. Aggregate transition states are
// stored under their output column name just like any other value, the
// same way the source keeps transition state as ordinary (if opaque)
// attributes of a partial/matrel tuple.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func toHashValue(v any) hashkey.Value {
	switch t := v.(type) {
	case nil:
		return hashkey.NullValue()
	case int64:
		return hashkey.Int64(t)
	case int:
		return hashkey.Int64(int64(t))
	case float64:
		return hashkey.Float64(t)
	case string:
		return hashkey.Text(t)
	case bool:
		return hashkey.Bool(t)
	default:
		return hashkey.Text(fmt.Sprintf("%v", t))
	}
}

// AggSpec names the input column an aggregate reads and the output column
// its transition state (and, after Finalize, its value) is stored under.
type AggSpec struct {
	InputColumn  string
	OutputColumn string
	Func         AggFunc
}

// PreAggregatePlan is the worker-side compiled plan: for one incoming
// tuple, project the grouping columns and run each aggregate's Transition
// over its input column, producing a partial tuple.
type PreAggregatePlan struct {
	GroupBy    []string
	Aggregates []AggSpec
}

// Execute runs the plan over a single stream tuple, returning the partial
// tuple and its group hash (spec.md §3 "Group": MurmurHash3 over a
// type-aware byte encoding of the grouping columns).
func (p *PreAggregatePlan) Execute(tuple Row) (partial Row, groupHash uint64, err error) {
	partial = make(Row, len(p.GroupBy)+len(p.Aggregates))
	groupValues := make([]hashkey.Value, 0, len(p.GroupBy))

	for _, col := range p.GroupBy {
		v := tuple[col]
		partial[col] = v
		groupValues = append(groupValues, toHashValue(v))
	}

	for _, agg := range p.Aggregates {
		state := agg.Func.Transition(agg.Func.Init(), tuple[agg.InputColumn])
		partial[agg.OutputColumn] = state
	}

	return partial, hashkey.GroupHash(groupValues...), nil
}

// GroupKey extracts the grouping-column values from row as a byte-encoded
// key suitable for an existing-groups/group-cache lookup.
func (p *PreAggregatePlan) GroupKey(row Row) []byte {
	return groupKey(p.GroupBy, row)
}

func groupKey(groupBy []string, row Row) []byte {
	values := make([]hashkey.Value, 0, len(groupBy))
	for _, col := range groupBy {
		values = append(values, toHashValue(row[col]))
	}
	return hashkey.Encode(values...)
}

// CombinePlan is the combiner-side compiled plan: merges a set of partials
// (optionally alongside an existing on-disk row) by applying each
// aggregate's Combine function across every partial's transition state.
type CombinePlan struct {
	GroupBy    []string
	Aggregates []AggSpec

	// Distinct marks a CQ with a DISTINCT clause and no aggregates
	// (spec.md §8's "distinct clause" boundary case): SHOULD_UPDATE
	// always returns false for such a plan, so Combine always reports
	// changed=true and the combiner must never heap_update an existing
	// row for it — every emitted partial inserts a new row instead.
	Distinct bool
}

// Combine merges existing (nil if this group has no on-disk row yet) with
// partials sharing its group, returning the merged row and whether its
// finalized aggregate values differ from existing's (SHOULD_UPDATE). A
// Distinct plan always reports changed=true regardless of aggregate state,
// since it has SHOULD_UPDATE permanently false.
func (p *CombinePlan) Combine(existing Row, partials []Row) (merged Row, changed bool, err error) {
	merged = make(Row, len(p.GroupBy)+len(p.Aggregates))

	for _, col := range p.GroupBy {
		if len(partials) > 0 {
			merged[col] = partials[0][col]
		} else if existing != nil {
			merged[col] = existing[col]
		}
	}

	if p.Distinct {
		changed = true
	}

	for _, agg := range p.Aggregates {
		state := agg.Func.Init()
		if existing != nil {
			if s, ok := existing[agg.OutputColumn]; ok {
				state = s
			}
		}
		for _, partial := range partials {
			s, ok := partial[agg.OutputColumn]
			if !ok {
				continue
			}
			state = agg.Func.Combine(state, s)
		}
		merged[agg.OutputColumn] = state

		if existing == nil {
			changed = true
			continue
		}
		oldFinal := agg.Func.Finalize(existing[agg.OutputColumn])
		newFinal := agg.Func.Finalize(state)
		if fmt.Sprint(oldFinal) != fmt.Sprint(newFinal) {
			changed = true
		}
	}

	return merged, changed, nil
}

// GroupKey extracts the grouping-column values from row as a byte-encoded
// key suitable for an existing-groups/group-cache lookup.
func (p *CombinePlan) GroupKey(row Row) []byte {
	return groupKey(p.GroupBy, row)
}

// Finalize projects every aggregate's transition state to its user-visible
// value, for rows about to be written to the matrel or output stream.
func (p *CombinePlan) Finalize(row Row) Row {
	out := row.Clone()
	for _, agg := range p.Aggregates {
		out[agg.OutputColumn] = agg.Func.Finalize(row[agg.OutputColumn])
	}
	return out
}

// OverlayPlan turns step-bucketed sliding-window rows into an instantaneous
// output row, by re-using the same Combine semantics over every live step
// row instead of a batch of partials.
type OverlayPlan struct {
	GroupBy    []string
	Aggregates []AggSpec
}

// Execute combines every step row sharing a group into one instantaneous
// overlay row.
func (p *OverlayPlan) Execute(stepRows []Row) (merged Row, err error) {
	cp := CombinePlan(*p)
	merged, _, err = cp.Combine(nil, stepRows)
	return merged, err
}

// Finalize projects transition state to user-visible values.
func (p *OverlayPlan) Finalize(row Row) Row {
	cp := CombinePlan(*p)
	return cp.Finalize(row)
}

// GroupKey extracts the grouping-column values from row as a byte-encoded
// key, used to key overlay_groups (spec.md §4.5).
func (p *OverlayPlan) GroupKey(row Row) []byte {
	return groupKey(p.GroupBy, row)
}
