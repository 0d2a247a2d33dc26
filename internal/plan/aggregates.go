package plan

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pgstream/cqengine/internal/sketch"
)

// AggFunc is the transition-state contract every aggregate supplies to a
// plan: how to seed a fresh accumulator, fold one input value in, merge two
// accumulators (worker partial -> combiner, or combiner merge of several
// partials), and project the final user-visible value. This stands in for
// the source's per-type agg_combine_fn/agg_final_fn pairs.
//
// EncodeState/DecodeState (de)serialize one accumulator for transport
// inside a microbatch tuple or a group-cache entry — the Go analog of the
// source copying sketch-backed transition state in and out of shared
// memory, since a worker and the combiner owning its group hash never
// share a Go-level any value directly.
type AggFunc interface {
	Init() any
	Transition(state any, value any) any
	Combine(a, b any) any
	Finalize(state any) any
	EncodeState(state any) ([]byte, error)
	DecodeState(data []byte) (any, error)
}

// CountAgg implements COUNT(*)/COUNT(col): transition state is a plain
// int64 running total.
type CountAgg struct{}

func (CountAgg) Init() any { return int64(0) }

func (CountAgg) Transition(state any, value any) any {
	if value == nil {
		return state
	}
	return state.(int64) + 1
}

func (CountAgg) Combine(a, b any) any { return a.(int64) + b.(int64) }

func (CountAgg) Finalize(state any) any { return state }

func (CountAgg) EncodeState(state any) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(state.(int64)))
	return buf, nil
}

func (CountAgg) DecodeState(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("plan: truncated count state")
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// SumAgg implements SUM(col) over float64-convertible inputs.
type SumAgg struct{}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

func (SumAgg) Init() any { return float64(0) }

func (SumAgg) Transition(state any, value any) any {
	return state.(float64) + toFloat64(value)
}

func (SumAgg) Combine(a, b any) any { return a.(float64) + b.(float64) }

func (SumAgg) Finalize(state any) any { return state }

func (SumAgg) EncodeState(state any) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(state.(float64)))
	return buf, nil
}

func (SumAgg) DecodeState(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("plan: truncated sum state")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
}

// DistinctCountAgg implements an approximate COUNT(DISTINCT col), backed by
// a Bloom filter as transition state: Transition adds the hashed value and
// only counts it if it wasn't already a member (a small, deliberate
// overcounting risk from false positives, the same trade the source's
// sketch-backed aggregates make). Combine unions the two filters and
// re-estimates the count from the union's set bits.
type DistinctCountAgg struct {
	// ExpectedN sizes the per-group Bloom filter; small groups can use a
	// small default, high-cardinality ones should configure this higher.
	ExpectedN int64
}

type distinctState struct {
	filter *sketch.Bloom
	count  int64
}

func (a DistinctCountAgg) newFilter() *sketch.Bloom {
	n := a.ExpectedN
	if n <= 0 {
		n = 10000
	}
	return sketch.NewBloomWithPAndN(0.01, n)
}

func (a DistinctCountAgg) Init() any {
	return &distinctState{filter: a.newFilter()}
}

func (a DistinctCountAgg) Transition(state any, value any) any {
	s := state.(*distinctState)
	if value == nil {
		return s
	}
	key := toHashValue(value)
	h := hashBytesForDistinct(key.Bytes)
	if !s.filter.Contains(h) {
		s.filter.Add(h)
		s.count++
	}
	return s
}

func (a DistinctCountAgg) Combine(x, y any) any {
	sx := x.(*distinctState)
	sy := y.(*distinctState)
	sx.filter.Union(sy.filter)
	// Re-estimate from the union so a value seen on both sides counts once.
	sx.count = int64(math.Round(sx.filter.Cardinality()))
	return sx
}

func (DistinctCountAgg) Finalize(state any) any {
	return state.(*distinctState).count
}

func (DistinctCountAgg) EncodeState(state any) ([]byte, error) {
	s := state.(*distinctState)
	filterBytes, err := s.filter.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8+len(filterBytes))
	binary.LittleEndian.PutUint64(buf[:8], uint64(s.count))
	copy(buf[8:], filterBytes)
	return buf, nil
}

func (DistinctCountAgg) DecodeState(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("plan: truncated distinct-count state")
	}
	count := int64(binary.LittleEndian.Uint64(data[:8]))
	filter := &sketch.Bloom{}
	if err := filter.UnmarshalBinary(data[8:]); err != nil {
		return nil, err
	}
	return &distinctState{filter: filter, count: count}, nil
}

func hashBytesForDistinct(b []byte) uint64 {
	h := uint64(14695981039346656037)
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}
