package plan

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Scalar type tags for the wire encoding of grouping-column values. A
// grouping column is always a plain driver-level scalar (spec.md §1's
// Non-goals put the host's real type system out of scope), so a small
// tagged format round-trips exactly what hashkey.Value already distinguishes
// for hashing — unlike a generic codec such as encoding/json, which would
// collapse int64 and float64 to the same wire representation and silently
// corrupt an aggregate's transition state on the way back.
const (
	tagNull byte = iota
	tagInt64
	tagFloat64
	tagString
	tagBool
)

func encodeScalar(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, tagNull)
	case int64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(t))
		return append(append(buf, tagInt64), b[:]...)
	case int:
		return encodeScalar(buf, int64(t))
	case float64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(t))
		return append(append(buf, tagFloat64), b[:]...)
	case string:
		var lb [4]byte
		binary.LittleEndian.PutUint32(lb[:], uint32(len(t)))
		buf = append(buf, tagString)
		buf = append(buf, lb[:]...)
		return append(buf, t...)
	case bool:
		buf = append(buf, tagBool)
		if t {
			return append(buf, 1)
		}
		return append(buf, 0)
	default:
		return encodeScalar(buf, fmt.Sprintf("%v", t))
	}
}

// decodeScalar reads one tagged scalar from the front of data, returning the
// value and how many bytes it consumed.
func decodeScalar(data []byte) (any, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("plan: truncated scalar")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagNull:
		return nil, 1, nil
	case tagInt64:
		if len(rest) < 8 {
			return nil, 0, fmt.Errorf("plan: truncated int64 scalar")
		}
		return int64(binary.LittleEndian.Uint64(rest[:8])), 9, nil
	case tagFloat64:
		if len(rest) < 8 {
			return nil, 0, fmt.Errorf("plan: truncated float64 scalar")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(rest[:8])), 9, nil
	case tagString:
		if len(rest) < 4 {
			return nil, 0, fmt.Errorf("plan: truncated string length")
		}
		n := binary.LittleEndian.Uint32(rest[:4])
		if uint32(len(rest)-4) < n {
			return nil, 0, fmt.Errorf("plan: truncated string payload")
		}
		return string(rest[4 : 4+n]), 5 + int(n), nil
	case tagBool:
		if len(rest) < 1 {
			return nil, 0, fmt.Errorf("plan: truncated bool scalar")
		}
		return rest[0] != 0, 2, nil
	default:
		return nil, 0, fmt.Errorf("plan: unknown scalar tag %d", tag)
	}
}

// encodeTypedRow serializes row into a microbatch tuple slot, using
// groupBy's plain-scalar encoding for grouping columns and each aggregate's
// own AggFunc.EncodeState for its transition state — the same approach
// the source uses to (de)serialize sketch-backed transition state across a
// shared-memory boundary, just swapped to an explicit byte buffer.
func encodeTypedRow(groupBy []string, aggs []AggSpec, row Row) ([]byte, error) {
	var buf []byte
	var n [4]byte

	binary.LittleEndian.PutUint32(n[:], uint32(len(groupBy)))
	buf = append(buf, n[:]...)
	for _, col := range groupBy {
		buf = encodeScalar(buf, row[col])
	}

	binary.LittleEndian.PutUint32(n[:], uint32(len(aggs)))
	buf = append(buf, n[:]...)
	for _, agg := range aggs {
		state, err := agg.Func.EncodeState(row[agg.OutputColumn])
		if err != nil {
			return nil, fmt.Errorf("plan: encoding state for %q: %w", agg.OutputColumn, err)
		}
		binary.LittleEndian.PutUint32(n[:], uint32(len(state)))
		buf = append(buf, n[:]...)
		buf = append(buf, state...)
	}
	return buf, nil
}

func decodeTypedRow(groupBy []string, aggs []AggSpec, data []byte) (Row, error) {
	row := make(Row, len(groupBy)+len(aggs))

	if len(data) < 4 {
		return nil, fmt.Errorf("plan: truncated row header")
	}
	ngb := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if int(ngb) != len(groupBy) {
		return nil, fmt.Errorf("plan: group-by column count mismatch: wire=%d plan=%d", ngb, len(groupBy))
	}
	for _, col := range groupBy {
		v, n, err := decodeScalar(data)
		if err != nil {
			return nil, fmt.Errorf("plan: decoding group-by column %q: %w", col, err)
		}
		row[col] = v
		data = data[n:]
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("plan: truncated aggregate count")
	}
	nagg := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if int(nagg) != len(aggs) {
		return nil, fmt.Errorf("plan: aggregate count mismatch: wire=%d plan=%d", nagg, len(aggs))
	}
	for _, agg := range aggs {
		if len(data) < 4 {
			return nil, fmt.Errorf("plan: truncated state length for %q", agg.OutputColumn)
		}
		slen := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < slen {
			return nil, fmt.Errorf("plan: truncated state for %q", agg.OutputColumn)
		}
		state, err := agg.Func.DecodeState(data[:slen])
		if err != nil {
			return nil, fmt.Errorf("plan: decoding state for %q: %w", agg.OutputColumn, err)
		}
		row[agg.OutputColumn] = state
		data = data[slen:]
	}
	return row, nil
}

// EncodeRow packs a row produced by this plan for transport inside a
// microbatch tuple slot.
func (p *PreAggregatePlan) EncodeRow(row Row) ([]byte, error) {
	return encodeTypedRow(p.GroupBy, p.Aggregates, row)
}

// EncodeRow packs a row matching this plan's shape (a merged partial, or a
// row about to be cached) for transport or caching.
func (p *CombinePlan) EncodeRow(row Row) ([]byte, error) {
	return encodeTypedRow(p.GroupBy, p.Aggregates, row)
}

// DecodeRow reverses EncodeRow.
func (p *CombinePlan) DecodeRow(data []byte) (Row, error) {
	return decodeTypedRow(p.GroupBy, p.Aggregates, data)
}

// EncodeRow packs an overlay plan's merged step-row state, for caching a
// sliding window's step_groups entries across ticks.
func (p *OverlayPlan) EncodeRow(row Row) ([]byte, error) {
	return encodeTypedRow(p.GroupBy, p.Aggregates, row)
}

// DecodeRow reverses EncodeRow.
func (p *OverlayPlan) DecodeRow(data []byte) (Row, error) {
	return decodeTypedRow(p.GroupBy, p.Aggregates, data)
}
