package combiner

import (
	"encoding/binary"
	"fmt"

	"github.com/pgstream/cqengine/internal/plan"
)

// encodeCachedRow/decodeCachedRow are the L1 groupcache.GroupCache payload:
// [pk:u64][cp.EncodeRow(row)]. Reusing the combine plan's own typed row
// codec (rather than a generic one) keeps a cache hit and a fresh matrel
// fetch producing byte-identical transition state — critical for
// sketch-backed aggregates like DistinctCountAgg, whose *sketch.Bloom state
// a generic encoder couldn't round-trip at all.
func encodeCachedRow(cp *plan.CombinePlan, r MatrelRow) ([]byte, error) {
	rowBytes, err := cp.EncodeRow(r.Row)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8+len(rowBytes))
	binary.LittleEndian.PutUint64(buf[:8], uint64(r.PK))
	copy(buf[8:], rowBytes)
	return buf, nil
}

func decodeCachedRow(cp *plan.CombinePlan, data []byte) (MatrelRow, error) {
	if len(data) < 8 {
		return MatrelRow{}, fmt.Errorf("combiner: truncated cached row")
	}
	pk := int64(binary.LittleEndian.Uint64(data[:8]))
	row, err := cp.DecodeRow(data[8:])
	if err != nil {
		return MatrelRow{}, err
	}
	return MatrelRow{PK: pk, Row: row}, nil
}
