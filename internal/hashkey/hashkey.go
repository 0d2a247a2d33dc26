// Package hashkey implements the type-aware byte encoding and 64-bit group
// hash described in spec.md section 3 ("Group hash") and section 4.3 (the
// CQ's hash expression, used to pick the owning combiner via
// hash mod num_combiners).
package hashkey

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/spaolacci/murmur3"
)

// Value is a single grouping-column value. The host's type system (out of
// scope per spec.md section 1) is represented here just widely enough to
// byte-encode anything a GROUP BY clause could contain.
type Value struct {
	// Null marks a SQL NULL; it hashes to a fixed sentinel byte rather than
	// being skipped, so (a, NULL) and (a,) never collide.
	Null  bool
	Bytes []byte // pre-encoded payload, one of the constructors below
}

// Int64 encodes an integer grouping column.
func Int64(v int64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return Value{Bytes: b}
}

// Float64 encodes a floating point grouping column.
func Float64(v float64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return Value{Bytes: b}
}

// Text encodes a string/text grouping column.
func Text(v string) Value {
	return Value{Bytes: []byte(v)}
}

// Bool encodes a boolean grouping column.
func Bool(v bool) Value {
	if v {
		return Value{Bytes: []byte{1}}
	}
	return Value{Bytes: []byte{0}}
}

// NullValue returns the null sentinel Value for a grouping column.
func NullValue() Value { return Value{Null: true} }

const nullSentinel = 0xFF

// encode appends a null-tagged, length-prefixed encoding of v to buf. The
// 0xFF null-sentinel byte followed by no payload distinguishes NULL from
// any possible zero-length value.
func encode(buf []byte, v Value) []byte {
	if v.Null {
		return append(buf, nullSentinel)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.Bytes)))
	buf = append(buf, 0x00)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, v.Bytes...)
	return buf
}

// Encode serializes an ordered tuple of grouping-column values into the
// byte string that GroupHash hashes. Column order matters: it must match
// the CQ's GROUP BY column order every time the same group is hashed.
func Encode(values ...Value) []byte {
	var buf []byte
	for _, v := range values {
		buf = encode(buf, v)
	}
	return buf
}

// murmurSeed matches the seed constant original_source/.../fss.c uses for
// its own MurmurHash3 calls, truncated to the 32-bit seed murmur3.Sum64WithSeed
// expects.
const murmurSeed uint32 = 0xdc863e6f

// GroupHash computes the 64-bit group hash used to pick a group's owning
// combiner (hash mod num_combiners) and, within a combiner, to look up
// cached/on-disk rows. It is MurmurHash3 over the byte-encoded grouping
// columns, per spec.md section 3.
func GroupHash(values ...Value) uint64 {
	encoded := Encode(values...)
	return murmur3.Sum64WithSeed(encoded, murmurSeed)
}

// GroupHashBytes hashes an already-encoded byte string (e.g. one produced
// once and reused across repeated lookups).
func GroupHashBytes(encoded []byte) uint64 {
	return murmur3.Sum64WithSeed(encoded, murmurSeed)
}

// Combiner returns which combiner (in [0, numCombiners)) owns the group
// with the given hash.
func Combiner(hash uint64, numCombiners int) int {
	if numCombiners <= 0 {
		return 0
	}
	return int(hash % uint64(numCombiners))
}

// Worker returns which worker (in [0, numWorkers)) owns the given query,
// per spec.md section 4.3's "query_id mod W == group_id" sharding rule.
func Worker(queryID int32, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	return int(uint32(queryID) % uint32(numWorkers))
}

// SortValues returns values sorted by their encoded byte representation.
// Used by callers (e.g. the combiner's VALUES-clause construction) that
// need a stable, deduplicatable ordering of hashes without caring which
// original column produced them.
func SortValues(values []Value) []Value {
	sorted := make([]Value, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return string(encode(nil, sorted[i])) < string(encode(nil, sorted[j]))
	})
	return sorted
}
