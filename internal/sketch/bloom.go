// Package sketch implements the probabilistic data structures shared as
// aggregate transition state across the pipeline (spec.md section 3/4.9):
// Bloom filter, Count-Min sketch, Filtered Space-Saving (top-K), a
// Golomb-coded set, and a Cuckoo filter.
//
// Every sketch here is grounded on original_source/src/backend/pipeline/*.c;
// the algorithms (m/k/w/d sizing formulas, conservative-update,
// FSS eviction/sort rules, Golomb merge-compression, Cuckoo relocation) are
// carried over in full, with hashing switched from the source's bundled
// Murmur3 to github.com/spaolacci/murmur3.
package sketch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

const bloomDefaultP = 0.03
const bloomDefaultN = 2 << 20
const bloomMurmurSeed uint32 = 0xbc1b0f94

// Bloom is a classic Bloom filter: m bits, k hash indices, backed by a byte
// array. Two independent 64-bit hashes are derived from one Murmur3-128
// call and combined as h0 + i*h1, the standard "double hashing" trick that
// avoids k independent hash function evaluations.
type Bloom struct {
	m       uint64 // number of bits
	k       uint32 // number of hash functions
	bits    []byte
}

// NewBloomWithPAndN creates a Bloom filter sized for a false-positive rate
// of p over an expected n insertions: m = ceil(-n*ln(p)/(ln2)^2),
// k = round(ln2 * m / n), exactly as bloom.c computes them.
func NewBloomWithPAndN(p float64, n int64) *Bloom {
	m := uint64(math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint32(math.Round(math.Ln2 * float64(m) / float64(n)))
	if k == 0 {
		k = 1
	}
	numBytes := (m + 7) / 8
	return &Bloom{m: m, k: k, bits: make([]byte, numBytes)}
}

// NewBloom creates a Bloom filter with the source's defaults (p=0.03,
// n=2<<20).
func NewBloom() *Bloom {
	return NewBloomWithPAndN(bloomDefaultP, bloomDefaultN)
}

func (b *Bloom) indices(key uint64) []uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (8 * i))
	}
	h0, h1 := murmur3.Sum128WithSeed(buf[:], bloomMurmurSeed)
	idx := make([]uint64, b.k)
	for i := uint32(0); i < b.k; i++ {
		idx[i] = (h0 + uint64(i)*h1) % b.m
	}
	return idx
}

// Add sets the k bits corresponding to key.
func (b *Bloom) Add(key uint64) {
	for _, idx := range b.indices(key) {
		b.bits[idx/8] |= 1 << (idx % 8)
	}
}

// Contains returns false if any of key's k bits is unset (a definite
// negative), true otherwise (a possible false positive).
func (b *Bloom) Contains(key uint64) bool {
	for _, idx := range b.indices(key) {
		if b.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Union merges incoming into the receiver via bitwise OR. Both filters
// must share the same (m, k); mismatched filters cannot be unioned
// meaningfully and Union panics, matching the source's Assert.
func (b *Bloom) Union(incoming *Bloom) *Bloom {
	if b.m != incoming.m || b.k != incoming.k {
		panic("sketch: cannot union bloom filters of different (m,k)")
	}
	for i := range b.bits {
		b.bits[i] |= incoming.bits[i]
	}
	return b
}

// Cardinality estimates the number of distinct keys added, via the
// bit-count approximation: n_hat = -m*ln(1 - x/m)/k.
func (b *Bloom) Cardinality() float64 {
	var x float64
	for _, byt := range b.bits {
		x += float64(popcount8(byt))
	}
	if x >= float64(b.m) {
		x = float64(b.m) - 1
	}
	return -1.0 * float64(b.m) * math.Log(1-(x/float64(b.m))) / float64(b.k)
}

func popcount8(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// Size returns the number of bits and hash functions, for observability.
func (b *Bloom) Size() (m uint64, k uint32) { return b.m, b.k }

// MarshalBinary serializes the filter as [m:u64][k:u32][bits], so it can
// cross the same byte-slice boundary a microbatch tuple or group-cache entry
// already carries everything else over.
func (b *Bloom) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+4+len(b.bits))
	binary.LittleEndian.PutUint64(buf[0:8], b.m)
	binary.LittleEndian.PutUint32(buf[8:12], b.k)
	copy(buf[12:], b.bits)
	return buf, nil
}

// UnmarshalBinary reverses MarshalBinary.
func (b *Bloom) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("sketch: truncated bloom filter")
	}
	b.m = binary.LittleEndian.Uint64(data[0:8])
	b.k = binary.LittleEndian.Uint32(data[8:12])
	b.bits = append([]byte(nil), data[12:]...)
	return nil
}
