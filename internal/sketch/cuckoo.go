package sketch

import (
	"math/rand"

	"github.com/spaolacci/murmur3"
)

const cuckooFingerprintsPerBucket = 4
const cuckooMaxRelocations = 500
const cuckooDefaultNumBuckets = 1 << 20
const cuckooFingerprintBits = 8
const cuckooMurmurSeed uint32 = 0x2f7e3a11

// CuckooFilter is an approximate set membership sketch storing a small
// fingerprint of each key in one of two candidate buckets, allowing deletes
// (unlike Bloom) at the cost of occasional insertion failure under high
// load. Grounded on cuckoo.c, whose Insert/Remove/Contains/set_fingerprint
// were stubs; this implements the relocation scheme from Fan, Andersen,
// Kaminsky & Mitzenmacher, "Cuckoo Filter: Practically Better Than Bloom".
type CuckooFilter struct {
	numBuckets uint64
	buckets    [][cuckooFingerprintsPerBucket]uint8
	count      uint64
	rng        *rand.Rand
}

// NewCuckooFilterWithBuckets creates a filter with an explicit bucket count,
// rounded up to the next power of two (required for the XOR-based alternate
// bucket computation).
func NewCuckooFilterWithBuckets(numBuckets uint64) *CuckooFilter {
	n := uint64(1)
	for n < numBuckets {
		n <<= 1
	}
	return &CuckooFilter{
		numBuckets: n,
		buckets:    make([][cuckooFingerprintsPerBucket]uint8, n),
		rng:        rand.New(rand.NewSource(1)),
	}
}

// NewCuckooFilter creates a filter sized for the source's default capacity.
func NewCuckooFilter() *CuckooFilter {
	return NewCuckooFilterWithBuckets(cuckooDefaultNumBuckets)
}

func (c *CuckooFilter) fingerprint(h uint64) uint8 {
	fp := uint8(h & ((1 << cuckooFingerprintBits) - 1))
	if fp == 0 {
		fp = 1 // 0 means "empty slot"
	}
	return fp
}

func (c *CuckooFilter) bucketIndex(h uint64) uint64 {
	return h & (c.numBuckets - 1)
}

// altBucket computes the alternate bucket for a fingerprint via
// i2 = i1 XOR hash(fingerprint), the construction that makes the relation
// symmetric: altBucket(altBucket(i, fp), fp) == i.
func (c *CuckooFilter) altBucket(i uint64, fp uint8) uint64 {
	h := murmur3.Sum64WithSeed([]byte{fp}, cuckooMurmurSeed)
	return (i ^ h) & (c.numBuckets - 1)
}

func (c *CuckooFilter) keyLocations(key []byte) (i1, i2 uint64, fp uint8) {
	h := murmur3.Sum64WithSeed(key, cuckooMurmurSeed)
	fp = c.fingerprint(h)
	i1 = c.bucketIndex(h)
	i2 = c.altBucket(i1, fp)
	return
}

func bucketInsert(bucket *[cuckooFingerprintsPerBucket]uint8, fp uint8) bool {
	for i, v := range bucket {
		if v == 0 {
			bucket[i] = fp
			return true
		}
	}
	return false
}

func bucketContains(bucket *[cuckooFingerprintsPerBucket]uint8, fp uint8) bool {
	for _, v := range bucket {
		if v == fp {
			return true
		}
	}
	return false
}

func bucketRemove(bucket *[cuckooFingerprintsPerBucket]uint8, fp uint8) bool {
	for i, v := range bucket {
		if v == fp {
			bucket[i] = 0
			return true
		}
	}
	return false
}

// Insert adds key, relocating existing fingerprints up to
// cuckooMaxRelocations times if both candidate buckets are full. Returns
// false if the filter is effectively full and the key could not be placed
// (matching the source's semantics of insertion under heavy load).
func (c *CuckooFilter) Insert(key []byte) bool {
	i1, i2, fp := c.keyLocations(key)

	if bucketInsert(&c.buckets[i1], fp) {
		c.count++
		return true
	}
	if bucketInsert(&c.buckets[i2], fp) {
		c.count++
		return true
	}

	i := i1
	if c.rng.Intn(2) == 1 {
		i = i2
	}
	for n := 0; n < cuckooMaxRelocations; n++ {
		slot := c.rng.Intn(cuckooFingerprintsPerBucket)
		evicted := c.buckets[i][slot]
		c.buckets[i][slot] = fp
		fp = evicted
		i = c.altBucket(i, fp)
		if bucketInsert(&c.buckets[i], fp) {
			c.count++
			return true
		}
	}
	return false
}

// Contains reports whether key may have been inserted (false positives
// possible, false negatives impossible absent a Remove of a colliding
// fingerprint).
func (c *CuckooFilter) Contains(key []byte) bool {
	i1, i2, fp := c.keyLocations(key)
	return bucketContains(&c.buckets[i1], fp) || bucketContains(&c.buckets[i2], fp)
}

// Remove deletes one instance of key's fingerprint from whichever candidate
// bucket holds it, returning whether anything was removed.
func (c *CuckooFilter) Remove(key []byte) bool {
	i1, i2, fp := c.keyLocations(key)
	if bucketRemove(&c.buckets[i1], fp) {
		c.count--
		return true
	}
	if bucketRemove(&c.buckets[i2], fp) {
		c.count--
		return true
	}
	return false
}

// Count returns the number of fingerprints currently stored.
func (c *CuckooFilter) Count() uint64 { return c.count }

// LoadFactor returns the fraction of fingerprint slots currently occupied.
func (c *CuckooFilter) LoadFactor() float64 {
	capacity := float64(c.numBuckets * cuckooFingerprintsPerBucket)
	return float64(c.count) / capacity
}
