package sketch

import (
	"sort"

	"github.com/spaolacci/murmur3"
)

const fssDefaultMFactor = 5.0 / 2
const fssDefaultHFactor = fssDefaultMFactor * 6
const fssMurmurSeed uint32 = 0xdc863e6f

// counter is a Space-Saving bitmap bucket: alpha is the accumulated error
// for everything hashed into this bucket but not currently monitored;
// count is how many monitored elements currently point at it.
type counter struct {
	alpha uint32
	count uint32
}

// element is one monitored top-K candidate. Comparator order is
// (-frequency, error), exactly as fss.c's element_cmp.
type element[K comparable] struct {
	value     K
	frequency uint32
	errorBnd  uint32
	counterID int
	set       bool
}

// FSS implements Filtered Space-Saving top-K tracking
// (http://www.l2f.inesc-id.pt/~fmmb/wiki/uploads/Work/misnis.ref0a.pdf),
// grounded on fss.c. K is the element type being tracked (e.g. a group key
// encoded as a string, or a uint64 hash).
type FSS[K comparable] struct {
	k        uint64
	h        uint64
	m        uint64
	counters []counter
	elements []element[K]
	count    uint64
}

// NewFSSWithMAndH creates an FSS with explicit bucket/monitored-array
// sizes, mirroring FSSCreateWithMAndH.
func NewFSSWithMAndH[K comparable](k, m, h uint64) *FSS[K] {
	if k > m {
		panic("sketch: fss k exceeds m")
	}
	return &FSS[K]{
		k:        k,
		h:        h,
		m:        m,
		counters: make([]counter, h),
		elements: make([]element[K], m),
	}
}

// NewFSS creates an FSS sized per the source's defaults:
// m = k * 2.5, h = k * 15.
func NewFSS[K comparable](k uint64) *FSS[K] {
	return NewFSSWithMAndH[K](k, uint64(float64(k)*fssDefaultMFactor), uint64(float64(k)*fssDefaultHFactor))
}

func elementLess[K comparable](a, b element[K]) bool {
	if !a.set {
		return false
	}
	if !b.set {
		return true
	}
	if a.frequency != b.frequency {
		return a.frequency > b.frequency // sort by -frequency
	}
	return a.errorBnd < b.errorBnd
}

func (f *FSS[K]) sortElements() {
	sort.SliceStable(f.elements, func(i, j int) bool {
		return elementLess(f.elements[i], f.elements[j])
	})
}

// hashBytes produces the bucket hash for a key, using murmur3 over a
// byte-encoding supplied by the caller.
func hashBytes(b []byte) uint64 {
	return murmur3.Sum64WithSeed(b, fssMurmurSeed)
}

// Increment records one observation of value. keyBytes is value's byte
// encoding, used only for bucket hashing (callers that already have a
// stable hash may pass that encoded as 8 bytes).
func (f *FSS[K]) Increment(value K, keyBytes []byte) {
	hash := hashBytes(keyBytes)
	counterIdx := int(hash % f.h)
	c := &f.counters[counterIdx]

	freeSlot := -1
	if c.count > 0 {
		for i := range f.elements {
			e := &f.elements[i]
			if !e.set {
				if freeSlot == -1 {
					freeSlot = i
				}
				continue
			}
			if e.value == value {
				e.frequency++
				f.resortFrom(i)
				f.count++
				return
			}
		}
	} else if !f.elements[len(f.elements)-1].set {
		for i := range f.elements {
			if !f.elements[i].set {
				freeSlot = i
				break
			}
		}
	}

	last := &f.elements[len(f.elements)-1]
	if c.alpha+1 >= last.frequency {
		var slot int
		if freeSlot == -1 {
			slot = len(f.elements) - 1
			evicted := &f.elements[slot]
			evictedCounter := &f.counters[evicted.counterID]
			evictedCounter.count--
			evictedCounter.alpha = evicted.frequency
		} else {
			slot = freeSlot
		}
		e := &f.elements[slot]
		e.value = value
		e.frequency = c.alpha + 1
		e.errorBnd = c.alpha
		e.set = true
		e.counterID = counterIdx
		c.count++
		f.resortFrom(slot)
	} else {
		c.alpha++
	}

	f.count++
}

// resortFrom re-sorts the monitored array only when necessary: if slot is
// already in order relative to its left neighbour, the array-wide
// invariant still holds and a full sort is skipped, mirroring fss.c's
// needs_sort short-circuit.
func (f *FSS[K]) resortFrom(slot int) {
	if slot == 0 {
		return
	}
	if !elementLess(f.elements[slot], f.elements[slot-1]) {
		return
	}
	f.sortElements()
}

// TopK returns up to k monitored values in (-frequency, error) order.
func (f *FSS[K]) TopK(k uint64) []K {
	if k > f.k {
		panic("sketch: fss requested k exceeds configured k")
	}
	out := make([]K, 0, k)
	for i := uint64(0); i < k; i++ {
		e := f.elements[i]
		if !e.set {
			break
		}
		out = append(out, e.value)
	}
	return out
}

// TopKCounts returns the frequency estimates paired positionally with TopK.
func (f *FSS[K]) TopKCounts(k uint64) []uint32 {
	if k > f.k {
		panic("sketch: fss requested k exceeds configured k")
	}
	out := make([]uint32, 0, k)
	for i := uint64(0); i < k; i++ {
		e := f.elements[i]
		if !e.set {
			break
		}
		out = append(out, e.frequency)
	}
	return out
}

// Total returns the total number of observations recorded.
func (f *FSS[K]) Total() uint64 { return f.count }

// Merge combines incoming into the receiver: bucket alphas sum, monitored
// elements union by value (summing frequency/error for shared values), and
// the result is re-sorted and truncated back to m slots — following
// FSSMerge.
func (f *FSS[K]) Merge(incoming *FSS[K]) *FSS[K] {
	if f.h != incoming.h || f.m != incoming.m {
		panic("sketch: cannot merge fss sketches of different (h,m)")
	}

	merged := make([]element[K], len(f.elements))
	copy(merged, f.elements)

	for i := range f.counters {
		f.counters[i].alpha += incoming.counters[i].alpha
		f.counters[i].count = 0
	}

	extra := make([]element[K], 0, len(incoming.elements))
	for _, in := range incoming.elements {
		if !in.set {
			break
		}
		found := false
		for j := range merged {
			if merged[j].set && merged[j].value == in.value {
				merged[j].frequency += in.frequency
				merged[j].errorBnd += in.errorBnd
				found = true
				break
			}
		}
		if !found {
			extra = append(extra, in)
		}
	}

	merged = append(merged, extra...)
	sort.SliceStable(merged, func(i, j int) bool { return elementLess(merged[i], merged[j]) })
	if len(merged) > len(f.elements) {
		merged = merged[:len(f.elements)]
	}
	f.elements = merged

	for i := range f.elements {
		e := &f.elements[i]
		if !e.set {
			break
		}
		f.counters[e.counterID].count++
	}

	f.count += incoming.count
	return f
}
