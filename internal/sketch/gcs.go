package sketch

import (
	"math"
	"sort"

	"github.com/spaolacci/murmur3"
)

const gcsDefaultP = 0.02
const gcsDefaultN = 2 << 17
const gcsMurmurSeed uint32 = 0x9d3087fc

// GolombCodedSet is an approximate set membership sketch encoded as a
// sorted run of Golomb-Rice codes over hash(value) mod ceil(p*n).
// Membership is checked against the compressed run, decoded from its start;
// two keys whose hashes land on the same value cannot be told apart, so
// false positives are possible.
//
// The source's gcs.c left Insert/Contains/Union/Intersection as stubs
// (GolombCodedSetContains calls Compress and then does nothing with the
// result; gcs_writer_generate_gcs has an empty body). Per spec.md's DESIGN
// NOTES ("Dead code / open questions"), those are treated as unimplemented
// rather than specified behavior; this port implements them for real,
// following Putze, Sanders & Singler's Golomb-coded-set construction.
type GolombCodedSet struct {
	p uint32 // Golomb parameter: records are in [0, p*n)
	n uint32

	pending    []uint32 // uncompressed, just-added hashes
	compressed []byte   // Golomb-Rice bit-packed, sorted ascending run
	nvals      uint32   // distinct values represented (pending + compressed)
}

// NewGolombCodedSetWithPAndN creates a set sized for false-positive rate p
// over n expected insertions: the Golomb parameter is ceil(1/p).
func NewGolombCodedSetWithPAndN(p float64, n uint32) *GolombCodedSet {
	return &GolombCodedSet{
		p: uint32(math.Ceil(1 / p)),
		n: n,
	}
}

// NewGolombCodedSet creates a set with the source's defaults.
func NewGolombCodedSet() *GolombCodedSet {
	return NewGolombCodedSetWithPAndN(gcsDefaultP, gcsDefaultN)
}

func (g *GolombCodedSet) rangeEnd() uint32 {
	return uint32(math.Ceil(float64(g.p) * float64(g.n)))
}

// logP returns floor(log2(p)), the number of low bits Golomb-Rice codes
// spend on the remainder.
func (g *GolombCodedSet) logP() uint { return uint(math.Floor(math.Log2(float64(g.p)))) }

// Add records key (not yet visible to Contains until Compress runs,
// matching the source's pending-list-then-compress design).
func (g *GolombCodedSet) Add(key []byte) {
	h := murmur3.Sum64WithSeed(key, gcsMurmurSeed)
	val := uint32(h % uint64(g.rangeEnd()))
	g.pending = append(g.pending, val)
}

// bitWriter packs Golomb-Rice codes MSB-first into a byte slice.
type bitWriter struct {
	buf    []byte
	accum  uint64
	naccum uint
}

func (w *bitWriter) write(nbits uint, val uint64) {
	val &= (1 << nbits) - 1
	for nbits > 0 {
		nwrite := 64 - w.naccum
		if nwrite > nbits {
			nwrite = nbits
		}
		w.accum <<= nwrite
		w.accum |= val >> (nbits - nwrite)
		w.naccum += nwrite
		nbits -= nwrite
		for w.naccum >= 8 {
			w.buf = append(w.buf, byte(w.accum>>(w.naccum-8)))
			w.naccum -= 8
			w.accum &= (1 << w.naccum) - 1
		}
	}
}

func (w *bitWriter) flush() {
	if w.naccum > 0 {
		w.buf = append(w.buf, byte(w.accum<<(8-w.naccum)))
		w.naccum = 0
		w.accum = 0
	}
}

// bitReader unpacks codes written by bitWriter.
type bitReader struct {
	buf    []byte
	pos    int // next unread bit, MSB-first within buf
}

func (r *bitReader) read(nbits uint) uint64 {
	var ret uint64
	for i := uint(0); i < nbits; i++ {
		byteIdx := r.pos / 8
		bitIdx := 7 - (r.pos % 8)
		bit := (r.buf[byteIdx] >> bitIdx) & 1
		ret = (ret << 1) | uint64(bit)
		r.pos++
	}
	return ret
}

// gcsReader walks a compressed run producing ascending values, used both
// to iterate an existing set and as one side of the merge in Compress.
type gcsReader struct {
	r         *bitReader
	logp      uint
	p         uint32
	remaining uint32 // entries left to decode; bounds against trailing pad bits
}

// newGCSReader reads exactly nvals entries before reporting end-of-stream,
// rather than relying on the bit buffer running out. Byte-aligned flushing
// pads the final byte with zero bits, which would otherwise decode as a
// spurious zero-delta (duplicate) entry.
func newGCSReader(compressed []byte, p uint32, logp uint, nvals uint32) *gcsReader {
	return &gcsReader{r: &bitReader{buf: compressed}, logp: logp, p: p, remaining: nvals}
}

// next returns the next ascending value, or -1 once remaining entries have
// all been decoded.
func (r *gcsReader) next(prevAccum *int64) int64 {
	if r.remaining == 0 {
		return -1
	}
	var q uint32
	for r.r.read(1) == 1 {
		q++
	}
	rem := r.r.read(r.logp)
	delta := int64(q)*int64(r.p) + int64(rem)
	*prevAccum += delta
	r.remaining--
	return *prevAccum
}

// Compress merges pending values into the compressed run via sorted
// merge, Golomb-encoding deltas, and clears pending. This is the only
// operation that makes newly Add-ed values visible to Contains.
func (g *GolombCodedSet) Compress() {
	if len(g.pending) == 0 {
		return
	}

	vals := append([]uint32(nil), g.pending...)
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	g.pending = nil

	logp := g.logP()
	reader := newGCSReader(g.compressed, g.p, logp, g.nvals)
	writer := &bitWriter{}

	var readerAccum int64 = -1
	cVal := reader.next(&readerAccum)

	i := 0
	lVal := int64(vals[i])
	i++

	prevVal := int64(-1)
	prevWritten := int64(-1)
	writeVal := func(v int64) {
		if v == prevWritten {
			return
		}
		delta := v - prevVal
		q := uint32(delta) / g.p
		r := uint32(delta) - q*g.p
		writer.write(uint(q)+1, (uint64(1)<<(q+1))-2) // q ones followed by a terminating zero
		writer.write(logp, uint64(r))
		prevVal = v
		prevWritten = v
	}

	nvals := uint32(0)
	for cVal >= 0 || lVal >= 0 {
		switch {
		case cVal == -1:
			writeVal(lVal)
			nvals++
			if i == len(vals) {
				lVal = -1
			} else {
				lVal = int64(vals[i])
				i++
			}
		case lVal == -1:
			writeVal(cVal)
			nvals++
			cVal = reader.next(&readerAccum)
		case cVal <= lVal:
			same := cVal == lVal
			writeVal(cVal)
			nvals++
			cVal = reader.next(&readerAccum)
			if same {
				if i == len(vals) {
					lVal = -1
				} else {
					lVal = int64(vals[i])
					i++
				}
			}
		default:
			writeVal(lVal)
			nvals++
			if i == len(vals) {
				lVal = -1
			} else {
				lVal = int64(vals[i])
				i++
			}
		}
	}

	writer.flush()
	g.compressed = writer.buf
	g.nvals = nvals
}

// Contains reports whether key was ever added. Compress is called first if
// there are pending values, since membership can only be checked against
// the compressed run.
func (g *GolombCodedSet) Contains(key []byte) bool {
	g.Compress()
	h := murmur3.Sum64WithSeed(key, gcsMurmurSeed)
	target := int64(h % uint64(g.rangeEnd()))

	logp := g.logP()
	reader := newGCSReader(g.compressed, g.p, logp, g.nvals)
	var accum int64 = -1
	for {
		v := reader.next(&accum)
		if v == -1 {
			return false
		}
		if v == target {
			return true
		}
		if v > target {
			return false
		}
	}
}

// Values decodes and returns every distinct value currently represented,
// in strictly ascending order. Intended for tests/diagnostics, not the
// hot path.
func (g *GolombCodedSet) Values() []int64 {
	g.Compress()
	logp := g.logP()
	reader := newGCSReader(g.compressed, g.p, logp, g.nvals)
	var accum int64 = -1
	var out []int64
	for {
		v := reader.next(&accum)
		if v == -1 {
			break
		}
		out = append(out, v)
	}
	return out
}

// Union merges result and incoming's distinct values into result.
func (g *GolombCodedSet) Union(incoming *GolombCodedSet) *GolombCodedSet {
	incomingVals := incoming.Values()
	for _, v := range incomingVals {
		g.pending = append(g.pending, uint32(v))
	}
	g.Compress()
	return g
}

// FillRatio returns the fraction of the value range currently occupied.
func (g *GolombCodedSet) FillRatio() float64 {
	return float64(g.nvals) / float64(g.rangeEnd())
}

// PendingCount returns the number of values added but not yet compressed.
func (g *GolombCodedSet) PendingCount() int { return len(g.pending) }
