package sketch

import (
	"math"

	"github.com/spaolacci/murmur3"
)

const cmsDefaultP = 0.995
const cmsDefaultEps = 0.002
const cmsMurmurSeed uint32 = 0xdc863e6f

// CountMin is a Count-Min sketch: a d x w table of counters. Conservative
// update (only raise a cell to max(current, min+count) rather than adding
// count outright) trades a little update cost for materially better
// accuracy, per cmsketch.c.
type CountMin struct {
	d, w  uint32
	table []uint32 // row-major, d rows of w columns
	count uint64   // total weight added
}

// NewCountMinWithDAndW creates a sketch with explicit dimensions.
func NewCountMinWithDAndW(d, w uint32) *CountMin {
	return &CountMin{d: d, w: w, table: make([]uint32, int(d)*int(w))}
}

// NewCountMinWithEpsAndP sizes w = ceil(e/epsilon), d = ceil(ln(1/(1-p))),
// exactly as cmsketch.c does.
func NewCountMinWithEpsAndP(epsilon, p float64) *CountMin {
	w := uint32(math.Ceil(math.E / epsilon))
	d := uint32(math.Ceil(math.Log(1 / (1 - p))))
	return NewCountMinWithDAndW(d, w)
}

// NewCountMin creates a sketch with the source's defaults (eps=0.002,
// p=0.995), giving roughly a 0.2% error bound at 99.5% confidence.
func NewCountMin() *CountMin {
	return NewCountMinWithEpsAndP(cmsDefaultEps, cmsDefaultP)
}

func (c *CountMin) cell(row uint32, h0, h1 uint64) uint32 {
	return uint32((h0 + uint64(row)*h1) % uint64(c.w))
}

// Add applies a conservative update of count for key.
func (c *CountMin) Add(key []byte, count uint32) {
	h0, h1 := murmur3.Sum128WithSeed(key, cmsMurmurSeed)

	min := uint32(math.MaxUint32)
	for row := uint32(0); row < c.d; row++ {
		v := c.table[row*c.w+c.cell(row, h0, h1)]
		if v < min {
			min = v
		}
	}

	for row := uint32(0); row < c.d; row++ {
		idx := row*c.w + c.cell(row, h0, h1)
		if want := min + count; c.table[idx] < want {
			c.table[idx] = want
		}
	}

	c.count += uint64(count)
}

// EstimateFrequency returns the row-wise minimum count for key, an
// over-estimate of its true frequency with error bounded by
// epsilon*total_count.
func (c *CountMin) EstimateFrequency(key []byte) uint32 {
	h0, h1 := murmur3.Sum128WithSeed(key, cmsMurmurSeed)
	min := uint32(math.MaxUint32)
	for row := uint32(0); row < c.d; row++ {
		v := c.table[row*c.w+c.cell(row, h0, h1)]
		if v < min {
			min = v
		}
	}
	return min
}

// EstimateNormFrequency returns EstimateFrequency(key) / Total().
func (c *CountMin) EstimateNormFrequency(key []byte) float64 {
	if c.count == 0 {
		return 0
	}
	return float64(c.EstimateFrequency(key)) / float64(c.count)
}

// Total returns the sum of all weights added.
func (c *CountMin) Total() uint64 { return c.count }

// Merge adds incoming's table cellwise into the receiver. Both sketches
// must share (d, w); this is both associative and commutative, which is
// what lets partials from independent workers combine in any order.
func (c *CountMin) Merge(incoming *CountMin) *CountMin {
	if c.d != incoming.d || c.w != incoming.w {
		panic("sketch: cannot merge count-min sketches of different sizes")
	}
	for i := range c.table {
		c.table[i] += incoming.table[i]
	}
	c.count += incoming.count
	return c
}

// Dims returns the sketch's (d, w) dimensions.
func (c *CountMin) Dims() (d, w uint32) { return c.d, c.w }
