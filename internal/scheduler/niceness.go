package scheduler

import "math"

// defaultNice is the niceness floor the formula never goes below, matching
// the source's PG_PROC_PRIORITY_DEFAULT (the priority worker/combiner
// processes start at before any offset is applied).
const defaultNice = 0

// Niceness computes the `nice` offset for a given [0,1] priority scaler, per
// cont_scheduler.c: nice = max(default, 20 - ceil(p*(20-default))). p=0
// gives nice 20, the lowest priority; p=1 gives defaultNice, the highest
// priority (lowest nice value) the formula allows.
func Niceness(p float64) int {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	n := 20 - int(math.Ceil(p*float64(20-defaultNice)))
	if n < defaultNice {
		return defaultNice
	}
	return n
}
