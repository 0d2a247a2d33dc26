package combiner

import "time"

// groupsPlanLifespan mirrors the source's GROUPS_PLAN_LIFESPAN (10s):
// combiner.c caches the compiled SELECT plan for "fetch existing groups by
// hash" for 10 seconds before re-preparing it. This core has no SQL planner
// to cache, so the TTL instead bounds how long a combiner trusts an
// already-fetched hash -> row mapping before re-querying the matrel,
// preserving the same intent (amortize repeated batched lookups).
const groupsPlanLifespan = 10 * time.Second

// existingGroupsCache is the per-query, per-combiner "ExistingGroups" table
// (spec.md glossary): group hash -> on-disk row, with a miss recorded too so
// a run of batches hitting a genuinely new group doesn't re-query the
// matrel on every single one within the TTL window.
type existingGroupsCache struct {
	rows    map[uint64]MatrelRow
	present map[uint64]bool
	asOf    time.Time
}

func newExistingGroupsCache() *existingGroupsCache {
	return &existingGroupsCache{
		rows:    make(map[uint64]MatrelRow),
		present: make(map[uint64]bool),
		asOf:    time.Time{},
	}
}

func (c *existingGroupsCache) expired() bool {
	return c.asOf.IsZero() || time.Since(c.asOf) > groupsPlanLifespan
}

// lookup reports whether hash's existence is already known from a prior
// fetch within the TTL window. ok is false both when the cache has expired
// and when the hash has simply never been looked up.
func (c *existingGroupsCache) lookup(hash uint64) (MatrelRow, bool) {
	if c.expired() {
		return MatrelRow{}, false
	}
	if !c.present[hash] {
		return MatrelRow{}, false
	}
	return c.rows[hash], true
}

// populate records the result of a fresh matrel fetch: fetched[i] and
// rows[i] correspond (rows[i] nil means no matrel row has that hash). Every
// fetched hash is recorded as present, found or not, resetting the TTL
// window, so a run of batches touching a genuinely new group doesn't
// re-query the matrel on every single one.
func (c *existingGroupsCache) populate(fetched []uint64, rows []*MatrelRow) {
	if c.expired() {
		c.rows = make(map[uint64]MatrelRow)
		c.present = make(map[uint64]bool)
	}
	c.asOf = time.Now()

	for i, h := range fetched {
		c.present[h] = true
		if rows[i] != nil {
			c.rows[h] = *rows[i]
		} else {
			delete(c.rows, h)
		}
	}
}

// put records a freshly synced row, keeping the cache warm for the group
// that was just written without waiting on the next fetch cycle.
func (c *existingGroupsCache) put(hash uint64, row MatrelRow) {
	if c.rows == nil {
		c.rows = make(map[uint64]MatrelRow)
		c.present = make(map[uint64]bool)
	}
	c.rows[hash] = row
	c.present[hash] = true
}
