package trigger

import (
	"sync"
	"time"

	"github.com/pgstream/cqengine/internal/plan"
)

// TriggerEvent is a bitmask of row-level events a Trigger fires for,
// mirroring TRIGGER_FOR_INSERT/TRIGGER_FOR_UPDATE.
type TriggerEvent int

const (
	EventInsert TriggerEvent = 1 << iota
	EventUpdate
)

// Predicate evaluates a trigger's WHEN clause against the old/new row
// pair. Compiling `tgqual` text into an expression tree is SQL-compilation
// work (spec.md §1 Non-goal); callers supply the compiled predicate the
// same way plan.AggFunc stands in for a compiled aggregate.  A nil
// Predicate always fires (trigger.c's "no WHEN clause" fast path).
type Predicate func(old, new plan.Row) bool

// Trigger is one registered row-level trigger on a CQ's matrel.
type Trigger struct {
	OID      int64
	Name     string
	CVName   string
	CVID     int32
	Events   TriggerEvent
	When     Predicate
	Project  func(plan.Row) plan.Row // overlay projection, sliding-window CQs only; nil otherwise
}

// Matches reports whether t fires for a change of kind action.
func (t Trigger) Matches(action ChangeType) bool {
	switch action {
	case ChangeInsert:
		return t.Events&EventInsert != 0
	case ChangeUpdate:
		return t.Events&EventUpdate != 0
	default:
		return false
	}
}

// SubscriptionName is the alert-server subscription name for this trigger,
// formatted "view_name.trigger_name" (trigger.c's make_full_name).
func (t Trigger) SubscriptionName() string {
	return t.CVName + "." + t.Name
}

// CacheEntry is the per-matrel trigger cache (TriggerCacheEntry): which
// triggers are currently registered for this relation's changes.
type CacheEntry struct {
	MatrelID        int64
	CVID            int32
	IsSlidingWindow bool

	Triggers map[int64]Trigger // keyed by trigger OID
}

func newCacheEntry(matrelID int64) *CacheEntry {
	return &CacheEntry{MatrelID: matrelID, Triggers: make(map[int64]Trigger)}
}

// Diff replaces the entry's trigger set with current (as fetched from the
// catalog/TriggerDesc equivalent), returning what was added and removed —
// diff_triggers's add_trigger/remove_trigger bookkeeping, minus the
// alert-server notification side effect, which the caller performs with
// the returned slices.
func (e *CacheEntry) Diff(current []Trigger) (added, removed []Trigger) {
	seen := make(map[int64]bool, len(current))
	for _, t := range current {
		seen[t.OID] = true
		if _, ok := e.Triggers[t.OID]; !ok {
			added = append(added, t)
		}
		e.Triggers[t.OID] = t
	}
	for oid, t := range e.Triggers {
		if !seen[oid] {
			removed = append(removed, t)
			delete(e.Triggers, oid)
		}
	}
	return added, removed
}

// Cache is the trigger process's full trigger_cache hash table: one
// CacheEntry per matrel relation seen in a decoded WAL change.
type Cache struct {
	mu      sync.Mutex
	entries map[int64]*CacheEntry
}

// NewCache returns an empty trigger cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int64]*CacheEntry)}
}

// EntryFor returns (creating if necessary) the cache entry for matrelID.
func (c *Cache) EntryFor(matrelID int64) *CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[matrelID]
	if !ok {
		e = newCacheEntry(matrelID)
		c.entries[matrelID] = e
	}
	return e
}

// Remove drops a matrel's cache entry, mirroring ResetTriggerCacheEntry +
// the hash_search(..., HASH_REMOVE, ...) that follows it when the matrel
// relation has disappeared.
func (c *Cache) Remove(matrelID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, matrelID)
}

// MatrelIDs returns every matrel currently tracked, for periodic cleanup
// scans.
func (c *Cache) MatrelIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// cleanupInterval mirrors TRIGGER_CACHE_CLEANUP_INTERVAL (1s).
const cleanupInterval = time.Second
