// Package groupcache implements the combiner's bounded-memory cache from
// grouping-key to the most recently synced aggregate tuple, avoiding a
// matrel round-trip for groups that are still hot. Grounded on
// original_source/src/backend/pipeline/groupcache.c: a hash table paired
// with a doubly-linked LRU access list, evicting from the tail until enough
// space is freed.
package groupcache

import "container/list"

// entryOverhead approximates groupcache.c's ENTRY_SIZE additions for
// HeapTupleEntry/GroupCacheEntry/LRUEntry bookkeeping that exist alongside
// every cached tuple regardless of its payload size.
const entryOverhead = 64

type entry struct {
	key     string
	tuple   []byte
	element *list.Element
}

// GroupCache is a size-bounded (not count-bounded) LRU from grouping-key
// bytes to the last-synced aggregate tuple for that group.
type GroupCache struct {
	maxSize   int64
	available int64
	entries   map[string]*entry
	lru       *list.List // front = most recently used
}

// New creates an empty cache with the given byte budget.
func New(maxSize int64) *GroupCache {
	return &GroupCache{
		maxSize:   maxSize,
		available: maxSize,
		entries:   make(map[string]*entry),
		lru:       list.New(),
	}
}

func sizeOf(key string, tuple []byte) int64 {
	return int64(len(key)) + int64(len(tuple)) + entryOverhead
}

// evict frees cache space from the LRU tail until at least needed bytes are
// available, or the cache is empty.
func (c *GroupCache) evict(needed int64) {
	for c.available < needed {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.entries, e.key)
		c.available += sizeOf(e.key, e.tuple)
	}
}

// Put caches tuple under key, moving it to the MRU position. Returns false
// if tuple could never fit (larger than maxSize), matching the source's
// "don't bother" early return.
func (c *GroupCache) Put(key []byte, tuple []byte) bool {
	k := string(key)
	needed := sizeOf(k, tuple)
	if needed > c.maxSize {
		return false
	}

	if existing, ok := c.entries[k]; ok {
		c.available += sizeOf(existing.key, existing.tuple)
		c.lru.Remove(existing.element)
		delete(c.entries, k)
	}

	if needed > c.available {
		c.evict(needed)
	}

	e := &entry{key: k, tuple: tuple}
	e.element = c.lru.PushFront(e)
	c.entries[k] = e
	c.available -= needed

	return true
}

// Get looks up key, promoting it to MRU on a hit.
func (c *GroupCache) Get(key []byte) ([]byte, bool) {
	e, ok := c.entries[string(key)]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(e.element)
	return e.tuple, true
}

// Delete removes key from both the hash table and the LRU list, a no-op if
// absent.
func (c *GroupCache) Delete(key []byte) {
	k := string(key)
	e, ok := c.entries[k]
	if !ok {
		return
	}
	c.lru.Remove(e.element)
	delete(c.entries, k)
	c.available += sizeOf(e.key, e.tuple)
}

// Len returns the number of cached groups.
func (c *GroupCache) Len() int { return len(c.entries) }

// Available returns the number of bytes currently unused in the budget.
func (c *GroupCache) Available() int64 { return c.available }
