package cache

import (
	"container/list"
)

// LRU tracks recency of keys and picks eviction victims.
// It stores no values; callers own the data and synchronize access.
type LRU[K comparable] struct {
	items     map[K]*list.Element
	evictList *list.List

	hits   int64
	misses int64
}

// NewLRU creates an empty recency list with room for capacity keys.
func NewLRU[K comparable](capacity int) *LRU[K] {
	return &LRU[K]{
		items:     make(map[K]*list.Element, capacity),
		evictList: list.New(),
	}
}

// Touch marks k as most recently used, inserting it if absent.
// It reports whether k was already tracked.
func (c *LRU[K]) Touch(k K) bool {
	if ent, ok := c.items[k]; ok {
		c.hits++
		c.evictList.MoveToFront(ent)
		return true
	}
	c.misses++
	c.items[k] = c.evictList.PushFront(k)
	return false
}

// Contains reports whether k is tracked without changing its recency.
func (c *LRU[K]) Contains(k K) bool {
	_, ok := c.items[k]
	return ok
}

// Remove stops tracking k.
func (c *LRU[K]) Remove(k K) bool {
	ent, ok := c.items[k]
	if !ok {
		return false
	}
	c.removeElement(ent)
	return true
}

// Evict removes and returns the least recently used key for which skip
// returns false. ok is false if every key is skipped.
func (c *LRU[K]) Evict(skip func(K) bool) (k K, ok bool) {
	for ent := c.evictList.Back(); ent != nil; ent = ent.Prev() {
		key := ent.Value.(K)
		if skip != nil && skip(key) {
			continue
		}
		c.removeElement(ent)
		return key, true
	}
	return k, false
}

// Keys returns tracked keys from most to least recently used.
func (c *LRU[K]) Keys() []K {
	keys := make([]K, 0, len(c.items))
	for ent := c.evictList.Front(); ent != nil; ent = ent.Next() {
		keys = append(keys, ent.Value.(K))
	}
	return keys
}

// Len returns the number of tracked keys.
func (c *LRU[K]) Len() int {
	return c.evictList.Len()
}

// Stats returns Touch hits and misses.
func (c *LRU[K]) Stats() (hits, misses int64) {
	return c.hits, c.misses
}

func (c *LRU[K]) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	delete(c.items, e.Value.(K))
}
