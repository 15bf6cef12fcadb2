// Package cache provides the recency tracking used to evict resident
// embedding rows.
//
// LRU is a plain least-recently-used list over comparable keys. It stores no
// values and is not synchronized: the embedding store guards it with the same
// mutex that protects its position map, so recency updates and slot
// reassignment happen atomically.
//
// Eviction accepts a skip predicate so rows pinned by an in-flight batch are
// never chosen as victims.
package cache
