package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds a ResultCache created with a non-positive capacity
const DefaultCapacity = 1000

// ResultCache is a bounded memo table evicting the least recently touched
// entry on overflow
type ResultCache[V any] struct {
	capacity int
	entries  *lru.Cache[string, V]
	evicted  int
}

// New creates a cache holding at most capacity entries
func New[V any](capacity int) *ResultCache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only fails on a non-positive size
	entries, err := lru.New[string, V](capacity)
	if err != nil {
		panic(err)
	}
	return &ResultCache[V]{
		capacity: capacity,
		entries:  entries,
	}
}

// Has reports whether key is cached without touching it
func (c *ResultCache[V]) Has(key string) bool {
	return c.entries.Contains(key)
}

// Get returns the cached value and marks it most recently touched
func (c *ResultCache[V]) Get(key string) (V, bool) {
	return c.entries.Get(key)
}

// Set stores value under key, evicting the least recently touched entry
// when the cache is full
func (c *ResultCache[V]) Set(key string, value V) {
	if c.entries.Add(key, value) {
		c.evicted++
	}
}

// Len returns the number of cached entries
func (c *ResultCache[V]) Len() int {
	return c.entries.Len()
}

// Capacity returns the configured bound
func (c *ResultCache[V]) Capacity() int {
	return c.capacity
}

// Evictions returns how many entries were dropped by capacity pressure
func (c *ResultCache[V]) Evictions() int {
	return c.evicted
}
