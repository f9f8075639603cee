// Package memcache is a bounded in-process LRU whose entries expire after a
// fixed TTL. Expired entries are dropped when read or when they fall off the
// LRU end, so the cache runs no background goroutine and needs no shutdown.
package memcache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache is safe for concurrent use
type Cache[V any] struct {
	lru *lru.Cache[string, entry[V]]
	ttl time.Duration
	now func() time.Time
}

// New creates a cache holding at most size entries for ttl each
func New[V any](size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = 1000
	}
	// lru.New only fails on a non-positive size.
	l, _ := lru.New[string, entry[V]](size)
	return &Cache[V]{lru: l, ttl: ttl, now: time.Now}
}

// Get returns a live entry
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Add stores value, replacing any previous entry for key
func (c *Cache[V]) Add(key string, value V) {
	c.lru.Add(key, entry[V]{value: value, expires: c.now().Add(c.ttl)})
}

// Remove drops key
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// RemovePrefix drops every key starting with prefix and returns how many
// were removed
func (c *Cache[V]) RemovePrefix(prefix string) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Len counts entries, including expired ones not yet collected
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Purge empties the cache
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}
