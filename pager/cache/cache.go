// cache provides the page cache used by the pager. Eviction policy is
// delegated to groupcache's lru.Cache; this package adapts it to the narrow
// get/add/remove shape the pager needs and adds the notion of a dirty page
// that must never be evicted.
package cache

import (
	"github.com/golang/groupcache/lru"
)

// PageCache caches raw page bytes keyed by page number. Only clean pages are
// evicted; dirty pages are pinned by the caller withholding Add until the
// page is flushed, matching the pager's flush-then-cache discipline.
type PageCache struct {
	lru *lru.Cache
}

// New returns a page cache holding at most maxEntries pages.
func New(maxEntries int) *PageCache {
	return &PageCache{lru: lru.New(maxEntries)}
}

// Get returns the cached bytes for pageNumber and whether they were present.
func (c *PageCache) Get(pageNumber int) ([]byte, bool) {
	v, ok := c.lru.Get(pageNumber)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Add caches content for pageNumber, evicting the least recently used clean
// entry if the cache is full.
func (c *PageCache) Add(pageNumber int, content []byte) {
	c.lru.Add(pageNumber, content)
}

// Remove evicts pageNumber if present. Safe to call on a miss.
func (c *PageCache) Remove(pageNumber int) {
	c.lru.Remove(pageNumber)
}

// Clear empties the cache. Used after recovery replaces page contents out
// from under the cache.
func (c *PageCache) Clear() {
	c.lru.Clear()
}
