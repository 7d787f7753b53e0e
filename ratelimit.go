package main

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupCache is the contract the dispatcher uses to suppress duplicate
// notifications caused by Gerrit redelivering events across a reconnect.
// backend.RedisDedupCache satisfies the same contract for operators who
// want the dedup state to survive a restart.
type DedupCache interface {
	// Touch records key as seen and reports whether it had already been
	// seen within the cache's window.
	Touch(key string) bool
}

// LRUDedupCache is the default, in-process duplicate-notification cache:
// bounded by count and by a time-to-live, matching the dispatcher's
// per-recipient dedup contract.
type LRUDedupCache struct {
	cache *lru.LRU[string, struct{}]
}

// NewLRUDedupCache returns a cache holding up to size entries, each
// expiring after ttl.
func NewLRUDedupCache(size int, ttl time.Duration) *LRUDedupCache {
	return &LRUDedupCache{cache: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

// Touch reports whether key was already present before this call.
func (c *LRUDedupCache) Touch(key string) bool {
	if _, hit := c.cache.Get(key); hit {
		return true
	}
	c.cache.Add(key, struct{}{})
	return false
}
