package dedupe

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// SeenCache is a sharded process-local cache of recently observed event keys.
// It is a fast path layered in front of a Store: a hit means the key was
// definitely seen, a miss means nothing and the caller must still consult the
// store. It never overrides the store's answer.
type SeenCache struct {
	shards [numShards]*seenShard
}

type seenShard struct {
	mu    sync.RWMutex
	items map[string]time.Time // key -> expiry
}

// NewSeenCache creates an empty cache.
func NewSeenCache() *SeenCache {
	c := &SeenCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &seenShard{items: make(map[string]time.Time)}
	}
	return c
}

func (c *SeenCache) getShard(key string) *seenShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Mark records a key for ttl.
func (c *SeenCache) Mark(key string, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = time.Now().Add(ttl)
	shard.mu.Unlock()
}

// Seen reports whether the key has a live local entry.
func (c *SeenCache) Seen(key string) bool {
	shard := c.getShard(key)
	shard.mu.RLock()
	exp, ok := shard.items[key]
	shard.mu.RUnlock()
	return ok && time.Now().Before(exp)
}

// Len returns total items across all shards, expired ones included.
func (c *SeenCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *SeenCache) Cleanup() int {
	removed := 0
	now := time.Now()

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, exp := range shard.items {
			if now.After(exp) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
