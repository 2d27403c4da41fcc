package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// TTL is a sharded by-key cache with per-entry expiry. Used for mark prices
// and symbol filter lookups that are read on every hot-path decision.
type TTL[V any] struct {
	shards [numShards]*shard[V]
	ttl    time.Duration
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// NewTTL creates a sharded cache. ttl <= 0 disables expiry.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	c := &TTL[V]{ttl: ttl}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

func (c *TTL[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value for a key.
func (c *TTL[V]) Set(key string, value V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, updatedAt: time.Now()}
	s.mu.Unlock()
}

// Get retrieves a value; ok is false when missing or expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && time.Since(e.updatedAt) > c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Age returns how long ago the key was last written.
func (c *TTL[V]) Age(key string) (time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(e.updatedAt), true
}
