package cache

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, string]
	// byEntity maps an entity ID to the keys cached for it. The LRU's eviction callback keeps
	// it in step, so it only changes under mu.
	byEntity map[string]map[string]struct{}
}

// Sharded is an in-process LRU split across independently locked shards.
type Sharded struct {
	shards []*shard
	mask   uint64
}

var _ Cache = (*Sharded)(nil)

// NewSharded creates a cache of roughly capacity entries. shards is rounded up to a power of two.
func NewSharded(shards, capacity int) *Sharded {
	n := 1
	for n < shards {
		n <<= 1
	}
	perShard := max(capacity/n, 1)

	c := &Sharded{shards: make([]*shard, n), mask: uint64(n - 1)}
	for i := range c.shards {
		s := &shard{byEntity: make(map[string]map[string]struct{})}
		// NewLRU only fails on a non-positive size.
		s.lru, _ = simplelru.NewLRU[string, string](perShard, s.forget)
		c.shards[i] = s
	}
	return c
}

func (c *Sharded) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

func (c *Sharded) Get(_ context.Context, key string) (string, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(key)
}

func (c *Sharded) Set(_ context.Context, key, entityID string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove first so a key moving to another entity leaves the old entity's index.
	s.lru.Remove(key)
	s.lru.Add(key, entityID)
	keys, ok := s.byEntity[entityID]
	if !ok {
		keys = make(map[string]struct{})
		s.byEntity[entityID] = keys
	}
	keys[key] = struct{}{}
}

func (c *Sharded) Delete(_ context.Context, key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}

func (c *Sharded) Invalidate(_ context.Context, entityIDs ...string) {
	for _, s := range c.shards {
		s.mu.Lock()
		for _, id := range entityIDs {
			for key := range s.byEntity[id] {
				s.lru.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

// Len reports the number of cached keys.
func (c *Sharded) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

// forget runs from the LRU on eviction and removal, with mu already held.
func (s *shard) forget(key, entityID string) {
	keys, ok := s.byEntity[entityID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(s.byEntity, entityID)
	}
}
