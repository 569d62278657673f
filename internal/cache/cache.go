// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cache provides a small sharded LRU used to recycle scratch
// buffers (depth and coverage planes, staging slices) across pipeline
// calls keyed by resolution.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// shardCount is a power of two so shard selection is a mask.
	shardCount = 8
	shardMask  = shardCount - 1

	// DefaultCapacity is the per-shard entry cap when none is given.
	DefaultCapacity = 32
)

// Hasher computes the shard hash for a key.
type Hasher[K any] func(K) uint64

// Uint64Hasher is the identity hash for uint64 keys.
func Uint64Hasher(u uint64) uint64 { return u }

// IntHasher hashes an int key with FNV-1a.
func IntHasher(i int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for b := range buf {
		buf[b] = byte(i >> (8 * b))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// node is an intrusive LRU list node; the list is most-recent first.
type node[K comparable] struct {
	key        K
	prev, next *node[K]
}

type entry[K comparable, V any] struct {
	value V
	node  *node[K]
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	head    *node[K]
	tail    *node[K]
}

// Sharded is a thread-safe sharded LRU cache. Values are stored as-is;
// callers must not mutate a value after another caller may have
// received it.
type Sharded[K comparable, V any] struct {
	shards   [shardCount]*shard[K, V]
	hasher   Hasher[K]
	capacity int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a sharded cache holding up to capacity entries per shard.
// If capacity <= 0, DefaultCapacity is used.
func New[K comparable, V any](capacity int, hasher Hasher[K]) *Sharded[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Sharded[K, V]{hasher: hasher, capacity: capacity}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{entries: make(map[K]*entry[K, V])}
	}
	return c
}

func (c *Sharded[K, V]) shardFor(key K) *shard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// Get returns the cached value and whether it was present, refreshing
// its LRU position on hit.
func (c *Sharded[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	s.moveToFront(e.node)
	v := e.value
	s.mu.Unlock()
	c.hits.Add(1)
	return v, true
}

// Put stores value under key, evicting the least recently used entries
// if the shard is full.
func (c *Sharded[K, V]) Put(key K, value V) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.value = value
		s.moveToFront(e.node)
		return
	}
	c.evictLocked(s)
	s.insert(key, value)
}

// GetOrCreate returns the cached value for key, calling create under
// the shard lock to fill a miss. Concurrent callers of the same key see
// one create call.
func (c *Sharded[K, V]) GetOrCreate(key K, create func() V) V {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.moveToFront(e.node)
		c.hits.Add(1)
		return e.value
	}
	c.misses.Add(1)
	v := create()
	c.evictLocked(s)
	s.insert(key, v)
	return v
}

func (c *Sharded[K, V]) evictLocked(s *shard[K, V]) {
	for len(s.entries) >= c.capacity && s.tail != nil {
		old := s.tail
		s.unlink(old)
		delete(s.entries, old.key)
		c.evictions.Add(1)
	}
}

// Clear drops every entry.
func (c *Sharded[K, V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[K]*entry[K, V])
		s.head, s.tail = nil, nil
		s.mu.Unlock()
	}
}

// Len returns the total entry count across shards.
func (c *Sharded[K, V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns current counters.
func (c *Sharded[K, V]) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (s *shard[K, V]) insert(key K, value V) {
	n := &node[K]{key: key}
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.entries[key] = &entry[K, V]{value: value, node: n}
}

func (s *shard[K, V]) unlink(n *node[K]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (s *shard[K, V]) moveToFront(n *node[K]) {
	if s.head == n {
		return
	}
	s.unlink(n)
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}
