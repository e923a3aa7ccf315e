// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// DestinationRecord identifies one replica posted for an original message.
type DestinationRecord struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	RelayID   string `json:"relay_id"`
}

// cacheEntry is stored in the insertion-order list.
type cacheEntry struct {
	originID string
	records  []DestinationRecord
}

// CorrelationCache maps original message ids to the replicas posted for
// them. It holds at most Capacity entries and evicts in insertion order:
// the oldest reserved id goes first, lookups never refresh an entry.
//
// All methods are safe for concurrent use and never fail. A missing entry
// only means edits and deletions of that message are no longer mirrored.
type CorrelationCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // Front = oldest, Back = newest

	evictions atomic.Int64
}

// NewCorrelationCache creates a cache holding at most capacity entries.
// A capacity of 0 is valid: every reservation is evicted immediately.
// Negative capacities are treated as 0.
func NewCorrelationCache(capacity int) *CorrelationCache {
	if capacity < 0 {
		capacity = 0
	}
	return &CorrelationCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Reserve creates an empty entry for originID so concurrent fan-out tasks
// have somewhere to append. It returns false without changing anything if
// originID is already tracked.
func (c *CorrelationCache) Reserve(originID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[originID]; ok {
		return false
	}
	for c.order.Len() > 0 && c.order.Len() >= c.capacity {
		c.evictOldestLocked()
	}
	if c.capacity == 0 {
		c.evictions.Add(1)
		return true
	}
	c.items[originID] = c.order.PushBack(&cacheEntry{originID: originID})
	return true
}

func (c *CorrelationCache) evictOldestLocked() {
	oldest := c.order.Front()
	if oldest == nil {
		return
	}
	c.order.Remove(oldest)
	delete(c.items, oldest.Value.(*cacheEntry).originID)
	c.evictions.Add(1)
}

// Append adds a replica record to the entry for originID. If the entry has
// been evicted or removed in the meantime the record is dropped.
func (c *CorrelationCache) Append(originID string, record DestinationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[originID]
	if !ok {
		return
	}
	entry := elem.Value.(*cacheEntry)
	entry.records = append(entry.records, record)
}

// Lookup returns a copy of the records for originID.
func (c *CorrelationCache) Lookup(originID string) ([]DestinationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[originID]
	if !ok {
		return nil, false
	}
	records := elem.Value.(*cacheEntry).records
	out := make([]DestinationRecord, len(records))
	copy(out, records)
	return out, true
}

// Remove deletes the entry for originID if present.
func (c *CorrelationCache) Remove(originID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[originID]
	if !ok {
		return
	}
	c.order.Remove(elem)
	delete(c.items, originID)
}

// Len returns the number of tracked original messages.
func (c *CorrelationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the maximum number of entries.
func (c *CorrelationCache) Capacity() int {
	return c.capacity
}

// Evictions returns how many entries were dropped to make room.
func (c *CorrelationCache) Evictions() int64 {
	return c.evictions.Load()
}

// Keys returns the tracked ids, oldest first.
func (c *CorrelationCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*cacheEntry).originID)
	}
	return keys
}

// CacheSnapshotEntry is one persisted cache entry.
type CacheSnapshotEntry struct {
	OriginID string              `json:"origin_id"`
	Records  []DestinationRecord `json:"records"`
}

// CacheSnapshot is the on-disk form of a CorrelationCache. Entries are
// ordered oldest first so eviction order survives a restart.
type CacheSnapshot struct {
	Entries []CacheSnapshotEntry `json:"entries"`
}

// Snapshot copies the current contents in insertion order.
func (c *CorrelationCache) Snapshot() CacheSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := CacheSnapshot{Entries: make([]CacheSnapshotEntry, 0, c.order.Len())}
	for e := c.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*cacheEntry)
		records := make([]DestinationRecord, len(entry.records))
		copy(records, entry.records)
		snap.Entries = append(snap.Entries, CacheSnapshotEntry{OriginID: entry.originID, Records: records})
	}
	return snap
}

// Restore replays a snapshot through Reserve and Append, oldest first, so
// the capacity bound holds even when the snapshot was taken with a larger
// capacity.
func (c *CorrelationCache) Restore(snap CacheSnapshot) {
	for _, entry := range snap.Entries {
		if entry.OriginID == "" {
			continue
		}
		c.Reserve(entry.OriginID)
		for _, rec := range entry.Records {
			c.Append(entry.OriginID, rec)
		}
	}
}
