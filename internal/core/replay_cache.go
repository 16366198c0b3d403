package core

import (
	"container/list"
	"context"
	"sync"
)

// ReceiptStore is the durable tier of the replay cache: receipts of
// persisted transactions keyed by signing digest.
type ReceiptStore interface {
	LookupReceipt(ctx context.Context, digest string) (*Receipt, bool, error)
}

// ReplayCache keeps receipts of recently accepted envelopes.
//
// Tier 1 is an in-memory LRU consulted under the engine lock to classify a
// nonce rejection as a replay. Tier 2 is the persisted log, consulted only
// by Lookup, which callers run outside the engine lock.
type ReplayCache struct {
	mu      sync.Mutex
	lru     *ReceiptLRU
	store   ReceiptStore
	metrics *ReplayMetrics
}

func NewReplayCache(capacity int, store ReceiptStore) *ReplayCache {
	return &ReplayCache{
		lru:     NewReceiptLRU(capacity),
		store:   store,
		metrics: NewReplayMetrics(),
	}
}

// Contains reports whether digest is in the LRU. It never touches the
// store.
func (c *ReplayCache) Contains(digest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Get(digest)
	return ok
}

// Add records the receipt of an accepted envelope.
func (c *ReplayCache) Add(digest string, r *Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(digest, r)
}

// Lookup finds a receipt by digest (two-tier lookup). A store hit is
// promoted into the LRU.
func (c *ReplayCache) Lookup(ctx context.Context, digest string) (*Receipt, bool, error) {
	c.mu.Lock()
	r, ok := c.lru.Get(digest)
	c.mu.Unlock()
	if ok {
		c.metrics.RecordHit("lru")
		return r.clone(), true, nil
	}

	if c.store == nil {
		return nil, false, nil
	}
	r, ok, err := c.store.LookupReceipt(ctx, digest)
	if err != nil {
		c.metrics.RecordTier2Error()
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	c.metrics.RecordHit("postgres")
	c.Add(digest, r)
	return r.clone(), true, nil
}

// Warm loads receipts (oldest first) into the LRU after a restart.
func (c *ReplayCache) Warm(receipts []*Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range receipts {
		if r != nil && r.Digest != "" {
			c.lru.Add(r.Digest, r)
		}
	}
}

// Clear empties the LRU (restore replaces history wholesale).
func (c *ReplayCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru = NewReceiptLRU(c.lru.capacity)
}

func (c *ReplayCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Size()
}

func (c *ReplayCache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Evictions()
}

func (c *ReplayCache) Metrics() *ReplayMetrics {
	return c.metrics
}

// --- LRU Implementation ---

// ReceiptLRU is an LRU map from signing digest to receipt.
// Not thread-safe: guarded by ReplayCache.
type ReceiptLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key     string
	receipt *Receipt
}

func NewReceiptLRU(capacity int) *ReceiptLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReceiptLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the receipt for key (promotes to front).
func (lru *ReceiptLRU) Get(key string) (*Receipt, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return nil, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).receipt, true
}

// Add inserts a receipt (or refreshes an existing key).
func (lru *ReceiptLRU) Add(key string, r *Receipt) {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).receipt = r
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, receipt: r})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *ReceiptLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *ReceiptLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *ReceiptLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// ReplayMetrics tracks lookup stats.
type ReplayMetrics struct {
	mu          sync.Mutex
	hits        map[string]int64 // tier -> count
	tier2Errors int64
}

func NewReplayMetrics() *ReplayMetrics {
	return &ReplayMetrics{
		hits: make(map[string]int64),
	}
}

func (m *ReplayMetrics) RecordHit(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[tier]++
}

func (m *ReplayMetrics) RecordTier2Error() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier2Errors++
}

func (m *ReplayMetrics) GetHits(tier string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[tier]
}

func (m *ReplayMetrics) GetTier2Errors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier2Errors
}
