package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUStats is a point-in-time snapshot of the L1 tier
type LRUStats struct {
	Entries      int   `json:"entries"`
	CurrentBytes int64 `json:"current_bytes"`
	MaxEntries   int   `json:"max_entries"`
	MaxBytes     int64 `json:"max_bytes"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	Expirations  int64 `json:"expirations"`
}

// lruNode is the list element payload; the list front is the MRU end
type lruNode struct {
	key   string
	entry Entry
}

// LRUCache is the in-process L1 tier: a map into a doubly-linked list with
// entry and byte caps, per-entry TTL, and a tag index via entry scan. It is
// safe for concurrent use.
type LRUCache struct {
	mu           sync.Mutex
	items        map[string]*list.Element
	order        *list.List
	maxEntries   int
	maxBytes     int64
	currentBytes int64
	defaultTTL   time.Duration

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// NewLRUCache creates an L1 cache with the given caps. Non-positive caps
// fall back to the defaults (5000 entries, 64MB).
func NewLRUCache(maxEntries int, maxBytes int64, defaultTTL time.Duration) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}
	return &LRUCache{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
	}
}

// Name implements Tier.Name
func (c *LRUCache) Name() string { return "l1" }

// Get returns the value for key, promoting it to most-recently-used.
// Expired entries are removed and reported as a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	node := elem.Value.(*lruNode)
	if node.entry.Expired(time.Now()) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	node.entry.LastAccessed = time.Now()
	node.entry.AccessCount++
	c.hits++
	return node.entry.Value, true
}

// Set stores value under key. A zero ttl selects the tier default; a
// negative ttl stores without expiry. Returns false when the value can never
// fit within the byte cap.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) bool {
	size := int64(len(value))
	if size > c.maxBytes {
		return false
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	entry := Entry{
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  0,
		Tags:         tagSet(tags),
		SizeBytes:    int(size),
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		node := elem.Value.(*lruNode)
		c.currentBytes += size - int64(node.entry.SizeBytes)
		node.entry = entry
		c.order.MoveToFront(elem)
		c.evictBytes()
		return true
	}

	c.evictFor(size)
	elem := c.order.PushFront(&lruNode{key: key, entry: entry})
	c.items[key] = elem
	c.currentBytes += size
	return true
}

// evictFor removes LRU entries until the caps admit one more entry of
// incoming bytes. Callers hold the mutex.
func (c *LRUCache) evictFor(incoming int64) {
	for len(c.items) >= c.maxEntries || c.currentBytes+incoming > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.evictions++
	}
}

// evictBytes enforces only the byte cap; used after in-place updates where
// the entry count is unchanged. Callers hold the mutex.
func (c *LRUCache) evictBytes() {
	for c.currentBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.evictions++
	}
}

// Delete removes key, reporting whether it was present
func (c *LRUCache) Delete(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// InvalidateByTags removes every entry carrying any of the given tags.
// The scan is linear; L1 is bounded so this stays cheap.
func (c *LRUCache) InvalidateByTags(_ context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*lruNode).entry.HasAnyTag(tags) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Clear drops every entry
func (c *LRUCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.currentBytes = 0
	return nil
}

// RemoveExpired removes all expired entries and returns the count
func (c *LRUCache) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*lruNode).entry.Expired(now) {
			c.removeElement(elem)
			c.expirations++
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the number of live entries
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of tier counters
func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Entries:      len(c.items),
		CurrentBytes: c.currentBytes,
		MaxEntries:   c.maxEntries,
		MaxBytes:     c.maxBytes,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
	}
}

// removeElement unlinks elem from the list and map. Callers hold the mutex.
func (c *LRUCache) removeElement(elem *list.Element) {
	node := elem.Value.(*lruNode)
	c.order.Remove(elem)
	delete(c.items, node.key)
	c.currentBytes -= int64(node.entry.SizeBytes)
}
