package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTier is a map-backed Tier used to drive the manager without Redis or
// Postgres behind it.
type memoryTier struct {
	name string

	mu      sync.Mutex
	entries map[string]memoryEntry

	failSets bool
}

type memoryEntry struct {
	value     []byte
	tags      []string
	expiresAt time.Time
}

func newMemoryTier(name string) *memoryTier {
	return &memoryTier{name: name, entries: make(map[string]memoryEntry)}
}

func (t *memoryTier) Name() string { return t.name }

func (t *memoryTier) Get(_ context.Context, key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(time.Now()) {
		delete(t.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (t *memoryTier) GetWithTags(ctx context.Context, key string) ([]byte, []string, bool) {
	value, ok := t.Get(ctx, key)
	if !ok {
		return nil, nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return value, t.entries[key].tags, true
}

func (t *memoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) bool {
	if t.failSets {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	t.entries[key] = memoryEntry{value: value, tags: tags, expiresAt: expiresAt}
	return true
}

func (t *memoryTier) Delete(_ context.Context, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	delete(t.entries, key)
	return ok
}

func (t *memoryTier) InvalidateByTags(_ context.Context, tags []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	want := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		want[tag] = struct{}{}
	}
	removed := 0
	for key, entry := range t.entries {
		for _, tag := range entry.tags {
			if _, ok := want[tag]; ok {
				delete(t.entries, key)
				removed++
				break
			}
		}
	}
	return removed
}

func (t *memoryTier) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]memoryEntry)
	return nil
}

func (t *memoryTier) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

func setupManager(t *testing.T) (*Manager, *LRUCache, *memoryTier, *memoryTier) {
	t.Helper()
	l1 := NewLRUCache(100, 1<<20, time.Minute)
	l2 := newMemoryTier("l2")
	l3 := newMemoryTier("l3")
	return NewManager(DefaultConfig(), l1, l2, l3, nil, nil), l1, l2, l3
}

func TestManagerReadThroughPromotion(t *testing.T) {
	m, l1, l2, _ := setupManager(t)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "k", []byte("v"), 0))

	// Drop the L1 copy: the next read must come from L2 and repopulate L1.
	l1.Delete(ctx, "k")
	value, ok := m.GetBytes(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	_, ok = l1.Get(ctx, "k")
	assert.True(t, ok, "L2 hit should repopulate L1")

	value, ok = m.GetBytes(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// Drop L1 and L2: the read falls through to L3 and refills both.
	l1.Delete(ctx, "k")
	l2.Delete(ctx, "k")
	value, ok = m.GetBytes(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	_, ok = l1.Get(ctx, "k")
	assert.True(t, ok, "L3 hit should repopulate L1")
	assert.True(t, l2.has("k"), "L3 hit should repopulate L2")

	_, ok = m.GetBytes(ctx, "k")
	require.True(t, ok)

	snap := m.Metrics()
	assert.Equal(t, uint64(2), snap.L1Hits)
	assert.Equal(t, uint64(2), snap.L1Misses)
	assert.Equal(t, uint64(1), snap.L2Hits)
	assert.Equal(t, uint64(1), snap.L2Misses)
	assert.Equal(t, uint64(1), snap.L3Hits)
	assert.Equal(t, uint64(0), snap.L3Misses)
	// 4 hits (2 L1 + 1 L2 + 1 L3) against 3 misses (2 L1 + 1 L2).
	assert.InDelta(t, 4.0/7.0, snap.HitRate, 0.001)
}

func TestManagerWriteThroughAllTiers(t *testing.T) {
	m, l1, l2, l3 := setupManager(t)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "k", []byte("v"), 0))

	_, ok := l1.Get(ctx, "k")
	assert.True(t, ok)
	assert.True(t, l2.has("k"))
	assert.True(t, l3.has("k"))
}

func TestManagerSetReportsTierFailure(t *testing.T) {
	m, _, _, l3 := setupManager(t)
	l3.failSets = true

	assert.False(t, m.SetBytes(context.Background(), "k", []byte("v"), 0),
		"one failing tier should fail the write-through")

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.Writes)
	assert.Equal(t, uint64(1), snap.WriteFailures)
}

func TestManagerFullMissCountsEveryTier(t *testing.T) {
	m, _, _, _ := setupManager(t)

	_, ok := m.GetBytes(context.Background(), "absent")
	assert.False(t, ok)

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.L1Misses)
	assert.Equal(t, uint64(1), snap.L2Misses)
	assert.Equal(t, uint64(1), snap.L3Misses)
	assert.Zero(t, snap.HitRate)
}

func TestManagerInvalidateByTagsFanout(t *testing.T) {
	m, l1, l2, l3 := setupManager(t)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "est:1", []byte("a"), 0, "establishment:1"))
	require.True(t, m.SetBytes(ctx, "est:1:menu", []byte("b"), 0, "establishment:1", "menus"))
	require.True(t, m.SetBytes(ctx, "est:2", []byte("c"), 0, "establishment:2"))

	counts := m.InvalidateByTags(ctx, []string{"establishment:1"})
	assert.Equal(t, TierCounts{L1: 2, L2: 2, L3: 2}, counts)
	assert.Equal(t, 6, counts.Total())

	// The untagged-for-this-establishment key must survive in every tier.
	_, ok := l1.Get(ctx, "est:2")
	assert.True(t, ok)
	assert.True(t, l2.has("est:2"))
	assert.True(t, l3.has("est:2"))

	_, ok = m.GetBytes(ctx, "est:1")
	assert.False(t, ok)
}

func TestManagerPromotionKeepsTags(t *testing.T) {
	m, l1, l2, _ := setupManager(t)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "est:1", []byte("v"), 0, "establishment:1"))

	// Drop the L1 copy, as its shorter TTL would, and read back through L2.
	l1.Delete(ctx, "est:1")
	_, ok := m.GetBytes(ctx, "est:1")
	require.True(t, ok)

	counts := m.InvalidateByTags(ctx, []string{"establishment:1"})
	assert.Equal(t, 1, counts.L1, "the repopulated L1 copy must keep its tags")
	_, ok = m.GetBytes(ctx, "est:1")
	assert.False(t, ok, "an invalidated key must not survive in any tier")

	// Same trace through an L3 hit refilling both upper tiers.
	require.True(t, m.SetBytes(ctx, "est:2", []byte("w"), 0, "establishment:2"))
	l1.Delete(ctx, "est:2")
	l2.Delete(ctx, "est:2")
	_, ok = m.GetBytes(ctx, "est:2")
	require.True(t, ok)

	counts = m.InvalidateByTags(ctx, []string{"establishment:2"})
	assert.Equal(t, TierCounts{L1: 1, L2: 1, L3: 1}, counts)
	_, ok = m.GetBytes(ctx, "est:2")
	assert.False(t, ok)
}

func TestManagerDeleteRemovesEverywhere(t *testing.T) {
	m, l1, l2, l3 := setupManager(t)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "k", []byte("v"), 0))
	assert.True(t, m.Delete(ctx, "k"))

	_, ok := l1.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, l2.has("k"))
	assert.False(t, l3.has("k"))

	assert.False(t, m.Delete(ctx, "k"), "second delete finds nothing")
}

func TestManagerJSONRoundTrip(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()

	type establishment struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	want := establishment{ID: 12, Name: "Galil Grill"}
	require.True(t, m.Set(ctx, "est:12", want, 0))

	var got establishment
	require.True(t, m.Get(ctx, "est:12", &got))
	assert.Equal(t, want, got)
}

func TestManagerSetRejectsUnserializable(t *testing.T) {
	m, _, _, _ := setupManager(t)

	assert.False(t, m.Set(context.Background(), "bad", func() {}, 0))
	assert.Equal(t, uint64(1), m.Metrics().WriteFailures)
}

func TestManagerCorruptValueIsAMiss(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "k", []byte("{not json"), 0))

	var dest map[string]interface{}
	assert.False(t, m.Get(ctx, "k", &dest))
}

func TestManagerWithoutLowerTiers(t *testing.T) {
	l1 := NewLRUCache(10, 1<<20, time.Minute)
	m := NewManager(DefaultConfig(), l1, nil, nil, nil, nil)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "k", []byte("v"), 0))
	value, ok := m.GetBytes(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	_, ok = m.GetBytes(ctx, "absent")
	assert.False(t, ok)

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.L1Misses)
	assert.Zero(t, snap.L2Misses, "absent L2 must not count misses")
	assert.Zero(t, snap.L3Misses, "absent L3 must not count misses")
}

func TestManagerWarmCache(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()

	m.RegisterWarmingStrategy("keys", NewKeysWarmingStrategy(m))

	loaded, err := m.WarmCache(ctx, "keys", map[string]interface{}{
		"entries": map[string]interface{}{
			"warm:1": "a",
			"warm:2": "b",
		},
		"ttl_seconds": 60,
		"tags":        []string{"warmed"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	var got string
	require.True(t, m.Get(ctx, "warm:1", &got))
	assert.Equal(t, "a", got)

	counts := m.InvalidateByTags(ctx, []string{"warmed"})
	assert.Equal(t, 2, counts.L1)

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.WarmingOps)
	assert.Zero(t, snap.WarmingFailures)
}

func TestManagerWarmCacheUnknownStrategy(t *testing.T) {
	m, _, _, _ := setupManager(t)

	_, err := m.WarmCache(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown warming strategy")
}

func TestManagerWarmCacheStrategyFailure(t *testing.T) {
	m, _, _, _ := setupManager(t)

	m.RegisterWarmingStrategy("broken", func(ctx context.Context, args map[string]interface{}) (int, error) {
		return 3, fmt.Errorf("upstream gone")
	})

	loaded, err := m.WarmCache(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.Equal(t, 3, loaded, "partial loads are still reported")

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.WarmingOps)
	assert.Equal(t, uint64(1), snap.WarmingFailures)
}

func TestManagerCleanupExpired(t *testing.T) {
	l1 := NewLRUCache(10, 1<<20, time.Minute)
	m := NewManager(DefaultConfig(), l1, nil, nil, nil, nil)
	ctx := context.Background()

	l1.Set(ctx, "stale", []byte("v"), time.Millisecond, nil)
	l1.Set(ctx, "fresh", []byte("v"), time.Minute, nil)
	time.Sleep(5 * time.Millisecond)

	result := m.CleanupExpired(ctx)
	assert.Equal(t, 1, result.L1Removed)
	assert.Equal(t, 1, l1.Len())
}

func TestManagerClear(t *testing.T) {
	m, l1, l2, l3 := setupManager(t)
	ctx := context.Background()

	require.True(t, m.SetBytes(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Clear(ctx))

	assert.Zero(t, l1.Len())
	assert.False(t, l2.has("k"))
	assert.False(t, l3.has("k"))
}

func TestManagerResetMetrics(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()

	m.SetBytes(ctx, "k", []byte("v"), 0)
	m.GetBytes(ctx, "k")
	require.NotZero(t, m.Metrics().TotalOperations)

	m.ResetMetrics()
	snap := m.Metrics()
	assert.Zero(t, snap.TotalOperations)
	assert.Zero(t, snap.L1Hits)
	assert.Zero(t, snap.Writes)
}
