package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosherhub/kosherhub/pkg/cache"
)

func newTestQueryCache(t *testing.T) *QueryCache {
	t.Helper()
	return NewQueryCache(nil, time.Minute, 100, nil, nil)
}

func TestFingerprint(t *testing.T) {
	params := map[string]interface{}{"city": "Jerusalem", "kosher": true}

	fp1 := Fingerprint("SELECT * FROM restaurants WHERE city = :city", params)
	fp2 := Fingerprint("SELECT * FROM restaurants WHERE city = :city", map[string]interface{}{
		"kosher": true, "city": "Jerusalem",
	})
	assert.Equal(t, fp1, fp2, "parameter insertion order must not matter")
	assert.Len(t, fp1, 16)

	fp3 := Fingerprint("SELECT * FROM restaurants WHERE city = :city", map[string]interface{}{
		"city": "Haifa", "kosher": true,
	})
	assert.NotEqual(t, fp1, fp3, "different params must fingerprint differently")

	fp4 := Fingerprint("SELECT * FROM synagogues WHERE city = :city", params)
	assert.NotEqual(t, fp1, fp4, "different statements must fingerprint differently")
}

func TestQueryCacheRoundTrip(t *testing.T) {
	qc := newTestQueryCache(t)
	ctx := context.Background()

	query := "SELECT id, name, seats FROM restaurants WHERE city = :city"
	params := map[string]interface{}{"city": "Jerusalem"}
	rows := []map[string]interface{}{
		{"id": "r1", "name": "Taim", "seats": json.Number("40")},
		{"id": "r2", "name": "Hummus Bar", "seats": json.Number("12")},
	}

	_, ok := qc.Get(ctx, query, params)
	assert.False(t, ok)

	assert.True(t, qc.Set(ctx, query, params, rows, 0))

	got, ok := qc.Get(ctx, query, params)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "Taim", got[0]["name"])
	assert.Equal(t, json.Number("40"), got[0]["seats"], "numerics round-trip as json.Number")

	// Different params are a different entry
	_, ok = qc.Get(ctx, query, map[string]interface{}{"city": "Haifa"})
	assert.False(t, ok)
}

func TestQueryCachePatternInvalidation(t *testing.T) {
	qc := newTestQueryCache(t)
	ctx := context.Background()

	restaurants := "SELECT * FROM restaurants WHERE city = :city"
	users := "SELECT * FROM users WHERE id = :id"
	qc.Set(ctx, restaurants, map[string]interface{}{"city": "Jerusalem"}, []map[string]interface{}{{"id": "r1"}}, 0)
	qc.Set(ctx, users, map[string]interface{}{"id": "u1"}, []map[string]interface{}{{"id": "u1"}}, 0)

	removed := qc.InvalidateByPattern(ctx, "restaurants")
	assert.Equal(t, 1, removed, "only statements mentioning restaurants match")

	_, ok := qc.Get(ctx, restaurants, map[string]interface{}{"city": "Jerusalem"})
	assert.False(t, ok)
	_, ok = qc.Get(ctx, users, map[string]interface{}{"id": "u1"})
	assert.True(t, ok)
}

func TestQueryCacheInvalidateAll(t *testing.T) {
	qc := newTestQueryCache(t)
	ctx := context.Background()

	qc.Set(ctx, "SELECT 1", nil, []map[string]interface{}{{"n": json.Number("1")}}, 0)
	qc.Set(ctx, "SELECT 2", nil, []map[string]interface{}{{"n": json.Number("2")}}, 0)

	removed := qc.InvalidateByPattern(ctx, "")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, qc.Stats().FallbackSize)
}

func TestQueryCacheStats(t *testing.T) {
	qc := newTestQueryCache(t)
	ctx := context.Background()

	query := "SELECT * FROM stores"
	qc.Get(ctx, query, nil) // miss
	qc.Set(ctx, query, nil, []map[string]interface{}{{"id": "s1"}}, 0)
	qc.Get(ctx, query, nil) // hit
	qc.Get(ctx, query, nil) // hit

	stats := qc.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Stores)
	assert.Equal(t, 1, stats.FallbackSize)
}

func TestQueryCacheTiersIntegration(t *testing.T) {
	l1 := cache.NewLRUCache(100, 1<<20, time.Minute)
	tiers := cache.NewManager(cache.DefaultConfig(), l1, nil, nil, nil, nil)
	qc := NewQueryCache(tiers, time.Minute, 100, nil, nil)
	ctx := context.Background()

	query := "SELECT * FROM mikvahs WHERE city = :city"
	params := map[string]interface{}{"city": "Jerusalem"}
	qc.Set(ctx, query, params, []map[string]interface{}{{"id": "m1"}}, 0, "mikvahs")

	// Entry is visible through the tier manager under its query key
	data, ok := tiers.GetBytes(ctx, Key(query, params))
	require.True(t, ok)
	assert.Contains(t, string(data), "m1")

	// Purging local state still leaves the tiers serving the result
	qc.Purge()
	got, ok := qc.Get(ctx, query, params)
	require.True(t, ok)
	assert.Equal(t, "m1", got[0]["id"])

	// Tag invalidation through the tier manager takes the entry with it
	tiers.InvalidateByTags(ctx, []string{"mikvahs"})
	qc.Purge()
	_, ok = qc.Get(ctx, query, params)
	assert.False(t, ok)
}

func TestQueryCachePurge(t *testing.T) {
	qc := newTestQueryCache(t)
	ctx := context.Background()

	qc.Set(ctx, "SELECT 1", nil, []map[string]interface{}{{"n": json.Number("1")}}, 0)
	qc.Purge()
	assert.Equal(t, 0, qc.Stats().FallbackSize)
	_, ok := qc.Get(ctx, "SELECT 1", nil)
	assert.False(t, ok)
}
