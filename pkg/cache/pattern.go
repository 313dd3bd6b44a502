package cache

import (
	"context"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// PatternInvalidator is the optional tier upgrade for glob-based key
// deletion. Tiers that can enumerate their keyspace implement it; the
// manager skips tiers that cannot.
type PatternInvalidator interface {
	InvalidateByPattern(ctx context.Context, pattern string) int
}

// InvalidateByPattern deletes entries whose key matches the glob pattern in
// every tier that supports enumeration, returning per-tier counts.
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string) TierCounts {
	start := time.Now()
	defer m.recordOp(start)

	var counts TierCounts
	g, gctx := errgroup.WithContext(ctx)
	if pi, ok := m.l1.(PatternInvalidator); ok {
		g.Go(func() error {
			counts.L1 = pi.InvalidateByPattern(gctx, pattern)
			return nil
		})
	}
	if pi, ok := m.l2.(PatternInvalidator); ok {
		g.Go(func() error {
			counts.L2 = pi.InvalidateByPattern(gctx, pattern)
			return nil
		})
	}
	if pi, ok := m.l3.(PatternInvalidator); ok {
		g.Go(func() error {
			counts.L3 = pi.InvalidateByPattern(gctx, pattern)
			return nil
		})
	}
	_ = g.Wait()

	m.bump(func(s *metricsState) { s.invalidations += uint64(counts.Total()) })
	m.mc.IncrementCounterWithLabels("cache_invalidations_total", float64(counts.Total()), map[string]string{
		"kind": "pattern",
	})
	return counts
}

// matchPattern matches key against a glob pattern. A malformed pattern
// degrades to a substring match on its literal part.
func matchPattern(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	if err != nil {
		return strings.Contains(key, strings.Trim(pattern, "*?"))
	}
	return ok
}

// InvalidateByPattern implements PatternInvalidator for the L1 tier
func (c *LRUCache) InvalidateByPattern(_ context.Context, pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.items {
		if matchPattern(pattern, key) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// InvalidateByPattern implements PatternInvalidator for the L2 tier. The
// scan walks the cache namespace; companion meta keys are deleted with
// their values and not counted.
func (t *RedisTier) InvalidateByPattern(ctx context.Context, pattern string) int {
	keys, err := t.client.Scan(ctx, l2Namespace+pattern, 100)
	if err != nil {
		t.countError("invalidate_pattern", err)
		return 0
	}
	removed := 0
	for _, key := range keys {
		if strings.HasSuffix(key, metaSuffix) {
			continue
		}
		deleted, err := t.client.Delete(ctx, key, key+metaSuffix)
		if err != nil {
			t.countError("invalidate_pattern", err)
			continue
		}
		if deleted > 0 {
			removed++
		}
	}
	return removed
}

// InvalidateByPattern implements PatternInvalidator for the L3 tier using
// a LIKE translation of the glob.
func (t *DurableTier) InvalidateByPattern(ctx context.Context, pattern string) int {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM query_result_cache WHERE cache_key LIKE $1`, globToLike(pattern))
	if err != nil {
		t.countError("invalidate_pattern", err)
		return 0
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(affected)
}

// globToLike translates a glob pattern into a SQL LIKE pattern, escaping
// the LIKE metacharacters in literal segments.
func globToLike(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteByte(pattern[i])
		default:
			b.WriteByte(pattern[i])
		}
	}
	return b.String()
}
