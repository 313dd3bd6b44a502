package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kosherhub/kosherhub/pkg/observability"
)

// Config holds multi-tier cache settings
type Config struct {
	L1MaxEntries int   `mapstructure:"l1_max_entries" json:"l1_max_entries"`
	L1MaxBytes   int64 `mapstructure:"l1_max_bytes" json:"l1_max_bytes"`

	// Per-tier default TTLs; ascending so deeper tiers outlive upper ones.
	L1TTL time.Duration `mapstructure:"l1_ttl" json:"l1_ttl"`
	L2TTL time.Duration `mapstructure:"l2_ttl" json:"l2_ttl"`
	L3TTL time.Duration `mapstructure:"l3_ttl" json:"l3_ttl"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		L1MaxEntries: 5000,
		L1MaxBytes:   64 * 1024 * 1024,
		L1TTL:        5 * time.Minute,
		L2TTL:        30 * time.Minute,
		L3TTL:        time.Hour,
	}
}

// WarmingStrategy pre-populates the cache in bulk and returns how many
// entries it loaded
type WarmingStrategy func(ctx context.Context, args map[string]interface{}) (int, error)

// CleanupResult reports what a cleanup sweep removed
type CleanupResult struct {
	L1Removed int `json:"l1_removed"`
	L3Removed int `json:"l3_removed"`
}

// Manager orchestrates the three cache tiers: read-through with upper-tier
// repopulation, write-through, tag invalidation fan-out, warming strategies,
// and metrics. A failing tier degrades to a miss or false result; the
// manager never surfaces tier errors to callers.
type Manager struct {
	l1  Tier
	l2  Tier
	l3  Tier
	cfg Config

	mu      sync.RWMutex
	metrics metricsState
	warming map[string]WarmingStrategy

	logger observability.Logger
	mc     observability.MetricsClient
}

// NewManager composes the cache tiers. l2 and l3 may be nil when a
// deployment runs without Redis or the durable tier; l1 is required.
func NewManager(cfg Config, l1, l2, l3 Tier, logger observability.Logger, mc observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if mc == nil {
		mc = observability.NewNoopMetricsClient()
	}
	return &Manager{
		l1:      l1,
		l2:      l2,
		l3:      l3,
		cfg:     cfg,
		warming: make(map[string]WarmingStrategy),
		logger:  logger,
		mc:      mc,
	}
}

// GetBytes performs the L1→L2→L3 read-through and returns the canonical
// serialized value. Upper tiers are repopulated on deeper hits.
func (m *Manager) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	ctx, span := observability.StartSpan(ctx, "Cache.Get")
	defer span.End()
	span.SetAttribute(string(observability.CacheKeyAttributeKey), key)

	start := time.Now()
	defer m.recordOp(start)

	if value, ok := m.l1.Get(ctx, key); ok {
		m.bump(func(s *metricsState) { s.l1Hits++ })
		span.SetAttribute(string(observability.CacheTierAttributeKey), "l1")
		m.mc.RecordCacheOperation("get_l1", true, time.Since(start).Seconds())
		return value, true
	}
	m.bump(func(s *metricsState) { s.l1Misses++ })

	if m.l2 != nil {
		if value, tags, ok := tierGet(ctx, m.l2, key); ok {
			m.bump(func(s *metricsState) { s.l2Hits++ })
			m.l1.Set(ctx, key, value, m.cfg.L1TTL, tags)
			span.SetAttribute(string(observability.CacheTierAttributeKey), "l2")
			m.mc.RecordCacheOperation("get_l2", true, time.Since(start).Seconds())
			return value, true
		}
		m.bump(func(s *metricsState) { s.l2Misses++ })
	}

	if m.l3 != nil {
		if value, tags, ok := tierGet(ctx, m.l3, key); ok {
			m.bump(func(s *metricsState) { s.l3Hits++ })
			m.l1.Set(ctx, key, value, m.cfg.L1TTL, tags)
			if m.l2 != nil {
				m.l2.Set(ctx, key, value, m.cfg.L2TTL, tags)
			}
			span.SetAttribute(string(observability.CacheTierAttributeKey), "l3")
			m.mc.RecordCacheOperation("get_l3", true, time.Since(start).Seconds())
			return value, true
		}
		m.bump(func(s *metricsState) { s.l3Misses++ })
	}

	m.mc.RecordCacheOperation("get", false, time.Since(start).Seconds())
	return nil, false
}

// Get reads key through the tiers and unmarshals the value into dest.
// A corrupt stored value is treated as a miss.
func (m *Manager) Get(ctx context.Context, key string, dest interface{}) bool {
	data, ok := m.GetBytes(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		m.logger.Warn("cached value failed to unmarshal", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// SetBytes writes the serialized value through all tiers. A zero ttl selects
// each tier's default; a caller-supplied ttl applies to every tier. Success
// is the conjunction of all tier writes.
func (m *Manager) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) bool {
	ctx, span := observability.StartSpan(ctx, "Cache.Set")
	defer span.End()
	span.SetAttribute(string(observability.CacheKeyAttributeKey), key)

	start := time.Now()
	defer m.recordOp(start)

	l1TTL, l2TTL, l3TTL := ttl, ttl, ttl
	if ttl == 0 {
		l1TTL, l2TTL, l3TTL = m.cfg.L1TTL, m.cfg.L2TTL, m.cfg.L3TTL
	}

	ok1, ok2, ok3 := false, true, true
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok1 = m.l1.Set(gctx, key, value, l1TTL, tags)
		return nil
	})
	if m.l2 != nil {
		g.Go(func() error {
			ok2 = m.l2.Set(gctx, key, value, l2TTL, tags)
			return nil
		})
	}
	if m.l3 != nil {
		g.Go(func() error {
			ok3 = m.l3.Set(gctx, key, value, l3TTL, tags)
			return nil
		})
	}
	_ = g.Wait()

	success := ok1 && ok2 && ok3
	m.bump(func(s *metricsState) {
		s.writes++
		if !success {
			s.writeFailures++
		}
	})
	m.mc.RecordCacheOperation("set", success, time.Since(start).Seconds())
	return success
}

// Set serializes value to its canonical JSON form and writes it through all
// tiers. Serialization failure rejects the write.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) bool {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("cache value failed to serialize", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		m.bump(func(s *metricsState) { s.writeFailures++ })
		return false
	}
	return m.SetBytes(ctx, key, data, ttl, tags...)
}

// Delete removes key from every tier, reporting whether any tier held it
func (m *Manager) Delete(ctx context.Context, key string) bool {
	start := time.Now()
	defer m.recordOp(start)

	removed := m.l1.Delete(ctx, key)
	if m.l2 != nil {
		if m.l2.Delete(ctx, key) {
			removed = true
		}
	}
	if m.l3 != nil {
		if m.l3.Delete(ctx, key) {
			removed = true
		}
	}
	m.bump(func(s *metricsState) { s.deletes++ })
	return removed
}

// InvalidateByTags fans the invalidation out to every tier and returns
// per-tier deletion counts. Best-effort: one tier failing does not stop the
// others.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) TierCounts {
	start := time.Now()
	defer m.recordOp(start)

	var counts TierCounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts.L1 = m.l1.InvalidateByTags(gctx, tags)
		return nil
	})
	if m.l2 != nil {
		g.Go(func() error {
			counts.L2 = m.l2.InvalidateByTags(gctx, tags)
			return nil
		})
	}
	if m.l3 != nil {
		g.Go(func() error {
			counts.L3 = m.l3.InvalidateByTags(gctx, tags)
			return nil
		})
	}
	_ = g.Wait()

	m.bump(func(s *metricsState) { s.invalidations += uint64(counts.Total()) })
	m.mc.IncrementCounterWithLabels("cache_invalidations_total", float64(counts.Total()), map[string]string{
		"kind": "tags",
	})
	return counts
}

// RegisterWarmingStrategy installs a named bulk pre-population strategy
func (m *Manager) RegisterWarmingStrategy(name string, fn WarmingStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warming[name] = fn
}

// WarmCache runs a registered warming strategy. Failures are counted and
// logged, never fatal to the manager.
func (m *Manager) WarmCache(ctx context.Context, name string, args map[string]interface{}) (int, error) {
	m.mu.RLock()
	fn, ok := m.warming[name]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown warming strategy %q", name)
	}

	loaded, err := fn(ctx, args)
	m.bump(func(s *metricsState) {
		s.warmingOps++
		if err != nil {
			s.warmingFailures++
		}
	})
	if err != nil {
		m.logger.Warn("cache warming failed", map[string]interface{}{
			"strategy": name,
			"error":    err.Error(),
		})
		return loaded, fmt.Errorf("warming strategy %q: %w", name, err)
	}
	m.logger.Info("cache warmed", map[string]interface{}{
		"strategy": name,
		"loaded":   loaded,
	})
	return loaded, nil
}

// CleanupExpired sweeps expired entries from the tiers that retain them
func (m *Manager) CleanupExpired(ctx context.Context) CleanupResult {
	var result CleanupResult
	if lru, ok := m.l1.(*LRUCache); ok {
		result.L1Removed = lru.RemoveExpired()
	}
	if m.l3 != nil {
		if durable, ok := m.l3.(*DurableTier); ok {
			removed, err := durable.CleanupExpired(ctx)
			if err == nil {
				result.L3Removed = removed
			}
		}
	}
	return result
}

// Clear empties every tier
func (m *Manager) Clear(ctx context.Context) error {
	var firstErr error
	if err := m.l1.Clear(ctx); err != nil {
		firstErr = err
	}
	if m.l2 != nil {
		if err := m.l2.Clear(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.l3 != nil {
		if err := m.l3.Clear(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics returns a snapshot of the manager's counters
func (m *Manager) Metrics() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics.snapshot()
}

// ResetMetrics zeroes every counter and the latency sample
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.reset()
}

// tierGet reads through the tag-aware path when the tier supports it, so
// repopulated copies keep their invalidation tags.
func tierGet(ctx context.Context, t Tier, key string) ([]byte, []string, bool) {
	if tr, ok := t.(TagReader); ok {
		return tr.GetWithTags(ctx, key)
	}
	value, ok := t.Get(ctx, key)
	return value, nil, ok
}

func (m *Manager) bump(fn func(*metricsState)) {
	m.mu.Lock()
	fn(&m.metrics)
	m.mu.Unlock()
}

func (m *Manager) recordOp(start time.Time) {
	d := time.Since(start)
	m.mu.Lock()
	m.metrics.totalOperations++
	m.metrics.durations.record(d)
	m.mu.Unlock()
}
