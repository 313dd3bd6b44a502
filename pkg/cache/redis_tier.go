package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

// l2Namespace isolates the cache tier inside the shared Redis keyspace so
// Clear cannot touch auth state living behind the same client.
const l2Namespace = "cache:"

// metaSuffix marks the companion key carrying tags for invalidation
const metaSuffix = ":meta"

// entryMeta is the companion record written alongside each L2 value
type entryMeta struct {
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisTier is the L2 cache tier. All Redis failures degrade: reads miss,
// writes report false, invalidations return the partial count.
type RedisTier struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewRedisTier creates the L2 tier on top of the shared Redis facade
func NewRedisTier(client *redis.Client, defaultTTL time.Duration, logger observability.Logger, metrics observability.MetricsClient) *RedisTier {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &RedisTier{
		client:     client,
		defaultTTL: defaultTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

// Name implements Tier.Name
func (t *RedisTier) Name() string { return "l2" }

// Get implements Tier.Get
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool) {
	value, _, ok := t.GetWithTags(ctx, key)
	return value, ok
}

// GetWithTags implements TagReader. The companion meta key supplies the
// tags; a missing or unreadable meta degrades to an untagged hit.
func (t *RedisTier) GetWithTags(ctx context.Context, key string) ([]byte, []string, bool) {
	data, err := t.client.GetBytes(ctx, l2Namespace+key)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			t.countError("get", err)
		}
		return nil, nil, false
	}

	var meta entryMeta
	if err := t.client.Get(ctx, l2Namespace+key+metaSuffix, &meta); err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			t.countError("get_meta", err)
		}
		return data, nil, true
	}
	return data, meta.Tags, true
}

// Set implements Tier.Set. The companion meta key is written with the same
// TTL so tag state can never outlive the value.
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) bool {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	if err := t.client.SetBytes(ctx, l2Namespace+key, value, ttl); err != nil {
		t.countError("set", err)
		return false
	}
	meta := entryMeta{Tags: tags, CreatedAt: time.Now()}
	if err := t.client.Set(ctx, l2Namespace+key+metaSuffix, meta, ttl); err != nil {
		t.countError("set_meta", err)
	}
	return true
}

// Delete implements Tier.Delete
func (t *RedisTier) Delete(ctx context.Context, key string) bool {
	deleted, err := t.client.Delete(ctx, l2Namespace+key, l2Namespace+key+metaSuffix)
	if err != nil {
		t.countError("delete", err)
		return false
	}
	return deleted > 0
}

// InvalidateByTags implements Tier.InvalidateByTags. It scans the meta
// keyspace, inspects tag sets, and deletes matching values with their meta.
func (t *RedisTier) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	metaKeys, err := t.client.Scan(ctx, l2Namespace+"*"+metaSuffix, 100)
	if err != nil {
		t.countError("invalidate_scan", err)
		return 0
	}

	want := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		want[tag] = struct{}{}
	}

	removed := 0
	for _, metaKey := range metaKeys {
		var meta entryMeta
		if err := t.client.Get(ctx, metaKey, &meta); err != nil {
			if !errors.Is(err, redis.ErrNotFound) {
				t.countError("invalidate_meta", err)
			}
			continue
		}
		if !anyTagMatch(meta.Tags, want) {
			continue
		}
		mainKey := strings.TrimSuffix(metaKey, metaSuffix)
		deleted, err := t.client.Delete(ctx, mainKey, metaKey)
		if err != nil {
			t.countError("invalidate_delete", err)
			continue
		}
		if deleted > 0 {
			removed++
		}
	}
	return removed
}

// Clear removes every key in the L2 namespace
func (t *RedisTier) Clear(ctx context.Context) error {
	_, err := t.client.DeleteByPattern(ctx, l2Namespace+"*")
	if err != nil {
		t.countError("clear", err)
	}
	return err
}

func (t *RedisTier) countError(op string, err error) {
	t.metrics.IncrementCounterWithLabels("cache_tier_errors_total", 1, map[string]string{
		"tier":      "l2",
		"operation": op,
	})
	t.logger.Warn("l2 cache operation failed", map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})
}

func anyTagMatch(tags []string, want map[string]struct{}) bool {
	for _, tag := range tags {
		if _, ok := want[tag]; ok {
			return true
		}
	}
	return false
}
