package database

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kosherhub/kosherhub/pkg/cache"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// queryKeyPrefix namespaces query-result entries inside the shared cache
// keyspace.
const queryKeyPrefix = "query:"

// QueryCacheStats is a snapshot of the query-result cache counters
type QueryCacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Stores        uint64 `json:"stores"`
	Invalidations uint64 `json:"invalidations"`
	FallbackSize  int    `json:"fallback_size"`
}

// QueryCache caches normalized query results keyed by a fingerprint of the
// statement and its parameters. Results route through the multi-tier cache
// when one is attached; a bounded in-process LRU carries the load when the
// tiers are unavailable.
type QueryCache struct {
	tiers  *cache.Manager
	memory *expirable.LRU[string, []byte]
	ttl    time.Duration

	// shapes remembers the statement shape behind each locally stored key so
	// substring invalidation can match on SQL text, not just opaque keys.
	mu        sync.Mutex
	shapes    map[string]string
	shapesCap int

	hits          uint64
	misses        uint64
	stores        uint64
	invalidations uint64

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewQueryCache creates a query-result cache. tiers may be nil; the memory
// fallback then serves alone.
func NewQueryCache(tiers *cache.Manager, ttl time.Duration, maxEntries int, logger observability.Logger, metrics observability.MetricsClient) *QueryCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &QueryCache{
		tiers:     tiers,
		memory:    expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
		ttl:       ttl,
		shapes:    make(map[string]string),
		shapesCap: maxEntries * 2,
		logger:    logger,
		metrics:   metrics,
	}
}

// Fingerprint computes the stable identity of a query invocation:
// sha256 over the statement text, a NUL separator, and the canonical JSON
// of the parameters (keys sorted), truncated to 16 hex characters.
func Fingerprint(query string, params map[string]interface{}) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		canonical = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Key returns the cache key for a query invocation
func Key(query string, params map[string]interface{}) string {
	return queryKeyPrefix + Fingerprint(query, params)
}

// Get probes the cache for a prior result of the same query invocation
func (q *QueryCache) Get(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, bool) {
	key := Key(query, params)

	data, ok := q.lookup(ctx, key)
	if !ok {
		q.count(&q.misses)
		q.metrics.RecordCacheOperation("query_get", false, 0)
		return nil, false
	}

	var rows []map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		q.logger.Warn("cached query result failed to unmarshal", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		q.count(&q.misses)
		return nil, false
	}
	q.count(&q.hits)
	q.metrics.RecordCacheOperation("query_get", true, 0)
	return rows, true
}

func (q *QueryCache) lookup(ctx context.Context, key string) ([]byte, bool) {
	if q.tiers != nil {
		if data, ok := q.tiers.GetBytes(ctx, key); ok {
			return data, true
		}
	}
	if data, ok := q.memory.Get(key); ok {
		return data, true
	}
	return nil, false
}

// Set stores a query result. A zero ttl selects the configured default.
// tags are forwarded to the tiers for coarse invalidation alongside the
// implicit "query" tag.
func (q *QueryCache) Set(ctx context.Context, query string, params map[string]interface{}, rows []map[string]interface{}, ttl time.Duration, tags ...string) bool {
	data, err := json.Marshal(rows)
	if err != nil {
		q.logger.Warn("query result failed to serialize", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	if ttl <= 0 {
		ttl = q.ttl
	}

	key := Key(query, params)
	q.rememberShape(key, query)
	q.memory.Add(key, data)

	ok := true
	if q.tiers != nil {
		ok = q.tiers.SetBytes(ctx, key, data, ttl, append([]string{"query"}, tags...)...)
	}
	q.count(&q.stores)
	return ok
}

// InvalidateByPattern removes cached results whose key or statement shape
// matches the pattern. A bare substring is treated as *substring*; an empty
// pattern clears the whole query namespace. Returns the number of local
// entries removed (tier fan-out counts are best-effort and logged).
func (q *QueryCache) InvalidateByPattern(ctx context.Context, pattern string) int {
	glob := normalizePattern(pattern)

	removed := 0
	q.mu.Lock()
	matched := make([]string, 0)
	for key, shape := range q.shapes {
		if keyOrShapeMatches(glob, pattern, key, shape) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		delete(q.shapes, key)
	}
	q.invalidations += uint64(len(matched))
	q.mu.Unlock()

	for _, key := range matched {
		if q.memory.Remove(key) {
			removed++
		}
		if q.tiers != nil {
			q.tiers.Delete(ctx, key)
		}
	}

	// Cross-process entries this process never stored are only reachable by
	// key pattern.
	if q.tiers != nil {
		counts := q.tiers.InvalidateByPattern(ctx, glob)
		q.logger.Debug("query cache pattern fan-out", map[string]interface{}{
			"pattern": glob,
			"l1":      counts.L1,
			"l2":      counts.L2,
			"l3":      counts.L3,
		})
	}
	return removed
}

// Purge drops every locally held query result
func (q *QueryCache) Purge() {
	q.memory.Purge()
	q.mu.Lock()
	q.shapes = make(map[string]string)
	q.mu.Unlock()
}

// Stats returns a snapshot of the cache counters
func (q *QueryCache) Stats() QueryCacheStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueryCacheStats{
		Hits:          q.hits,
		Misses:        q.misses,
		Stores:        q.stores,
		Invalidations: q.invalidations,
		FallbackSize:  q.memory.Len(),
	}
}

func (q *QueryCache) count(field *uint64) {
	q.mu.Lock()
	*field++
	q.mu.Unlock()
}

func (q *QueryCache) rememberShape(key, query string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.shapes) >= q.shapesCap {
		for k := range q.shapes {
			delete(q.shapes, k)
			if len(q.shapes) < q.shapesCap {
				break
			}
		}
	}
	q.shapes[key] = QueryShape(query)
}

// normalizePattern widens a bare pattern into a glob over the query
// namespace.
func normalizePattern(pattern string) string {
	if pattern == "" || pattern == "*" {
		return queryKeyPrefix + "*"
	}
	if !strings.ContainsAny(pattern, "*?") {
		pattern = "*" + pattern + "*"
	}
	if !strings.HasPrefix(pattern, queryKeyPrefix) && !strings.HasPrefix(pattern, "*") {
		pattern = queryKeyPrefix + pattern
	}
	return pattern
}

func keyOrShapeMatches(glob, raw, key, shape string) bool {
	if raw == "" || raw == "*" {
		return true
	}
	if ok, err := path.Match(glob, key); err == nil && ok {
		return true
	}
	return strings.Contains(shape, strings.Trim(raw, "*?")) ||
		strings.Contains(key, strings.Trim(raw, "*?"))
}
