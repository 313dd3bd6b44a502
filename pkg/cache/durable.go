package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kosherhub/kosherhub/pkg/observability"
)

// durableSchema is the canonical L3 table. EnsureSchema is idempotent; the
// same DDL ships as a migration for deployments that migrate explicitly.
const durableSchema = `
CREATE TABLE IF NOT EXISTS query_result_cache (
	cache_key     VARCHAR(255) PRIMARY KEY,
	cache_value   BYTEA NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at    TIMESTAMPTZ,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	tags          TEXT[] NOT NULL DEFAULT '{}',
	size_bytes    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_query_result_cache_expires_at ON query_result_cache (expires_at);
CREATE INDEX IF NOT EXISTS idx_query_result_cache_tags ON query_result_cache USING GIN (tags);
CREATE INDEX IF NOT EXISTS idx_query_result_cache_last_accessed ON query_result_cache (last_accessed);
`

// DurableTier is the L3 cache tier: a single-table KV in the relational
// store. It survives Redis restarts and holds long-lived expensive values.
type DurableTier struct {
	db         *sqlx.DB
	defaultTTL time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewDurableTier creates the L3 tier over an open database handle
func NewDurableTier(db *sqlx.DB, defaultTTL time.Duration, logger observability.Logger, metrics observability.MetricsClient) *DurableTier {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &DurableTier{
		db:         db,
		defaultTTL: defaultTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

// EnsureSchema creates the backing table and indexes when missing
func (t *DurableTier) EnsureSchema(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, durableSchema); err != nil {
		return fmt.Errorf("failed to ensure cache schema: %w", err)
	}
	return nil
}

// Name implements Tier.Name
func (t *DurableTier) Name() string { return "l3" }

// Get implements Tier.Get. Expired rows are invisible; a hit fires a
// best-effort access-count update whose failure is ignored.
func (t *DurableTier) Get(ctx context.Context, key string) ([]byte, bool) {
	value, _, ok := t.GetWithTags(ctx, key)
	return value, ok
}

// GetWithTags implements TagReader; the row already stores its tags.
func (t *DurableTier) GetWithTags(ctx context.Context, key string) ([]byte, []string, bool) {
	var row struct {
		Value []byte         `db:"cache_value"`
		Tags  pq.StringArray `db:"tags"`
	}
	err := t.db.GetContext(ctx, &row,
		`SELECT cache_value, tags FROM query_result_cache
		 WHERE cache_key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			t.countError("get", err)
		}
		return nil, nil, false
	}

	if _, err := t.db.ExecContext(ctx,
		`UPDATE query_result_cache
		 SET access_count = access_count + 1, last_accessed = NOW()
		 WHERE cache_key = $1`, key); err != nil {
		t.logger.Debug("l3 access-count update failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	return row.Value, []string(row.Tags), true
}

// Set implements Tier.Set via upsert
func (t *DurableTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) bool {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	expiresAt := time.Now().Add(ttl)
	if tags == nil {
		tags = []string{}
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO query_result_cache
			(cache_key, cache_value, created_at, expires_at, access_count, last_accessed, tags, size_bytes)
		 VALUES ($1, $2, NOW(), $3, 0, NOW(), $4, $5)
		 ON CONFLICT (cache_key) DO UPDATE SET
			cache_value = EXCLUDED.cache_value,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			access_count = 0,
			last_accessed = EXCLUDED.last_accessed,
			tags = EXCLUDED.tags,
			size_bytes = EXCLUDED.size_bytes`,
		key, value, expiresAt, pq.Array(tags), len(value))
	if err != nil {
		t.countError("set", err)
		return false
	}
	return true
}

// Delete implements Tier.Delete
func (t *DurableTier) Delete(ctx context.Context, key string) bool {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM query_result_cache WHERE cache_key = $1`, key)
	if err != nil {
		t.countError("delete", err)
		return false
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false
	}
	return affected > 0
}

// InvalidateByTags implements Tier.InvalidateByTags using array overlap
func (t *DurableTier) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM query_result_cache WHERE tags && $1`, pq.Array(tags))
	if err != nil {
		t.countError("invalidate", err)
		return 0
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(affected)
}

// Clear drops every row
func (t *DurableTier) Clear(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM query_result_cache`)
	if err != nil {
		t.countError("clear", err)
	}
	return err
}

// CleanupExpired deletes rows past their expiry and returns the count
func (t *DurableTier) CleanupExpired(ctx context.Context) (int, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM query_result_cache WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		t.countError("cleanup", err)
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (t *DurableTier) countError(op string, err error) {
	t.metrics.IncrementCounterWithLabels("cache_tier_errors_total", 1, map[string]string{
		"tier":      "l3",
		"operation": op,
	})
	t.logger.Warn("l3 cache operation failed", map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})
}
