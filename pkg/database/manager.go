package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/cache"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// connectAttempts bounds the exponential-backoff dial loop on startup
const connectAttempts = 5

// PoolStats is a point-in-time snapshot of the connection pool
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	Open               int           `json:"open"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
	Utilization        float64       `json:"utilization"`
}

// PerformanceReport aggregates query-path counters with cache and pool state
type PerformanceReport struct {
	QueryCount     uint64          `json:"query_count"`
	FailedQueries  uint64          `json:"failed_queries"`
	SlowQueries    uint64          `json:"slow_queries"`
	AvgQueryTimeMs float64         `json:"avg_query_time_ms"`
	Cache          QueryCacheStats `json:"cache"`
	Pool           PoolStats       `json:"pool"`
	ConnectedSince time.Time       `json:"connected_since"`
}

// OptimizeReport describes a pool tuning pass
type OptimizeReport struct {
	Before   PoolStats `json:"before"`
	After    PoolStats `json:"after"`
	Adjusted bool      `json:"adjusted"`
	Reason   string    `json:"reason"`
}

// Manager owns the connection pool and the query path that feeds the
// result cache. All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu          sync.RWMutex
	db          *sqlx.DB
	connectedAt time.Time
	idleCap     int

	queries *QueryCache

	statsMu       sync.Mutex
	queryCount    uint64
	failedQueries uint64
	slowQueries   uint64
	totalQueryDur time.Duration
	lastWaitCount int64
	activeTx      int
}

// NewManager creates a database manager. tiers may be nil, in which case
// query results cache only in process memory.
func NewManager(cfg Config, tiers *cache.Manager, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queries: NewQueryCache(tiers, cfg.CacheTTL, cfg.CacheMaxMemory, logger, metrics),
	}
}

// NewManagerWithDB wraps an already-open connection, bypassing Connect.
// Pool sizing still follows cfg. Intended for tests that inject a
// sqlmock-backed *sqlx.DB.
func NewManagerWithDB(cfg Config, db *sqlx.DB, tiers *cache.Manager, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	m := NewManager(cfg, tiers, logger, metrics)
	db.SetMaxOpenConns(cfg.MaxOpenConns())
	m.db = db
	m.idleCap = cfg.PoolSize
	m.connectedAt = time.Now()
	return m
}

// Connect dials the database with exponential backoff, configures the pool,
// and optionally applies pending migrations. It is idempotent.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return nil
	}

	dsn := m.cfg.DSN()

	var db *sqlx.DB
	operation := func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, m.cfg.Driver, dsn)
		if err != nil {
			m.logger.Warn("database connection attempt failed", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, connectAttempts), ctx)); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(m.cfg.MaxOpenConns())
	db.SetMaxIdleConns(m.cfg.PoolSize)
	db.SetConnMaxLifetime(m.cfg.PoolRecycle)
	m.idleCap = m.cfg.PoolSize

	if m.cfg.PrePing {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("database ping failed: %w", err)
		}
	}

	m.db = db
	m.connectedAt = time.Now()
	m.metrics.IncrementCounter("database_pool_connects", 1)
	m.logger.Info("database connected", map[string]interface{}{
		"dsn":          sanitizeDSN(dsn),
		"pool_size":    m.cfg.PoolSize,
		"max_overflow": m.cfg.MaxOverflow,
	})

	if m.cfg.MigrateOnStart {
		if err := m.migrateLocked(ctx); err != nil {
			_ = db.Close()
			m.db = nil
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	return nil
}

// Disconnect closes the pool and drops in-process cached query results
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	m.connectedAt = time.Time{}
	m.queries.Purge()
	m.logger.Info("database disconnected", nil)
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// IsConnected reports whether Connect has succeeded and Disconnect has not
// been called. It does not dial; health probes verify liveness.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db != nil
}

// DB exposes the underlying pool for repositories that run their own
// statements. Returns nil before Connect.
func (m *Manager) DB() *sqlx.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// QueryCache exposes the query-result cache
func (m *Manager) QueryCache() *QueryCache {
	return m.queries
}

// AttachTierCache rebinds the query cache to the multi-tier cache. The
// durable tier lives in this same database, so the tier stack can only
// be assembled after Connect; call once during startup, before serving.
func (m *Manager) AttachTierCache(tiers *cache.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = NewQueryCache(tiers, m.cfg.CacheTTL, m.cfg.CacheMaxMemory, m.logger, m.metrics)
}

// ExecuteQuery runs a statement and normalizes the result to a list of keyed
// records. Parameters bind by name (:name). SELECT results serve from and
// populate the query cache unless opts disable it; DML without a RETURNING
// clause yields a single {"rows_affected": n} record.
func (m *Manager) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}, opts ...QueryOption) ([]map[string]interface{}, error) {
	ctx, span := observability.StartSpan(ctx, "Database.ExecuteQuery")
	defer span.End()

	options := buildQueryOptions(opts)
	kind := ClassifyStatement(query)
	span.SetAttribute(string(observability.DBStatementKindKey), string(kind))

	if options.useCache && kind == StatementSelect {
		if rows, ok := m.queries.Get(ctx, query, params); ok {
			span.SetAttribute("db.cache_hit", true)
			return rows, nil
		}
	}

	db := m.DB()
	if db == nil {
		return nil, apperrors.ServiceUnavailable("database not connected")
	}

	start := time.Now()
	rows, err := m.execute(ctx, db, query, params, kind)
	elapsed := time.Since(start)

	m.recordQuery(kind, elapsed, err, query)
	if err != nil {
		span.RecordError(err)
		return nil, ClassifyError(err, query)
	}

	if options.useCache && kind == StatementSelect {
		m.queries.Set(ctx, query, params, rows, options.ttl, options.tags...)
	}
	return rows, nil
}

func (m *Manager) execute(ctx context.Context, db *sqlx.DB, query string, params map[string]interface{}, kind StatementKind) ([]map[string]interface{}, error) {
	returnsRows := kind == StatementSelect || hasReturningClause(query)

	if !returnsRows {
		var res interface {
			RowsAffected() (int64, error)
		}
		var err error
		if len(params) == 0 {
			res, err = db.ExecContext(ctx, query)
		} else {
			res, err = db.NamedExecContext(ctx, query, params)
		}
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		return []map[string]interface{}{{"rows_affected": affected}}, nil
	}

	var rs *sqlx.Rows
	var err error
	if len(params) == 0 {
		rs, err = db.QueryxContext(ctx, query)
	} else {
		rs, err = db.NamedQueryContext(ctx, query, params)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rs.Close()
	}()

	out := make([]map[string]interface{}, 0, 8)
	for rs.Next() {
		row := map[string]interface{}{}
		if err := rs.MapScan(row); err != nil {
			return nil, err
		}
		out = append(out, normalizeRow(row))
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) recordQuery(kind StatementKind, elapsed time.Duration, err error, query string) {
	m.statsMu.Lock()
	m.queryCount++
	m.totalQueryDur += elapsed
	if err != nil {
		m.failedQueries++
	}
	slow := elapsed > m.cfg.SlowQueryThreshold && m.cfg.SlowQueryThreshold > 0
	if slow {
		m.slowQueries++
	}
	m.statsMu.Unlock()

	m.metrics.RecordDatabaseOperation(strings.ToLower(string(kind)), err == nil, elapsed.Seconds())
	if slow {
		m.logger.Warn("slow query detected", map[string]interface{}{
			"kind":        string(kind),
			"duration_ms": elapsed.Milliseconds(),
			"query":       QueryShape(query),
		})
	}
}

// InvalidateCache removes cached query results matching the pattern. An
// empty pattern clears the entire query namespace.
func (m *Manager) InvalidateCache(ctx context.Context, pattern string) int {
	return m.queries.InvalidateByPattern(ctx, pattern)
}

// PoolStats samples the pool and publishes gauges. Safe to call while
// disconnected; the zero value is returned.
func (m *Manager) PoolStats() PoolStats {
	db := m.DB()
	if db == nil {
		return PoolStats{}
	}
	s := db.Stats()
	stats := PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		Open:               s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
		MaxIdleClosed:      s.MaxIdleClosed,
		MaxLifetimeClosed:  s.MaxLifetimeClosed,
	}
	if s.MaxOpenConnections > 0 {
		stats.Utilization = float64(s.InUse) / float64(s.MaxOpenConnections)
	}

	m.metrics.RecordGauge("database_pool_open", float64(stats.Open), nil)
	m.metrics.RecordGauge("database_pool_in_use", float64(stats.InUse), nil)
	m.metrics.RecordGauge("database_pool_idle", float64(stats.Idle), nil)
	m.metrics.RecordGauge("database_pool_wait_count", float64(stats.WaitCount), nil)
	return stats
}

// PerformanceMetrics returns the query-path counters alongside cache and
// pool snapshots
func (m *Manager) PerformanceMetrics() PerformanceReport {
	m.statsMu.Lock()
	report := PerformanceReport{
		QueryCount:    m.queryCount,
		FailedQueries: m.failedQueries,
		SlowQueries:   m.slowQueries,
	}
	if m.queryCount > 0 {
		report.AvgQueryTimeMs = float64(m.totalQueryDur.Milliseconds()) / float64(m.queryCount)
	}
	m.statsMu.Unlock()

	report.Cache = m.queries.Stats()
	report.Pool = m.PoolStats()

	m.mu.RLock()
	report.ConnectedSince = m.connectedAt
	m.mu.RUnlock()
	return report
}

// OptimizeConnectionPool tunes the idle-connection cap from observed
// contention: checkout waits grow the warm set toward the open cap, a mostly
// idle pool shrinks it back to the configured size.
func (m *Manager) OptimizeConnectionPool() OptimizeReport {
	before := m.PoolStats()
	report := OptimizeReport{Before: before, After: before}

	m.mu.Lock()
	if m.db == nil {
		m.mu.Unlock()
		report.Reason = "not connected"
		return report
	}

	m.statsMu.Lock()
	waited := before.WaitCount - m.lastWaitCount
	m.lastWaitCount = before.WaitCount
	m.statsMu.Unlock()

	maxOpen := m.cfg.MaxOpenConns()
	switch {
	case waited > 0 && m.idleCap < maxOpen:
		m.idleCap = m.idleCap + m.cfg.PoolSize/2
		if m.idleCap > maxOpen {
			m.idleCap = maxOpen
		}
		m.db.SetMaxIdleConns(m.idleCap)
		report.Adjusted = true
		report.Reason = fmt.Sprintf("checkout waits observed (%d), raised idle cap to %d", waited, m.idleCap)
	case waited == 0 && m.idleCap > m.cfg.PoolSize && before.Utilization < 0.25:
		m.idleCap = m.cfg.PoolSize
		m.db.SetMaxIdleConns(m.idleCap)
		report.Adjusted = true
		report.Reason = fmt.Sprintf("pool mostly idle, restored idle cap to %d", m.idleCap)
	default:
		report.Reason = "no adjustment needed"
	}

	idleCap := m.idleCap
	m.mu.Unlock()

	if report.Adjusted {
		m.logger.Info("connection pool adjusted", map[string]interface{}{
			"reason":   report.Reason,
			"idle_cap": idleCap,
		})
	}
	report.After = m.PoolStats()
	return report
}

// hasReturningClause detects DML that yields rows
func hasReturningClause(query string) bool {
	shape := " " + strings.ToUpper(QueryShape(query)) + " "
	return strings.Contains(shape, " RETURNING ")
}
