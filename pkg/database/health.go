package database

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// HealthStatus classifies a database health probe
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "HEALTHY"
	StatusDegraded  HealthStatus = "DEGRADED"
	StatusUnhealthy HealthStatus = "UNHEALTHY"
	StatusCritical  HealthStatus = "CRITICAL"
)

// HealthRecord is the outcome of a single probe
type HealthRecord struct {
	Timestamp           time.Time    `json:"timestamp"`
	Status              HealthStatus `json:"status"`
	ResponseTimeMs      float64      `json:"response_time_ms"`
	Pool                PoolStats    `json:"pool"`
	Error               string       `json:"error,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// HealthSummary aggregates recent probe history
type HealthSummary struct {
	Status              HealthStatus         `json:"status"`
	LastCheck           time.Time            `json:"last_check"`
	AvgResponseTimeMs   float64              `json:"avg_response_time_ms"`
	Counts              map[HealthStatus]int `json:"counts"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	Window              time.Duration        `json:"window"`
}

// MonitorConfig tunes the periodic health monitor
type MonitorConfig struct {
	Interval             time.Duration `mapstructure:"interval" json:"interval"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout" json:"probe_timeout"`
	MaxResponseTime      time.Duration `mapstructure:"max_response_time" json:"max_response_time"`
	MaxFailedConnections int           `mapstructure:"max_failed_connections" json:"max_failed_connections"`
	HistorySize          int           `mapstructure:"history_size" json:"history_size"`
	SummaryWindow        time.Duration `mapstructure:"summary_window" json:"summary_window"`
}

// DefaultMonitorConfig returns the standard probe thresholds
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:             30 * time.Second,
		ProbeTimeout:         10 * time.Second,
		MaxResponseTime:      time.Second,
		MaxFailedConnections: 5,
		HistorySize:          100,
		SummaryWindow:        5 * time.Minute,
	}
}

// Probe exercises the pool once: ping, a direct SELECT 1, the same SELECT
// through a transactional session, then a pool snapshot. Returns the elapsed
// time of the three round trips.
func (m *Manager) Probe(ctx context.Context) (time.Duration, PoolStats, error) {
	db := m.DB()
	if db == nil {
		return 0, PoolStats{}, apperrors.ServiceUnavailable("database not connected")
	}

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return time.Since(start), m.PoolStats(), errors.Wrap(err, "failed to ping database")
	}

	var one int
	if err := db.QueryRowxContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return time.Since(start), m.PoolStats(), errors.Wrap(err, "failed to query database")
	}

	err := m.WithTx(ctx, func(tx Transaction) error {
		return tx.QueryRowxContext(ctx, "SELECT 1").Scan(&one)
	})
	return time.Since(start), m.PoolStats(), errors.Wrap(err, "failed to query through transaction")
}

// HealthCheck runs one probe and classifies it with the default thresholds
func (m *Manager) HealthCheck(ctx context.Context) HealthRecord {
	cfg := DefaultMonitorConfig()
	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	elapsed, pool, err := m.Probe(probeCtx)
	record := HealthRecord{
		Timestamp:      time.Now(),
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
		Pool:           pool,
	}
	switch {
	case err != nil:
		record.Status = StatusCritical
		record.Error = err.Error()
	case elapsed >= cfg.MaxResponseTime:
		record.Status = StatusDegraded
	default:
		record.Status = StatusHealthy
	}
	return record
}

// HealthMonitor probes the database on an interval and retains a bounded
// history of classified results
type HealthMonitor struct {
	manager *Manager
	cfg     MonitorConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu                  sync.Mutex
	history             []HealthRecord
	consecutiveFailures int
	running             bool
	cancel              context.CancelFunc
	done                chan struct{}
}

// NewHealthMonitor creates a monitor for the manager's pool
func NewHealthMonitor(manager *Manager, cfg MonitorConfig, logger observability.Logger, metrics observability.MetricsClient) *HealthMonitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.MaxResponseTime <= 0 {
		cfg.MaxResponseTime = def.MaxResponseTime
	}
	if cfg.MaxFailedConnections <= 0 {
		cfg.MaxFailedConnections = def.MaxFailedConnections
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = def.SummaryWindow
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &HealthMonitor{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		history: make([]HealthRecord, 0, cfg.HistorySize),
	}
}

// Start launches the probe loop. Calling Start on a running monitor is a
// no-op.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.loop(loopCtx)
	h.logger.Info("database health monitor started", map[string]interface{}{
		"interval": h.cfg.Interval.String(),
	})
}

// Stop halts the probe loop and waits for it to exit
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	cancel()
	<-done
	h.logger.Info("database health monitor stopped", nil)
}

func (h *HealthMonitor) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	// Immediate first probe so status is available before the first tick
	h.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckNow(ctx)
		}
	}
}

// CheckNow runs one probe, classifies it, and appends it to the history
func (h *HealthMonitor) CheckNow(ctx context.Context) HealthRecord {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	elapsed, pool, err := h.manager.Probe(probeCtx)

	h.mu.Lock()
	record := HealthRecord{
		Timestamp:      time.Now(),
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
		Pool:           pool,
	}
	record.Status = h.classifyLocked(elapsed, err)
	if err != nil {
		record.Error = err.Error()
	}
	record.ConsecutiveFailures = h.consecutiveFailures
	h.appendLocked(record)
	h.mu.Unlock()

	h.publish(record)
	return record
}

// classifyLocked applies the status rules and maintains the failure counter.
// Recent probe failures stand in for the invalid-connection count, since the
// pool does not report discarded connections by cause.
func (h *HealthMonitor) classifyLocked(elapsed time.Duration, err error) HealthStatus {
	if err != nil {
		h.consecutiveFailures++
		return StatusCritical
	}
	if h.recentFailuresLocked() > h.cfg.MaxFailedConnections {
		return StatusUnhealthy
	}
	if elapsed >= h.cfg.MaxResponseTime {
		return StatusDegraded
	}
	h.consecutiveFailures = 0
	return StatusHealthy
}

func (h *HealthMonitor) recentFailuresLocked() int {
	cutoff := time.Now().Add(-h.cfg.SummaryWindow)
	failures := 0
	for _, r := range h.history {
		if r.Timestamp.After(cutoff) && r.Status == StatusCritical {
			failures++
		}
	}
	return failures
}

func (h *HealthMonitor) appendLocked(record HealthRecord) {
	h.history = append(h.history, record)
	if len(h.history) > h.cfg.HistorySize {
		h.history = h.history[len(h.history)-h.cfg.HistorySize:]
	}
}

func (h *HealthMonitor) publish(record HealthRecord) {
	h.metrics.RecordGauge("database_health_response_time_ms", record.ResponseTimeMs, nil)
	h.metrics.RecordGauge("database_health_consecutive_failures", float64(record.ConsecutiveFailures), nil)
	h.metrics.IncrementCounterWithLabels("database_health_checks", 1, map[string]string{
		"status": string(record.Status),
	})
	if record.Status != StatusHealthy {
		h.logger.Warn("database health degraded", map[string]interface{}{
			"status":           string(record.Status),
			"response_time_ms": record.ResponseTimeMs,
			"error":            record.Error,
		})
	}
}

// Summary reports the latest status plus counts and the average response
// time over the summary window
func (h *HealthMonitor) Summary() HealthSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	summary := HealthSummary{
		Status:              StatusCritical,
		Counts:              make(map[HealthStatus]int),
		ConsecutiveFailures: h.consecutiveFailures,
		Window:              h.cfg.SummaryWindow,
	}
	if len(h.history) == 0 {
		summary.Status = StatusUnhealthy
		return summary
	}

	last := h.history[len(h.history)-1]
	summary.Status = last.Status
	summary.LastCheck = last.Timestamp

	cutoff := time.Now().Add(-h.cfg.SummaryWindow)
	var total float64
	var samples int
	for _, r := range h.history {
		if !r.Timestamp.After(cutoff) {
			continue
		}
		summary.Counts[r.Status]++
		total += r.ResponseTimeMs
		samples++
	}
	if samples > 0 {
		summary.AvgResponseTimeMs = total / float64(samples)
	}
	return summary
}

// History returns a copy of the retained probe records, oldest first
func (h *HealthMonitor) History() []HealthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HealthRecord, len(h.history))
	copy(out, h.history)
	return out
}
