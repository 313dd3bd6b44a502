package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kosherhub/kosherhub/pkg/observability"
)

// Canonical series names. Pushed observations and registered providers both
// land in these rolling windows.
const (
	SeriesCPU          = "cpu_percent"
	SeriesMemory       = "memory_percent"
	SeriesDisk         = "disk_percent"
	SeriesRequests     = "request_count"
	SeriesResponseTime = "response_time_ms"
	SeriesErrors       = "error_count"
	SeriesActiveConns  = "active_connections"
	SeriesCacheHitRate = "cache_hit_rate_percent"
	SeriesDBQueryTime  = "db_query_time_ms"
	SeriesSlowQueries  = "slow_query_count"
)

type sample struct {
	at time.Time
	v  float64
}

type series struct {
	samples []sample
}

func (s *series) add(at time.Time, v float64) {
	s.samples = append(s.samples, sample{at: at, v: v})
}

func (s *series) prune(cutoff time.Time) {
	idx := 0
	for idx < len(s.samples) && !s.samples[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		s.samples = append(s.samples[:0], s.samples[idx:]...)
	}
}

// SeriesStats summarizes one rolling window
type SeriesStats struct {
	Count int     `json:"count"`
	Last  float64 `json:"last"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Snapshot is a point-in-time view of every rolling window plus the flat
// metric map the alert rules evaluate against
type Snapshot struct {
	At      time.Time              `json:"at"`
	Window  time.Duration          `json:"window"`
	System  SystemSample           `json:"system"`
	Series  map[string]SeriesStats `json:"series"`
	Metrics map[string]float64     `json:"metrics"`
	Alerts  []AlertState           `json:"alerts"`
}

// Aggregator keeps one-minute rolling windows of platform samples, derives
// avg/p95/p99, and drives threshold alerts. HTTP middleware pushes request
// observations; subsystem counters are pulled through registered providers
// on each collection tick.
type Aggregator struct {
	cfg     Config
	sampler SystemSampler
	logger  observability.Logger

	mu         sync.Mutex
	series     map[string]*series
	gauges     map[string]func() float64
	counters   map[string]func() float64
	lastCounts map[string]float64
	lastSystem SystemSample

	alerts *AlertManager

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAggregator creates an aggregator with the default alert set installed
func NewAggregator(cfg Config, sampler SystemSampler, logger observability.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = def.CollectionInterval
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = def.RetentionWindow
	}
	if sampler == nil {
		sampler = NewSystemSampler("")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Aggregator{
		cfg:        cfg,
		sampler:    sampler,
		logger:     logger,
		series:     make(map[string]*series),
		gauges:     make(map[string]func() float64),
		counters:   make(map[string]func() float64),
		lastCounts: make(map[string]float64),
		alerts:     NewAlertManager(DefaultAlerts(), logger),
	}
}

// Start launches the collection loop. No-op when already running or when
// the aggregator is disabled.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.cfg.Enabled {
		return
	}
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.loop(loopCtx)
	a.logger.Info("metrics aggregator started", map[string]interface{}{
		"interval": a.cfg.CollectionInterval.String(),
		"window":   a.cfg.RetentionWindow.String(),
	})
}

// Stop halts the collection loop and waits for it to exit
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	<-done
}

func (a *Aggregator) loop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.CollectionInterval)
	defer ticker.Stop()

	a.CollectNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.CollectNow(ctx)
		}
	}
}

// CollectNow performs one collection tick: sample the host, pull registered
// providers, and evaluate alerts against the fresh metric map
func (a *Aggregator) CollectNow(ctx context.Context) {
	now := time.Now()

	sys, err := a.sampler.Sample(ctx)
	if err != nil {
		a.logger.Warn("system sampling failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	a.mu.Lock()
	if err == nil {
		a.lastSystem = sys
		a.seriesLocked(SeriesCPU).add(now, sys.CPUPercent)
		a.seriesLocked(SeriesMemory).add(now, sys.MemoryPercent)
		a.seriesLocked(SeriesDisk).add(now, sys.DiskPercent)
	}
	for name, fn := range a.gauges {
		a.seriesLocked(name).add(now, fn())
	}
	for name, fn := range a.counters {
		current := fn()
		prev, seen := a.lastCounts[name]
		a.lastCounts[name] = current
		if !seen {
			continue
		}
		delta := current - prev
		if delta < 0 {
			delta = 0
		}
		a.seriesLocked(name).add(now, delta)
	}
	a.pruneLocked(now)
	metricMap := a.computeMetricsLocked()
	a.mu.Unlock()

	a.alerts.Evaluate(ctx, metricMap)
}

// ObserveRequest records one HTTP request. Responses with 5xx status count
// toward the error rate.
func (a *Aggregator) ObserveRequest(duration time.Duration, status int) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seriesLocked(SeriesRequests).add(now, 1)
	a.seriesLocked(SeriesResponseTime).add(now, float64(duration.Microseconds())/1000)
	if status >= 500 {
		a.seriesLocked(SeriesErrors).add(now, 1)
	}
}

// Observe records an arbitrary sample into a named series
func (a *Aggregator) Observe(name string, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seriesLocked(name).add(time.Now(), v)
}

// RegisterGauge pulls a point-in-time value into the named series on every
// collection tick
func (a *Aggregator) RegisterGauge(name string, fn func() float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gauges[name] = fn
}

// RegisterCounter pulls a cumulative counter on every tick and records the
// per-tick delta, so windowed sums reflect recent activity only
func (a *Aggregator) RegisterCounter(name string, fn func() float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters[name] = fn
}

// AddAlert installs or replaces an alert rule
func (a *Aggregator) AddAlert(alert Alert) {
	a.alerts.Add(alert)
}

// AddSink registers a notification sink for alert transitions
func (a *Aggregator) AddSink(sink Sink) {
	a.alerts.AddSink(sink)
}

// Snapshot derives stats for every series plus the flat metric map
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	now := time.Now()
	a.pruneLocked(now)

	snap := Snapshot{
		At:      now,
		Window:  a.cfg.RetentionWindow,
		System:  a.lastSystem,
		Series:  make(map[string]SeriesStats, len(a.series)),
		Metrics: a.computeMetricsLocked(),
	}
	for name, s := range a.series {
		snap.Series[name] = statsOf(s.samples)
	}
	a.mu.Unlock()

	snap.Alerts = a.alerts.States()
	return snap
}

func (a *Aggregator) seriesLocked(name string) *series {
	s, ok := a.series[name]
	if !ok {
		s = &series{}
		a.series[name] = s
	}
	return s
}

func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.RetentionWindow)
	for _, s := range a.series {
		s.prune(cutoff)
	}
}

func (a *Aggregator) statsLocked(name string) SeriesStats {
	s, ok := a.series[name]
	if !ok {
		return SeriesStats{}
	}
	return statsOf(s.samples)
}

// computeMetricsLocked flattens the windows into the metric map the alert
// rules reference
func (a *Aggregator) computeMetricsLocked() map[string]float64 {
	requests := a.statsLocked(SeriesRequests)
	responses := a.statsLocked(SeriesResponseTime)
	errors := a.statsLocked(SeriesErrors)

	m := map[string]float64{
		"cpu_percent":            a.statsLocked(SeriesCPU).Last,
		"memory_percent":         a.statsLocked(SeriesMemory).Last,
		"disk_percent":           a.statsLocked(SeriesDisk).Last,
		"request_count":          requests.Sum,
		"response_time_avg_ms":   responses.Avg,
		"response_time_p95_ms":   responses.P95,
		"response_time_p99_ms":   responses.P99,
		"error_count":            errors.Sum,
		"error_rate_percent":     0,
		"active_connections":     a.statsLocked(SeriesActiveConns).Last,
		"cache_hit_rate_percent": a.statsLocked(SeriesCacheHitRate).Last,
		"db_query_time_avg_ms":   a.statsLocked(SeriesDBQueryTime).Avg,
		"slow_query_count":       a.statsLocked(SeriesSlowQueries).Sum,
	}
	if requests.Sum > 0 {
		m["error_rate_percent"] = errors.Sum / requests.Sum * 100
	}
	return m
}

func statsOf(samples []sample) SeriesStats {
	stats := SeriesStats{Count: len(samples)}
	if len(samples) == 0 {
		return stats
	}

	values := make([]float64, len(samples))
	stats.Min = math.MaxFloat64
	for i, s := range samples {
		values[i] = s.v
		stats.Sum += s.v
		if s.v < stats.Min {
			stats.Min = s.v
		}
		if s.v > stats.Max {
			stats.Max = s.v
		}
	}
	stats.Last = samples[len(samples)-1].v
	stats.Avg = stats.Sum / float64(len(samples))

	sort.Float64s(values)
	stats.P95 = percentile(values, 95)
	stats.P99 = percentile(values, 99)
	return stats
}

// percentile reads the q-th percentile from an ascending sample array using
// the nearest-rank method
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
