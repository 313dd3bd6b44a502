package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus collectors.
// Collectors are created on first use and cached; the label set of the first
// observation fixes the label names for that metric.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client
func NewPrometheusMetricsClient(namespace, subsystem string) *PrometheusMetricsClient {
	if namespace == "" {
		namespace = "kosherhub"
	}
	client := &PrometheusMetricsClient{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	client.registerDefaultMetrics()
	return client
}

// registerDefaultMetrics registers the metrics every deployment reports
func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateCounter("cache_operations_total", "Total cache operations", []string{"operation", "status"})
	c.getOrCreateHistogram("cache_operation_duration_seconds", "Cache operation duration", []string{"operation"}, prometheus.ExponentialBuckets(0.0001, 2, 12))

	c.getOrCreateCounter("database_operations_total", "Total database operations", []string{"operation", "status"})
	c.getOrCreateHistogram("database_operation_duration_seconds", "Database operation duration", []string{"operation"}, prometheus.DefBuckets)

	c.getOrCreateCounter("auth_operations_total", "Total authentication operations", []string{"operation", "status"})
	c.getOrCreateHistogram("auth_operation_duration_seconds", "Authentication operation duration", []string{"operation"}, prometheus.DefBuckets)

	c.getOrCreateGauge("health_check_status", "Health check status (1=healthy, 0=unhealthy)", []string{"component"})
	c.getOrCreateHistogram("health_check_duration_seconds", "Health check duration", []string{"component"}, prometheus.DefBuckets)
}

// RecordCounter records a counter metric
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, name, labelNames(labels))
	counter.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge records a gauge metric
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, name, labelNames(labels))
	gauge.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, name, labelNames(labels), prometheus.DefBuckets)
	histogram.With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer records a duration as a histogram observation in seconds
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation with its outcome
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	c.recordOperation("cache", operation, success, durationSeconds)
}

// RecordDatabaseOperation records a database operation with its outcome
func (c *PrometheusMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
	c.recordOperation("database", operation, success, durationSeconds)
}

// RecordAuthOperation records an authentication operation with its outcome
func (c *PrometheusMetricsClient) RecordAuthOperation(operation string, success bool, durationSeconds float64) {
	c.recordOperation("auth", operation, success, durationSeconds)
}

func (c *PrometheusMetricsClient) recordOperation(component, operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	counter := c.getOrCreateCounter(component+"_operations_total", "Total "+component+" operations", []string{"operation", "status"})
	counter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()

	buckets := prometheus.DefBuckets
	if component == "cache" {
		buckets = prometheus.ExponentialBuckets(0.0001, 2, 12)
	}
	histogram := c.getOrCreateHistogram(component+"_operation_duration_seconds", component+" operation duration", []string{"operation"}, buckets)
	histogram.With(prometheus.Labels{"operation": operation}).Observe(durationSeconds)
}

// StartTimer returns a function that records the elapsed time when called
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments a counter without labels
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

// Close implements MetricsClient.Close
func (c *PrometheusMetricsClient) Close() error { return nil }

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok := c.counters[name]; ok {
		return counter
	}
	counter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok := c.gauges[name]; ok {
		return gauge
	}
	gauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok := c.histograms[name]; ok {
		return histogram
	}
	histogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	c.histograms[name] = histogram
	return histogram
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
