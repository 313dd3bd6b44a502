package observability

// NewMetricsClient creates a metrics client from configuration. Disabled
// metrics select the noop client so call sites never branch.
func NewMetricsClient(cfg MetricsConfig) MetricsClient {
	if !cfg.Enabled {
		return NewNoopMetricsClient()
	}
	return NewPrometheusMetricsClient(cfg.Namespace, cfg.Subsystem)
}
