package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kosherhub/kosherhub/pkg/observability"
)

// Comparator relates a metric value to an alert threshold
type Comparator string

const (
	CmpGT  Comparator = "gt"
	CmpLT  Comparator = "lt"
	CmpEQ  Comparator = "eq"
	CmpGTE Comparator = "gte"
	CmpLTE Comparator = "lte"
)

// Severity ranks an alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold rule over one metric from the aggregator's flat map
type Alert struct {
	ID         string     `json:"id"`
	Metric     string     `json:"metric"`
	Comparator Comparator `json:"comparator"`
	Threshold  float64    `json:"threshold"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
}

// DefaultAlerts returns the standard platform alert set
func DefaultAlerts() []Alert {
	return []Alert{
		{ID: "high_cpu", Metric: "cpu_percent", Comparator: CmpGT, Threshold: 80, Severity: SeverityHigh, Message: "CPU usage above 80%"},
		{ID: "high_memory", Metric: "memory_percent", Comparator: CmpGT, Threshold: 85, Severity: SeverityHigh, Message: "memory usage above 85%"},
		{ID: "slow_response", Metric: "response_time_avg_ms", Comparator: CmpGT, Threshold: 2000, Severity: SeverityMedium, Message: "average response time above 2000ms"},
		{ID: "high_error_rate", Metric: "error_rate_percent", Comparator: CmpGT, Threshold: 5, Severity: SeverityHigh, Message: "error rate above 5%"},
		{ID: "low_cache_hit_rate", Metric: "cache_hit_rate_percent", Comparator: CmpLT, Threshold: 70, Severity: SeverityMedium, Message: "cache hit rate below 70%"},
	}
}

// AlertState is the current standing of one rule
type AlertState struct {
	Alert       Alert     `json:"alert"`
	Active      bool      `json:"active"`
	Value       float64   `json:"value"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// AlertEvent is delivered to sinks on every trigger or resolve transition
type AlertEvent struct {
	Alert  Alert     `json:"alert"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
	Firing bool      `json:"firing"`
}

// Sink receives alert transitions. A failing sink is logged and bypassed.
type Sink interface {
	Notify(ctx context.Context, event AlertEvent) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, event AlertEvent) error

// Notify implements Sink
func (f SinkFunc) Notify(ctx context.Context, event AlertEvent) error {
	return f(ctx, event)
}

// AlertManager evaluates rules against fresh metric maps and fans
// transitions out to sinks
type AlertManager struct {
	mu     sync.Mutex
	rules  map[string]Alert
	states map[string]*AlertState
	sinks  []Sink
	logger observability.Logger
}

// NewAlertManager creates a manager preloaded with the given rules
func NewAlertManager(rules []Alert, logger observability.Logger) *AlertManager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	am := &AlertManager{
		rules:  make(map[string]Alert, len(rules)),
		states: make(map[string]*AlertState, len(rules)),
		logger: logger,
	}
	for _, rule := range rules {
		am.rules[rule.ID] = rule
		am.states[rule.ID] = &AlertState{Alert: rule}
	}
	return am
}

// Add installs or replaces a rule. Replacing a rule clears its state.
func (am *AlertManager) Add(rule Alert) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules[rule.ID] = rule
	am.states[rule.ID] = &AlertState{Alert: rule}
}

// Remove deletes a rule and its state
func (am *AlertManager) Remove(id string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	delete(am.rules, id)
	delete(am.states, id)
}

// AddSink registers a notification sink
func (am *AlertManager) AddSink(sink Sink) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.sinks = append(am.sinks, sink)
}

// Evaluate applies every rule to the metric map. An alert triggers when its
// condition holds and resolves when it stops holding; sinks see only the
// transitions.
func (am *AlertManager) Evaluate(ctx context.Context, metrics map[string]float64) {
	now := time.Now()

	am.mu.Lock()
	var events []AlertEvent
	for id, rule := range am.rules {
		value, ok := metrics[rule.Metric]
		if !ok {
			continue
		}
		state := am.states[id]
		state.Value = value

		holds := compare(value, rule.Comparator, rule.Threshold)
		switch {
		case holds && !state.Active:
			state.Active = true
			state.TriggeredAt = now
			events = append(events, AlertEvent{Alert: rule, Value: value, At: now, Firing: true})
		case !holds && state.Active:
			state.Active = false
			state.ResolvedAt = now
			events = append(events, AlertEvent{Alert: rule, Value: value, At: now, Firing: false})
		}
	}
	sinks := make([]Sink, len(am.sinks))
	copy(sinks, am.sinks)
	am.mu.Unlock()

	for _, event := range events {
		if event.Firing {
			am.logger.Warn("alert triggered", map[string]interface{}{
				"alert":    event.Alert.ID,
				"metric":   event.Alert.Metric,
				"value":    event.Value,
				"severity": string(event.Alert.Severity),
			})
		} else {
			am.logger.Info("alert resolved", map[string]interface{}{
				"alert": event.Alert.ID,
				"value": event.Value,
			})
		}
		for _, sink := range sinks {
			if err := sink.Notify(ctx, event); err != nil {
				am.logger.Warn("alert sink failed", map[string]interface{}{
					"alert": event.Alert.ID,
					"error": err.Error(),
				})
			}
		}
	}
}

// States returns the standing of every rule, ordered by ID
func (am *AlertManager) States() []AlertState {
	am.mu.Lock()
	defer am.mu.Unlock()
	out := make([]AlertState, 0, len(am.states))
	for _, state := range am.states {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alert.ID < out[j].Alert.ID })
	return out
}

func compare(value float64, cmp Comparator, threshold float64) bool {
	switch cmp {
	case CmpGT:
		return value > threshold
	case CmpLT:
		return value < threshold
	case CmpEQ:
		return value == threshold
	case CmpGTE:
		return value >= threshold
	case CmpLTE:
		return value <= threshold
	default:
		return false
	}
}
