package tracing

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector collects Prometheus-compatible metrics for traces,
// alerts and experiments. A nil *MetricsCollector is valid and records
// nothing.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	tracesTotal       metric.Int64Counter
	tokensTotal       metric.Int64Counter
	costUSDTotal      metric.Float64Counter
	alertsTotal       metric.Int64Counter
	webhookDeliveries metric.Int64Counter
	assignmentsTotal  metric.Int64Counter
	exposuresTotal    metric.Int64Counter
	conversionsTotal  metric.Int64Counter

	// Histograms
	traceDuration metric.Float64Histogram

	// Gauges (using observable gauges)
	activeTraces atomic.Int64
	deadLetters  atomic.Int64
	budgetsMu    sync.RWMutex
	budgets      map[budgetKey]bool
}

type budgetKey struct {
	id   string
	kind string
}

// NewMetricsCollector creates a new metrics collector using the given meter provider
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("vantage")

	mc := &MetricsCollector{
		meter:   meter,
		budgets: make(map[budgetKey]bool),
	}

	var err error

	mc.tracesTotal, err = meter.Int64Counter(
		"vantage_traces_total",
		metric.WithDescription("Total number of finished execution traces"),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		return nil, err
	}

	mc.tokensTotal, err = meter.Int64Counter(
		"vantage_tokens_total",
		metric.WithDescription("Total number of model tokens consumed by traced executions"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	mc.costUSDTotal, err = meter.Float64Counter(
		"vantage_cost_usd_total",
		metric.WithDescription("Total actual cost of traced executions (USD)"),
		metric.WithUnit("{USD}"),
	)
	if err != nil {
		return nil, err
	}

	mc.alertsTotal, err = meter.Int64Counter(
		"vantage_alerts_total",
		metric.WithDescription("Total number of alert events triggered"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	mc.webhookDeliveries, err = meter.Int64Counter(
		"vantage_webhook_deliveries_total",
		metric.WithDescription("Total number of webhook delivery attempts by outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	mc.assignmentsTotal, err = meter.Int64Counter(
		"vantage_assignments_total",
		metric.WithDescription("Total number of experiment assignments created"),
		metric.WithUnit("{assignment}"),
	)
	if err != nil {
		return nil, err
	}

	mc.exposuresTotal, err = meter.Int64Counter(
		"vantage_exposures_total",
		metric.WithDescription("Total number of first exposures recorded"),
		metric.WithUnit("{exposure}"),
	)
	if err != nil {
		return nil, err
	}

	mc.conversionsTotal, err = meter.Int64Counter(
		"vantage_conversions_total",
		metric.WithDescription("Total number of conversions recorded"),
		metric.WithUnit("{conversion}"),
	)
	if err != nil {
		return nil, err
	}

	mc.traceDuration, err = meter.Float64Histogram(
		"vantage_trace_duration_seconds",
		metric.WithDescription("Execution trace duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"vantage_active_traces",
		metric.WithDescription("Number of currently running traces"),
		metric.WithUnit("{trace}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(mc.activeTraces.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"vantage_dead_letters",
		metric.WithDescription("Number of webhook deliveries held in the dead-letter log"),
		metric.WithUnit("{delivery}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(mc.deadLetters.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"vantage_budget_within",
		metric.WithDescription("1 when the budget is currently met, 0 when breached"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.budgetsMu.RLock()
			defer mc.budgetsMu.RUnlock()
			for k, within := range mc.budgets {
				var v int64
				if within {
					v = 1
				}
				observer.Observe(v, metric.WithAttributes(
					attribute.String("budget", k.id),
					attribute.String("kind", k.kind),
				))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordTraceStart records a trace entering the running state
func (mc *MetricsCollector) RecordTraceStart(ctx context.Context, t Trace) {
	if mc == nil {
		return
	}
	mc.activeTraces.Add(1)
}

// RecordTraceComplete records a trace reaching a terminal status
func (mc *MetricsCollector) RecordTraceComplete(ctx context.Context, t Trace) {
	if mc == nil {
		return
	}
	mc.activeTraces.Add(-1)

	attrs := []attribute.KeyValue{
		attribute.String("type", string(t.Type)),
		attribute.String("entity", t.EntityID),
		attribute.String("status", string(t.Status)),
	}
	mc.tracesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.traceDuration.Record(ctx, float64(t.DurationMs)/1000, metric.WithAttributes(attrs...))

	modelAttrs := []attribute.KeyValue{
		attribute.String("provider", t.Provider),
		attribute.String("model", t.Model),
	}
	if t.InputTokens > 0 {
		mc.tokensTotal.Add(ctx, t.InputTokens, metric.WithAttributes(append(modelAttrs, attribute.String("direction", "input"))...))
	}
	if t.OutputTokens > 0 {
		mc.tokensTotal.Add(ctx, t.OutputTokens, metric.WithAttributes(append(modelAttrs, attribute.String("direction", "output"))...))
	}
	if t.ActualCost > 0 {
		mc.costUSDTotal.Add(ctx, t.ActualCost, metric.WithAttributes(modelAttrs...))
	}
}

// RecordAlert records a triggered alert event
func (mc *MetricsCollector) RecordAlert(ctx context.Context, ruleID, severity string) {
	if mc == nil {
		return
	}
	mc.alertsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", ruleID),
		attribute.String("severity", severity),
	))
}

// RecordWebhookDelivery records one webhook delivery outcome
// ("delivered", "failed" or "dropped")
func (mc *MetricsCollector) RecordWebhookDelivery(ctx context.Context, outcome string) {
	if mc == nil {
		return
	}
	mc.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SetDeadLetters sets the dead-letter gauge
func (mc *MetricsCollector) SetDeadLetters(n int) {
	if mc == nil {
		return
	}
	mc.deadLetters.Store(int64(n))
}

// SetBudgetStatus updates the budget gauge; kind is "latency" or "error"
func (mc *MetricsCollector) SetBudgetStatus(budgetID, kind string, within bool) {
	if mc == nil {
		return
	}
	mc.budgetsMu.Lock()
	mc.budgets[budgetKey{id: budgetID, kind: kind}] = within
	mc.budgetsMu.Unlock()
}

// RemoveBudget drops a deleted budget from the gauge
func (mc *MetricsCollector) RemoveBudget(budgetID, kind string) {
	if mc == nil {
		return
	}
	mc.budgetsMu.Lock()
	delete(mc.budgets, budgetKey{id: budgetID, kind: kind})
	mc.budgetsMu.Unlock()
}

// RecordAssignment records a new experiment assignment
func (mc *MetricsCollector) RecordAssignment(ctx context.Context, experimentID, variantID string) {
	if mc == nil {
		return
	}
	mc.assignmentsTotal.Add(ctx, 1, metric.WithAttributes(experimentAttrs(experimentID, variantID)...))
}

// RecordExposure records a first exposure
func (mc *MetricsCollector) RecordExposure(ctx context.Context, experimentID, variantID string) {
	if mc == nil {
		return
	}
	mc.exposuresTotal.Add(ctx, 1, metric.WithAttributes(experimentAttrs(experimentID, variantID)...))
}

// RecordConversion records a conversion
func (mc *MetricsCollector) RecordConversion(ctx context.Context, experimentID, variantID string) {
	if mc == nil {
		return
	}
	mc.conversionsTotal.Add(ctx, 1, metric.WithAttributes(experimentAttrs(experimentID, variantID)...))
}

func experimentAttrs(experimentID, variantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("experiment", experimentID),
		attribute.String("variant", variantID),
	}
}
