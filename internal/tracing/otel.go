// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/vantage/internal/eventstore"
	"github.com/tombee/vantage/internal/tracing/export"
)

const instrumentationName = "github.com/tombee/vantage/internal/tracing"

// OTelProvider owns the OpenTelemetry tracer and meter providers.
// Each provider has its own Prometheus registry.
type OTelProvider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	metrics  *MetricsCollector
}

// NewOTelProvider creates tracer and meter providers from cfg. Extra
// options are appended after the configured sampler and exporters.
func NewOTelProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*OTelProvider, error) {
	// Empty schema URL avoids conflicts when merging with the default resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	allOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.Sampling)),
	}
	for _, ec := range cfg.Exporters {
		exp, err := newExporter(ctx, ec)
		if err != nil {
			return nil, err
		}
		allOpts = append(allOpts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchInterval)))
	}
	tp := sdktrace.NewTracerProvider(append(allOpts, opts...)...)

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	mc, err := NewMetricsCollector(mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	return &OTelProvider{
		tp:       tp,
		mp:       mp,
		registry: registry,
		metrics:  mc,
	}, nil
}

func newExporter(ctx context.Context, ec ExporterConfig) (sdktrace.SpanExporter, error) {
	tlsCfg, err := export.BuildTLSConfig(export.TLSConfigInput{
		Enabled:           ec.TLS.Enabled,
		VerifyCertificate: ec.TLS.VerifyCertificate,
		CACertPath:        ec.TLS.CACertPath,
	})
	if err != nil {
		return nil, fmt.Errorf("exporter %s: %w", ec.Type, err)
	}
	return export.New(ctx, export.Spec{
		Type:      ec.Type,
		Endpoint:  ec.Endpoint,
		Insecure:  ec.Insecure,
		Headers:   ec.Headers,
		TLSConfig: tlsCfg,
	})
}

// Tracer returns the tracer used to mirror executions.
func (p *OTelProvider) Tracer() trace.Tracer {
	return p.tp.Tracer(instrumentationName)
}

// SpanMirror returns a mirror bound to this provider's tracer.
func (p *OTelProvider) SpanMirror() *SpanMirror {
	return NewSpanMirror(p.Tracer())
}

// MetricsCollector returns the collector backed by this provider's meter.
func (p *OTelProvider) MetricsCollector() *MetricsCollector {
	return p.metrics
}

// MetricsHandler serves this provider's registry in the Prometheus text format.
func (p *OTelProvider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes any pending spans and releases resources.
func (p *OTelProvider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// ForceFlush exports all pending spans synchronously.
func (p *OTelProvider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

// Span attribute keys.
const (
	AttrTraceID      = attribute.Key("vantage.trace.id")
	AttrTraceType    = attribute.Key("vantage.trace.type")
	AttrEntityID     = attribute.Key("vantage.entity.id")
	AttrEntityName   = attribute.Key("vantage.entity.name")
	AttrStatus       = attribute.Key("vantage.status")
	AttrRetryCount   = attribute.Key("vantage.retry_count")
	AttrProvider     = attribute.Key("gen_ai.system")
	AttrModel        = attribute.Key("gen_ai.request.model")
	AttrInputTokens  = attribute.Key("gen_ai.usage.input_tokens")
	AttrOutputTokens = attribute.Key("gen_ai.usage.output_tokens")
	AttrActualCost   = attribute.Key("vantage.cost.actual")
	AttrErrorCode    = attribute.Key("vantage.error.code")
	AttrRetryable    = attribute.Key("vantage.error.retryable")
)

// SpanMirror mirrors execution traces as OpenTelemetry spans. A child
// trace started while its parent is running becomes a child span.
// A nil *SpanMirror is valid and does nothing.
type SpanMirror struct {
	tracer trace.Tracer
	spans  *eventstore.Shards[trace.Span]
}

// NewSpanMirror creates a mirror that starts spans on tracer.
func NewSpanMirror(tracer trace.Tracer) *SpanMirror {
	return &SpanMirror{
		tracer: tracer,
		spans:  eventstore.NewShards[trace.Span](eventstore.DefaultShardCount),
	}
}

// Start opens the span for a newly started trace.
func (m *SpanMirror) Start(ctx context.Context, t Trace) {
	if m == nil {
		return
	}
	if t.ParentTraceID != "" {
		if parent, ok := m.spans.Get(t.ParentTraceID); ok {
			ctx = trace.ContextWithSpan(ctx, parent)
		}
	}

	name := t.EntityName
	if name == "" {
		name = t.EntityID
	}
	attrs := []attribute.KeyValue{
		AttrTraceID.String(t.ID),
		AttrTraceType.String(string(t.Type)),
		AttrEntityID.String(t.EntityID),
		AttrEntityName.String(t.EntityName),
	}
	if t.Provider != "" {
		attrs = append(attrs, AttrProvider.String(t.Provider))
	}
	if t.Model != "" {
		attrs = append(attrs, AttrModel.String(t.Model))
	}

	_, span := m.tracer.Start(ctx, string(t.Type)+" "+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(t.StartedAt),
		trace.WithAttributes(attrs...),
	)
	m.spans.Store(t.ID, span)
}

// End closes the span of a finished trace.
func (m *SpanMirror) End(_ context.Context, t Trace) {
	if m == nil {
		return
	}
	span, ok := m.spans.LoadAndDelete(t.ID)
	if !ok {
		return
	}

	span.SetAttributes(
		AttrStatus.String(string(t.Status)),
		AttrRetryCount.Int(t.RetryCount),
		AttrInputTokens.Int64(t.InputTokens),
		AttrOutputTokens.Int64(t.OutputTokens),
		AttrActualCost.Float64(t.ActualCost),
	)
	if t.Model != "" {
		span.SetAttributes(AttrModel.String(t.Model))
	}
	if t.Error != nil {
		span.SetAttributes(
			AttrErrorCode.String(t.Error.Code),
			AttrRetryable.Bool(t.Error.Retryable),
		)
		span.SetStatus(codes.Error, t.Error.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	var opts []trace.SpanEndOption
	if t.CompletedAt != nil {
		opts = append(opts, trace.WithTimestamp(*t.CompletedAt))
	}
	span.End(opts...)
}

// Len reports how many spans are open.
func (m *SpanMirror) Len() int {
	if m == nil {
		return 0
	}
	return m.spans.Len()
}
