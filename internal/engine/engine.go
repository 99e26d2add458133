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

// Package engine assembles the trace recorder, budget evaluator, alert
// engine and experiment manager into one process-wide instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/vantage/internal/alert"
	"github.com/tombee/vantage/internal/budget"
	"github.com/tombee/vantage/internal/config"
	"github.com/tombee/vantage/internal/experiment"
	"github.com/tombee/vantage/internal/log"
	"github.com/tombee/vantage/internal/storage"
	"github.com/tombee/vantage/internal/tracing"
	"github.com/tombee/vantage/internal/tracing/redact"
)

// TraceErrorRulePrefix prefixes the rule id of alerts raised for failed
// executions.
const TraceErrorRulePrefix = "error_"

// Engine is the single entry point for recording executions, running
// experiments and evaluating budgets and alert rules.
type Engine struct {
	recorder    *tracing.Recorder
	budgets     *budget.Evaluator
	alerts      *alert.Engine
	experiments *experiment.Manager
	dispatcher  *alert.Dispatcher
	sweeper     *tracing.Sweeper
	telemetry   *tracing.OTelProvider
	store       *storage.SQLiteStore

	alertOnTraceError atomic.Bool

	// ids seeded from configuration, removed again when a reload drops them
	seedMu  sync.Mutex
	seeded  seedSet
	logger  *slog.Logger
	closing sync.Once
	closed  error
}

type seedSet struct {
	latency map[string]bool
	errors  map[string]bool
	rules   map[string]bool
}

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	telemetry  *tracing.OTelProvider
	httpClient *http.Client
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTelemetry supplies an already constructed provider instead of
// building one from cfg.Telemetry. The engine shuts it down on Close.
func WithTelemetry(p *tracing.OTelProvider) Option {
	return func(o *options) { o.telemetry = p }
}

// WithHTTPClient sets the client used for webhook delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New builds an engine from cfg, restores any persisted state and applies
// the configured budgets and alert rules. It panics on a nil config.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		panic("engine: nil config")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.OrDefault(o.logger)

	redactMode, err := redact.ParseMode(cfg.Traces.Redaction)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger: log.WithComponent(logger, "engine"),
		seeded: seedSet{
			latency: map[string]bool{},
			errors:  map[string]bool{},
			rules:   map[string]bool{},
		},
	}

	e.telemetry = o.telemetry
	if e.telemetry == nil {
		p, err := tracing.NewOTelProvider(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
		}
		e.telemetry = p
	}
	metrics := e.telemetry.MetricsCollector()

	if cfg.Storage.Path != "" {
		store, err := storage.New(cfg.Storage)
		if err != nil {
			_ = e.telemetry.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		e.store = store
	}

	dispatcherOpts := []alert.DispatcherOption{
		alert.WithDeliveryMetrics(metrics),
		alert.WithDispatcherLogger(logger),
	}
	if o.httpClient != nil {
		dispatcherOpts = append(dispatcherOpts, alert.WithHTTPClient(o.httpClient))
	}
	dispatcher, err := alert.NewDispatcher(cfg.Alerts.Webhook, dispatcherOpts...)
	if err != nil {
		e.release(ctx)
		return nil, fmt.Errorf("failed to create webhook dispatcher: %w", err)
	}
	e.dispatcher = dispatcher

	alertOpts := []alert.Option{
		alert.WithEventCapacity(cfg.Alerts.EventCapacity),
		alert.WithNotifier(dispatcher),
		alert.WithMetrics(metrics),
		alert.WithLogger(logger),
		alert.WithClock(o.now),
	}
	expOpts := []experiment.Option{
		experiment.WithMetrics(metrics),
		experiment.WithLogger(logger),
		experiment.WithClock(o.now),
	}
	if e.store != nil {
		alertOpts = append(alertOpts, alert.WithPersister(e.store))
		expOpts = append(expOpts, experiment.WithPersister(e.store))
	}
	e.alerts = alert.NewEngine(alertOpts...)
	e.experiments = experiment.NewManager(expOpts...)

	e.budgets = budget.NewEvaluator(
		budget.WithAlerter(e.alerts),
		budget.WithMetrics(metrics),
		budget.WithLogger(logger),
		budget.WithClock(o.now),
	)

	e.recorder = tracing.NewRecorder(
		tracing.WithCompletedCapacity(cfg.Traces.CompletedCapacity),
		tracing.WithObserver(e.budgets.Observe),
		tracing.WithObserver(e.onTraceFinished),
		tracing.WithMetricsCollector(metrics),
		tracing.WithSpanMirror(e.telemetry.SpanMirror()),
		tracing.WithRedactor(redact.New(redactMode)),
		tracing.WithRecorderLogger(logger),
		tracing.WithRecorderClock(o.now),
	)

	if cfg.Traces.SweepInterval > 0 {
		e.sweeper = tracing.NewSweeper(e.recorder, cfg.Traces.SweepInterval, cfg.Traces.Timeout, e.budgets.MaxDuration, logger)
	}

	if err := e.restore(ctx, cfg.Alerts.EventCapacity); err != nil {
		e.release(ctx)
		return nil, err
	}
	if err := e.ApplyConfig(ctx, cfg); err != nil {
		e.release(ctx)
		return nil, err
	}
	return e, nil
}

func (e *Engine) restore(ctx context.Context, eventCapacity int) error {
	if e.store == nil {
		return nil
	}
	exps, err := e.store.LoadExperiments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load experiments: %w", err)
	}
	assignments, err := e.store.LoadAssignments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load assignments: %w", err)
	}
	e.experiments.Restore(exps, assignments)

	if eventCapacity <= 0 {
		eventCapacity = alert.DefaultEventCapacity
	}
	events, err := e.store.LoadAlertEvents(ctx, eventCapacity)
	if err != nil {
		return fmt.Errorf("failed to load alert events: %w", err)
	}
	e.alerts.Restore(events)

	pruned, err := e.store.PruneAlertEvents(ctx, eventCapacity)
	if err != nil {
		e.logger.Warn("failed to prune alert events", log.Error(err))
	}

	e.logger.Info("restored state",
		slog.Int("experiments", len(exps)),
		slog.Int("assignments", len(assignments)),
		slog.Int("alert_events", len(events)),
		slog.Int64("pruned_events", pruned))
	return nil
}

// ApplyConfig upserts the budgets and alert rules of cfg and removes
// those a previous ApplyConfig installed that cfg no longer lists.
// Budgets and rules created through the API are never removed here.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	e.seedMu.Lock()
	defer e.seedMu.Unlock()

	e.alertOnTraceError.Store(cfg.Alerts.AlertOnTraceError)

	var errs []error
	next := seedSet{
		latency: map[string]bool{},
		errors:  map[string]bool{},
		rules:   map[string]bool{},
	}

	for _, b := range cfg.LatencyBudgets {
		if _, err := e.budgets.SetLatencyBudget(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("latency budget %q: %w", b.ID, err))
			continue
		}
		next.latency[b.ID] = true
	}
	for _, b := range cfg.ErrorBudgets {
		if _, err := e.budgets.SetErrorBudget(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("error budget %q: %w", b.ID, err))
			continue
		}
		next.errors[b.ID] = true
	}
	for _, r := range cfg.AlertRules {
		if err := e.alerts.SetRule(r); err != nil {
			errs = append(errs, fmt.Errorf("alert rule %q: %w", r.ID, err))
			continue
		}
		next.rules[r.ID] = true
	}

	for id := range e.seeded.latency {
		if !next.latency[id] {
			e.budgets.DeleteLatencyBudget(ctx, id)
		}
	}
	for id := range e.seeded.errors {
		if !next.errors[id] {
			e.budgets.DeleteErrorBudget(ctx, id)
		}
	}
	for id := range e.seeded.rules {
		if !next.rules[id] {
			e.alerts.DeleteRule(id)
		}
	}
	e.seeded = next

	e.logger.Debug("configuration applied",
		slog.Int("latency_budgets", len(next.latency)),
		slog.Int("error_budgets", len(next.errors)),
		slog.Int("alert_rules", len(next.rules)))
	return errors.Join(errs...)
}

// onTraceFinished runs after the budget evaluator for every terminal
// trace.
func (e *Engine) onTraceFinished(ctx context.Context, t tracing.Trace) {
	if t.ActualCost > 0 {
		e.alerts.Evaluate(ctx, alert.Sample{
			Metric:   alert.MetricCost,
			EntityID: t.EntityID,
			Value:    t.ActualCost,
			Vars: map[string]any{
				"inputTokens":  t.InputTokens,
				"outputTokens": t.OutputTokens,
				"model":        t.Model,
				"provider":     t.Provider,
			},
		})
	}

	if !t.Status.IsFailure() || !e.alertOnTraceError.Load() {
		return
	}
	name := t.EntityName
	if name == "" {
		name = t.EntityID
	}
	msg, code := "Unknown error", ""
	if t.Error != nil {
		if t.Error.Message != "" {
			msg = t.Error.Message
		}
		code = t.Error.Code
	}
	e.alerts.Trigger(ctx, alert.Event{
		RuleID:      TraceErrorRulePrefix + t.EntityID,
		RuleName:    "Execution Error: " + name,
		Severity:    alert.SeverityCritical,
		Message:     "Execution failed: " + msg,
		MetricValue: 1,
		Threshold:   0,
		Metadata: map[string]any{
			"traceId":   t.ID,
			"entityId":  t.EntityID,
			"errorCode": code,
		},
	})
}

// StartTrace begins recording an execution.
func (e *Engine) StartTrace(ctx context.Context, p tracing.StartParams) (string, error) {
	return e.recorder.Start(ctx, p)
}

// UpdateTrace patches a running execution.
func (e *Engine) UpdateTrace(id string, p tracing.UpdateParams) (tracing.Trace, bool) {
	return e.recorder.Update(id, p)
}

// CompleteTrace finishes an execution successfully. Budgets and rules
// have been evaluated by the time it returns.
func (e *Engine) CompleteTrace(ctx context.Context, id string, p tracing.CompleteParams) (tracing.Trace, bool) {
	return e.recorder.Complete(ctx, id, p)
}

// FailTrace finishes an execution with an error.
func (e *Engine) FailTrace(ctx context.Context, id string, info tracing.ErrorInfo) (tracing.Trace, bool) {
	return e.recorder.Fail(ctx, id, info)
}

// SetLatencyBudget creates or replaces a latency budget.
func (e *Engine) SetLatencyBudget(ctx context.Context, b budget.LatencyBudget) (budget.LatencyBudget, error) {
	return e.budgets.SetLatencyBudget(ctx, b)
}

// SetErrorBudget creates or replaces an error budget.
func (e *Engine) SetErrorBudget(ctx context.Context, b budget.ErrorBudget) (budget.ErrorBudget, error) {
	return e.budgets.SetErrorBudget(ctx, b)
}

// SetAlertRule creates or replaces an alert rule.
func (e *Engine) SetAlertRule(r alert.Rule) error {
	return e.alerts.SetRule(r)
}

// Subscribe registers fn for every triggered alert event.
func (e *Engine) Subscribe(fn func(alert.Event)) (unsubscribe func()) {
	return e.alerts.Subscribe(fn)
}

// AssignVariant returns the subject's sticky variant.
func (e *Engine) AssignVariant(ctx context.Context, experimentID, subjectID, sessionID string) experiment.AssignmentResult {
	return e.experiments.Assign(ctx, experimentID, subjectID, sessionID)
}

// RecordExposure marks an assigned subject as exposed.
func (e *Engine) RecordExposure(ctx context.Context, experimentID, subjectID string) bool {
	return e.experiments.RecordExposure(ctx, experimentID, subjectID)
}

// RecordConversion marks an assigned subject as converted.
func (e *Engine) RecordConversion(ctx context.Context, experimentID, subjectID string, metricValues map[string]float64) bool {
	return e.experiments.RecordConversion(ctx, experimentID, subjectID, metricValues)
}

// AnalyzeExperiment computes significance and offers the p-value to the
// alert rules.
func (e *Engine) AnalyzeExperiment(ctx context.Context, experimentID string) (experiment.Result, bool) {
	res, ok := e.experiments.Analyze(experimentID)
	if !ok {
		return res, false
	}
	if res.PValue != nil {
		vars := map[string]any{
			"isSignificant":    res.IsSignificant,
			"sufficientSample": res.SufficientSample,
		}
		if res.ZScore != nil {
			vars["zScore"] = *res.ZScore
		}
		e.alerts.Evaluate(ctx, alert.Sample{
			Metric:   alert.MetricPValue,
			EntityID: experimentID,
			Value:    *res.PValue,
			Vars:     vars,
		})
	}
	return res, true
}

// Recorder returns the trace recorder.
func (e *Engine) Recorder() *tracing.Recorder { return e.recorder }

// Budgets returns the budget evaluator.
func (e *Engine) Budgets() *budget.Evaluator { return e.budgets }

// Alerts returns the alert engine.
func (e *Engine) Alerts() *alert.Engine { return e.alerts }

// Experiments returns the experiment manager.
func (e *Engine) Experiments() *experiment.Manager { return e.experiments }

// Dispatcher returns the webhook dispatcher.
func (e *Engine) Dispatcher() *alert.Dispatcher { return e.dispatcher }

// MetricsHandler serves the Prometheus exposition of every instrument.
func (e *Engine) MetricsHandler() http.Handler { return e.telemetry.MetricsHandler() }

// Run drives background work until ctx is cancelled. It returns
// immediately when the timeout sweeper is disabled.
func (e *Engine) Run(ctx context.Context) error {
	if e.sweeper == nil {
		return nil
	}
	return e.sweeper.Run(ctx)
}

// Close drains pending webhooks and releases storage and telemetry.
// Calling it more than once returns the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closing.Do(func() {
		e.closed = e.release(ctx)
	})
	return e.closed
}

func (e *Engine) release(ctx context.Context) error {
	var errs []error
	if e.dispatcher != nil {
		if err := e.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("webhook dispatcher: %w", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
