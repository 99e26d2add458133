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

package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/vantage/internal/alert"
	"github.com/tombee/vantage/internal/eventstore"
	"github.com/tombee/vantage/internal/log"
	"github.com/tombee/vantage/internal/stats"
	"github.com/tombee/vantage/internal/tracing"
)

// Alerter receives budget breaches and the measured values.
type Alerter interface {
	Trigger(ctx context.Context, e alert.Event) alert.Event
	Resolve(ctx context.Context, ruleID string) int
	Evaluate(ctx context.Context, s alert.Sample) []alert.Event
}

// Metrics receives budget status.
type Metrics interface {
	SetBudgetStatus(budgetID, kind string, within bool)
	RemoveBudget(budgetID, kind string)
}

// LatencyRuleID is the alert rule id latency budget breaches are raised
// under. Configuring an alert rule with this id attaches a webhook.
func LatencyRuleID(budgetID string) string { return "latency_budget_" + budgetID }

// ErrorRuleID is the alert rule id error budget exhaustion is raised under.
func ErrorRuleID(budgetID string) string { return "error_budget_" + budgetID }

// WindowStats are the raw measurements of one entity's window.
type WindowStats struct {
	stats.Percentiles
	SampleCount  int   `json:"sampleCount"`
	SuccessCount int64 `json:"successCount"`
	ErrorCount   int64 `json:"errorCount"`
}

// window holds the durations of successful executions and the outcome
// counters of every finished execution of one entity.
type window struct {
	mu       sync.Mutex
	typ      tracing.TraceType
	seq      uint64
	samples  *eventstore.Ring[float64]
	finished *eventstore.Ring[time.Time]
	success  int64
	errors   int64
}

// snapshot is what one completion contributes to budget evaluation.
// seq increases with every record on the same entity.
type snapshot struct {
	trace      tracing.Trace
	seq        uint64
	pct        stats.Percentiles
	n          int
	success    int64
	errors     int64
	throughput int
}

type latencyState struct {
	mu       sync.Mutex
	b        LatencyBudget
	breached map[string]struct{}
	seen     map[string]uint64
}

type errorState struct {
	mu        sync.Mutex
	b         ErrorBudget
	exhausted map[string]struct{}
	seen      map[string]uint64
}

// Evaluator keeps a sliding duration window and outcome counters per
// entity and recomputes every applicable budget when a trace finishes.
//
// Each entity window and each budget has its own lock, so completions for
// different entities proceed in parallel.
type Evaluator struct {
	windows    *eventstore.Shards[*window]
	windowSize int

	mu      sync.RWMutex
	latency map[string]*latencyState
	errs    map[string]*errorState

	alerter Alerter
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithAlerter routes breaches and samples to an alert engine.
func WithAlerter(a Alerter) Option {
	return func(e *Evaluator) { e.alerter = a }
}

// WithMetrics publishes budget status.
func WithMetrics(m Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithWindowSize bounds each entity's duration window.
func WithWindowSize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.windowSize = n
		}
	}
}

// NewEvaluator creates an evaluator with no budgets.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		windows:    eventstore.NewShards[*window](eventstore.DefaultShardCount),
		windowSize: DefaultWindowSize,
		latency:    make(map[string]*latencyState),
		errs:       make(map[string]*errorState),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.WithComponent(log.OrDefault(e.logger), "budget")
	return e
}

// SetLatencyBudget creates or replaces a latency budget. Replacing a
// budget with the same scope keeps its measurements and re-judges them
// against the new targets; a new budget starts within budget until
// measured.
func (e *Evaluator) SetLatencyBudget(ctx context.Context, b LatencyBudget) (LatencyBudget, error) {
	if err := b.Validate(); err != nil {
		return LatencyBudget{}, err
	}
	measured := e.measured(func(s snapshot) bool { return s.n >= MinSamples && b.appliesTo(s.trace) })

	e.mu.Lock()
	st, ok := e.latency[b.ID]
	if !ok {
		st = &latencyState{}
		e.latency[b.ID] = st
	}
	st.mu.Lock()
	e.mu.Unlock()

	rescoped := ok && (st.b.EntityID != b.EntityID || st.b.Type != b.Type)
	var breaches []snapshot
	var recovered bool
	if ok && !rescoped {
		b.CurrentP50Ms, b.CurrentP95Ms, b.CurrentP99Ms = st.b.CurrentP50Ms, st.b.CurrentP95Ms, st.b.CurrentP99Ms
		b.SampleCount = st.b.SampleCount
		b.WithinBudget = st.b.WithinBudget
		b.LastUpdated = st.b.LastUpdated
		if b.SampleCount >= MinSamples {
			b.WithinBudget = b.meets(stats.Percentiles{P95: b.CurrentP95Ms, P99: b.CurrentP99Ms})
		}

		before := len(st.breached) > 0
		for _, m := range measured {
			entity := m.trace.EntityID
			if m.seq < st.seen[entity] {
				continue
			}
			st.seen[entity] = m.seq
			if breach, _ := mark(st.breached, entity, !b.meets(m.pct)); breach {
				breaches = append(breaches, m)
			}
		}
		recovered = before && len(st.breached) == 0
	} else {
		b.CurrentP50Ms, b.CurrentP95Ms, b.CurrentP99Ms = 0, 0, 0
		b.SampleCount = 0
		b.WithinBudget = true
		b.LastUpdated = e.now()
		st.breached = make(map[string]struct{})
		st.seen = make(map[string]uint64)
	}
	b.BreachedEntities = sortedKeys(st.breached)
	st.b = b
	out := b.clone()
	st.mu.Unlock()

	if rescoped || recovered {
		e.resolve(ctx, LatencyRuleID(b.ID))
	}
	for _, m := range breaches {
		e.logger.Warn("latency budget exceeded after target change",
			slog.String(log.BudgetIDKey, out.ID),
			slog.String(log.EntityIDKey, m.trace.EntityID),
			slog.Float64("p95_ms", m.pct.P95))
		e.trigger(ctx, latencyEvent(out, m.pct, map[string]any{"entityId": m.trace.EntityID}))
	}
	if e.metrics != nil {
		e.metrics.SetBudgetStatus(b.ID, KindLatency, len(out.BreachedEntities) == 0)
	}
	e.logger.Debug("latency budget set", slog.String(log.BudgetIDKey, b.ID))
	return out, nil
}

// SetErrorBudget creates or replaces an error budget.
func (e *Evaluator) SetErrorBudget(ctx context.Context, b ErrorBudget) (ErrorBudget, error) {
	if err := b.Validate(); err != nil {
		return ErrorBudget{}, err
	}
	measured := e.measured(func(s snapshot) bool {
		return s.success+s.errors >= MinSamples && b.appliesTo(s.trace)
	})

	e.mu.Lock()
	st, ok := e.errs[b.ID]
	if !ok {
		st = &errorState{}
		e.errs[b.ID] = st
	}
	st.mu.Lock()
	e.mu.Unlock()

	rescoped := ok && st.b.EntityID != b.EntityID
	var breaches []snapshot
	var recovered bool
	if ok && !rescoped {
		b.CurrentSuccessRate = st.b.CurrentSuccessRate
		b.ErrorCount, b.TotalCount = st.b.ErrorCount, st.b.TotalCount
		b.LastUpdated = st.b.LastUpdated
		// The target may have moved; the remaining budget follows it.
		b.BudgetRemaining = st.b.BudgetRemaining
		if b.TotalCount > 0 {
			b.BudgetRemaining = Remaining(b.CurrentSuccessRate, b.TargetSuccessRate, b.ErrorCount)
		}

		before := len(st.exhausted) > 0
		for _, m := range measured {
			entity := m.trace.EntityID
			if m.seq < st.seen[entity] {
				continue
			}
			st.seen[entity] = m.seq
			if breach, _ := mark(st.exhausted, entity, b.remaining(m) <= 0); breach {
				breaches = append(breaches, m)
			}
		}
		recovered = before && len(st.exhausted) == 0
	} else {
		b.CurrentSuccessRate = 1
		b.ErrorCount, b.TotalCount = 0, 0
		b.BudgetRemaining = 100
		b.LastUpdated = e.now()
		st.exhausted = make(map[string]struct{})
		st.seen = make(map[string]uint64)
	}
	b.ExhaustedEntities = sortedKeys(st.exhausted)
	st.b = b
	out := b.clone()
	st.mu.Unlock()

	if rescoped || recovered {
		e.resolve(ctx, ErrorRuleID(b.ID))
	}
	for _, m := range breaches {
		md := map[string]any{"entityId": m.trace.EntityID}
		e.trigger(ctx, errorEvent(out, m, md))
	}
	if e.metrics != nil {
		e.metrics.SetBudgetStatus(b.ID, KindError, len(out.ExhaustedEntities) == 0)
	}
	e.logger.Debug("error budget set", slog.String(log.BudgetIDKey, b.ID))
	return out, nil
}

// LatencyBudget returns a copy of one latency budget.
func (e *Evaluator) LatencyBudget(id string) (LatencyBudget, bool) {
	e.mu.RLock()
	st, ok := e.latency[id]
	e.mu.RUnlock()
	if !ok {
		return LatencyBudget{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.b.clone(), true
}

// LatencyBudgets returns every latency budget ordered by id.
func (e *Evaluator) LatencyBudgets() []LatencyBudget {
	out := make([]LatencyBudget, 0)
	for _, st := range e.latencyStates(nil) {
		st.mu.Lock()
		out = append(out, st.b.clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ErrorBudget returns a copy of one error budget.
func (e *Evaluator) ErrorBudget(id string) (ErrorBudget, bool) {
	e.mu.RLock()
	st, ok := e.errs[id]
	e.mu.RUnlock()
	if !ok {
		return ErrorBudget{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.b.clone(), true
}

// ErrorBudgets returns every error budget ordered by id.
func (e *Evaluator) ErrorBudgets() []ErrorBudget {
	out := make([]ErrorBudget, 0)
	for _, st := range e.errorStates(nil) {
		st.mu.Lock()
		out = append(out, st.b.clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteLatencyBudget removes a latency budget and resolves its alert.
func (e *Evaluator) DeleteLatencyBudget(ctx context.Context, id string) bool {
	e.mu.Lock()
	_, ok := e.latency[id]
	delete(e.latency, id)
	e.mu.Unlock()
	if !ok {
		return false
	}
	if e.metrics != nil {
		e.metrics.RemoveBudget(id, KindLatency)
	}
	e.resolve(ctx, LatencyRuleID(id))
	return true
}

// DeleteErrorBudget removes an error budget and resolves its alert.
func (e *Evaluator) DeleteErrorBudget(ctx context.Context, id string) bool {
	e.mu.Lock()
	_, ok := e.errs[id]
	delete(e.errs, id)
	e.mu.Unlock()
	if !ok {
		return false
	}
	if e.metrics != nil {
		e.metrics.RemoveBudget(id, KindError)
	}
	e.resolve(ctx, ErrorRuleID(id))
	return true
}

// Percentiles returns the measurements of an entity's window, or nil when
// it holds fewer than MinSamples durations.
func (e *Evaluator) Percentiles(entityID string) *WindowStats {
	w, ok := e.windows.Get(entityID)
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples.Len() < MinSamples {
		return nil
	}
	return &WindowStats{
		Percentiles:  stats.ComputePercentiles(w.samples.Snapshot()),
		SampleCount:  w.samples.Len(),
		SuccessCount: w.success,
		ErrorCount:   w.errors,
	}
}

// MaxDuration returns the tightest MaxMs of the latency budgets that
// apply to an entity. It has the shape of tracing.LimitFunc.
func (e *Evaluator) MaxDuration(entityID string, typ tracing.TraceType) (time.Duration, bool) {
	scope := tracing.Trace{EntityID: entityID, Type: typ}
	var best float64
	for _, st := range e.latencyStates(nil) {
		st.mu.Lock()
		b := st.b
		st.mu.Unlock()
		if b.MaxMs <= 0 || !b.appliesTo(scope) {
			continue
		}
		if best == 0 || b.MaxMs < best {
			best = b.MaxMs
		}
	}
	if best == 0 {
		return 0, false
	}
	return time.Duration(best * float64(time.Millisecond)), true
}

// Observe records a finished trace and recomputes the budgets that apply
// to it. It has the shape of tracing.Observer.
func (e *Evaluator) Observe(ctx context.Context, t tracing.Trace) {
	if !t.Status.IsTerminal() {
		return
	}
	snap := e.record(t)

	// Only successful executions are latency samples; failures count
	// against error budgets alone.
	if t.Status == tracing.StatusSuccess {
		for _, st := range e.latencyStates(func(b LatencyBudget) bool { return b.appliesTo(t) }) {
			e.checkLatency(ctx, st, snap)
		}
	}
	for _, st := range e.errorStates(func(b ErrorBudget) bool { return b.appliesTo(t) }) {
		e.checkError(ctx, st, snap)
	}
	e.feed(ctx, snap)
}

func (e *Evaluator) record(t tracing.Trace) snapshot {
	at := e.now()
	if t.CompletedAt != nil {
		at = *t.CompletedAt
	}

	var w *window
	e.windows.Update(t.EntityID, func(cur *window, ok bool) (*window, bool) {
		if !ok {
			cur = &window{
				samples:  eventstore.NewRing[float64](e.windowSize),
				finished: eventstore.NewRing[time.Time](e.windowSize),
			}
		}
		w = cur
		return cur, true
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.typ = t.Type
	w.finished.Push(at)
	if t.Status.IsFailure() {
		w.errors++
	} else {
		w.samples.Push(float64(t.DurationMs))
		w.success++
	}

	snap := w.snapshot(t)
	for _, f := range w.finished.Snapshot() {
		if at.Sub(f) <= time.Minute {
			snap.throughput++
		}
	}
	return snap
}

// snapshot reads the window's current measurements. Caller holds w.mu.
func (w *window) snapshot(t tracing.Trace) snapshot {
	all := w.samples.Snapshot()
	snap := snapshot{
		trace:   t,
		seq:     w.seq,
		n:       len(all),
		success: w.success,
		errors:  w.errors,
	}
	if snap.n >= MinSamples {
		snap.pct = stats.ComputePercentiles(all)
	}
	return snap
}

// measured returns the current snapshot of every entity window accepted
// by keep.
func (e *Evaluator) measured(keep func(snapshot) bool) []snapshot {
	var out []snapshot
	e.windows.Range(func(entity string, w *window) bool {
		w.mu.Lock()
		snap := w.snapshot(tracing.Trace{EntityID: entity, Type: w.typ})
		w.mu.Unlock()
		if keep(snap) {
			out = append(out, snap)
		}
		return true
	})
	return out
}

func (e *Evaluator) checkLatency(ctx context.Context, st *latencyState, snap snapshot) {
	if snap.n < MinSamples {
		return
	}
	entity := snap.trace.EntityID

	st.mu.Lock()
	if snap.seq <= st.seen[entity] {
		st.mu.Unlock()
		return
	}
	st.seen[entity] = snap.seq
	b := &st.b
	b.CurrentP50Ms, b.CurrentP95Ms, b.CurrentP99Ms = snap.pct.P50, snap.pct.P95, snap.pct.P99
	b.SampleCount = snap.n
	b.WithinBudget = b.meets(snap.pct)
	b.LastUpdated = e.now()

	breach, recovered := mark(st.breached, entity, !b.WithinBudget)
	b.BreachedEntities = sortedKeys(st.breached)
	cur := b.clone()
	st.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetBudgetStatus(cur.ID, KindLatency, len(cur.BreachedEntities) == 0)
	}
	switch {
	case breach:
		e.logger.Warn("latency budget exceeded",
			slog.String(log.BudgetIDKey, cur.ID),
			slog.String(log.EntityIDKey, entity),
			slog.Float64("p95_ms", cur.CurrentP95Ms),
			slog.Float64("p99_ms", cur.CurrentP99Ms))
		e.trigger(ctx, latencyEvent(cur, snap.pct, traceMetadata(snap.trace)))
	case recovered:
		e.logger.Info("latency budget recovered", slog.String(log.BudgetIDKey, cur.ID))
		e.resolve(ctx, LatencyRuleID(cur.ID))
	}
}

func (e *Evaluator) checkError(ctx context.Context, st *errorState, snap snapshot) {
	total := snap.success + snap.errors
	if total < MinSamples {
		return
	}
	entity := snap.trace.EntityID

	st.mu.Lock()
	if snap.seq <= st.seen[entity] {
		st.mu.Unlock()
		return
	}
	st.seen[entity] = snap.seq
	b := &st.b
	b.CurrentSuccessRate = float64(snap.success) / float64(total)
	b.ErrorCount, b.TotalCount = snap.errors, total
	b.BudgetRemaining = b.remaining(snap)
	b.LastUpdated = e.now()

	breach, recovered := mark(st.exhausted, entity, b.BudgetRemaining <= 0)
	b.ExhaustedEntities = sortedKeys(st.exhausted)
	cur := b.clone()
	st.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetBudgetStatus(cur.ID, KindError, len(cur.ExhaustedEntities) == 0)
	}
	switch {
	case breach:
		e.logger.Warn("error budget exhausted",
			slog.String(log.BudgetIDKey, cur.ID),
			slog.String(log.EntityIDKey, entity),
			slog.Float64("success_rate", cur.CurrentSuccessRate))
		e.trigger(ctx, errorEvent(cur, snap, traceMetadata(snap.trace)))
	case recovered:
		e.logger.Info("error budget recovered", slog.String(log.BudgetIDKey, cur.ID))
		e.resolve(ctx, ErrorRuleID(cur.ID))
	}
}

// feed hands the measured values to threshold rules.
func (e *Evaluator) feed(ctx context.Context, snap snapshot) {
	if e.alerter == nil {
		return
	}
	entity := snap.trace.EntityID
	total := snap.success + snap.errors
	vars := map[string]any{
		"sampleCount":  snap.n,
		"successCount": snap.success,
		"errorCount":   snap.errors,
		"throughput":   snap.throughput,
		"durationMs":   snap.trace.DurationMs,
		"traceType":    string(snap.trace.Type),
	}

	var samples []alert.Sample
	if snap.n >= MinSamples {
		vars["p50"], vars["p95"], vars["p99"] = snap.pct.P50, snap.pct.P95, snap.pct.P99
	}
	if snap.n >= MinSamples && snap.trace.Status == tracing.StatusSuccess {
		samples = append(samples,
			alert.Sample{Metric: alert.MetricLatencyP95, EntityID: entity, Value: snap.pct.P95, Vars: vars},
			alert.Sample{Metric: alert.MetricLatencyP99, EntityID: entity, Value: snap.pct.P99, Vars: vars},
		)
	}
	if total >= MinSamples {
		samples = append(samples, alert.Sample{
			Metric:   alert.MetricErrorRate,
			EntityID: entity,
			Value:    float64(snap.errors) / float64(total),
			Vars:     vars,
		})
	}
	samples = append(samples, alert.Sample{
		Metric:   alert.MetricThroughput,
		EntityID: entity,
		Value:    float64(snap.throughput),
		Vars:     vars,
	})
	for _, s := range samples {
		e.alerter.Evaluate(ctx, s)
	}
}

func (e *Evaluator) trigger(ctx context.Context, ev alert.Event) {
	if e.alerter != nil {
		e.alerter.Trigger(ctx, ev)
	}
}

func (e *Evaluator) resolve(ctx context.Context, ruleID string) {
	if e.alerter != nil {
		e.alerter.Resolve(ctx, ruleID)
	}
}

func (e *Evaluator) latencyStates(keep func(LatencyBudget) bool) []*latencyState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*latencyState, 0, len(e.latency))
	for _, st := range e.latency {
		if keep != nil {
			st.mu.Lock()
			ok := keep(st.b)
			st.mu.Unlock()
			if !ok {
				continue
			}
		}
		out = append(out, st)
	}
	return out
}

func (e *Evaluator) errorStates(keep func(ErrorBudget) bool) []*errorState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*errorState, 0, len(e.errs))
	for _, st := range e.errs {
		if keep != nil {
			st.mu.Lock()
			ok := keep(st.b)
			st.mu.Unlock()
			if !ok {
				continue
			}
		}
		out = append(out, st)
	}
	return out
}

func (b ErrorBudget) remaining(s snapshot) float64 {
	total := s.success + s.errors
	return Remaining(float64(s.success)/float64(total), b.TargetSuccessRate, s.errors)
}

// mark moves entity into or out of set. It reports a new breach, or the
// recovery that emptied the set.
func mark(set map[string]struct{}, entity string, bad bool) (breach, recovered bool) {
	_, was := set[entity]
	switch {
	case bad && !was:
		set[entity] = struct{}{}
		return true, false
	case !bad && was:
		delete(set, entity)
		return false, len(set) == 0
	}
	return false, false
}

func latencyEvent(b LatencyBudget, p stats.Percentiles, md map[string]any) alert.Event {
	return alert.Event{
		RuleID:      LatencyRuleID(b.ID),
		RuleName:    "Latency Budget: " + b.Name,
		Severity:    alert.SeverityWarning,
		Message:     fmt.Sprintf("Latency budget exceeded. P95: %sms (target: %sms)", ms(p.P95), ms(b.TargetP95Ms)),
		MetricValue: p.P95,
		Threshold:   b.TargetP95Ms,
		Metadata:    md,
	}
}

func errorEvent(b ErrorBudget, snap snapshot, md map[string]any) alert.Event {
	total := snap.success + snap.errors
	rate := float64(snap.success) / float64(total)
	md["errorCount"] = snap.errors
	md["totalCount"] = total
	return alert.Event{
		RuleID:      ErrorRuleID(b.ID),
		RuleName:    "Error Budget: " + b.Name,
		Severity:    alert.SeverityCritical,
		Message:     fmt.Sprintf("Error budget exhausted. Success rate: %.2f%%", rate*100),
		MetricValue: rate,
		Threshold:   b.TargetSuccessRate,
		Metadata:    md,
	}
}

func traceMetadata(t tracing.Trace) map[string]any {
	return map[string]any{
		"traceId":    t.ID,
		"entityId":   t.EntityID,
		"entityName": t.EntityName,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
