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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vantage/internal/alert"
	"github.com/tombee/vantage/internal/tracing"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAlerter struct {
	mu        sync.Mutex
	triggered []alert.Event
	resolved  []string
	samples   []alert.Sample
}

func (a *fakeAlerter) Trigger(_ context.Context, e alert.Event) alert.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggered = append(a.triggered, e)
	return e
}

func (a *fakeAlerter) Resolve(_ context.Context, ruleID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolved = append(a.resolved, ruleID)
	return 1
}

func (a *fakeAlerter) Evaluate(_ context.Context, s alert.Sample) []alert.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, s)
	return nil
}

func (a *fakeAlerter) metrics() map[alert.Metric]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[alert.Metric]float64)
	for _, s := range a.samples {
		out[s.Metric] = s.Value
	}
	return out
}

type fakeMetrics struct {
	mu     sync.Mutex
	status map[string]bool
}

func (m *fakeMetrics) SetBudgetStatus(id, kind string, within bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		m.status = make(map[string]bool)
	}
	m.status[kind+"/"+id] = within
}

func (m *fakeMetrics) RemoveBudget(id, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.status, kind+"/"+id)
}

func newTestEvaluator(t *testing.T, opts ...Option) (*Evaluator, *fakeAlerter, *fakeMetrics) {
	t.Helper()
	a := &fakeAlerter{}
	m := &fakeMetrics{}
	base := []Option{WithAlerter(a), WithMetrics(m), WithClock(func() time.Time { return epoch })}
	return NewEvaluator(append(base, opts...)...), a, m
}

func finished(entityID string, status tracing.Status, durationMs int64) tracing.Trace {
	return tracing.Trace{
		ID:         fmt.Sprintf("trace-%s-%d", entityID, durationMs),
		Type:       tracing.TypeSkill,
		EntityID:   entityID,
		EntityName: "Entity " + entityID,
		Status:     status,
		DurationMs: durationMs,
	}
}

func observeN(e *Evaluator, n int, entityID string, status tracing.Status, durationMs int64) {
	for i := 0; i < n; i++ {
		e.Observe(context.Background(), finished(entityID, status, durationMs))
	}
}

func strictLatency(id, entityID string) LatencyBudget {
	return LatencyBudget{
		ID:          id,
		Name:        "Strict",
		EntityID:    entityID,
		TargetP50Ms: 50,
		TargetP95Ms: 100,
		TargetP99Ms: 200,
		MaxMs:       1000,
	}
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		target  float64
		errors  int64
		want    float64
	}{
		{"headroom", 0.99, 0.95, 1, 80},
		{"at target", 0.95, 0.95, 5, 0},
		{"below target clamps to zero", 0.90, 0.95, 10, 0},
		{"perfect", 1, 0.95, 0, 100},
		{"full target without errors", 1, 1, 0, 100},
		{"full target with one error", 0.999, 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Remaining(tt.current, tt.target, tt.errors), 1e-9)
		})
	}
}

func TestBudgetValidate(t *testing.T) {
	valid := strictLatency("b", "")
	require.NoError(t, valid.Validate())

	noID := valid
	noID.ID = ""
	inverted := valid
	inverted.TargetP99Ms = 90
	badType := valid
	badType.Type = "batch"

	for name, b := range map[string]LatencyBudget{"missing id": noID, "p99 below p95": inverted, "unknown type": badType} {
		t.Run(name, func(t *testing.T) {
			err := b.Validate()
			require.Error(t, err)
			assert.True(t, vantageerrors.IsValidation(err))
		})
	}

	assert.Error(t, ErrorBudget{ID: "e", TargetSuccessRate: 0}.Validate())
	assert.Error(t, ErrorBudget{ID: "e", TargetSuccessRate: 1.5}.Validate())
	assert.NoError(t, ErrorBudget{ID: "e", TargetSuccessRate: 1}.Validate())
}

func TestLatencyBudget_GatedUntilTenSamples(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEvaluator(t)
	_, err := e.SetLatencyBudget(ctx, strictLatency("checkout", "skill-checkout"))
	require.NoError(t, err)

	observeN(e, 9, "skill-checkout", tracing.StatusSuccess, 500)
	b, ok := e.LatencyBudget("checkout")
	require.True(t, ok)
	assert.True(t, b.WithinBudget, "nine samples leave the status untouched")
	assert.Zero(t, b.SampleCount)
	assert.Empty(t, a.triggered)
	assert.Nil(t, e.Percentiles("skill-checkout"))

	observeN(e, 1, "skill-checkout", tracing.StatusSuccess, 500)
	b, _ = e.LatencyBudget("checkout")
	assert.False(t, b.WithinBudget)
	assert.Equal(t, 10, b.SampleCount)
	assert.Equal(t, 500.0, b.CurrentP95Ms)
	assert.Equal(t, []string{"skill-checkout"}, b.BreachedEntities)
	assert.Equal(t, epoch, b.LastUpdated)

	require.Len(t, a.triggered, 1)
	ev := a.triggered[0]
	assert.Equal(t, "latency_budget_checkout", ev.RuleID)
	assert.Equal(t, "Latency Budget: Strict", ev.RuleName)
	assert.Equal(t, alert.SeverityWarning, ev.Severity)
	assert.Equal(t, "Latency budget exceeded. P95: 500ms (target: 100ms)", ev.Message)
	assert.Equal(t, 500.0, ev.MetricValue)
	assert.Equal(t, 100.0, ev.Threshold)
	assert.Equal(t, "skill-checkout", ev.Metadata["entityId"])

	// Still breached: no second alert.
	observeN(e, 5, "skill-checkout", tracing.StatusSuccess, 500)
	assert.Len(t, a.triggered, 1)
}

func TestLatencyBudget_ResolvesOnRecovery(t *testing.T) {
	ctx := context.Background()
	e, a, m := newTestEvaluator(t, WithWindowSize(10))
	_, err := e.SetLatencyBudget(ctx, strictLatency("checkout", ""))
	require.NoError(t, err)

	observeN(e, 10, "a", tracing.StatusSuccess, 500)
	require.Len(t, a.triggered, 1)
	assert.False(t, m.status["latency/checkout"])

	// One slow sample remains in the window after nine fast ones.
	observeN(e, 9, "a", tracing.StatusSuccess, 50)
	assert.Empty(t, a.resolved)

	observeN(e, 1, "a", tracing.StatusSuccess, 50)
	assert.Equal(t, []string{"latency_budget_checkout"}, a.resolved)
	b, _ := e.LatencyBudget("checkout")
	assert.True(t, b.WithinBudget)
	assert.Empty(t, b.BreachedEntities)
	assert.True(t, m.status["latency/checkout"])
}

func TestLatencyBudget_UnscopedTracksEntitiesSeparately(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEvaluator(t)
	_, err := e.SetLatencyBudget(ctx, strictLatency("all", ""))
	require.NoError(t, err)

	observeN(e, 10, "slow", tracing.StatusSuccess, 500)
	observeN(e, 10, "fast", tracing.StatusSuccess, 10)

	b, _ := e.LatencyBudget("all")
	assert.True(t, b.WithinBudget, "status reflects the entity evaluated last")
	assert.Equal(t, []string{"slow"}, b.BreachedEntities)
	assert.Len(t, a.triggered, 1)
	assert.Empty(t, a.resolved, "a healthy entity does not resolve another's breach")
}

func TestLatencyBudget_TypeScope(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEvaluator(t)
	b := strictLatency("workflows", "")
	b.Type = tracing.TypeWorkflow
	_, err := e.SetLatencyBudget(ctx, b)
	require.NoError(t, err)

	observeN(e, 10, "skill-a", tracing.StatusSuccess, 500)
	got, _ := e.LatencyBudget("workflows")
	assert.Zero(t, got.SampleCount)
	assert.Empty(t, a.triggered)
}

func TestErrorBudget_ExhaustAndRecover(t *testing.T) {
	ctx := context.Background()
	e, a, m := newTestEvaluator(t)
	_, err := e.SetErrorBudget(ctx, ErrorBudget{ID: "reliability", Name: "Reliability", TargetSuccessRate: 0.95})
	require.NoError(t, err)

	observeN(e, 1, "skill-a", tracing.StatusTimeout, 30000)
	observeN(e, 8, "skill-a", tracing.StatusSuccess, 10)
	b, _ := e.ErrorBudget("reliability")
	assert.Equal(t, 100.0, b.BudgetRemaining)
	assert.Zero(t, b.TotalCount)

	observeN(e, 1, "skill-a", tracing.StatusSuccess, 10)
	b, _ = e.ErrorBudget("reliability")
	assert.Equal(t, int64(10), b.TotalCount)
	assert.Equal(t, int64(1), b.ErrorCount)
	assert.InDelta(t, 0.9, b.CurrentSuccessRate, 1e-12)
	assert.Zero(t, b.BudgetRemaining)
	assert.False(t, m.status["error/reliability"])

	require.Len(t, a.triggered, 1)
	ev := a.triggered[0]
	assert.Equal(t, "error_budget_reliability", ev.RuleID)
	assert.Equal(t, alert.SeverityCritical, ev.Severity)
	assert.Equal(t, "Error budget exhausted. Success rate: 90.00%", ev.Message)
	assert.Equal(t, int64(1), ev.Metadata["errorCount"])
	assert.Equal(t, int64(10), ev.Metadata["totalCount"])

	// 19 of 20 sits exactly on the target: still exhausted.
	observeN(e, 10, "skill-a", tracing.StatusSuccess, 10)
	assert.Empty(t, a.resolved)

	observeN(e, 1, "skill-a", tracing.StatusSuccess, 10)
	assert.Equal(t, []string{"error_budget_reliability"}, a.resolved)
	b, _ = e.ErrorBudget("reliability")
	assert.Greater(t, b.BudgetRemaining, 0.0)
	assert.True(t, m.status["error/reliability"])
	assert.Len(t, a.triggered, 1)
}

func TestPercentiles_NearestRank(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	for i := int64(1); i <= 100; i++ {
		e.Observe(context.Background(), finished("e", tracing.StatusSuccess, i))
	}
	ws := e.Percentiles("e")
	require.NotNil(t, ws)
	assert.Equal(t, 51.0, ws.P50)
	assert.Equal(t, 96.0, ws.P95)
	assert.Equal(t, 100.0, ws.P99)
	assert.Equal(t, 100, ws.SampleCount)
	assert.Nil(t, e.Percentiles("unknown"))
}

func TestWindow_EvictsOldest(t *testing.T) {
	e, _, _ := newTestEvaluator(t, WithWindowSize(10))
	observeN(e, 10, "e", tracing.StatusSuccess, 1000)
	observeN(e, 10, "e", tracing.StatusSuccess, 1)
	ws := e.Percentiles("e")
	require.NotNil(t, ws)
	assert.Equal(t, 10, ws.SampleCount)
	assert.Equal(t, 1.0, ws.P99)
	assert.Equal(t, int64(20), ws.SuccessCount)
}

func TestFeed_SamplesReachRules(t *testing.T) {
	e, a, _ := newTestEvaluator(t)

	observeN(e, 1, "e", tracing.StatusSuccess, 100)
	got := a.metrics()
	assert.Contains(t, got, alert.MetricThroughput)
	assert.NotContains(t, got, alert.MetricLatencyP95)

	observeN(e, 8, "e", tracing.StatusSuccess, 100)
	observeN(e, 1, "e", tracing.StatusSuccess, 300)
	observeN(e, 2, "e", tracing.StatusError, 9000)
	got = a.metrics()
	assert.Equal(t, 300.0, got[alert.MetricLatencyP95])
	assert.Equal(t, 300.0, got[alert.MetricLatencyP99])
	assert.InDelta(t, 2.0/12, got[alert.MetricErrorRate], 1e-12)
	assert.Equal(t, 12.0, got[alert.MetricThroughput])
}

func TestFeed_WithAlertEngine(t *testing.T) {
	engine := alert.NewEngine(alert.WithClock(func() time.Time { return epoch }))
	require.NoError(t, engine.SetRule(alert.Rule{
		ID:        "slow-checkout",
		Name:      "Slow checkout",
		Enabled:   true,
		Metric:    alert.MetricLatencyP95,
		Operator:  alert.OpGT,
		Threshold: 250,
		EntityID:  "checkout",
		Severity:  alert.SeverityWarning,
	}))
	e := NewEvaluator(WithAlerter(engine), WithClock(func() time.Time { return epoch }))

	observeN(e, 10, "checkout", tracing.StatusSuccess, 200)
	assert.Empty(t, engine.Events(0))

	observeN(e, 1, "checkout", tracing.StatusSuccess, 400)
	events := engine.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, "slow-checkout", events[0].RuleID)
	assert.Equal(t, 400.0, events[0].MetricValue)
}

func TestMaxDuration(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)
	for _, b := range DefaultLatencyBudgets() {
		_, err := e.SetLatencyBudget(ctx, b)
		require.NoError(t, err)
	}

	d, ok := e.MaxDuration("any-skill", tracing.TypeSkill)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)

	d, ok = e.MaxDuration("any-workflow", tracing.TypeWorkflow)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)

	_, ok = e.MaxDuration("any-step", tracing.TypeStep)
	assert.False(t, ok)

	_, err := e.SetLatencyBudget(ctx, strictLatency("tight", "skill-a"))
	require.NoError(t, err)
	d, _ = e.MaxDuration("skill-a", tracing.TypeSkill)
	assert.Equal(t, time.Second, d)
}

func TestSetBudget_KeepsMeasurementsUnlessRescoped(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEvaluator(t)
	_, err := e.SetLatencyBudget(ctx, strictLatency("b", "e"))
	require.NoError(t, err)
	observeN(e, 10, "e", tracing.StatusSuccess, 500)

	relaxed := strictLatency("b", "e")
	relaxed.TargetP95Ms, relaxed.TargetP99Ms = 1000, 2000
	got, err := e.SetLatencyBudget(ctx, relaxed)
	require.NoError(t, err)
	assert.Equal(t, 10, got.SampleCount)
	assert.Equal(t, 500.0, got.CurrentP95Ms)
	assert.Equal(t, 1000.0, got.TargetP95Ms)
	assert.Equal(t, []string{"latency_budget_b"}, a.resolved)

	moved := strictLatency("b", "other")
	got, err = e.SetLatencyBudget(ctx, moved)
	require.NoError(t, err)
	assert.Zero(t, got.SampleCount)
	assert.True(t, got.WithinBudget)
	assert.Empty(t, got.BreachedEntities)
	assert.Equal(t, []string{"latency_budget_b", "latency_budget_b"}, a.resolved)

	_, err = e.SetLatencyBudget(ctx, LatencyBudget{ID: "bad"})
	assert.True(t, vantageerrors.IsValidation(err))
	_, ok := e.LatencyBudget("bad")
	assert.False(t, ok)
}

func TestDeleteBudgets(t *testing.T) {
	ctx := context.Background()
	e, a, m := newTestEvaluator(t)
	_, err := e.SetLatencyBudget(ctx, strictLatency("lat", ""))
	require.NoError(t, err)
	_, err = e.SetErrorBudget(ctx, ErrorBudget{ID: "err", TargetSuccessRate: 0.9})
	require.NoError(t, err)
	assert.Len(t, e.LatencyBudgets(), 1)
	assert.Len(t, e.ErrorBudgets(), 1)

	assert.True(t, e.DeleteLatencyBudget(ctx, "lat"))
	assert.False(t, e.DeleteLatencyBudget(ctx, "lat"))
	assert.True(t, e.DeleteErrorBudget(ctx, "err"))
	assert.Empty(t, e.LatencyBudgets())
	assert.Empty(t, e.ErrorBudgets())
	assert.Empty(t, m.status)
	assert.Equal(t, []string{"latency_budget_lat", "error_budget_err"}, a.resolved)
}

func TestObserve_Concurrent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)
	_, err := e.SetErrorBudget(ctx, ErrorBudget{ID: "err", TargetSuccessRate: 0.5})
	require.NoError(t, err)

	const entities, perEntity = 5, 200
	var wg sync.WaitGroup
	for i := 0; i < entities; i++ {
		for j := 0; j < perEntity; j++ {
			wg.Add(1)
			go func(entity string, ms int64) {
				defer wg.Done()
				e.Observe(ctx, finished(entity, tracing.StatusSuccess, ms))
			}(fmt.Sprintf("e%d", i), int64(j+1))
		}
	}
	wg.Wait()

	for i := 0; i < entities; i++ {
		ws := e.Percentiles(fmt.Sprintf("e%d", i))
		require.NotNil(t, ws)
		assert.Equal(t, perEntity, ws.SampleCount)
		assert.Equal(t, int64(perEntity), ws.SuccessCount)
		assert.Equal(t, float64(perEntity-1), ws.P99)
	}
}

func TestObserve_IgnoresRunningTraces(t *testing.T) {
	e, a, _ := newTestEvaluator(t)
	observeN(e, 20, "e", tracing.StatusRunning, 10)
	assert.Nil(t, e.Percentiles("e"))
	assert.Empty(t, a.samples)
}

func TestSetLatencyBudget_RejudgesKeptMeasurements(t *testing.T) {
	ctx := context.Background()
	e, a, m := newTestEvaluator(t)
	_, err := e.SetLatencyBudget(ctx, strictLatency("b", "e"))
	require.NoError(t, err)
	observeN(e, 10, "e", tracing.StatusSuccess, 500)
	require.Len(t, a.triggered, 1)
	require.False(t, m.status["latency/b"])

	relaxed := strictLatency("b", "e")
	relaxed.TargetP95Ms, relaxed.TargetP99Ms = 1000, 2000
	got, err := e.SetLatencyBudget(ctx, relaxed)
	require.NoError(t, err)
	assert.True(t, got.WithinBudget)
	assert.Equal(t, got.CurrentP95Ms <= got.TargetP95Ms && got.CurrentP99Ms <= got.TargetP99Ms, got.WithinBudget)
	assert.Empty(t, got.BreachedEntities)
	assert.Equal(t, []string{"latency_budget_b"}, a.resolved)
	assert.True(t, m.status["latency/b"])

	// Tightening again breaches without waiting for a new sample.
	got, err = e.SetLatencyBudget(ctx, strictLatency("b", "e"))
	require.NoError(t, err)
	assert.False(t, got.WithinBudget)
	assert.Equal(t, []string{"e"}, got.BreachedEntities)
	assert.False(t, m.status["latency/b"])
	require.Len(t, a.triggered, 2)
	assert.Equal(t, "latency_budget_b", a.triggered[1].RuleID)
	assert.Equal(t, "Latency budget exceeded. P95: 500ms (target: 100ms)", a.triggered[1].Message)
	assert.Equal(t, "e", a.triggered[1].Metadata["entityId"])
}

func TestSetLatencyBudget_UnmeasuredKeepsStatus(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEvaluator(t)
	_, err := e.SetLatencyBudget(ctx, strictLatency("b", "e"))
	require.NoError(t, err)
	observeN(e, 9, "e", tracing.StatusSuccess, 500)

	got, err := e.SetLatencyBudget(ctx, strictLatency("b", "e"))
	require.NoError(t, err)
	assert.True(t, got.WithinBudget)
	assert.Empty(t, got.BreachedEntities)
	assert.Empty(t, a.triggered)
}

func TestSetErrorBudget_RejudgesKeptCounters(t *testing.T) {
	ctx := context.Background()
	e, a, m := newTestEvaluator(t)
	_, err := e.SetErrorBudget(ctx, ErrorBudget{ID: "rel", Name: "Reliability", TargetSuccessRate: 0.5})
	require.NoError(t, err)
	observeN(e, 1, "e", tracing.StatusError, 10)
	observeN(e, 9, "e", tracing.StatusSuccess, 10)
	require.Empty(t, a.triggered)

	got, err := e.SetErrorBudget(ctx, ErrorBudget{ID: "rel", Name: "Reliability", TargetSuccessRate: 0.95})
	require.NoError(t, err)
	assert.Zero(t, got.BudgetRemaining)
	assert.Equal(t, []string{"e"}, got.ExhaustedEntities)
	assert.False(t, m.status["error/rel"])
	require.Len(t, a.triggered, 1)
	assert.Equal(t, "error_budget_rel", a.triggered[0].RuleID)
	assert.Equal(t, int64(10), a.triggered[0].Metadata["totalCount"])

	got, err = e.SetErrorBudget(ctx, ErrorBudget{ID: "rel", Name: "Reliability", TargetSuccessRate: 0.5})
	require.NoError(t, err)
	assert.Empty(t, got.ExhaustedEntities)
	assert.Equal(t, []string{"error_budget_rel"}, a.resolved)
	assert.True(t, m.status["error/rel"])
}

func TestLatencyBudget_FailuresAreNotLatencySamples(t *testing.T) {
	ctx := context.Background()
	e, a, _ := newTestEvaluator(t)
	lenient := strictLatency("b", "e")
	lenient.TargetP95Ms, lenient.TargetP99Ms = 1000, 2000
	_, err := e.SetLatencyBudget(ctx, lenient)
	require.NoError(t, err)

	observeN(e, 10, "e", tracing.StatusSuccess, 50)
	observeN(e, 1, "e", tracing.StatusError, 60000)
	observeN(e, 1, "e", tracing.StatusTimeout, 60000)

	got, _ := e.LatencyBudget("b")
	assert.True(t, got.WithinBudget)
	assert.Equal(t, 10, got.SampleCount)
	assert.Equal(t, 50.0, got.CurrentP99Ms)
	assert.Empty(t, a.triggered)

	ws := e.Percentiles("e")
	require.NotNil(t, ws)
	assert.Equal(t, 10, ws.SampleCount)
	assert.Equal(t, 50.0, ws.P99)
	assert.Equal(t, int64(10), ws.SuccessCount)
	assert.Equal(t, int64(2), ws.ErrorCount)
}

func TestCheckLatency_IgnoresStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)
	_, err := e.SetLatencyBudget(ctx, strictLatency("b", "e"))
	require.NoError(t, err)
	observeN(e, 10, "e", tracing.StatusSuccess, 500)

	e.mu.RLock()
	st := e.latency["b"]
	e.mu.RUnlock()

	// A snapshot taken before the newest one arrives late.
	stale := snapshot{
		trace: finished("e", tracing.StatusSuccess, 10),
		seq:   5,
		n:     MinSamples,
	}
	stale.pct.P50, stale.pct.P95, stale.pct.P99 = 10, 10, 10
	e.checkLatency(ctx, st, stale)

	got, _ := e.LatencyBudget("b")
	assert.False(t, got.WithinBudget)
	assert.Equal(t, 500.0, got.CurrentP95Ms)
	assert.Equal(t, []string{"e"}, got.BreachedEntities)
}
