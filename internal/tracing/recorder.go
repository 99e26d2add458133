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
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/vantage/internal/eventstore"
	"github.com/tombee/vantage/internal/log"
	"github.com/tombee/vantage/internal/stats"
	"github.com/tombee/vantage/internal/tracing/redact"
	"github.com/tombee/vantage/internal/validation"
)

// DefaultCompletedCapacity bounds the completed-trace ring.
const DefaultCompletedCapacity = 1000

// DefaultRecentLimit is used when Filter.Limit is zero.
const DefaultRecentLimit = 100

// Observer is notified synchronously of every terminal transition, in
// registration order, before the transition returns to its caller.
type Observer func(ctx context.Context, t Trace)

// Recorder tracks execution traces from start to a terminal status.
//
// Running traces live in a sharded map; a terminal transition removes the
// trace atomically, so exactly one of Complete, Fail or the sweeper wins.
type Recorder struct {
	active    *eventstore.Shards[Trace]
	completed *eventstore.Ring[Trace]

	observers []Observer
	metrics   *MetricsCollector
	spans     *SpanMirror
	redactor  *redact.Redactor
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCompletedCapacity sets how many finished traces are retained.
func WithCompletedCapacity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.completed = eventstore.NewRing[Trace](n)
		}
	}
}

// WithObserver appends a completion observer.
func WithObserver(o Observer) RecorderOption {
	return func(r *Recorder) { r.observers = append(r.observers, o) }
}

// WithMetricsCollector records trace metrics.
func WithMetricsCollector(mc *MetricsCollector) RecorderOption {
	return func(r *Recorder) { r.metrics = mc }
}

// WithSpanMirror mirrors every trace as an OpenTelemetry span.
func WithSpanMirror(m *SpanMirror) RecorderOption {
	return func(r *Recorder) { r.spans = m }
}

// WithRedactor scrubs error messages and stacks of failed traces.
func WithRedactor(rd *redact.Redactor) RecorderOption {
	return func(r *Recorder) { r.redactor = rd }
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithRecorderClock overrides the time source.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithTraceIDGenerator overrides trace id generation.
func WithTraceIDGenerator(gen func() string) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// NewRecorder creates a recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		active:    eventstore.NewShards[Trace](eventstore.DefaultShardCount),
		completed: eventstore.NewRing[Trace](DefaultCompletedCapacity),
		now:       time.Now,
		newID:     func() string { return "trace_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(log.OrDefault(r.logger), "tracing")
	return r
}

// AddObserver appends a completion observer after construction.
// It must be called before the recorder is shared between goroutines.
func (r *Recorder) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Start creates a running trace and returns its id. When the parent is
// still running the new trace is linked as its child.
func (r *Recorder) Start(ctx context.Context, p StartParams) (string, error) {
	if err := validation.Struct(p); err != nil {
		return "", err
	}

	t := Trace{
		ID:            r.newID(),
		Type:          p.Type,
		EntityID:      p.EntityID,
		EntityName:    p.EntityName,
		Provider:      p.Provider,
		Model:         p.Model,
		UserID:        p.UserID,
		SessionID:     p.SessionID,
		ParentTraceID: p.ParentTraceID,
		StartedAt:     r.now(),
		Status:        StatusRunning,
		ChildTraceIDs: []string{},
	}
	r.active.Store(t.ID, t)

	if p.ParentTraceID != "" {
		r.active.Update(p.ParentTraceID, func(parent Trace, ok bool) (Trace, bool) {
			if !ok {
				return parent, false
			}
			parent.ChildTraceIDs = append(slices.Clip(parent.ChildTraceIDs), t.ID)
			return parent, true
		})
	}

	r.metrics.RecordTraceStart(ctx, t)
	r.spans.Start(ctx, t)
	r.logger.Debug("trace started",
		slog.String(log.TraceIDKey, t.ID),
		slog.String(log.EntityIDKey, t.EntityID),
		slog.String("type", string(t.Type)))
	return t.ID, nil
}

// Update patches a running trace.
func (r *Recorder) Update(id string, p UpdateParams) (Trace, bool) {
	var out Trace
	var found bool
	r.active.Update(id, func(t Trace, ok bool) (Trace, bool) {
		if !ok {
			return t, false
		}
		if p.RetryCount != nil {
			t.RetryCount = *p.RetryCount
		}
		if p.InputTokens != nil {
			t.InputTokens = *p.InputTokens
		}
		if p.OutputTokens != nil {
			t.OutputTokens = *p.OutputTokens
		}
		if p.EstimatedCost != nil {
			t.EstimatedCost = *p.EstimatedCost
		}
		if p.Provider != nil {
			t.Provider = *p.Provider
		}
		if p.Model != nil {
			t.Model = *p.Model
		}
		out, found = t.Clone(), true
		return t, true
	})
	return out, found
}

// Complete marks a running trace successful. Returns false for unknown or
// already finished traces.
func (r *Recorder) Complete(ctx context.Context, id string, p CompleteParams) (Trace, bool) {
	t, ok := r.active.LoadAndDelete(id)
	if !ok {
		return Trace{}, false
	}
	r.stamp(&t)
	t.Status = StatusSuccess
	t.InputTokens = p.InputTokens
	t.OutputTokens = p.OutputTokens
	t.ModelLatencyMs = p.ModelLatencyMs
	t.EstimatedCost = p.EstimatedCost
	t.ActualCost = p.ActualCost
	return r.finish(ctx, t), true
}

// Fail marks a running trace failed.
func (r *Recorder) Fail(ctx context.Context, id string, e ErrorInfo) (Trace, bool) {
	t, ok := r.active.LoadAndDelete(id)
	if !ok {
		return Trace{}, false
	}
	r.stamp(&t)
	t.Status = StatusError
	e.Message = r.redactor.String(e.Message)
	e.Stack = r.redactor.String(e.Stack)
	t.Error = &e
	return r.finish(ctx, t), true
}

// expire moves a running trace to timeout. Used by the sweeper.
func (r *Recorder) expire(ctx context.Context, id string, limit time.Duration) (Trace, bool) {
	t, ok := r.active.LoadAndDelete(id)
	if !ok {
		return Trace{}, false
	}
	r.stamp(&t)
	t.Status = StatusTimeout
	t.Error = &ErrorInfo{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("execution exceeded %s", limit),
		Retryable: true,
	}
	return r.finish(ctx, t), true
}

func (r *Recorder) stamp(t *Trace) {
	now := r.now()
	t.CompletedAt = &now
	t.DurationMs = now.Sub(t.StartedAt).Milliseconds()
	t.TotalLatencyMs = t.DurationMs
}

func (r *Recorder) finish(ctx context.Context, t Trace) Trace {
	r.completed.Push(t.Clone())

	r.metrics.RecordTraceComplete(ctx, t)
	r.spans.End(ctx, t)

	attrs := []any{
		slog.String(log.TraceIDKey, t.ID),
		slog.String(log.EntityIDKey, t.EntityID),
		slog.String("status", string(t.Status)),
		slog.Int64(log.DurationKey, t.DurationMs),
	}
	if t.Error != nil {
		r.logger.Warn("trace failed", append(attrs, slog.String("code", t.Error.Code), slog.String("message", t.Error.Message))...)
	} else {
		r.logger.Debug("trace completed", attrs...)
	}

	for _, o := range r.observers {
		o(ctx, t.Clone())
	}
	return t.Clone()
}

// Get returns a running or retained trace.
func (r *Recorder) Get(id string) (Trace, bool) {
	if t, ok := r.active.Get(id); ok {
		return t.Clone(), true
	}
	t, ok := r.completed.Find(func(t Trace) bool { return t.ID == id })
	if !ok {
		return Trace{}, false
	}
	return t.Clone(), true
}

// Active returns every running trace.
func (r *Recorder) Active() []Trace {
	var out []Trace
	r.active.Range(func(_ string, t Trace) bool {
		out = append(out, t.Clone())
		return true
	})
	return out
}

// ActiveCount returns the number of running traces.
func (r *Recorder) ActiveCount() int {
	return r.active.Len()
}

// Recent returns completed traces newest first followed by running
// traces, filtered and limited.
func (r *Recorder) Recent(f Filter) []Trace {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	out := r.completed.Filter(f.matches, limit)
	if len(out) < limit {
		running := r.Active()
		slices.SortFunc(running, func(a, b Trace) int { return b.StartedAt.Compare(a.StartedAt) })
		for _, t := range running {
			if len(out) >= limit {
				break
			}
			if f.matches(t) {
				out = append(out, t)
			}
		}
	}
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}

// Summary aggregates the retained completed traces of one entity.
// Returns false when the entity has none.
func (r *Recorder) Summary(entityID string) (Summary, bool) {
	traces := r.completed.Filter(func(t Trace) bool { return t.EntityID == entityID }, 0)
	if len(traces) == 0 {
		return Summary{}, false
	}
	return summarize(traces), true
}

// GlobalSummary aggregates every retained completed trace.
func (r *Recorder) GlobalSummary() Summary {
	return summarize(r.completed.Snapshot())
}

func summarize(traces []Trace) Summary {
	s := Summary{TotalExecutions: int64(len(traces)), SuccessRate: 1}
	if len(traces) == 0 {
		return s
	}

	latencies := make([]float64, 0, len(traces))
	var latencySum float64
	var costCount int64
	for _, t := range traces {
		if t.Status == StatusSuccess {
			s.SuccessCount++
		}
		latencies = append(latencies, float64(t.DurationMs))
		latencySum += float64(t.DurationMs)
		s.TotalTokens += t.InputTokens + t.OutputTokens
		if t.ActualCost > 0 {
			s.TotalCost += t.ActualCost
			costCount++
		}
	}

	s.ErrorCount = s.TotalExecutions - s.SuccessCount
	s.SuccessRate = float64(s.SuccessCount) / float64(s.TotalExecutions)
	s.AvgLatencyMs = latencySum / float64(len(latencies))
	p := stats.ComputePercentiles(latencies)
	s.P50LatencyMs, s.P95LatencyMs, s.P99LatencyMs = p.P50, p.P95, p.P99
	if costCount > 0 {
		s.AvgCost = s.TotalCost / float64(costCount)
	}
	return s
}
