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
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/vantage/internal/eventstore"
	"github.com/tombee/vantage/internal/log"
)

// DefaultEventCapacity bounds the alert event log.
const DefaultEventCapacity = 1000

// DefaultEventsLimit is used by Events when limit is not positive.
const DefaultEventsLimit = 100

// Metrics receives alert counts.
type Metrics interface {
	RecordAlert(ctx context.Context, ruleID, severity string)
}

// Persister stores alert events as they are triggered or resolved.
type Persister interface {
	SaveAlertEvent(ctx context.Context, e Event) error
}

// Notifier delivers an event to a webhook without blocking.
type Notifier interface {
	Enqueue(url string, e Event) bool
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// Engine owns alert rules, the event log and subscriber fan-out.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	events *eventstore.Ring[Event]

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub uint64

	exprs     *exprCache
	notifier  Notifier
	metrics   Metrics
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventCapacity sets how many events are retained.
func WithEventCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.events = eventstore.NewRing[Event](n)
		}
	}
}

// WithNotifier sets the webhook notifier, normally a *Dispatcher.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics records alert counts.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPersister writes events through to a store.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an alert engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:  make(map[string]*Rule),
		events: eventstore.NewRing[Event](DefaultEventCapacity),
		exprs:  newExprCache(),
		now:    time.Now,
		newID:  func() string { return "alert_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.WithComponent(log.OrDefault(e.logger), "alert")
	return e
}

// Restore loads previously persisted events, oldest first, without
// notifying anyone.
func (e *Engine) Restore(events []Event) {
	for _, ev := range events {
		e.events.Push(ev.Clone())
	}
}

// SetRule creates or replaces a rule. Trigger statistics of an existing
// rule with the same id are kept.
func (e *Engine) SetRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.rules[r.ID]; ok {
		r.TriggerCount = prev.TriggerCount
		r.LastTriggered = prev.LastTriggered
	}
	stored := r.clone()
	e.rules[r.ID] = &stored
	return nil
}

// Rule returns a copy of the rule.
func (e *Engine) Rule(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return r.clone(), true
}

// Rules returns every rule ordered by id.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteRule removes a rule. Past events are kept.
func (e *Engine) DeleteRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	return true
}

// Silence suppresses evaluation of a rule until the given time. A zero
// time lifts the silence.
func (e *Engine) Silence(id string, until time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return false
	}
	if until.IsZero() {
		r.SilencedUntil = nil
	} else {
		r.SilencedUntil = &until
	}
	return true
}

// Subscribe registers fn for every triggered event. Subscribers run
// synchronously in subscription order; a panicking subscriber is logged
// and does not affect the others. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.subsMu.Lock()
	e.nextSub++
	id := e.nextSub
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	e.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subsMu.Lock()
			defer e.subsMu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Trigger appends ev to the log, updates the owning rule, notifies
// subscribers and hands the event to the webhook notifier when the rule
// has a webhook. Missing ID and TriggeredAt are filled in.
func (e *Engine) Trigger(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = e.newID()
	}
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = e.now()
	}
	ev = ev.Clone()
	e.events.Push(ev)

	var webhook string
	e.mu.Lock()
	if r, ok := e.rules[ev.RuleID]; ok {
		at := ev.TriggeredAt
		r.LastTriggered = &at
		r.TriggerCount++
		webhook = r.WebhookURL
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordAlert(ctx, ev.RuleID, string(ev.Severity))
	}
	e.persist(ctx, ev)

	e.logger.Warn("alert triggered",
		slog.String(log.RuleIDKey, ev.RuleID),
		slog.String("severity", string(ev.Severity)),
		slog.String("message", ev.Message))

	e.subsMu.RLock()
	subs := append([]subscriber(nil), e.subs...)
	e.subsMu.RUnlock()
	for _, s := range subs {
		e.notify(s, ev)
	}

	if webhook != "" && e.notifier != nil {
		e.notifier.Enqueue(webhook, ev.Clone())
	}
	return ev.Clone()
}

func (e *Engine) notify(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert subscriber panicked",
				slog.String(log.RuleIDKey, ev.RuleID),
				slog.Any("panic", r))
		}
	}()
	s.fn(ev.Clone())
}

func (e *Engine) persist(ctx context.Context, ev Event) {
	if e.persister == nil {
		return
	}
	if err := e.persister.SaveAlertEvent(ctx, ev); err != nil {
		e.logger.Error("failed to persist alert event",
			slog.String(log.RuleIDKey, ev.RuleID),
			log.Error(err))
	}
}

// Resolve stamps every open event of the rule as resolved and returns how
// many were resolved.
func (e *Engine) Resolve(ctx context.Context, ruleID string) int {
	now := e.now()
	resolved := 0
	for {
		ev, ok := e.events.UpdateNewest(func(ev *Event) bool {
			if ev.RuleID != ruleID || ev.ResolvedAt != nil {
				return false
			}
			at := now
			ev.ResolvedAt = &at
			return true
		})
		if !ok {
			break
		}
		resolved++
		e.persist(ctx, ev.Clone())
	}
	if resolved > 0 {
		e.logger.Info("alert resolved", slog.String(log.RuleIDKey, ruleID), slog.Int("events", resolved))
	}
	return resolved
}

// Open reports whether the rule has an unresolved event.
func (e *Engine) Open(ruleID string) bool {
	_, ok := e.events.Find(func(ev Event) bool { return ev.RuleID == ruleID && ev.ResolvedAt == nil })
	return ok
}

// Events returns up to limit events, newest first.
func (e *Engine) Events(limit int) []Event {
	if limit <= 0 {
		limit = DefaultEventsLimit
	}
	events := e.events.Newest(limit)
	for i := range events {
		events[i] = events[i].Clone()
	}
	return events
}

// Evaluate checks every enabled, unsilenced rule that applies to the
// sample and triggers those whose condition holds and are not cooling
// down. Returns the triggered events.
func (e *Engine) Evaluate(ctx context.Context, s Sample) []Event {
	now := e.now()

	e.mu.RLock()
	var candidates []Rule
	for _, r := range e.rules {
		if r.Enabled && !r.silenced(now) && r.appliesTo(s) {
			candidates = append(candidates, r.clone())
		}
	}
	e.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	var fired []Event
	for _, r := range candidates {
		matched, err := e.matches(r, s)
		if err != nil {
			e.logger.Warn("alert rule evaluation failed",
				slog.String(log.RuleIDKey, r.ID),
				log.Error(err))
			continue
		}
		if !matched || !e.claim(r.ID, now) {
			continue
		}
		fired = append(fired, e.Trigger(ctx, ruleEvent(r, s, now)))
	}
	return fired
}

func (e *Engine) matches(r Rule, s Sample) (bool, error) {
	if r.Metric == MetricCustom {
		return e.exprs.Eval(r, s)
	}
	return r.Operator.Compare(s.Value, r.Threshold), nil
}

// claim atomically checks the cooldown and reserves the trigger slot so
// concurrent evaluations fire a rule once.
func (e *Engine) claim(ruleID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	if !ok || r.coolingDown(now) {
		return false
	}
	at := now
	r.LastTriggered = &at
	return true
}

func ruleEvent(r Rule, s Sample, now time.Time) Event {
	msg := fmt.Sprintf("%s: %s is %g (%s %g)", r.Name, s.Metric, s.Value, r.Operator, r.Threshold)
	if r.Metric == MetricCustom {
		msg = fmt.Sprintf("%s: expression matched for %s = %g", r.Name, s.Metric, s.Value)
	}
	md := map[string]any{"metric": string(s.Metric)}
	if s.EntityID != "" {
		md["entityId"] = s.EntityID
	}
	if r.Expression != "" {
		md["expression"] = r.Expression
	}
	return Event{
		RuleID:      r.ID,
		RuleName:    r.Name,
		Severity:    r.Severity,
		TriggeredAt: now,
		Message:     msg,
		MetricValue: s.Value,
		Threshold:   r.Threshold,
		Metadata:    md,
	}
}
