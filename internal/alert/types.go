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
// Package alert evaluates threshold rules, keeps a bounded log of alert
// events, fans them out to subscribers and delivers them to webhooks.
package alert

import (
	"fmt"
	"time"

	"github.com/tombee/vantage/internal/validation"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

// Metric names a measured quantity a rule can watch.
type Metric string

const (
	MetricLatencyP95 Metric = "latency_p95"
	MetricLatencyP99 Metric = "latency_p99"
	MetricErrorRate  Metric = "error_rate"
	MetricCost       Metric = "cost"
	MetricThroughput Metric = "throughput"
	MetricPValue     Metric = "p_value"
	MetricCustom     Metric = "custom"
)

// Operator compares a measured value with a threshold.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNEQ Operator = "neq"
)

// Compare reports whether "value op threshold" holds.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNEQ:
		return value != threshold
	}
	return false
}

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule is a threshold condition on a metric.
type Rule struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description" yaml:"description"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`

	Metric    Metric   `json:"metric" yaml:"metric" validate:"required,oneof=latency_p95 latency_p99 error_rate cost throughput p_value custom"`
	Operator  Operator `json:"operator" yaml:"operator" validate:"omitempty,oneof=gt gte lt lte eq neq"`
	Threshold float64  `json:"threshold" yaml:"threshold"`

	// Expression is an expr-lang boolean expression, required for custom rules.
	Expression string `json:"expression,omitempty" yaml:"expression"`

	// EntityID restricts the rule to one entity; empty matches every entity.
	EntityID        string   `json:"entityId,omitempty" yaml:"entity_id"`
	WindowMinutes   int      `json:"windowMinutes" yaml:"window_minutes" validate:"gte=0"`
	Severity        Severity `json:"severity" yaml:"severity" validate:"required,oneof=info warning critical"`
	WebhookURL      string   `json:"webhookUrl,omitempty" yaml:"webhook_url" validate:"omitempty,http_url"`
	CooldownSeconds int      `json:"cooldownSeconds" yaml:"cooldown_seconds" validate:"gte=0"`

	LastTriggered *time.Time `json:"lastTriggered,omitempty" yaml:"-"`
	TriggerCount  int64      `json:"triggerCount" yaml:"-"`
	SilencedUntil *time.Time `json:"silencedUntil,omitempty" yaml:"silenced_until"`
}

// Validate checks field constraints and the metric-specific requirements.
func (r Rule) Validate() error {
	if err := validation.Struct(r); err != nil {
		return err
	}
	if r.Metric == MetricCustom {
		if r.Expression == "" {
			return &vantageerrors.ValidationError{
				Field:      "expression",
				Message:    "is required for custom rules",
				Suggestion: "use a boolean expression such as: value > threshold && entityId == \"skill-a\"",
			}
		}
		if _, err := compileExpression(r.Expression); err != nil {
			return &vantageerrors.ValidationError{
				Field:   "expression",
				Message: fmt.Sprintf("does not compile: %v", err),
			}
		}
		return nil
	}
	if r.Operator == "" {
		return &vantageerrors.ValidationError{
			Field:      "operator",
			Message:    "is required",
			Suggestion: "one of gt, gte, lt, lte, eq, neq",
		}
	}
	return nil
}

func (r Rule) clone() Rule {
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		r.LastTriggered = &t
	}
	if r.SilencedUntil != nil {
		t := *r.SilencedUntil
		r.SilencedUntil = &t
	}
	return r
}

func (r Rule) silenced(now time.Time) bool {
	return r.SilencedUntil != nil && now.Before(*r.SilencedUntil)
}

func (r Rule) coolingDown(now time.Time) bool {
	if r.CooldownSeconds <= 0 || r.LastTriggered == nil {
		return false
	}
	return now.Before(r.LastTriggered.Add(time.Duration(r.CooldownSeconds) * time.Second))
}

func (r Rule) appliesTo(s Sample) bool {
	if r.EntityID != "" && r.EntityID != s.EntityID {
		return false
	}
	return r.Metric == MetricCustom || r.Metric == s.Metric
}

// Event is an immutable record of a triggered alert. Only ResolvedAt may
// change, exactly once.
type Event struct {
	ID          string         `json:"id"`
	RuleID      string         `json:"ruleId"`
	RuleName    string         `json:"ruleName"`
	Severity    Severity       `json:"severity"`
	TriggeredAt time.Time      `json:"triggeredAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Message     string         `json:"message"`
	MetricValue float64        `json:"metricValue"`
	Threshold   float64        `json:"threshold"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the event's mutable parts.
func (e Event) Clone() Event {
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		e.ResolvedAt = &t
	}
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// Sample is one measured value offered to rule evaluation.
type Sample struct {
	Metric   Metric
	EntityID string
	Value    float64

	// Vars are extra variables visible to custom expressions.
	Vars map[string]any
}
