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

// Package budget tracks latency and error budgets against the stream of
// finished execution traces.
package budget

import (
	"math"
	"time"

	"github.com/tombee/vantage/internal/stats"
	"github.com/tombee/vantage/internal/tracing"
	"github.com/tombee/vantage/internal/validation"
)

// MinSamples is the smallest window a budget is recomputed from. Below it
// the previous status is kept.
const MinSamples = 10

// DefaultWindowSize bounds the per-entity duration window. The window is
// count based; budgets carry no time window.
const DefaultWindowSize = 1000

// Kinds reported to the metrics gauge.
const (
	KindLatency = "latency"
	KindError   = "error"
)

// LatencyBudget is a set of percentile targets for execution duration.
// An empty EntityID applies the budget to every entity; an empty Type
// applies it to every trace type.
type LatencyBudget struct {
	ID            string            `json:"id" yaml:"id" validate:"required"`
	Name          string            `json:"name" yaml:"name"`
	EntityID      string            `json:"entityId,omitempty" yaml:"entity_id,omitempty"`
	Type          tracing.TraceType `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=skill workflow step"`
	TargetP50Ms   float64           `json:"targetP50Ms" yaml:"target_p50_ms" validate:"gte=0"`
	TargetP95Ms   float64           `json:"targetP95Ms" yaml:"target_p95_ms" validate:"gt=0,gtefield=TargetP50Ms"`
	TargetP99Ms   float64           `json:"targetP99Ms" yaml:"target_p99_ms" validate:"gt=0,gtefield=TargetP95Ms"`
	MaxMs         float64           `json:"maxMs" yaml:"max_ms" validate:"gte=0"`
	// WindowMinutes is descriptive only. Percentiles come from the last
	// DefaultWindowSize successful executions, whatever their age.
	WindowMinutes int               `json:"windowMinutes" yaml:"window_minutes" validate:"gte=0"`

	CurrentP50Ms     float64   `json:"currentP50Ms" yaml:"-"`
	CurrentP95Ms     float64   `json:"currentP95Ms" yaml:"-"`
	CurrentP99Ms     float64   `json:"currentP99Ms" yaml:"-"`
	SampleCount      int       `json:"sampleCount" yaml:"-"`
	WithinBudget     bool      `json:"withinBudget" yaml:"-"`
	BreachedEntities []string  `json:"breachedEntities" yaml:"-"`
	LastUpdated      time.Time `json:"lastUpdated" yaml:"-"`
}

// Validate checks the targets.
func (b LatencyBudget) Validate() error {
	return validation.Struct(b)
}

func (b LatencyBudget) appliesTo(t tracing.Trace) bool {
	if b.EntityID != "" && b.EntityID != t.EntityID {
		return false
	}
	return b.Type == "" || b.Type == t.Type
}

// meets reports whether the measured P95 and P99 are within target.
func (b LatencyBudget) meets(p stats.Percentiles) bool {
	return p.P95 <= b.TargetP95Ms && p.P99 <= b.TargetP99Ms
}

func (b LatencyBudget) clone() LatencyBudget {
	b.BreachedEntities = append([]string{}, b.BreachedEntities...)
	return b
}

// ErrorBudget is a target success rate.
type ErrorBudget struct {
	ID                string  `json:"id" yaml:"id" validate:"required"`
	Name              string  `json:"name" yaml:"name"`
	EntityID          string  `json:"entityId,omitempty" yaml:"entity_id,omitempty"`
	TargetSuccessRate float64 `json:"targetSuccessRate" yaml:"target_success_rate" validate:"gt=0,lte=1"`
	// WindowDays is descriptive only. Outcome counters are cumulative
	// since the entity was first seen.
	WindowDays        int     `json:"windowDays" yaml:"window_days" validate:"gte=0"`

	CurrentSuccessRate float64   `json:"currentSuccessRate" yaml:"-"`
	ErrorCount         int64     `json:"errorCount" yaml:"-"`
	TotalCount         int64     `json:"totalCount" yaml:"-"`
	BudgetRemaining    float64   `json:"budgetRemaining" yaml:"-"`
	ExhaustedEntities  []string  `json:"exhaustedEntities" yaml:"-"`
	LastUpdated        time.Time `json:"lastUpdated" yaml:"-"`
}

// Validate checks the target rate.
func (b ErrorBudget) Validate() error {
	return validation.Struct(b)
}

func (b ErrorBudget) appliesTo(t tracing.Trace) bool {
	return b.EntityID == "" || b.EntityID == t.EntityID
}

func (b ErrorBudget) clone() ErrorBudget {
	b.ExhaustedEntities = append([]string{}, b.ExhaustedEntities...)
	return b
}

// Remaining returns the percentage of the error budget left for the
// observed success rate, clamped to [0, 100].
func Remaining(current, target float64, errCount int64) float64 {
	if target >= 1 {
		if errCount == 0 {
			return 100
		}
		return 0
	}
	r := (current - target) / (1 - target) * 100
	return math.Min(100, math.Max(0, r))
}

// DefaultLatencyBudgets returns the budgets installed when no
// configuration overrides them.
func DefaultLatencyBudgets() []LatencyBudget {
	return []LatencyBudget{
		{
			ID:            "default-skill-latency",
			Name:          "Default Skill Latency",
			Type:          tracing.TypeSkill,
			TargetP50Ms:   5000,
			TargetP95Ms:   15000,
			TargetP99Ms:   30000,
			MaxMs:         60000,
			WindowMinutes: 60,
		},
		{
			ID:            "default-workflow-latency",
			Name:          "Default Workflow Latency",
			Type:          tracing.TypeWorkflow,
			TargetP50Ms:   30000,
			TargetP95Ms:   90000,
			TargetP99Ms:   180000,
			MaxMs:         300000,
			WindowMinutes: 60,
		},
	}
}

// DefaultErrorBudgets returns the default success-rate budget.
func DefaultErrorBudgets() []ErrorBudget {
	return []ErrorBudget{
		{
			ID:                "default-error-budget",
			Name:              "Default Error Budget",
			TargetSuccessRate: 0.95,
			WindowDays:        7,
		},
	}
}
