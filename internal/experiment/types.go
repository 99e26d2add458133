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

package experiment

import (
	"time"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// IsTerminal reports whether no further lifecycle transitions except
// archiving are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// VariantType describes what a variant overrides.
type VariantType string

const (
	VariantPrompt       VariantType = "prompt"
	VariantModel        VariantType = "model"
	VariantConfig       VariantType = "config"
	VariantWorkflowStep VariantType = "workflow_step"
)

// MetricType classifies an experiment metric.
type MetricType string

const (
	MetricConversion MetricType = "conversion"
	MetricValue      MetricType = "value"
	MetricDuration   MetricType = "duration"
	MetricCustom     MetricType = "custom"
)

// Metric names a measured outcome.
type Metric struct {
	ID             string     `json:"id" yaml:"id" validate:"required"`
	Name           string     `json:"name" yaml:"name"`
	Type           MetricType `json:"type" yaml:"type" validate:"omitempty,oneof=conversion value duration custom"`
	HigherIsBetter bool       `json:"higherIsBetter" yaml:"higher_is_better"`
	Calculation    string     `json:"calculation,omitempty" yaml:"calculation,omitempty"`
}

// Variant is one arm of an experiment together with its running counters.
type Variant struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Type          VariantType    `json:"type"`
	Changes       map[string]any `json:"changes,omitempty"`
	TrafficWeight float64        `json:"trafficWeight"`

	// SampleSize counts exposed subjects.
	SampleSize  int64 `json:"sampleSize"`
	Conversions int64 `json:"conversions"`

	// MetricValues holds running means keyed by metric id; MetricCounts
	// holds how many observations each mean covers.
	MetricValues map[string]float64 `json:"metricValues"`
	MetricCounts map[string]int64   `json:"metricCounts"`
}

// Experiment is an A/B test over a skill, workflow or workflow step.
type Experiment struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	TargetSkillID    string `json:"targetSkillId,omitempty"`
	TargetWorkflowID string `json:"targetWorkflowId,omitempty"`
	TargetStepID     string `json:"targetStepId,omitempty"`

	Variants          []Variant `json:"variants"`
	ControlVariantID  string    `json:"controlVariantId"`
	TrafficPercentage float64   `json:"trafficPercentage"`

	PrimaryMetric    Metric   `json:"primaryMetric"`
	SecondaryMetrics []Metric `json:"secondaryMetrics"`

	MinSampleSize   int64   `json:"minSampleSize"`
	ConfidenceLevel float64 `json:"confidenceLevel"`

	Winner           string   `json:"winner,omitempty"`
	WinnerConfidence *float64 `json:"winnerConfidence,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Variant returns the variant with the given id.
func (e *Experiment) Variant(id string) (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to hand to callers.
func (e *Experiment) Clone() Experiment {
	out := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	if e.WinnerConfidence != nil {
		c := *e.WinnerConfidence
		out.WinnerConfidence = &c
	}
	out.SecondaryMetrics = append([]Metric(nil), e.SecondaryMetrics...)
	out.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		out.Variants[i] = v.Clone()
	}
	return out
}

// Clone returns a deep copy of the variant.
func (v Variant) Clone() Variant {
	out := v
	out.Changes = copyAnyMap(v.Changes)
	out.MetricValues = copyFloatMap(v.MetricValues)
	out.MetricCounts = make(map[string]int64, len(v.MetricCounts))
	for k, c := range v.MetricCounts {
		out.MetricCounts[k] = c
	}
	return out
}

// Assignment binds a subject to a variant of one experiment.
type Assignment struct {
	ExperimentID string             `json:"experimentId"`
	VariantID    string             `json:"variantId"`
	SubjectID    string             `json:"subjectId"`
	SessionID    string             `json:"sessionId,omitempty"`
	AssignedAt   time.Time          `json:"assignedAt"`
	Exposed      bool               `json:"exposed"`
	Converted    bool               `json:"converted"`
	MetricValues map[string]float64 `json:"metricValues,omitempty"`
}

func (a Assignment) clone() Assignment {
	a.MetricValues = copyFloatMap(a.MetricValues)
	return a
}

// AssignmentResult is returned by Assign.
type AssignmentResult struct {
	InExperiment bool     `json:"inExperiment"`
	Assigned     bool     `json:"assigned"`
	VariantID    string   `json:"variantId,omitempty"`
	Variant      *Variant `json:"variant,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status           Status
	TargetSkillID    string
	TargetWorkflowID string
}

// Target identifies the unit of work an experiment may apply to.
type Target struct {
	SkillID    string
	WorkflowID string
	StepID     string
}

// VariantBreakdown is the per-variant part of StatsSummary.
type VariantBreakdown struct {
	VariantID      string  `json:"variantId"`
	VariantName    string  `json:"variantName"`
	Assignments    int64   `json:"assignments"`
	Exposures      int64   `json:"exposures"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

// StatsSummary counts assignment outcomes for one experiment.
type StatsSummary struct {
	TotalAssignments int64              `json:"totalAssignments"`
	TotalExposures   int64              `json:"totalExposures"`
	TotalConversions int64              `json:"totalConversions"`
	Variants         []VariantBreakdown `json:"variantBreakdown"`
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
