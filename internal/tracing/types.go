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
	"time"
)

// TraceType is the kind of unit being executed.
type TraceType string

const (
	TypeSkill    TraceType = "skill"
	TypeWorkflow TraceType = "workflow"
	TypeStep     TraceType = "step"
)

// Status is the lifecycle state of an execution trace.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// IsTerminal reports whether the trace has finished.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusTimeout
}

// IsFailure reports whether the status counts against an error budget.
func (s Status) IsFailure() bool {
	return s == StatusError || s == StatusTimeout
}

// CodeTimeout is the error code attached to traces expired by the sweeper.
const CodeTimeout = "TIMEOUT"

// ErrorInfo describes why an execution failed.
type ErrorInfo struct {
	Code      string `json:"code" validate:"required"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Trace records one execution of a skill, workflow or step.
type Trace struct {
	ID         string    `json:"id"`
	Type       TraceType `json:"type"`
	EntityID   string    `json:"entityId"`
	EntityName string    `json:"entityName"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`

	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	DurationMs     int64      `json:"durationMs"`
	TotalLatencyMs int64      `json:"totalLatencyMs"`

	Status     Status     `json:"status"`
	RetryCount int        `json:"retryCount"`
	Error      *ErrorInfo `json:"error,omitempty"`

	InputTokens    int64   `json:"inputTokens,omitempty"`
	OutputTokens   int64   `json:"outputTokens,omitempty"`
	ModelLatencyMs int64   `json:"modelLatencyMs,omitempty"`
	EstimatedCost  float64 `json:"estimatedCost,omitempty"`
	ActualCost     float64 `json:"actualCost,omitempty"`

	ParentTraceID string   `json:"parentTraceId,omitempty"`
	ChildTraceIDs []string `json:"childTraceIds"`
}

// Clone returns a deep copy.
func (t Trace) Clone() Trace {
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		t.CompletedAt = &c
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	t.ChildTraceIDs = append([]string{}, t.ChildTraceIDs...)
	return t
}

// StartParams describes a new execution.
type StartParams struct {
	Type          TraceType `json:"type" validate:"required,oneof=skill workflow step"`
	EntityID      string    `json:"entityId" validate:"required"`
	EntityName    string    `json:"entityName"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	UserID        string    `json:"userId,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	ParentTraceID string    `json:"parentTraceId,omitempty"`
}

// CompleteParams carries the measurements of a successful execution.
type CompleteParams struct {
	InputTokens    int64   `json:"inputTokens,omitempty"`
	OutputTokens   int64   `json:"outputTokens,omitempty"`
	ModelLatencyMs int64   `json:"modelLatencyMs,omitempty"`
	EstimatedCost  float64 `json:"estimatedCost,omitempty"`
	ActualCost     float64 `json:"actualCost,omitempty"`
}

// UpdateParams patches a running trace. Nil fields are left untouched.
type UpdateParams struct {
	RetryCount    *int     `json:"retryCount,omitempty"`
	InputTokens   *int64   `json:"inputTokens,omitempty"`
	OutputTokens  *int64   `json:"outputTokens,omitempty"`
	EstimatedCost *float64 `json:"estimatedCost,omitempty"`
	Provider      *string  `json:"provider,omitempty"`
	Model         *string  `json:"model,omitempty"`
}

// Filter narrows Recent results. Zero fields match everything.
type Filter struct {
	Type     TraceType
	EntityID string
	Status   Status
	Limit    int
}

func (f Filter) matches(t Trace) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.EntityID != "" && t.EntityID != f.EntityID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// Summary aggregates completed traces.
type Summary struct {
	TotalExecutions int64   `json:"totalExecutions"`
	SuccessCount    int64   `json:"successCount"`
	ErrorCount      int64   `json:"errorCount"`
	SuccessRate     float64 `json:"successRate"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	P50LatencyMs    float64 `json:"p50LatencyMs"`
	P95LatencyMs    float64 `json:"p95LatencyMs"`
	P99LatencyMs    float64 `json:"p99LatencyMs"`
	TotalTokens     int64   `json:"totalTokens"`
	TotalCost       float64 `json:"totalCost"`
	AvgCost         float64 `json:"avgCost"`
}
