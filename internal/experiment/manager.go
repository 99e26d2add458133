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

// Package experiment implements deterministic A/B assignment, the
// experiment lifecycle and significance analysis.
//
// Each experiment lives behind its own mutex together with its
// assignments, so operations on different experiments never contend.
// Assignments are sticky: once a subject is bound to a variant the binding
// is returned unchanged for the lifetime of the experiment, including
// after it is paused or completed.
package experiment

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/vantage/internal/eventstore"
	"github.com/tombee/vantage/internal/log"
	"github.com/tombee/vantage/internal/stats"
	"github.com/tombee/vantage/internal/validation"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

// Defaults applied at creation when the caller leaves the field zero.
const (
	DefaultMinSampleSize   = 100
	DefaultConfidenceLevel = 0.95
)

// Persister receives write-through snapshots of experiment state.
// Failures are logged; in-memory state stays authoritative.
type Persister interface {
	SaveExperiment(ctx context.Context, exp Experiment) error
	DeleteExperiment(ctx context.Context, id string) error
	SaveAssignment(ctx context.Context, a Assignment) error
}

// Metrics receives assignment lifecycle counts.
type Metrics interface {
	RecordAssignment(ctx context.Context, experimentID, variantID string)
	RecordExposure(ctx context.Context, experimentID, variantID string)
	RecordConversion(ctx context.Context, experimentID, variantID string)
}

type entry struct {
	mu          sync.Mutex
	exp         *Experiment
	assignments map[string]*Assignment
	deleted     bool
}

// Manager owns every experiment and its assignments.
type Manager struct {
	entries *eventstore.Shards[*entry]
	store   Persister
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPersister enables write-through snapshots.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.store = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides experiment id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries: eventstore.NewShards[*entry](eventstore.DefaultShardCount),
		now:     time.Now,
		newID:   func() string { return "exp_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = log.WithComponent(log.OrDefault(m.logger), "experiment")
	return m
}

// VariantSpec describes a variant at creation time.
type VariantSpec struct {
	ID            string         `json:"id" yaml:"id" validate:"required"`
	Name          string         `json:"name" yaml:"name" validate:"required"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type          VariantType    `json:"type" yaml:"type" validate:"required,oneof=prompt model config workflow_step"`
	Changes       map[string]any `json:"changes,omitempty" yaml:"changes,omitempty"`
	TrafficWeight float64        `json:"trafficWeight" yaml:"traffic_weight" validate:"gte=0"`
}

func (s VariantSpec) variant() Variant {
	return Variant{
		ID:            s.ID,
		Name:          s.Name,
		Description:   s.Description,
		Type:          s.Type,
		Changes:       copyAnyMap(s.Changes),
		TrafficWeight: s.TrafficWeight,
		MetricValues:  map[string]float64{},
		MetricCounts:  map[string]int64{},
	}
}

// CreateParams describes a new experiment.
type CreateParams struct {
	Name              string        `json:"name" validate:"required"`
	Description       string        `json:"description,omitempty"`
	TargetSkillID     string        `json:"targetSkillId,omitempty"`
	TargetWorkflowID  string        `json:"targetWorkflowId,omitempty"`
	TargetStepID      string        `json:"targetStepId,omitempty"`
	Variants          []VariantSpec `json:"variants" validate:"required,min=1,dive"`
	ControlVariantID  string        `json:"controlVariantId" validate:"required"`
	TrafficPercentage float64       `json:"trafficPercentage" validate:"gte=0,lte=100"`
	PrimaryMetric     Metric        `json:"primaryMetric"`
	SecondaryMetrics  []Metric      `json:"secondaryMetrics,omitempty" validate:"dive"`
	MinSampleSize     int64         `json:"minSampleSize,omitempty" validate:"gte=0"`
	ConfidenceLevel   float64       `json:"confidenceLevel,omitempty" validate:"gte=0,lt=1"`
	CreatedBy         string        `json:"createdBy,omitempty"`
}

// Create registers a new experiment in draft.
func (m *Manager) Create(ctx context.Context, p CreateParams) (Experiment, error) {
	if err := validation.Struct(p); err != nil {
		return Experiment{}, err
	}
	if err := checkVariantSet(p.Variants, p.ControlVariantID); err != nil {
		return Experiment{}, err
	}

	now := m.now()
	exp := &Experiment{
		ID:                m.newID(),
		Name:              p.Name,
		Description:       p.Description,
		Status:            StatusDraft,
		TargetSkillID:     p.TargetSkillID,
		TargetWorkflowID:  p.TargetWorkflowID,
		TargetStepID:      p.TargetStepID,
		ControlVariantID:  p.ControlVariantID,
		TrafficPercentage: p.TrafficPercentage,
		PrimaryMetric:     p.PrimaryMetric,
		SecondaryMetrics:  append([]Metric(nil), p.SecondaryMetrics...),
		MinSampleSize:     p.MinSampleSize,
		ConfidenceLevel:   p.ConfidenceLevel,
		CreatedBy:         p.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if exp.PrimaryMetric.ID == "" {
		exp.PrimaryMetric = Metric{ID: "conversion", Name: "Conversion", Type: MetricConversion, HigherIsBetter: true}
	}
	if exp.MinSampleSize == 0 {
		exp.MinSampleSize = DefaultMinSampleSize
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = DefaultConfidenceLevel
	}
	for _, spec := range p.Variants {
		exp.Variants = append(exp.Variants, spec.variant())
	}

	e := &entry{exp: exp, assignments: make(map[string]*Assignment)}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.entries.Store(exp.ID, e)
	m.persistExperiment(ctx, exp)

	m.logger.Info("experiment created",
		slog.String(log.ExperimentIDKey, exp.ID),
		slog.String("name", exp.Name),
		slog.Int("variants", len(exp.Variants)))
	return exp.Clone(), nil
}

func checkVariantSet(specs []VariantSpec, controlID string) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.ID] {
			return &vantageerrors.ValidationError{Field: "variants", Message: "duplicate variant id " + s.ID}
		}
		seen[s.ID] = true
	}
	if !seen[controlID] {
		return &vantageerrors.ValidationError{
			Field:      "controlVariantId",
			Message:    "control variant " + controlID + " is not one of the variants",
			Suggestion: "set controlVariantId to the id of an existing variant",
		}
	}
	return nil
}

// Restore loads previously persisted state. Existing experiments with the
// same ids are replaced.
func (m *Manager) Restore(exps []Experiment, assignments []Assignment) {
	byExp := make(map[string][]Assignment)
	for _, a := range assignments {
		byExp[a.ExperimentID] = append(byExp[a.ExperimentID], a)
	}
	for i := range exps {
		exp := exps[i].Clone()
		for j := range exp.Variants {
			if exp.Variants[j].MetricValues == nil {
				exp.Variants[j].MetricValues = map[string]float64{}
			}
			if exp.Variants[j].MetricCounts == nil {
				exp.Variants[j].MetricCounts = map[string]int64{}
			}
		}
		e := &entry{exp: &exp, assignments: make(map[string]*Assignment)}
		for _, a := range byExp[exp.ID] {
			a := a.clone()
			e.assignments[a.SubjectID] = &a
		}
		m.entries.Store(exp.ID, e)
	}
	m.logger.Info("experiments restored",
		slog.Int("experiments", len(exps)),
		slog.Int("assignments", len(assignments)))
}

// lock returns the live entry for id with its mutex held.
func (m *Manager) lock(id string) (*entry, bool) {
	e, ok := m.entries.Get(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, false
	}
	return e, true
}

// Get returns a snapshot of the experiment.
func (m *Manager) Get(id string) (Experiment, bool) {
	e, ok := m.lock(id)
	if !ok {
		return Experiment{}, false
	}
	defer e.mu.Unlock()
	return e.exp.Clone(), true
}

// List returns experiments matching f, newest first.
func (m *Manager) List(f Filter) []Experiment {
	var entries []*entry
	m.entries.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})

	var out []Experiment
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && f.matches(e.exp) {
			out = append(out, e.exp.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (f Filter) matches(e *Experiment) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.TargetSkillID != "" && e.TargetSkillID != f.TargetSkillID {
		return false
	}
	if f.TargetWorkflowID != "" && e.TargetWorkflowID != f.TargetWorkflowID {
		return false
	}
	return true
}

// Delete removes an experiment and all of its assignments.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	e, ok := m.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteExperiment(ctx, id); err != nil {
			m.logger.Warn("failed to delete experiment snapshot",
				slog.String(log.ExperimentIDKey, id), log.Error(err))
		}
	}
	m.logger.Info("experiment deleted", slog.String(log.ExperimentIDKey, id))
	return true
}

// Assign returns the subject's variant, creating a sticky assignment when
// the experiment is running and the subject falls inside the traffic
// percentage. Excluded subjects are not remembered.
func (m *Manager) Assign(ctx context.Context, experimentID, subjectID, sessionID string) AssignmentResult {
	e, ok := m.lock(experimentID)
	if !ok {
		return AssignmentResult{}
	}
	defer e.mu.Unlock()

	if a, ok := e.assignments[subjectID]; ok {
		res := AssignmentResult{InExperiment: true, Assigned: true, VariantID: a.VariantID}
		if v, ok := e.exp.Variant(a.VariantID); ok {
			c := v.Clone()
			res.Variant = &c
		}
		return res
	}

	exp := e.exp
	if exp.Status != StatusRunning || len(exp.Variants) == 0 {
		return AssignmentResult{}
	}

	placed := Place(exp.ID, subjectID, exp.TrafficPercentage, exp.Variants)
	if !placed.InExperiment {
		log.Trace(m.logger, "subject excluded by traffic percentage",
			slog.String(log.ExperimentIDKey, exp.ID),
			slog.String(log.SubjectIDKey, subjectID),
			slog.Int("bucket", int(placed.Bucket)))
		return AssignmentResult{}
	}

	a := &Assignment{
		ExperimentID: exp.ID,
		VariantID:    placed.VariantID,
		SubjectID:    subjectID,
		SessionID:    sessionID,
		AssignedAt:   m.now(),
	}
	e.assignments[subjectID] = a
	m.persistAssignment(ctx, a)

	if m.metrics != nil {
		m.metrics.RecordAssignment(ctx, exp.ID, a.VariantID)
	}
	log.Trace(m.logger, "subject assigned",
		slog.String(log.ExperimentIDKey, exp.ID),
		slog.String(log.SubjectIDKey, subjectID),
		slog.String(log.VariantIDKey, a.VariantID))

	v, _ := exp.Variant(a.VariantID)
	c := v.Clone()
	return AssignmentResult{InExperiment: true, Assigned: true, VariantID: a.VariantID, Variant: &c}
}

// Assignment returns the subject's assignment, if any.
func (m *Manager) Assignment(experimentID, subjectID string) (Assignment, bool) {
	e, ok := m.lock(experimentID)
	if !ok {
		return Assignment{}, false
	}
	defer e.mu.Unlock()
	a, ok := e.assignments[subjectID]
	if !ok {
		return Assignment{}, false
	}
	return a.clone(), true
}

// RecordExposure marks the subject as exposed. The variant sample size is
// incremented only on the first exposure. Returns false when the subject
// has no assignment.
func (m *Manager) RecordExposure(ctx context.Context, experimentID, subjectID string) bool {
	e, ok := m.lock(experimentID)
	if !ok {
		return false
	}
	defer e.mu.Unlock()

	a, ok := e.assignments[subjectID]
	if !ok {
		return false
	}
	if a.Exposed {
		return true
	}

	a.Exposed = true
	if v, ok := e.exp.Variant(a.VariantID); ok {
		v.SampleSize++
	}
	e.exp.UpdatedAt = m.now()
	m.persistAssignment(ctx, a)
	m.persistExperiment(ctx, e.exp)

	if m.metrics != nil {
		m.metrics.RecordExposure(ctx, experimentID, a.VariantID)
	}
	return true
}

// RecordConversion marks an exposed subject as converted and folds the
// supplied metric values into the variant's running means. Conversion is
// counted once per subject; later calls return true without effect.
// Returns false when the subject has no assignment or was never exposed.
func (m *Manager) RecordConversion(ctx context.Context, experimentID, subjectID string, metricValues map[string]float64) bool {
	e, ok := m.lock(experimentID)
	if !ok {
		return false
	}
	defer e.mu.Unlock()

	a, ok := e.assignments[subjectID]
	if !ok || !a.Exposed {
		return false
	}
	if a.Converted {
		return true
	}

	a.Converted = true
	a.MetricValues = copyFloatMap(metricValues)
	if v, ok := e.exp.Variant(a.VariantID); ok {
		v.Conversions++
		for k, val := range metricValues {
			foldMetric(v, k, val)
		}
	}
	e.exp.UpdatedAt = m.now()
	m.persistAssignment(ctx, a)
	m.persistExperiment(ctx, e.exp)

	if m.metrics != nil {
		m.metrics.RecordConversion(ctx, experimentID, a.VariantID)
	}
	return true
}

// RecordMetric records a metric observation for an exposed subject without
// marking a conversion.
func (m *Manager) RecordMetric(ctx context.Context, experimentID, subjectID, metricID string, value float64) bool {
	e, ok := m.lock(experimentID)
	if !ok {
		return false
	}
	defer e.mu.Unlock()

	a, ok := e.assignments[subjectID]
	if !ok || !a.Exposed {
		return false
	}
	if a.MetricValues == nil {
		a.MetricValues = make(map[string]float64)
	}
	a.MetricValues[metricID] = value
	if v, ok := e.exp.Variant(a.VariantID); ok {
		foldMetric(v, metricID, value)
	}
	e.exp.UpdatedAt = m.now()
	m.persistAssignment(ctx, a)
	m.persistExperiment(ctx, e.exp)
	return true
}

func foldMetric(v *Variant, metricID string, value float64) {
	if v.MetricValues == nil {
		v.MetricValues = make(map[string]float64)
	}
	if v.MetricCounts == nil {
		v.MetricCounts = make(map[string]int64)
	}
	n := v.MetricCounts[metricID]
	v.MetricValues[metricID] = stats.RunningMean(v.MetricValues[metricID], n, value)
	v.MetricCounts[metricID] = n + 1
}

// Stats summarizes assignment, exposure and conversion counts per variant.
func (m *Manager) Stats(experimentID string) (StatsSummary, bool) {
	e, ok := m.lock(experimentID)
	if !ok {
		return StatsSummary{}, false
	}
	defer e.mu.Unlock()

	idx := make(map[string]int, len(e.exp.Variants))
	summary := StatsSummary{Variants: make([]VariantBreakdown, len(e.exp.Variants))}
	for i, v := range e.exp.Variants {
		idx[v.ID] = i
		summary.Variants[i] = VariantBreakdown{VariantID: v.ID, VariantName: v.Name}
	}

	for _, a := range e.assignments {
		summary.TotalAssignments++
		i, ok := idx[a.VariantID]
		if ok {
			summary.Variants[i].Assignments++
		}
		if a.Exposed {
			summary.TotalExposures++
			if ok {
				summary.Variants[i].Exposures++
			}
		}
		if a.Converted {
			summary.TotalConversions++
			if ok {
				summary.Variants[i].Conversions++
			}
		}
	}
	for i := range summary.Variants {
		b := &summary.Variants[i]
		b.ConversionRate = stats.Rate(b.Conversions, b.Exposures)
	}
	return summary, true
}

// ActiveExperiment returns the newest running experiment targeting t.
// A skill match wins; a workflow match requires the step to match when
// both the query and the experiment name one.
func (m *Manager) ActiveExperiment(t Target) (Experiment, bool) {
	for _, exp := range m.List(Filter{Status: StatusRunning}) {
		if t.SkillID != "" && exp.TargetSkillID == t.SkillID {
			return exp, true
		}
		if t.WorkflowID != "" && exp.TargetWorkflowID == t.WorkflowID {
			if t.StepID == "" || exp.TargetStepID == t.StepID {
				return exp, true
			}
		}
	}
	return Experiment{}, false
}

// ApplyParams describes a unit of work about to run.
type ApplyParams struct {
	Target
	SubjectID string
	SessionID string
	Config    map[string]any
}

// ApplyResult is the configuration to run with.
type ApplyResult struct {
	Config       map[string]any `json:"config"`
	ExperimentID string         `json:"experimentId,omitempty"`
	VariantID    string         `json:"variantId,omitempty"`
}

// ApplyVariant finds the active experiment for the target, assigns the
// subject, records the exposure and overlays the variant's changes onto a
// copy of the supplied config. The config is returned unchanged when no
// experiment applies.
func (m *Manager) ApplyVariant(ctx context.Context, p ApplyParams) ApplyResult {
	exp, ok := m.ActiveExperiment(p.Target)
	if !ok {
		return ApplyResult{Config: p.Config}
	}

	res := m.Assign(ctx, exp.ID, p.SubjectID, p.SessionID)
	if !res.InExperiment || res.Variant == nil {
		return ApplyResult{Config: p.Config}
	}
	m.RecordExposure(ctx, exp.ID, p.SubjectID)

	cfg := make(map[string]any, len(p.Config)+len(res.Variant.Changes))
	for k, v := range p.Config {
		cfg[k] = v
	}
	for k, v := range res.Variant.Changes {
		cfg[k] = v
	}
	return ApplyResult{Config: cfg, ExperimentID: exp.ID, VariantID: res.VariantID}
}

func (m *Manager) persistExperiment(ctx context.Context, exp *Experiment) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveExperiment(ctx, exp.Clone()); err != nil {
		m.logger.Warn("failed to persist experiment",
			slog.String(log.ExperimentIDKey, exp.ID), log.Error(err))
	}
}

func (m *Manager) persistAssignment(ctx context.Context, a *Assignment) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveAssignment(ctx, a.clone()); err != nil {
		m.logger.Warn("failed to persist assignment",
			slog.String(log.ExperimentIDKey, a.ExperimentID),
			slog.String(log.SubjectIDKey, a.SubjectID),
			log.Error(err))
	}
}
