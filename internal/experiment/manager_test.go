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
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memPersister struct {
	mu          sync.Mutex
	experiments map[string]Experiment
	assignments map[string]Assignment
	deleted     []string
}

func newMemPersister() *memPersister {
	return &memPersister{experiments: map[string]Experiment{}, assignments: map[string]Assignment{}}
}

func (p *memPersister) SaveExperiment(_ context.Context, exp Experiment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.experiments[exp.ID] = exp
	return nil
}

func (p *memPersister) DeleteExperiment(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.experiments, id)
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *memPersister) SaveAssignment(_ context.Context, a Assignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assignments[a.ExperimentID+"/"+a.SubjectID] = a
	return nil
}

func newTestManager(t *testing.T, id string, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { return id }),
	}
	return NewManager(append(base, opts...)...), clock
}

func twoArm(traffic float64, controlWeight, treatmentWeight float64) CreateParams {
	return CreateParams{
		Name:              "checkout copy",
		TargetSkillID:     "skill-checkout",
		ControlVariantID:  "control",
		TrafficPercentage: traffic,
		Variants: []VariantSpec{
			{ID: "control", Name: "Control", Type: VariantPrompt, TrafficWeight: controlWeight},
			{ID: "treatment", Name: "Treatment", Type: VariantPrompt, TrafficWeight: treatmentWeight,
				Changes: map[string]any{"prompt": "v2"}},
		},
	}
}

func createRunning(t *testing.T, m *Manager, p CreateParams) Experiment {
	t.Helper()
	ctx := context.Background()
	exp, err := m.Create(ctx, p)
	require.NoError(t, err)
	exp, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, exp.Status)
	return exp
}

func TestHash_Golden(t *testing.T) {
	// These values are persisted contract; a change here reshuffles subjects.
	assert.Equal(t, uint32(1041684528), Hash("exp_checkout", "user-1"))
	assert.Equal(t, uint32(1092017385), Hash("exp_checkout", "user-2"))
	assert.Equal(t, uint32(988790706), Hash("exp_1", "alice"))

	b := Place("exp_checkout", "user-1", 100, []Variant{{ID: "a", TrafficWeight: 1}, {ID: "b", TrafficWeight: 1}})
	assert.Equal(t, uint32(28), b.Bucket)
	assert.InDelta(t, 0.4528, b.Roll, 1e-9)
	assert.True(t, b.InExperiment)
	assert.Equal(t, "a", b.VariantID)

	excluded := Place("exp_checkout", "user-1", 28, []Variant{{ID: "a", TrafficWeight: 1}})
	assert.False(t, excluded.InExperiment, "bucket equal to traffic percentage is excluded")
}

func TestSelectVariant_ZeroWeightsFallBackToFirst(t *testing.T) {
	assert.Equal(t, 0, selectVariant([]Variant{{ID: "a"}, {ID: "b"}}, 0.9))
}

func TestAssign_DeterministicAndDistributed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_dist")
	exp := createRunning(t, m, twoArm(100, 50, 50))

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		subject := fmt.Sprintf("user-%d", i)
		res := m.Assign(ctx, exp.ID, subject, "")
		require.True(t, res.InExperiment)
		counts[res.VariantID]++

		again := m.Assign(ctx, exp.ID, subject, "")
		require.Equal(t, res.VariantID, again.VariantID)
	}

	assert.InDelta(t, 5000, counts["control"], 300)
	assert.InDelta(t, 5000, counts["treatment"], 300)
}

func TestAssign_DistributionFollowsWeights(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_weighted")
	exp := createRunning(t, m, CreateParams{
		Name:              "checkout tiers",
		TargetSkillID:     "skill-checkout",
		ControlVariantID:  "control",
		TrafficPercentage: 100,
		Variants: []VariantSpec{
			{ID: "control", Name: "Control", Type: VariantPrompt, TrafficWeight: 70},
			{ID: "short", Name: "Short", Type: VariantPrompt, TrafficWeight: 20},
			{ID: "long", Name: "Long", Type: VariantPrompt, TrafficWeight: 10},
		},
	})

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		res := m.Assign(ctx, exp.ID, fmt.Sprintf("user-%d", i), "")
		require.True(t, res.InExperiment)
		counts[res.VariantID]++
	}

	assert.InDelta(t, 7000, counts["control"], 300)
	assert.InDelta(t, 2000, counts["short"], 300)
	assert.InDelta(t, 1000, counts["long"], 300)
}

func TestAssign_TrafficPercentageExclusionIsNotCached(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_traffic")
	exp := createRunning(t, m, twoArm(30, 1, 1))

	in := 0
	for i := 0; i < 10000; i++ {
		subject := fmt.Sprintf("user-%d", i)
		res := m.Assign(ctx, exp.ID, subject, "")
		if res.InExperiment {
			in++
			continue
		}
		_, cached := m.Assignment(exp.ID, subject)
		require.False(t, cached, "excluded subject must not be remembered")
	}
	assert.InDelta(t, 3000, in, 300)
}

func TestAssign_NotRunningOrUnknown(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_draft")

	exp, err := m.Create(ctx, twoArm(100, 1, 1))
	require.NoError(t, err)

	assert.False(t, m.Assign(ctx, exp.ID, "u1", "").InExperiment)
	assert.False(t, m.Assign(ctx, "exp_missing", "u1", "").InExperiment)
}

func TestAssign_StickyAcrossPauseAndComplete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_sticky")
	exp := createRunning(t, m, twoArm(100, 1, 1))

	first := m.Assign(ctx, exp.ID, "u1", "s1")
	require.True(t, first.InExperiment)

	_, err := m.Pause(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, first.VariantID, m.Assign(ctx, exp.ID, "u1", "").VariantID)
	assert.False(t, m.Assign(ctx, exp.ID, "u2", "").InExperiment, "paused experiments take no new subjects")

	_, err = m.Complete(ctx, exp.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.VariantID, m.Assign(ctx, exp.ID, "u1", "").VariantID)
	assert.False(t, m.Assign(ctx, exp.ID, "u3", "").InExperiment)

	assert.True(t, m.RecordExposure(ctx, exp.ID, "u1"), "completed experiments still accept exposures")
	assert.True(t, m.RecordConversion(ctx, exp.ID, "u1", nil))
}

func TestExposureAndConversion_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_idem")
	exp := createRunning(t, m, twoArm(100, 1, 1))

	res := m.Assign(ctx, exp.ID, "u1", "")
	require.True(t, res.InExperiment)

	assert.False(t, m.RecordConversion(ctx, exp.ID, "u1", nil), "conversion requires exposure")
	assert.False(t, m.RecordExposure(ctx, exp.ID, "nobody"))

	assert.True(t, m.RecordExposure(ctx, exp.ID, "u1"))
	assert.True(t, m.RecordExposure(ctx, exp.ID, "u1"))
	assert.True(t, m.RecordConversion(ctx, exp.ID, "u1", map[string]float64{"revenue": 10}))
	assert.True(t, m.RecordConversion(ctx, exp.ID, "u1", map[string]float64{"revenue": 99}))

	got, ok := m.Get(exp.ID)
	require.True(t, ok)
	v, _ := got.Variant(res.VariantID)
	assert.Equal(t, int64(1), v.SampleSize)
	assert.Equal(t, int64(1), v.Conversions)
	assert.Equal(t, 10.0, v.MetricValues["revenue"])

	a, ok := m.Assignment(exp.ID, "u1")
	require.True(t, ok)
	assert.True(t, a.Exposed)
	assert.True(t, a.Converted)
}

func TestConversion_RunningMeanPerMetric(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_mean")
	p := twoArm(100, 1, 0)
	exp := createRunning(t, m, p)

	for i, val := range []float64{100, 200, 300} {
		subject := fmt.Sprintf("u%d", i)
		require.Equal(t, "control", m.Assign(ctx, exp.ID, subject, "").VariantID)
		require.True(t, m.RecordExposure(ctx, exp.ID, subject))
		metrics := map[string]float64{"latency": val}
		if i == 0 {
			metrics["tokens"] = 40
		}
		require.True(t, m.RecordConversion(ctx, exp.ID, subject, metrics))
	}
	require.True(t, m.RecordMetric(ctx, exp.ID, "u1", "tokens", 60))

	got, _ := m.Get(exp.ID)
	v, _ := got.Variant("control")
	assert.InDelta(t, 200.0, v.MetricValues["latency"], 1e-9)
	assert.Equal(t, int64(3), v.MetricCounts["latency"])
	assert.InDelta(t, 50.0, v.MetricValues["tokens"], 1e-9)
	assert.Equal(t, int64(2), v.MetricCounts["tokens"])
}

func TestConversion_ConcurrentCountsExactly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_conc")
	exp := createRunning(t, m, twoArm(100, 1, 1))

	const n = 200
	for i := 0; i < n; i++ {
		subject := fmt.Sprintf("user-%d", i)
		require.True(t, m.Assign(ctx, exp.ID, subject, "").InExperiment)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		subject := fmt.Sprintf("user-%d", i)
		for dup := 0; dup < 3; dup++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.RecordExposure(ctx, exp.ID, subject)
				m.RecordConversion(ctx, exp.ID, subject, map[string]float64{"score": 1})
			}()
		}
	}
	wg.Wait()

	got, _ := m.Get(exp.ID)
	var conversions, samples int64
	for _, v := range got.Variants {
		conversions += v.Conversions
		samples += v.SampleSize
	}
	assert.Equal(t, int64(n), samples)
	assert.Equal(t, int64(n), conversions)

	st, ok := m.Stats(exp.ID)
	require.True(t, ok)
	assert.Equal(t, int64(n), st.TotalAssignments)
	assert.Equal(t, int64(n), st.TotalExposures)
	assert.Equal(t, int64(n), st.TotalConversions)
}

func TestLifecycle_Transitions(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, "exp_life")

	exp, err := m.Create(ctx, twoArm(100, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, exp.Status)
	assert.Equal(t, int64(DefaultMinSampleSize), exp.MinSampleSize)
	assert.Equal(t, DefaultConfidenceLevel, exp.ConfidenceLevel)

	paused, err := m.Pause(ctx, exp.ID)
	var terr *vantageerrors.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "draft", terr.From)
	assert.Equal(t, "pause", terr.Action)
	assert.Equal(t, StatusDraft, paused.Status, "rejected transition returns unchanged experiment")

	started, err := m.Start(ctx, exp.ID)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	firstStart := *started.StartedAt

	clock.Advance(time.Hour)
	_, err = m.Pause(ctx, exp.ID)
	require.NoError(t, err)
	restarted, err := m.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *restarted.StartedAt, "StartedAt is set once")

	_, err = m.Start(ctx, exp.ID)
	assert.True(t, vantageerrors.IsInvalidTransition(err))

	done, err := m.Complete(ctx, exp.ID, "treatment")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "treatment", done.Winner)
	assert.NotNil(t, done.EndedAt)
	assert.Nil(t, done.WinnerConfidence, "no p-value without samples")

	_, err = m.Complete(ctx, exp.ID, "")
	assert.True(t, vantageerrors.IsInvalidTransition(err))

	archived, err := m.Archive(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, archived.Status)

	_, err = m.Archive(ctx, exp.ID)
	assert.True(t, vantageerrors.IsInvalidTransition(err))

	_, err = m.Start(ctx, "exp_missing")
	assert.True(t, vantageerrors.IsNotFound(err))
}

func TestComplete_UnknownWinnerRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_winner")
	exp := createRunning(t, m, twoArm(100, 1, 1))

	got, err := m.Complete(ctx, exp.ID, "ghost")
	assert.True(t, vantageerrors.IsValidation(err))
	assert.Equal(t, StatusRunning, got.Status)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_bad")

	tests := []struct {
		name  string
		mut   func(p *CreateParams)
		field string
	}{
		{"missing name", func(p *CreateParams) { p.Name = "" }, "name"},
		{"traffic above 100", func(p *CreateParams) { p.TrafficPercentage = 101 }, "trafficPercentage"},
		{"unknown control", func(p *CreateParams) { p.ControlVariantID = "nope" }, "controlVariantId"},
		{"bad variant type", func(p *CreateParams) { p.Variants[0].Type = "banner" }, "variants[0].type"},
		{"duplicate variant", func(p *CreateParams) { p.Variants[1].ID = "control" }, "variants"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := twoArm(100, 1, 1)
			tt.mut(&p)
			_, err := m.Create(ctx, p)
			var verr *vantageerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestVariants_DraftOnlyAndControlProtected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_variants")

	exp, err := m.Create(ctx, twoArm(100, 1, 1))
	require.NoError(t, err)

	exp, err = m.AddVariant(ctx, exp.ID, VariantSpec{ID: "third", Name: "Third", Type: VariantModel, TrafficWeight: 1})
	require.NoError(t, err)
	assert.Len(t, exp.Variants, 3)

	_, err = m.RemoveVariant(ctx, exp.ID, "control")
	assert.True(t, vantageerrors.IsValidation(err))

	exp, err = m.RemoveVariant(ctx, exp.ID, "third")
	require.NoError(t, err)
	assert.Len(t, exp.Variants, 2)

	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)

	_, err = m.AddVariant(ctx, exp.ID, VariantSpec{ID: "late", Name: "Late", Type: VariantModel})
	assert.True(t, vantageerrors.IsInvalidTransition(err))
	_, err = m.RemoveVariant(ctx, exp.ID, "treatment")
	assert.True(t, vantageerrors.IsInvalidTransition(err))

	weight := 3.0
	exp, err = m.UpdateVariant(ctx, exp.ID, "treatment", VariantPatch{TrafficWeight: &weight})
	require.NoError(t, err)
	v, _ := exp.Variant("treatment")
	assert.Equal(t, 3.0, v.TrafficWeight)
}

func TestUpdate_DraftOnlyWithStrictPatch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_patch")

	exp, err := m.Create(ctx, twoArm(100, 1, 1))
	require.NoError(t, err)

	patch, err := DecodeExperimentPatch(strings.NewReader(`{"name":"renamed","trafficPercentage":40}`))
	require.NoError(t, err)
	exp, err = m.Update(ctx, exp.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, "renamed", exp.Name)
	assert.Equal(t, 40.0, exp.TrafficPercentage)

	_, err = DecodeExperimentPatch(strings.NewReader(`{"name":"x","status":"running"}`))
	assert.True(t, vantageerrors.IsValidation(err), "unknown keys are rejected")

	_, err = DecodeVariantPatch(strings.NewReader(`{"sampleSize":10}`))
	assert.True(t, vantageerrors.IsValidation(err))

	bad := 150.0
	_, err = m.Update(ctx, exp.ID, ExperimentPatch{TrafficPercentage: &bad})
	assert.True(t, vantageerrors.IsValidation(err))

	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)
	name := "too late"
	got, err := m.Update(ctx, exp.ID, ExperimentPatch{Name: &name})
	assert.True(t, vantageerrors.IsInvalidTransition(err))
	assert.Equal(t, "renamed", got.Name)
}

func TestActiveExperimentAndApplyVariant(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "exp_apply")

	p := twoArm(100, 0, 1)
	exp := createRunning(t, m, p)

	found, ok := m.ActiveExperiment(Target{SkillID: "skill-checkout"})
	require.True(t, ok)
	assert.Equal(t, exp.ID, found.ID)

	_, ok = m.ActiveExperiment(Target{SkillID: "other"})
	assert.False(t, ok)

	out := m.ApplyVariant(ctx, ApplyParams{
		Target:    Target{SkillID: "skill-checkout"},
		SubjectID: "u1",
		Config:    map[string]any{"prompt": "v1", "temperature": 0.2},
	})
	assert.Equal(t, exp.ID, out.ExperimentID)
	assert.Equal(t, "treatment", out.VariantID)
	assert.Equal(t, "v2", out.Config["prompt"])
	assert.Equal(t, 0.2, out.Config["temperature"])

	a, ok := m.Assignment(exp.ID, "u1")
	require.True(t, ok)
	assert.True(t, a.Exposed)

	untouched := map[string]any{"prompt": "v1"}
	out = m.ApplyVariant(ctx, ApplyParams{Target: Target{SkillID: "none"}, SubjectID: "u1", Config: untouched})
	assert.Empty(t, out.ExperimentID)
	assert.Equal(t, untouched, out.Config)
}

func TestActiveExperiment_WorkflowStep(t *testing.T) {
	m, _ := newTestManager(t, "exp_wf")

	p := twoArm(100, 1, 1)
	p.TargetSkillID = ""
	p.TargetWorkflowID = "wf-onboarding"
	p.TargetStepID = "step-2"
	createRunning(t, m, p)

	_, ok := m.ActiveExperiment(Target{WorkflowID: "wf-onboarding"})
	assert.True(t, ok)
	_, ok = m.ActiveExperiment(Target{WorkflowID: "wf-onboarding", StepID: "step-2"})
	assert.True(t, ok)
	_, ok = m.ActiveExperiment(Target{WorkflowID: "wf-onboarding", StepID: "step-9"})
	assert.False(t, ok)
}

func TestPersisterWriteThroughAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newMemPersister()
	m, _ := newTestManager(t, "exp_persist", WithPersister(store))
	exp := createRunning(t, m, twoArm(100, 1, 1))

	res := m.Assign(ctx, exp.ID, "u1", "sess")
	require.True(t, m.RecordExposure(ctx, exp.ID, "u1"))

	store.mu.Lock()
	saved := store.assignments[exp.ID+"/u1"]
	savedExp := store.experiments[exp.ID]
	store.mu.Unlock()
	assert.Equal(t, res.VariantID, saved.VariantID)
	assert.True(t, saved.Exposed)
	assert.Equal(t, StatusRunning, savedExp.Status)

	// A fresh manager restored from the snapshot keeps the assignment sticky.
	restored, _ := newTestManager(t, "unused")
	restored.Restore([]Experiment{savedExp}, []Assignment{saved})
	again := restored.Assign(ctx, exp.ID, "u1", "")
	assert.Equal(t, res.VariantID, again.VariantID)
	got, _ := restored.Get(exp.ID)
	v, _ := got.Variant(res.VariantID)
	assert.Equal(t, int64(1), v.SampleSize)

	assert.True(t, m.Delete(ctx, exp.ID))
	assert.False(t, m.Delete(ctx, exp.ID))
	_, ok := m.Get(exp.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{exp.ID}, store.deleted)
}

func TestList_FilterAndOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	n := 0
	m := NewManager(WithClock(clock.Now), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("exp_%d", n)
	}))

	first, err := m.Create(ctx, twoArm(100, 1, 1))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := m.Create(ctx, twoArm(100, 1, 1))
	require.NoError(t, err)
	_, err = m.Start(ctx, second.ID)
	require.NoError(t, err)

	all := m.List(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")
	assert.Equal(t, first.ID, all[1].ID)

	running := m.List(Filter{Status: StatusRunning})
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)
}

func TestReturnedSnapshotsAreCopies(t *testing.T) {
	m, _ := newTestManager(t, "exp_copy")
	exp := createRunning(t, m, twoArm(100, 1, 1))

	exp.Variants[0].Changes = map[string]any{"mutated": true}
	exp.Variants[1].Changes["prompt"] = "hacked"

	got, _ := m.Get(exp.ID)
	v, _ := got.Variant("treatment")
	assert.Equal(t, "v2", v.Changes["prompt"])
}
