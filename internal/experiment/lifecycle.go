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
	"log/slog"

	"github.com/tombee/vantage/internal/log"
	"github.com/tombee/vantage/internal/validation"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

// Action names a lifecycle or configuration operation.
type Action string

const (
	ActionStart         Action = "start"
	ActionPause         Action = "pause"
	ActionComplete      Action = "complete"
	ActionArchive       Action = "archive"
	ActionUpdate        Action = "update"
	ActionAddVariant    Action = "add variant to"
	ActionUpdateVariant Action = "update variant of"
	ActionRemoveVariant Action = "remove variant from"
)

// allowed reports whether action may be applied in state s.
func allowed(action Action, s Status) bool {
	switch action {
	case ActionStart:
		return s == StatusDraft || s == StatusPaused
	case ActionPause:
		return s == StatusRunning
	case ActionComplete, ActionUpdateVariant:
		return !s.IsTerminal()
	case ActionArchive:
		return s != StatusArchived
	case ActionUpdate, ActionAddVariant, ActionRemoveVariant:
		return s == StatusDraft
	}
	return false
}

func notFound(id string) error {
	return &vantageerrors.NotFoundError{Resource: "experiment", ID: id}
}

// mutate runs fn on the locked experiment if action is legal in its
// current state. On rejection the unchanged experiment is returned with an
// *errors.InvalidTransitionError.
func (m *Manager) mutate(ctx context.Context, id string, action Action, fn func(e *entry) error) (Experiment, error) {
	e, ok := m.lock(id)
	if !ok {
		return Experiment{}, notFound(id)
	}
	defer e.mu.Unlock()

	from := e.exp.Status
	if !allowed(action, from) {
		return e.exp.Clone(), &vantageerrors.InvalidTransitionError{
			Resource: "experiment",
			ID:       id,
			From:     string(from),
			Action:   string(action),
		}
	}

	before := e.exp.Clone()
	if err := fn(e); err != nil {
		*e.exp = before
		return before, err
	}
	e.exp.UpdatedAt = m.now()
	m.persistExperiment(ctx, e.exp)

	if from != e.exp.Status {
		m.logger.Info("experiment transitioned",
			slog.String(log.ExperimentIDKey, id),
			slog.String("from", string(from)),
			slog.String("to", string(e.exp.Status)))
	}
	return e.exp.Clone(), nil
}

// Start moves a draft or paused experiment to running. StartedAt is set on
// the first start only.
func (m *Manager) Start(ctx context.Context, id string) (Experiment, error) {
	return m.mutate(ctx, id, ActionStart, func(e *entry) error {
		if len(e.exp.Variants) == 0 {
			return &vantageerrors.ValidationError{Field: "variants", Message: "experiment has no variants"}
		}
		e.exp.Status = StatusRunning
		if e.exp.StartedAt == nil {
			t := m.now()
			e.exp.StartedAt = &t
		}
		return nil
	})
}

// Pause moves a running experiment to paused. Existing assignments stay
// sticky; new subjects are not assigned while paused.
func (m *Manager) Pause(ctx context.Context, id string) (Experiment, error) {
	return m.mutate(ctx, id, ActionPause, func(e *entry) error {
		e.exp.Status = StatusPaused
		return nil
	})
}

// Complete ends an experiment. When winnerID is set it must name a
// variant; the winner confidence is 1 - p-value of the current analysis.
// New assignments stop, but exposures and conversions for subjects that
// were already assigned are still accepted.
func (m *Manager) Complete(ctx context.Context, id, winnerID string) (Experiment, error) {
	return m.mutate(ctx, id, ActionComplete, func(e *entry) error {
		if winnerID != "" {
			if _, ok := e.exp.Variant(winnerID); !ok {
				return &vantageerrors.ValidationError{Field: "winner", Message: "unknown variant " + winnerID}
			}
			e.exp.Winner = winnerID
			if res := Analyze(e.exp, m.now()); res.PValue != nil {
				c := 1 - *res.PValue
				e.exp.WinnerConfidence = &c
			}
		}
		t := m.now()
		e.exp.Status = StatusCompleted
		e.exp.EndedAt = &t
		return nil
	})
}

// Archive hides an experiment from active use. It is allowed from every
// state except archived.
func (m *Manager) Archive(ctx context.Context, id string) (Experiment, error) {
	return m.mutate(ctx, id, ActionArchive, func(e *entry) error {
		e.exp.Status = StatusArchived
		if e.exp.EndedAt == nil {
			t := m.now()
			e.exp.EndedAt = &t
		}
		return nil
	})
}

// Update applies a patch to a draft experiment.
func (m *Manager) Update(ctx context.Context, id string, patch ExperimentPatch) (Experiment, error) {
	if err := validation.Struct(patch); err != nil {
		return Experiment{}, err
	}
	return m.mutate(ctx, id, ActionUpdate, func(e *entry) error {
		patch.apply(e.exp)
		return nil
	})
}

// AddVariant appends a variant to a draft experiment.
func (m *Manager) AddVariant(ctx context.Context, id string, spec VariantSpec) (Experiment, error) {
	if err := validation.Struct(spec); err != nil {
		return Experiment{}, err
	}
	return m.mutate(ctx, id, ActionAddVariant, func(e *entry) error {
		if _, exists := e.exp.Variant(spec.ID); exists {
			return &vantageerrors.ValidationError{Field: "id", Message: "duplicate variant id " + spec.ID}
		}
		e.exp.Variants = append(e.exp.Variants, spec.variant())
		return nil
	})
}

// UpdateVariant patches a variant of a non-terminal experiment. Weight
// changes affect only subjects assigned afterwards.
func (m *Manager) UpdateVariant(ctx context.Context, id, variantID string, patch VariantPatch) (Experiment, error) {
	if err := validation.Struct(patch); err != nil {
		return Experiment{}, err
	}
	return m.mutate(ctx, id, ActionUpdateVariant, func(e *entry) error {
		v, ok := e.exp.Variant(variantID)
		if !ok {
			return &vantageerrors.NotFoundError{Resource: "variant", ID: variantID}
		}
		patch.apply(v)
		return nil
	})
}

// RemoveVariant deletes a non-control variant from a draft experiment.
func (m *Manager) RemoveVariant(ctx context.Context, id, variantID string) (Experiment, error) {
	return m.mutate(ctx, id, ActionRemoveVariant, func(e *entry) error {
		if variantID == e.exp.ControlVariantID {
			return &vantageerrors.ValidationError{
				Field:   "variantId",
				Message: "cannot remove the control variant",
			}
		}
		for i, v := range e.exp.Variants {
			if v.ID == variantID {
				e.exp.Variants = append(e.exp.Variants[:i], e.exp.Variants[i+1:]...)
				return nil
			}
		}
		return &vantageerrors.NotFoundError{Resource: "variant", ID: variantID}
	})
}
