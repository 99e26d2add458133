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
	"encoding/json"
	"fmt"
	"io"

	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

// ExperimentPatch lists the experiment fields that may change while in
// draft. Nil fields are left untouched.
type ExperimentPatch struct {
	Name              *string  `json:"name,omitempty" validate:"omitempty,min=1"`
	Description       *string  `json:"description,omitempty"`
	TrafficPercentage *float64 `json:"trafficPercentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	MinSampleSize     *int64   `json:"minSampleSize,omitempty" validate:"omitempty,gt=0"`
	ConfidenceLevel   *float64 `json:"confidenceLevel,omitempty" validate:"omitempty,gt=0,lt=1"`
	PrimaryMetric     *Metric  `json:"primaryMetric,omitempty"`
	SecondaryMetrics  []Metric `json:"secondaryMetrics,omitempty" validate:"omitempty,dive"`
	TargetSkillID     *string  `json:"targetSkillId,omitempty"`
	TargetWorkflowID  *string  `json:"targetWorkflowId,omitempty"`
	TargetStepID      *string  `json:"targetStepId,omitempty"`
}

func (p ExperimentPatch) apply(e *Experiment) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.TrafficPercentage != nil {
		e.TrafficPercentage = *p.TrafficPercentage
	}
	if p.MinSampleSize != nil {
		e.MinSampleSize = *p.MinSampleSize
	}
	if p.ConfidenceLevel != nil {
		e.ConfidenceLevel = *p.ConfidenceLevel
	}
	if p.PrimaryMetric != nil {
		e.PrimaryMetric = *p.PrimaryMetric
	}
	if p.SecondaryMetrics != nil {
		e.SecondaryMetrics = append([]Metric(nil), p.SecondaryMetrics...)
	}
	if p.TargetSkillID != nil {
		e.TargetSkillID = *p.TargetSkillID
	}
	if p.TargetWorkflowID != nil {
		e.TargetWorkflowID = *p.TargetWorkflowID
	}
	if p.TargetStepID != nil {
		e.TargetStepID = *p.TargetStepID
	}
}

// VariantPatch lists the variant fields that may change. Changes replaces
// the whole override map when set.
type VariantPatch struct {
	Name          *string        `json:"name,omitempty" validate:"omitempty,min=1"`
	Description   *string        `json:"description,omitempty"`
	TrafficWeight *float64       `json:"trafficWeight,omitempty" validate:"omitempty,gte=0"`
	Changes       map[string]any `json:"changes,omitempty"`
}

func (p VariantPatch) apply(v *Variant) {
	if p.Name != nil {
		v.Name = *p.Name
	}
	if p.Description != nil {
		v.Description = *p.Description
	}
	if p.TrafficWeight != nil {
		v.TrafficWeight = *p.TrafficWeight
	}
	if p.Changes != nil {
		v.Changes = copyAnyMap(p.Changes)
	}
}

// DecodeExperimentPatch reads a JSON patch, rejecting unknown keys.
func DecodeExperimentPatch(r io.Reader) (ExperimentPatch, error) {
	var p ExperimentPatch
	if err := decodeStrict(r, &p); err != nil {
		return ExperimentPatch{}, err
	}
	return p, nil
}

// DecodeVariantPatch reads a JSON variant patch, rejecting unknown keys.
func DecodeVariantPatch(r io.Reader) (VariantPatch, error) {
	var p VariantPatch
	if err := decodeStrict(r, &p); err != nil {
		return VariantPatch{}, err
	}
	return p, nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &vantageerrors.ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("invalid patch: %v", err),
		}
	}
	return nil
}
