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
	"fmt"
	"math"
	"time"

	"github.com/tombee/vantage/internal/stats"
)

// VariantResult is the analysis of one variant.
type VariantResult struct {
	VariantID          string         `json:"variantId"`
	VariantName        string         `json:"variantName"`
	SampleSize         int64          `json:"sampleSize"`
	Conversions        int64          `json:"conversions"`
	ConversionRate     float64        `json:"conversionRate"`
	MeanValue          *float64       `json:"meanValue,omitempty"`
	StandardError      float64        `json:"standardError"`
	ConfidenceInterval stats.Interval `json:"confidenceInterval"`
}

// Result is the outcome of analyzing an experiment.
type Result struct {
	ExperimentID       string          `json:"experimentId"`
	CalculatedAt       time.Time       `json:"calculatedAt"`
	VariantResults     []VariantResult `json:"variantResults"`
	ZScore             *float64        `json:"zScore,omitempty"`
	PValue             *float64        `json:"pValue,omitempty"`
	SufficientSample   bool            `json:"sufficientSample"`
	IsSignificant      bool            `json:"isSignificant"`
	RecommendedVariant string          `json:"recommendedVariant,omitempty"`
	Recommendation     string          `json:"recommendation"`
}

// Analyze computes per-variant conversion statistics and compares the
// control against the first non-control variant with a pooled
// two-proportion z-test. When any variant has fewer exposures than the
// experiment's minimum sample size, no significance conclusion is drawn.
func Analyze(exp *Experiment, now time.Time) Result {
	res := Result{
		ExperimentID:     exp.ID,
		CalculatedAt:     now,
		VariantResults:   make([]VariantResult, 0, len(exp.Variants)),
		SufficientSample: len(exp.Variants) > 0,
	}

	for _, v := range exp.Variants {
		p := stats.Rate(v.Conversions, v.SampleSize)
		var se float64
		if v.SampleSize > 0 {
			se = math.Sqrt(p * (1 - p) / float64(v.SampleSize))
		}
		vr := VariantResult{
			VariantID:          v.ID,
			VariantName:        v.Name,
			SampleSize:         v.SampleSize,
			Conversions:        v.Conversions,
			ConversionRate:     p,
			StandardError:      se,
			ConfidenceInterval: stats.ProportionCI(v.Conversions, v.SampleSize),
		}
		if v.MetricCounts[exp.PrimaryMetric.ID] > 0 {
			mean := v.MetricValues[exp.PrimaryMetric.ID]
			vr.MeanValue = &mean
		}
		res.VariantResults = append(res.VariantResults, vr)

		if v.SampleSize < exp.MinSampleSize {
			res.SufficientSample = false
		}
	}

	control, treatment := pickArms(exp)
	var significant bool
	var recommended string
	if control != nil && treatment != nil {
		zt, ok := stats.TwoProportionZTest(control.Conversions, control.SampleSize, treatment.Conversions, treatment.SampleSize)
		if ok {
			z, pv := zt.ZScore, zt.PValue
			res.ZScore = &z
			res.PValue = &pv
			significant = pv < 1-exp.ConfidenceLevel
			if significant {
				recommended = control.ID
				if stats.Rate(treatment.Conversions, treatment.SampleSize) > stats.Rate(control.Conversions, control.SampleSize) {
					recommended = treatment.ID
				}
			}
		}
	}

	switch {
	case !res.SufficientSample:
		res.Recommendation = fmt.Sprintf("Insufficient sample size. Need at least %d samples per variant.", exp.MinSampleSize)
	case !significant:
		res.Recommendation = "Results are not statistically significant. Consider running longer."
	case recommended == exp.ControlVariantID:
		res.IsSignificant = true
		res.RecommendedVariant = recommended
		res.Recommendation = "Control variant is winning. Consider keeping the original."
	default:
		res.IsSignificant = true
		res.RecommendedVariant = recommended
		name := recommended
		if v, ok := exp.Variant(recommended); ok {
			name = v.Name
		}
		res.Recommendation = fmt.Sprintf("Variant %q is winning with %.1f%% confidence.", name, (1-*res.PValue)*100)
	}
	return res
}

// pickArms returns the control and the first non-control variant.
func pickArms(exp *Experiment) (control, treatment *Variant) {
	for i := range exp.Variants {
		v := &exp.Variants[i]
		if v.ID == exp.ControlVariantID {
			if control == nil {
				control = v
			}
		} else if treatment == nil {
			treatment = v
		}
	}
	return control, treatment
}

// Analyze returns the current analysis of an experiment.
func (m *Manager) Analyze(experimentID string) (Result, bool) {
	e, ok := m.lock(experimentID)
	if !ok {
		return Result{}, false
	}
	defer e.mu.Unlock()
	return Analyze(e.exp, m.now()), true
}
