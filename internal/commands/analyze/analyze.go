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

// Package analyze implements the analyze command.
package analyze

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/vantage/internal/commands/completion"
	"github.com/tombee/vantage/internal/commands/shared"
	"github.com/tombee/vantage/internal/experiment"
	"github.com/tombee/vantage/internal/validation"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

// primaryMetric keys the optional per-variant mean.
const primaryMetric = "primary"

// Counts is the input file: observed totals per variant.
type Counts struct {
	ExperimentID    string         `yaml:"experiment"`
	Control         string         `yaml:"control" validate:"required"`
	MinSampleSize   int64          `yaml:"min_sample_size" validate:"gte=0"`
	ConfidenceLevel float64        `yaml:"confidence_level" validate:"gte=0,lt=1"`
	Variants        []VariantCount `yaml:"variants" validate:"required,min=2,dive"`
}

// VariantCount is one variant's exposures and conversions.
type VariantCount struct {
	ID          string   `yaml:"id" validate:"required"`
	Name        string   `yaml:"name"`
	SampleSize  int64    `yaml:"sample_size" validate:"gte=0"`
	Conversions int64    `yaml:"conversions" validate:"gte=0,ltefield=SampleSize"`
	Mean        *float64 `yaml:"mean"`
}

// NewCommand creates the analyze command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <counts.yaml>",
		Short: "Test an experiment's results for significance",
		Long: `Run the experiment significance analysis on a YAML file of observed
counts, without a running engine. The control is compared with the first
other variant using a two-proportion z-test.

Example file:

  experiment: checkout-copy
  control: control
  min_sample_size: 100
  confidence_level: 0.95
  variants:
    - id: control
      sample_size: 1000
      conversions: 100
    - id: treatment
      sample_size: 1000
      conversions: 130`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteYAMLFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := Load(args[0])
			if err != nil {
				return err
			}
			res := experiment.Analyze(counts.Experiment(), time.Now().UTC())

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, res)
			}
			return render(out, shared.Styler{Color: shared.ColorEnabled(out)}, res)
		},
	}
	return cmd
}

// Load reads and validates a counts file.
func Load(path string) (*Counts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shared.NewInputError("failed to read counts file", err)
	}
	var c Counts
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, shared.NewInputError("failed to parse counts file", err)
	}
	if err := c.validate(); err != nil {
		return nil, shared.NewInputError("invalid counts file", err)
	}
	return &c, nil
}

func (c *Counts) validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Variants))
	for _, v := range c.Variants {
		if seen[v.ID] {
			return &vantageerrors.ValidationError{Field: "variants", Message: "duplicate variant " + v.ID}
		}
		seen[v.ID] = true
	}
	if !seen[c.Control] {
		return &vantageerrors.ValidationError{
			Field:      "control",
			Message:    fmt.Sprintf("%q is not one of the variants", c.Control),
			Suggestion: "set control to the id of the baseline variant",
		}
	}
	return nil
}

// Experiment builds the experiment the analysis runs on, applying the
// engine's defaults for unset thresholds.
func (c *Counts) Experiment() *experiment.Experiment {
	exp := &experiment.Experiment{
		ID:               c.ExperimentID,
		Name:             c.ExperimentID,
		ControlVariantID: c.Control,
		MinSampleSize:    c.MinSampleSize,
		ConfidenceLevel:  c.ConfidenceLevel,
		PrimaryMetric:    experiment.Metric{ID: primaryMetric},
	}
	if exp.MinSampleSize == 0 {
		exp.MinSampleSize = experiment.DefaultMinSampleSize
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = experiment.DefaultConfidenceLevel
	}
	for _, v := range c.Variants {
		name := v.Name
		if name == "" {
			name = v.ID
		}
		ev := experiment.Variant{
			ID:           v.ID,
			Name:         name,
			SampleSize:   v.SampleSize,
			Conversions:  v.Conversions,
			MetricValues: map[string]float64{},
			MetricCounts: map[string]int64{},
		}
		if v.Mean != nil {
			ev.MetricValues[primaryMetric] = *v.Mean
			ev.MetricCounts[primaryMetric] = v.SampleSize
		}
		exp.Variants = append(exp.Variants, ev)
	}
	return exp
}

func render(w io.Writer, s shared.Styler, res experiment.Result) error {
	title := "Experiment analysis"
	if res.ExperimentID != "" {
		title += ": " + res.ExperimentID
	}
	fmt.Fprintln(w, s.Header(title))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIANT\tSAMPLES\tCONVERSIONS\tRATE\t95% CI\tMEAN")
	for _, v := range res.VariantResults {
		mean := "-"
		if v.MeanValue != nil {
			mean = fmt.Sprintf("%.4g", *v.MeanValue)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f%%\t[%.2f%%, %.2f%%]\t%s\n",
			v.VariantName, v.SampleSize, v.Conversions, v.ConversionRate*100,
			v.ConfidenceInterval.Lower*100, v.ConfidenceInterval.Upper*100, mean)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	if res.ZScore != nil && res.PValue != nil {
		fmt.Fprintf(w, "%s %.4f   %s %.4f\n", s.Label("z-score:"), *res.ZScore, s.Label("p-value:"), *res.PValue)
	}
	switch {
	case !res.SufficientSample:
		fmt.Fprintln(w, s.Warn(res.Recommendation))
	case res.IsSignificant:
		fmt.Fprintln(w, s.OK(res.Recommendation))
	default:
		fmt.Fprintln(w, s.Warn(res.Recommendation))
	}
	return nil
}
