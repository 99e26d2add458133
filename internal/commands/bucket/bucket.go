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

// Package bucket implements the bucket command.
package bucket

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/vantage/internal/commands/completion"
	"github.com/tombee/vantage/internal/commands/shared"
	"github.com/tombee/vantage/internal/experiment"
)

// Result is the placement of one subject.
type Result struct {
	SubjectID string `json:"subjectId"`
	experiment.Bucketing
}

// NewCommand creates the bucket command.
func NewCommand() *cobra.Command {
	var (
		traffic  float64
		variants []string
	)

	cmd := &cobra.Command{
		Use:   "bucket <experiment-id> <subject-id>...",
		Short: "Compute subject placement without a running engine",
		Long: `Compute the hash, bucket and variant a subject receives in an
experiment. The computation is the same one the engine performs, so the
output can be used to check or reproduce assignments offline.

Variants are given as id=weight in declaration order; a bare id has
weight 1.`,
		Example: `  vantage bucket exp_checkout user-1 user-2 --variant control=50 --variant treatment=50
  vantage bucket exp_checkout user-1 --traffic 20 --variant control --variant treatment --json`,
		Args:              cobra.MinimumNArgs(2),
		ValidArgsFunction: completion.CompleteExperimentIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, err := parseVariants(variants)
			if err != nil {
				return err
			}
			if traffic < 0 || traffic > 100 {
				return shared.NewInputError(fmt.Sprintf("--traffic must be between 0 and 100, got %v", traffic), nil)
			}
			results := Place(args[0], args[1:], traffic, vs)

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, results)
			}
			return render(out, shared.Styler{Color: shared.ColorEnabled(out)}, args[0], results)
		},
	}

	cmd.Flags().Float64Var(&traffic, "traffic", 100, "Traffic percentage in the experiment")
	cmd.Flags().StringArrayVar(&variants, "variant", nil, "Variant as id=weight (repeatable)")

	return cmd
}

// Place computes the placement of every subject.
func Place(experimentID string, subjects []string, traffic float64, variants []experiment.Variant) []Result {
	out := make([]Result, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, Result{
			SubjectID: s,
			Bucketing: experiment.Place(experimentID, s, traffic, variants),
		})
	}
	return out
}

func parseVariants(specs []string) ([]experiment.Variant, error) {
	out := make([]experiment.Variant, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		id, weight, hasWeight := strings.Cut(spec, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, shared.NewInputError(fmt.Sprintf("invalid --variant %q: id is required", spec), nil)
		}
		if seen[id] {
			return nil, shared.NewInputError(fmt.Sprintf("duplicate variant %q", id), nil)
		}
		seen[id] = true

		w := 1.0
		if hasWeight {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
			if err != nil || parsed < 0 {
				return nil, shared.NewInputError(fmt.Sprintf("invalid --variant %q: weight must be a non-negative number", spec), err)
			}
			w = parsed
		}
		out = append(out, experiment.Variant{ID: id, Name: id, TrafficWeight: w})
	}
	return out, nil
}

func render(w io.Writer, s shared.Styler, experimentID string, results []Result) error {
	fmt.Fprintln(w, s.Header("Experiment "+experimentID)+" "+s.Label("("+experiment.HashVersion+")"))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT\tHASH\tBUCKET\tROLL\tVARIANT")
	for _, r := range results {
		variant := r.VariantID
		if !r.InExperiment {
			variant = "(excluded)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%s\n", r.SubjectID, r.Hash, r.Bucket, r.Roll, variant)
	}
	return tw.Flush()
}
