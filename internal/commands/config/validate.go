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

package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/vantage/internal/commands/shared"
	"github.com/tombee/vantage/internal/config"
	"github.com/tombee/vantage/internal/storage"
)

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	Path     string   `json:"path,omitempty"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the configuration file and environment overrides.

Checks performed:
  - YAML syntax, with unknown keys rejected
  - Server, trace, alert, storage and telemetry settings
  - Seeded latency budgets, error budgets and alert rules
  - Duplicate budget and rule ids

With --strict, warnings are treated as errors.`,
		Example: `  # Validate configuration
  vantage config validate

  # Validate with warnings as errors
  vantage config validate --strict

  # Get validation result as JSON
  vantage config validate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := shared.ResolveConfigPath()
			if err != nil {
				return shared.NewConfigError("failed to locate config file", err)
			}
			result := validate(path)
			return outputValidationResult(cmd.OutOrStdout(), result, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")

	return cmd
}

func validate(path string) ValidationResult {
	result := ValidationResult{Path: path}

	cfg, err := config.Parse(path)
	if err != nil {
		msg := err.Error()
		if cause := errors.Unwrap(err); cause != nil {
			msg += ": " + cause.Error()
		}
		result.Errors = []string{msg}
		return result
	}

	result.Errors = cfg.Problems()
	result.Warnings = warnings(cfg, path)
	result.Valid = len(result.Errors) == 0
	return result
}

// warnings flags settings that load fine but are likely unintended.
func warnings(cfg *config.Config, path string) []string {
	var out []string
	if path == "" {
		out = append(out, "No config file found; defaults and environment overrides apply.")
	}
	if cfg.Storage.Path == "" {
		out = append(out, "storage.path is empty; experiments and alert events are not persisted.")
	}
	if cfg.Storage.EnableEncryption && os.Getenv(storage.KeyEnv) == "" {
		out = append(out, fmt.Sprintf("storage.enable_encryption is set but %s is empty.", storage.KeyEnv))
	}
	if cfg.Traces.SweepInterval == 0 {
		out = append(out, "traces.sweep_interval is 0; running traces never time out.")
	}
	for _, r := range cfg.AlertRules {
		if !r.Enabled {
			out = append(out, fmt.Sprintf("Alert rule %q is disabled.", r.ID))
		}
	}
	return out
}

// outputValidationResult prints the result and returns an error when the
// configuration does not pass.
func outputValidationResult(w io.Writer, result ValidationResult, strict bool) error {
	if shared.GetJSON() {
		if err := shared.EmitJSON(w, result); err != nil {
			return err
		}
	} else {
		s := shared.Styler{Color: shared.ColorEnabled(w)}
		if result.Valid {
			fmt.Fprintln(w, s.OK("Configuration is valid"))
		} else {
			fmt.Fprintln(w, s.Error("Configuration validation failed"))
		}
		fmt.Fprintln(w)

		if len(result.Errors) > 0 {
			fmt.Fprintln(w, s.Header("Errors:"))
			for _, e := range result.Errors {
				fmt.Fprintf(w, "  - %s\n", e)
			}
			fmt.Fprintln(w)
		}

		if len(result.Warnings) > 0 {
			fmt.Fprintln(w, s.Header("Warnings:"))
			for _, warn := range result.Warnings {
				fmt.Fprintf(w, "  - %s\n", warn)
			}
			fmt.Fprintln(w)
		}

		if result.Valid && len(result.Warnings) == 0 {
			fmt.Fprintln(w, "No issues found.")
		}
	}

	if !result.Valid {
		return shared.NewConfigError("configuration is invalid", nil)
	}
	if strict && len(result.Warnings) > 0 {
		return shared.NewConfigError("validation failed (strict mode: warnings treated as errors)", nil)
	}
	return nil
}
