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

// Package config implements the config command.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/vantage/internal/commands/shared"
	"github.com/tombee/vantage/internal/config"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
		Long: `View and check vantage configuration.

Subcommands:
  show     - Display the effective configuration
  path     - Show config file location
  validate - Check the configuration for errors`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	cmd.AddCommand(NewValidateCommand())

	// If no subcommand provided, default to 'show'
	cmd.RunE = runConfigShow

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the configuration the server would run with: defaults, then
the config file, then environment overrides.

Use --json for machine-readable output.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		Long: `Display the configuration file in use. When no file is found the
default location is printed with a note that defaults apply.`,
		Args: cobra.NoArgs,
		RunE: runConfigPath,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// PathInfo is the JSON form of config path.
type PathInfo struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path, err := shared.ResolveConfigPath()
	if err != nil {
		return shared.NewConfigError("failed to locate config file", err)
	}
	info := PathInfo{Path: path, Exists: path != ""}
	if path == "" {
		if info.Path, err = config.ConfigPath(); err != nil {
			return shared.NewConfigError("failed to locate config file", err)
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, info)
	}
	if info.Exists {
		fmt.Fprintln(out, info.Path)
	} else {
		fmt.Fprintf(out, "%s (not found, using defaults)\n", info.Path)
	}
	return nil
}
