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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/vantage/internal/commands/shared"
)

// Help groups for subcommands.
const (
	GroupEngine      = "engine"
	GroupExperiments = "experiments"
	GroupConfig      = "config"
)

// SetVersion records the ldflags build information.
func SetVersion(v, c, b string) {
	shared.SetBuild(shared.BuildInfo{Version: v, Commit: c, BuildDate: b})
}

// NewRootCommand creates the root command with its persistent flags and
// help groups. Attach subcommands with AddGroup.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vantage",
		Short: "Vantage - experimentation and observability for AI executions",
		Long: `Vantage records the executions of skills, workflows and steps, checks
them against latency and error budgets, raises alerts and runs A/B
experiments with deterministic assignment and significance analysis.

Run 'vantage serve' to start the engine with its HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true, // HandleExitError prints and picks the exit code
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return shared.ValidateLogLevel()
		},
	}

	cmd.AddGroup(
		&cobra.Group{ID: GroupEngine, Title: "Engine:"},
		&cobra.Group{ID: GroupExperiments, Title: "Offline experiment tools:"},
		&cobra.Group{ID: GroupConfig, Title: "Configuration:"},
	)

	verbose, json, config, logLevel := shared.RegisterFlagPointers()
	flags := cmd.PersistentFlags()
	flags.BoolVarP(verbose, "verbose", "v", false, "Log at debug level (overrides --log-level)")
	flags.BoolVar(json, "json", false, "Output in JSON format")
	flags.StringVar(config, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/vantage/config.yaml)")
	flags.StringVar(logLevel, "log-level", "", "Log level for serve: debug, info, warn, error (default: from config)")
	_ = cmd.RegisterFlagCompletionFunc("log-level", cobra.FixedCompletions(shared.LogLevels, cobra.ShellCompDirectiveNoFileComp))

	return cmd
}

// AddGroup attaches commands to root under a help group.
func AddGroup(root *cobra.Command, groupID string, cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.GroupID = groupID
		root.AddCommand(c)
	}
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
