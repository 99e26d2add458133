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

package main

import (
	"github.com/tombee/vantage/internal/cli"
	"github.com/tombee/vantage/internal/commands/analyze"
	"github.com/tombee/vantage/internal/commands/bucket"
	"github.com/tombee/vantage/internal/commands/completion"
	"github.com/tombee/vantage/internal/commands/config"
	"github.com/tombee/vantage/internal/commands/serve"
	versioncmd "github.com/tombee/vantage/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	cli.AddGroup(rootCmd, cli.GroupEngine, serve.NewCommand())
	cli.AddGroup(rootCmd, cli.GroupExperiments, bucket.NewCommand(), analyze.NewCommand())
	cli.AddGroup(rootCmd, cli.GroupConfig, config.NewConfigCommand(), completion.NewCommand())
	_ = rootCmd.RegisterFlagCompletionFunc("config", completion.CompleteYAMLFiles)

	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
