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

package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/vantage/internal/commands/shared"
	"github.com/tombee/vantage/internal/experiment"
)

// VersionInfo contains version metadata
type VersionInfo struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildDate   string `json:"build_date"`
	HashVersion string `json:"hash_version"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display version, commit hash and build date for vantage, along with
the assignment hash version that bucketing depends on.`,
		RunE: runVersion,
	}

	return cmd
}

func runVersion(cmd *cobra.Command, args []string) error {
	b := shared.Build()

	info := VersionInfo{
		Version:     b.Version,
		Commit:      b.Commit,
		BuildDate:   b.BuildDate,
		HashVersion: experiment.HashVersion,
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), info); err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		return nil
	}

	cmd.Printf("vantage version %s\n", info.Version)
	cmd.Printf("  commit:       %s\n", info.Commit)
	cmd.Printf("  build date:   %s\n", info.BuildDate)
	cmd.Printf("  hash version: %s\n", info.HashVersion)

	return nil
}
