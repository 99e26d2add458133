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

package completion

import (
	"io"

	"github.com/spf13/cobra"
)

// generators write a completion script for one shell; desc controls
// whether candidates carry descriptions.
var generators = map[string]func(root *cobra.Command, w io.Writer, desc bool) error{
	"bash": func(root *cobra.Command, w io.Writer, desc bool) error {
		return root.GenBashCompletionV2(w, desc)
	},
	"zsh": func(root *cobra.Command, w io.Writer, desc bool) error {
		if desc {
			return root.GenZshCompletion(w)
		}
		return root.GenZshCompletionNoDesc(w)
	},
	"fish": func(root *cobra.Command, w io.Writer, desc bool) error {
		return root.GenFishCompletion(w, desc)
	},
	"powershell": func(root *cobra.Command, w io.Writer, desc bool) error {
		if desc {
			return root.GenPowerShellCompletionWithDesc(w)
		}
		return root.GenPowerShellCompletion(w)
	},
}

// NewCommand creates the completion command.
func NewCommand() *cobra.Command {
	var noDesc bool

	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate a completion script for vantage.

Besides commands and flags, the scripts complete experiment ids for
'vantage bucket' (read from the local snapshot database when one exists),
YAML files for 'vantage analyze' and --config, and --log-level values.

Bash:
  $ source <(vantage completion bash)
  $ vantage completion bash > ~/.local/share/bash-completion/completions/vantage

Zsh:
  $ vantage completion zsh > "${fpath[1]}/_vantage"

Fish:
  $ vantage completion fish > ~/.config/fish/completions/vantage.fish

PowerShell:
  PS> vantage completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return generators[args[0]](cmd.Root(), cmd.OutOrStdout(), !noDesc)
		},
	}

	cmd.Flags().BoolVar(&noDesc, "no-descriptions", false, "Omit completion descriptions")
	return cmd
}
