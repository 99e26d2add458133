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
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/vantage/internal/config"
	"github.com/tombee/vantage/internal/experiment"
	"github.com/tombee/vantage/internal/storage"
)

const lookupTimeout = 2 * time.Second

// CompleteYAMLFiles restricts file completion to YAML files.
func CompleteYAMLFiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
}

// CompleteExperimentIDs completes the first argument with the ids of
// persisted experiments. Nothing is offered when no database exists.
func CompleteExperimentIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		cfg, err := LoadConfigForCompletion()
		if err != nil || cfg == nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		exps, err := loadExperiments(cfg)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return experimentCompletions(exps, toComplete), cobra.ShellCompDirectiveNoFileComp
	})
}

func loadExperiments(cfg *config.Config) ([]experiment.Experiment, error) {
	storeCfg := cfg.Storage
	if storeCfg.Path == "" {
		path, err := config.DatabasePath()
		if err != nil {
			return nil, err
		}
		storeCfg.Path = path
	}
	// Opening would create an empty database.
	if storeCfg.Path != storage.MemoryPath {
		if _, err := os.Stat(storeCfg.Path); err != nil {
			return nil, err
		}
	}
	store, err := storage.New(storeCfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	return store.LoadExperiments(ctx)
}

func experimentCompletions(exps []experiment.Experiment, prefix string) []string {
	var out []string
	for _, exp := range exps {
		if !strings.HasPrefix(exp.ID, prefix) {
			continue
		}
		if exp.Name != "" {
			out = append(out, exp.ID+"\t"+exp.Name+" ("+string(exp.Status)+")")
		} else {
			out = append(out, exp.ID)
		}
	}
	return out
}
