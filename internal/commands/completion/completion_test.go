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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/vantage/internal/commands/shared"
	"github.com/tombee/vantage/internal/experiment"
	"github.com/tombee/vantage/internal/storage"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("VANTAGE_CONFIG", "")
	t.Setenv("VANTAGE_STORAGE_PATH", "")
	shared.SetConfigPathForTest("")
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
	return dir
}

func TestCompletionCommand(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			root := &cobra.Command{Use: "vantage"}
			root.AddCommand(NewCommand())
			var buf bytes.Buffer
			root.SetOut(&buf)
			root.SetArgs([]string{"completion", shell})
			if err := root.Execute(); err != nil {
				t.Fatalf("completion %s failed: %v", shell, err)
			}
			if !strings.Contains(buf.String(), "vantage") {
				t.Errorf("expected %s script to mention vantage", shell)
			}
		})
	}
}

func TestCompletionCommand_NoDescriptions(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			root := &cobra.Command{Use: "vantage"}
			root.AddCommand(NewCommand())
			var buf bytes.Buffer
			root.SetOut(&buf)
			root.SetArgs([]string{"completion", shell, "--no-descriptions"})
			if err := root.Execute(); err != nil {
				t.Fatalf("completion %s failed: %v", shell, err)
			}
			if !strings.Contains(buf.String(), cobra.ShellCompNoDescRequestCmd) {
				t.Errorf("expected %s script to request completions without descriptions", shell)
			}
		})
	}
}

func TestCompletionCommand_RejectsUnknownShell(t *testing.T) {
	root := &cobra.Command{Use: "vantage"}
	root.AddCommand(NewCommand())
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"completion", "tcsh"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for unsupported shell")
	}
}

func TestCompleteYAMLFiles(t *testing.T) {
	exts, directive := CompleteYAMLFiles(nil, nil, "")
	if directive != cobra.ShellCompDirectiveFilterFileExt {
		t.Errorf("expected ShellCompDirectiveFilterFileExt, got %v", directive)
	}
	if len(exts) != 2 || exts[0] != "yaml" || exts[1] != "yml" {
		t.Errorf("unexpected extensions %v", exts)
	}
}

func TestCompleteExperimentIDs(t *testing.T) {
	dir := isolate(t)
	dbPath := filepath.Join(dir, "state.db")

	store, err := storage.New(storage.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	for _, exp := range []experiment.Experiment{
		{ID: "exp_checkout", Name: "Checkout copy", Status: experiment.StatusRunning},
		{ID: "exp_search", Name: "Search ranking", Status: experiment.StatusDraft},
	} {
		if err := store.SaveExperiment(ctx, exp); err != nil {
			t.Fatalf("save experiment: %v", err)
		}
	}
	store.Close()

	t.Setenv("VANTAGE_STORAGE_PATH", dbPath)

	got, directive := CompleteExperimentIDs(nil, nil, "exp_ch")
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected ShellCompDirectiveNoFileComp, got %v", directive)
	}
	if len(got) != 1 || got[0] != "exp_checkout\tCheckout copy (running)" {
		t.Errorf("unexpected completions %v", got)
	}

	got, _ = CompleteExperimentIDs(nil, []string{"exp_checkout"}, "")
	if len(got) != 0 {
		t.Errorf("expected no completions after the first argument, got %v", got)
	}
}

func TestCompleteExperimentIDs_NoDatabase(t *testing.T) {
	dir := isolate(t)

	got, _ := CompleteExperimentIDs(nil, nil, "")
	if len(got) != 0 {
		t.Errorf("expected no completions, got %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "vantage", "vantage.db")); !os.IsNotExist(err) {
		t.Error("completion must not create the database")
	}
}

func TestCheckFilePermissions(t *testing.T) {
	dir := t.TempDir()
	private := filepath.Join(dir, "private.yaml")
	open := filepath.Join(dir, "open.yaml")
	if err := os.WriteFile(private, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(open, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(open, 0o644); err != nil {
		t.Fatal(err)
	}

	if !CheckFilePermissions(private) {
		t.Error("0600 file should be accepted")
	}
	if CheckFilePermissions(open) {
		t.Error("0644 file should be rejected")
	}
	if !CheckFilePermissions(filepath.Join(dir, "missing.yaml")) {
		t.Error("missing file should be accepted")
	}
}

func TestLoadConfigForCompletion_SkipsOpenFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "vantage.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: 127.0.0.1:9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	shared.SetConfigPathForTest(path)

	cfg, err := LoadConfigForCompletion()
	if err != nil || cfg != nil {
		t.Errorf("expected nil config and nil error, got %v, %v", cfg, err)
	}
}

func TestSafeCompletionWrapper(t *testing.T) {
	results, directive := SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		panic("boom")
	})
	if len(results) != 0 || directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected empty recovery result, got %v %v", results, directive)
	}

	results, _ = SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return nil, cobra.ShellCompDirectiveDefault
	})
	if results == nil {
		t.Error("nil results should become an empty slice")
	}
}
