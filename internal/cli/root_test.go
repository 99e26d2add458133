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
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/vantage/internal/commands/shared"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "vantage" {
		t.Errorf("expected use 'vantage', got %q", cmd.Use)
	}

	if cmd.Short == "" {
		t.Error("expected short description to be set")
	}

	for _, id := range []string{GroupEngine, GroupExperiments, GroupConfig} {
		if !cmd.ContainsGroup(id) {
			t.Errorf("group %q not registered", id)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"verbose", "json", "config", "log-level"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("%s flag not registered", name)
		}
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	b := shared.Build()
	if b.Version != "1.2.3" {
		t.Errorf("expected version '1.2.3', got %q", b.Version)
	}
	if b.Commit != "abc123" {
		t.Errorf("expected commit 'abc123', got %q", b.Commit)
	}
	if b.BuildDate != "2025-12-22" {
		t.Errorf("expected build date '2025-12-22', got %q", b.BuildDate)
	}
}

func newRootWithChild(t *testing.T) (*cobra.Command, *bool) {
	t.Helper()
	t.Cleanup(func() { shared.SetLogFlagsForTest(false, "") })

	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	ran := new(bool)
	AddGroup(root, GroupEngine, &cobra.Command{
		Use:  "serve",
		RunE: func(*cobra.Command, []string) error { *ran = true; return nil },
	})
	return root, ran
}

func TestAddGroup(t *testing.T) {
	root, _ := newRootWithChild(t)

	child, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if child.GroupID != GroupEngine {
		t.Errorf("expected group %q, got %q", GroupEngine, child.GroupID)
	}

	var help bytes.Buffer
	root.SetOut(&help)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	if !strings.Contains(help.String(), "Engine:") {
		t.Errorf("expected help to list the Engine group, got:\n%s", help.String())
	}
}

func TestLogLevelFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantRun  bool
	}{
		{"valid level", []string{"--log-level", "warn", "serve"}, shared.ExitSuccess, true},
		{"unknown level", []string{"--log-level", "trace", "serve"}, shared.ExitInvalidInput, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, ran := newRootWithChild(t)
			root.SetArgs(tt.args)
			err := root.Execute()
			if code := shared.ExitCode(err); code != tt.wantCode {
				t.Errorf("expected exit code %d, got %d (%v)", tt.wantCode, code, err)
			}
			if *ran != tt.wantRun {
				t.Errorf("expected ran=%v, got %v", tt.wantRun, *ran)
			}
		})
	}
}
