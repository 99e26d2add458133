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

package bucket

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/vantage/internal/commands/shared"
)

func execute(t *testing.T, jsonOut bool, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "test"}
	_, jsonPtr, _, _ := shared.RegisterFlagPointers()
	root.PersistentFlags().BoolVar(jsonPtr, "json", false, "JSON output")
	t.Cleanup(func() { *jsonPtr = false })

	root.AddCommand(NewCommand())
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	if jsonOut {
		args = append(args, "--json")
	}
	root.SetArgs(append([]string{"bucket"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestBucket_JSON(t *testing.T) {
	out, err := execute(t, true, "exp_checkout", "user-1", "user-2", "user-3",
		"--traffic", "50", "--variant", "control=50", "--variant", "treatment=50")
	require.NoError(t, err)

	var results []Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 3)

	assert.Equal(t, uint32(1041684528), results[0].Hash)
	assert.Equal(t, uint32(28), results[0].Bucket)
	assert.InDelta(t, 0.4528, results[0].Roll, 1e-9)
	assert.True(t, results[0].InExperiment)
	assert.Equal(t, "control", results[0].VariantID)

	assert.Equal(t, "treatment", results[1].VariantID)

	assert.Equal(t, uint32(66), results[2].Bucket)
	assert.False(t, results[2].InExperiment, "bucket 66 is outside 50% traffic")
}

func TestBucket_Table(t *testing.T) {
	out, err := execute(t, false, "exp_checkout", "user-1", "--variant", "control", "--variant", "treatment")
	require.NoError(t, err)

	assert.Contains(t, out, "Experiment exp_checkout (fnv1a32)")
	assert.Contains(t, out, "SUBJECT")
	assert.Contains(t, out, "user-1")
	assert.Contains(t, out, "control")
}

func TestBucket_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "bad weight", args: []string{"exp", "u", "--variant", "a=heavy"}},
		{name: "negative weight", args: []string{"exp", "u", "--variant", "a=-1"}},
		{name: "duplicate", args: []string{"exp", "u", "--variant", "a", "--variant", "a"}},
		{name: "empty id", args: []string{"exp", "u", "--variant", "=5"}},
		{name: "traffic out of range", args: []string{"exp", "u", "--traffic", "150"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, false, tt.args...)
			require.Error(t, err)
			assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))
		})
	}
}

func TestBucket_RequiresSubject(t *testing.T) {
	_, err := execute(t, false, "exp_only")
	assert.Error(t, err)
}
