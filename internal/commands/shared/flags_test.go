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

package shared

import (
	"testing"
)

func TestLogLevel(t *testing.T) {
	defer SetLogFlagsForTest(false, "")

	tests := []struct {
		name       string
		verbose    bool
		flag       string
		configured string
		want       string
	}{
		{"configured", false, "", "warn", "warn"},
		{"flag overrides config", false, "ERROR", "warn", "error"},
		{"verbose wins", true, "error", "warn", "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogFlagsForTest(tt.verbose, tt.flag)
			if got := LogLevel(tt.configured); got != tt.want {
				t.Errorf("LogLevel(%q) = %q, want %q", tt.configured, got, tt.want)
			}
		})
	}
}

func TestValidateLogLevel(t *testing.T) {
	defer SetLogFlagsForTest(false, "")

	for _, level := range []string{"", "debug", "Info", "warn", "error"} {
		SetLogFlagsForTest(false, level)
		if err := ValidateLogLevel(); err != nil {
			t.Errorf("level %q rejected: %v", level, err)
		}
	}

	SetLogFlagsForTest(false, "trace")
	err := ValidateLogLevel()
	if err == nil {
		t.Fatal("expected error for level trace")
	}
	if code := ExitCode(err); code != ExitInvalidInput {
		t.Errorf("expected exit code %d, got %d", ExitInvalidInput, code)
	}
}
