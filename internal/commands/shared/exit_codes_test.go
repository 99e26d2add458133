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
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitSuccess},
		{name: "plain error", err: errors.New("boom"), want: ExitFailure},
		{name: "config error", err: NewConfigError("bad config", errors.New("missing")), want: ExitInvalidConfig},
		{name: "wrapped input error", err: fmt.Errorf("bucket: %w", NewInputError("bad subject", nil)), want: ExitInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Message(t *testing.T) {
	err := NewConfigError("failed to load config", errors.New("no such file"))
	if got := err.Error(); got != "failed to load config: no such file" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(err, err.Cause) {
		t.Error("expected cause to be unwrappable")
	}

	bare := NewInputError("subject is required", nil)
	if got := bare.Error(); got != "subject is required" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestStyler_PlainWithoutColor(t *testing.T) {
	s := Styler{}
	if got := s.OK("done"); got != SymbolOK+" done" {
		t.Errorf("unexpected plain output %q", got)
	}
	if got := s.Header("Results"); got != "Results" {
		t.Errorf("unexpected plain header %q", got)
	}
}
