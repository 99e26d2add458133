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

package config

import (
	"os"
	"testing"
	"time"
)

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	path := writeConfig(t, "traces:\n  completed_capacity: 10\n")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:          path,
		OnChange:      func(c *Config) { changes <- c },
		DebounceDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("traces:\n  completed_capacity: 20\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		if cfg.Traces.CompletedCapacity != 20 {
			t.Errorf("expected reloaded capacity 20, got %d", cfg.Traces.CompletedCapacity)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	// An invalid file is rejected and the handler is not called.
	if err := os.WriteFile(path, []byte("traces:\n  completed_capacity: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		t.Fatalf("unexpected reload with invalid config: %+v", cfg.Traces)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcher_RequiresPathAndHandler(t *testing.T) {
	if _, err := NewWatcher(WatcherConfig{OnChange: func(*Config) {}}); err == nil {
		t.Error("expected error without path")
	}
	if _, err := NewWatcher(WatcherConfig{Path: "config.yaml"}); err == nil {
		t.Error("expected error without handler")
	}
}
