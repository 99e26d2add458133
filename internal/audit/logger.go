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

// Package audit records control-plane changes made through the HTTP API:
// budgets, alert rules and experiment configuration. Data-plane calls such
// as trace recording and exposures are not audited.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Action represents an action taken on a resource
type Action string

const (
	ActionBudgetUpdate     Action = "budgets:update"
	ActionBudgetDelete     Action = "budgets:delete"
	ActionRuleUpdate       Action = "alert_rules:update"
	ActionRuleDelete       Action = "alert_rules:delete"
	ActionRuleSilence      Action = "alert_rules:silence"
	ActionRuleResolve      Action = "alert_rules:resolve"
	ActionExperimentCreate Action = "experiments:create"
	ActionExperimentUpdate Action = "experiments:update"
	ActionExperimentDelete Action = "experiments:delete"
	ActionVariantCreate    Action = "variants:create"
	ActionVariantUpdate    Action = "variants:update"
	ActionVariantDelete    Action = "variants:delete"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess  Result = "success"
	ResultRejected Result = "rejected"
	ResultNotFound Result = "not_found"
	ResultConflict Result = "conflict"
	ResultError    Result = "error"
)

// Destinations accepted by NewLoggerFromDestination.
const (
	DestinationNone   = "none"
	DestinationStdout = "stdout"
	DestinationFile   = "file"
)

// Entry represents a single audit log entry
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Method    string    `json:"method"`
	Resource  string    `json:"resource"`
	Status    int       `json:"status"`
	Result    Result    `json:"result"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Logger writes audit log entries as JSON lines to an append-only log.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewLogger creates a new audit logger
func NewLogger(writer io.Writer) *Logger {
	return &Logger{writer: writer, now: time.Now}
}

// NewFileLogger creates an audit logger that appends to a file
func NewFileLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	l := NewLogger(f)
	l.closer = f
	return l, nil
}

// NewLoggerFromDestination creates an audit logger based on destination
// type. DestinationNone and the empty string return a nil logger.
func NewLoggerFromDestination(destination, filePath string) (*Logger, error) {
	switch destination {
	case "", DestinationNone:
		return nil, nil
	case DestinationFile:
		if filePath == "" {
			return nil, fmt.Errorf("file_path is required when destination is 'file'")
		}
		return NewFileLogger(filePath)
	case DestinationStdout:
		return NewLogger(os.Stdout), nil
	default:
		return nil, fmt.Errorf("invalid audit destination: %q (must be none, stdout or file)", destination)
	}
}

// Log writes an audit entry
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
