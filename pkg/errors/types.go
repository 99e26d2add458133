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

// Package errors defines the error taxonomy shared by the analytics engine.
//
// Not-found conditions on hot paths are reported through ok booleans and
// never through these types; the types here are for API boundaries,
// configuration loading and state-machine rejections.
package errors

import (
	"fmt"
)

// ValidationError represents invalid caller input.
// Use this for malformed budgets, rules, experiments or patches.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a reference to an id that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "trace", "experiment", "rule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// InvalidTransitionError is returned when a state machine rejects an action.
// The entity is left unchanged.
type InvalidTransitionError struct {
	// Resource is the kind of entity (e.g., "experiment")
	Resource string

	// ID identifies the entity
	ID string

	// From is the state the entity was in
	From string

	// Action is the rejected action (e.g., "pause")
	Action string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid_transition: cannot %s %s %s in state %s", e.Action, e.Resource, e.ID, e.From)
}

// ErrorType implements ErrorClassifier.
func (e *InvalidTransitionError) ErrorType() string { return "invalid_transition" }

// IsRetryable implements ErrorClassifier.
func (e *InvalidTransitionError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "alerts.webhook.workers")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// DeliveryError records a failed outbound webhook delivery.
// It is never returned to the caller that triggered the alert; it is
// logged and kept in the dead-letter log.
type DeliveryError struct {
	// URL is the webhook target
	URL string

	// StatusCode is the HTTP status returned, 0 when no response arrived
	StatusCode int

	// Cause is the underlying transport error
	Cause error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("webhook delivery to %s failed [HTTP %d]", e.URL, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("webhook delivery to %s failed: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("webhook delivery to %s failed", e.URL)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *DeliveryError) ErrorType() string { return "delivery" }

// IsRetryable implements ErrorClassifier. Deliveries are never retried by
// the engine, but server-side failures are reported as retryable so that
// consumers polling the dead-letter log can decide.
func (e *DeliveryError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// ErrorClassifier defines methods for programmatic error handling.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	ErrorType() string

	// IsRetryable returns true if the operation may succeed when retried.
	IsRetryable() bool
}
