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

// Package redact scrubs secrets and personal data from execution error
// text before it is retained, exported as spans or sent to webhooks.
package redact

import (
	"fmt"
	"regexp"
)

// Mode determines how much of a value is redacted.
type Mode string

const (
	// ModeNone disables redaction (not recommended for production).
	ModeNone Mode = "none"

	// ModeStandard applies pattern-based redaction for common secrets.
	ModeStandard Mode = "standard"

	// ModeStrict replaces every non-empty value.
	ModeStrict Mode = "strict"
)

// Placeholder replaces values in strict mode.
const Placeholder = "[REDACTED]"

// ParseMode validates a mode name. The empty string selects ModeStandard.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeStandard, nil
	case ModeNone, ModeStandard, ModeStrict:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown redaction mode %q (want none, standard or strict)", s)
}

// Pattern defines a redaction pattern with a name and regular expression.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// StandardPatterns returns the default set of redaction patterns.
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
			Replacement: "$1[REDACTED]",
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)["\s:=]+([^\s"]+)`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "aws_key",
			Regex:       regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED-AWS-KEY]",
		},
		{
			Name:        "private_key",
			Regex:       regexp.MustCompile(`(?s)(-----BEGIN (RSA |EC |DSA )?PRIVATE KEY-----).*?(-----END (RSA |EC |DSA )?PRIVATE KEY-----)`),
			Replacement: "$1[REDACTED]$3",
		},
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[REDACTED-EMAIL]",
		},
		{
			Name:        "credit_card",
			Regex:       regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			Replacement: "[REDACTED-CC]",
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED-JWT]",
		},
		{
			Name:        "generic_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|token)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
	}
}

// Redactor applies redaction rules to free text. A nil *Redactor leaves
// values untouched.
type Redactor struct {
	mode     Mode
	patterns []Pattern
}

// New creates a redactor using StandardPatterns.
func New(mode Mode) *Redactor {
	return NewWithPatterns(mode, StandardPatterns())
}

// NewWithPatterns creates a redactor with custom patterns.
func NewWithPatterns(mode Mode, patterns []Pattern) *Redactor {
	return &Redactor{mode: mode, patterns: patterns}
}

// Mode returns the configured mode.
func (r *Redactor) Mode() Mode {
	if r == nil {
		return ModeNone
	}
	return r.mode
}

// String applies the redaction rules to s.
func (r *Redactor) String(s string) string {
	if r == nil || s == "" {
		return s
	}
	switch r.mode {
	case ModeNone:
		return s
	case ModeStrict:
		return Placeholder
	}
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}
