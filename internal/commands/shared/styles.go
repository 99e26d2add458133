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
	"github.com/charmbracelet/lipgloss"
)

// CLI style colors using lipgloss
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles warning indicators
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// Muted styles secondary/less important text
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Header styles section headers
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")) // blue bold
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

// Styler renders styles only when color is enabled, so piped output
// stays plain.
type Styler struct {
	Color bool
}

func (s Styler) render(style lipgloss.Style, text string) string {
	if !s.Color {
		return text
	}
	return style.Render(text)
}

// OK renders a success message with a green checkmark.
func (s Styler) OK(msg string) string {
	return s.render(StatusOK, SymbolOK) + " " + msg
}

// Warn renders a warning message with an orange symbol.
func (s Styler) Warn(msg string) string {
	return s.render(StatusWarn, SymbolWarn) + " " + msg
}

// Error renders an error message with a red X.
func (s Styler) Error(msg string) string {
	return s.render(StatusError, SymbolError) + " " + msg
}

// Header renders a section header.
func (s Styler) Header(text string) string {
	return s.render(Header, text)
}

// Label renders a dim label for key: value pairs.
func (s Styler) Label(text string) string {
	return s.render(Muted, text)
}
