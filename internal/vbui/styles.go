// Package vbui holds the shared lipgloss styles and termenv
// color-profile detection for cmd/vb, mirroring the teacher's
// internal/ui package (table.go's style-variable grouping, thanks.go's
// per-role color roles).
package vbui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Profile is the detected terminal color profile, used to decide
// whether styled output degrades to plain text (non-tty, CI, NO_COLOR).
var Profile = termenv.NewOutput(os.Stdout).Profile

// Plain reports whether styled rendering should be skipped.
func Plain() bool {
	return Profile == termenv.Ascii
}

var (
	ColorAccent = lipgloss.Color("39")  // blue
	ColorPass   = lipgloss.Color("42")  // green
	ColorWarn   = lipgloss.Color("214") // orange
	ColorFail   = lipgloss.Color("203") // red
	ColorMuted  = lipgloss.Color("245") // gray
)

var (
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// StatusGlyph renders a short colored label for a branch status,
// falling back to plain ASCII when Plain() reports a non-color terminal.
func StatusGlyph(label string, style lipgloss.Style) string {
	if Plain() {
		return label
	}
	return style.Render(label)
}
