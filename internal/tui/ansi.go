package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// fitAnsiWidth truncates or pads s to exactly width terminal cells without
// breaking escape sequences.
func fitAnsiWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	s = ansi.Cut(s, 0, width)
	if pad := width - lipgloss.Width(s); pad > 0 {
		s += strings.Repeat(" ", pad)
	}
	return s
}
