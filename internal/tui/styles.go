package tui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha.
var (
	colorText     = lipgloss.Color("#CDD6F4")
	colorSubtext  = lipgloss.Color("#A6ADC8")
	colorDim      = lipgloss.Color("#585B70")
	colorSurface1 = lipgloss.Color("#45475A")
	colorAccent   = lipgloss.Color("#CBA6F7")
	colorLavender = lipgloss.Color("#B4BEFE")
	colorSapphire = lipgloss.Color("#74C7EC")
	colorTeal     = lipgloss.Color("#94E2D5")
	colorGreen    = lipgloss.Color("#A6E3A1")
	colorYellow   = lipgloss.Color("#F9E2AF")
	colorRed      = lipgloss.Color("#F38BA8")
	colorPeach    = lipgloss.Color("#FAB387")
)

// Semantic aliases so call sites talk about meaning, not palette slots.
var (
	colorOK   = colorGreen
	colorWarn = colorYellow
	colorCrit = colorRed
	colorAuth = colorPeach
)

var (
	brandStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorLavender)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorSubtext)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	authStyle = lipgloss.NewStyle().
			Foreground(colorAuth)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(colorSapphire)

	helpKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorSapphire)

	updateStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorTeal)

	gaugeTrackStyle = lipgloss.NewStyle().
			Foreground(colorSurface1)
)

func badgeStyle(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(c)
}
