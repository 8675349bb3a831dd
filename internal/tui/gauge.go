package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Gauge color breaks, in percent of the window consumed.
const (
	gaugeWarnAt = 70.0
	gaugeCritAt = 90.0
)

func gaugeColor(usedPercent float64) lipgloss.Color {
	switch {
	case usedPercent >= gaugeCritAt:
		return colorCrit
	case usedPercent >= gaugeWarnAt:
		return colorWarn
	default:
		return colorOK
	}
}

// RenderUsageGauge draws a horizontal bar that fills left to right as the
// window is consumed. A negative percent means the provider reported no
// usable number; the gauge renders a flat track with an N/A label instead.
func RenderUsageGauge(usedPercent float64, width int) string {
	if width < 5 {
		width = 5
	}
	if usedPercent < 0 {
		track := gaugeTrackStyle.Render(strings.Repeat("─", width))
		return track + " " + dimStyle.Render("   N/A")
	}
	if usedPercent > 100 {
		usedPercent = 100
	}

	filled := int(usedPercent / 100 * float64(width))
	if filled < 1 && usedPercent > 0 {
		filled = 1
	}
	if filled > width {
		filled = width
	}

	color := gaugeColor(usedPercent)
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("━", filled)) +
		gaugeTrackStyle.Render(strings.Repeat("━", width-filled))
	label := lipgloss.NewStyle().Bold(true).Foreground(color).
		Render(fmt.Sprintf("%5.1f%%", usedPercent))

	return bar + " " + label
}

var sparkBlocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// RenderSparkline compresses a series into at most width block characters,
// scaled to the series' own min and max so small movements stay visible.
func RenderSparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}

	if len(values) > width {
		bucket := float64(len(values)) / float64(width)
		sampled := make([]float64, 0, width)
		for i := 0; i < width; i++ {
			start := int(float64(i) * bucket)
			end := int(float64(i+1) * bucket)
			if end > len(values) {
				end = len(values)
			}
			if start >= end {
				start = end - 1
			}
			sum := 0.0
			for _, v := range values[start:end] {
				sum += v
			}
			sampled = append(sampled, sum/float64(end-start))
		}
		values = sampled
	}

	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	var b strings.Builder
	for _, v := range values {
		idx := 0
		if max > min {
			idx = int((v - min) / (max - min) * float64(len(sparkBlocks)-1))
		}
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkBlocks) {
			idx = len(sparkBlocks) - 1
		}
		b.WriteRune(sparkBlocks[idx])
	}

	return lipgloss.NewStyle().Foreground(colorTeal).Render(b.String())
}
