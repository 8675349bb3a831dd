package core

import (
	"fmt"
	"time"
)

// Fallback window lengths, in minutes, applied when a provider reports a
// reset instant but no window duration.
const (
	DefaultShortWindowMinutes = 300
	DefaultLongWindowMinutes  = 10080
)

func ClampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// EffectiveDuration returns the window length, substituting fallbackMinutes
// when the provider did not report one.
func (w UsageWindow) EffectiveDuration(fallbackMinutes int) time.Duration {
	minutes := w.Minutes
	if minutes <= 0 {
		minutes = fallbackMinutes
	}
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}

// NextReset returns the smallest reset + k*window (k >= 1) strictly after
// now. Callers pass a reset instant already known to be stale; a future
// reset is returned unchanged.
func NextReset(reset time.Time, window time.Duration, now time.Time) time.Time {
	if reset.After(now) || window <= 0 {
		return reset
	}
	k := int64(now.Sub(reset)/window) + 1
	return reset.Add(time.Duration(k) * window)
}

// Rollover adjusts a window whose reset instant has already passed: the
// window has rolled, so utilization is 0 and the reset advances by whole
// window lengths until it lands in the future. Windows with an unknown or
// future reset are returned unchanged.
func (w UsageWindow) Rollover(now time.Time, fallbackMinutes int) UsageWindow {
	if w.ResetsAt == nil || w.ResetsAt.After(now) {
		return w
	}
	d := w.EffectiveDuration(fallbackMinutes)
	if d <= 0 {
		return w
	}
	next := NextReset(*w.ResetsAt, d, now)
	w.UsedPercent = 0
	w.ResetsAt = &next
	return w
}

// StatusForUsage classifies utilization across windows: 100 or more is
// limited, 90 and up is near the limit.
func StatusForUsage(windows ...*UsageWindow) Status {
	status := StatusOK
	for _, w := range windows {
		if w == nil {
			continue
		}
		if w.UsedPercent >= 100 {
			return StatusLimited
		}
		if w.UsedPercent >= 90 {
			status = StatusNearLimit
		}
	}
	return status
}

// FormatWindow renders a window length like "5h", "7d" or "90m".
func FormatWindow(minutes int) string {
	if minutes <= 0 {
		return ""
	}
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	remaining := minutes % 60
	if remaining == 0 {
		if hours >= 24 && hours%24 == 0 {
			return fmt.Sprintf("%dd", hours/24)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, remaining)
}
