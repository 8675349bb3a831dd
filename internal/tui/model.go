package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/quotabar/quotabar/internal/core"
)

// StatesMsg delivers the latest per-provider states from the poll engine.
// The caller sends it through tea.Program.Send from the engine callback.
type StatesMsg map[string]core.ProviderState

// UpdateMsg announces that a newer release of quotabar is published.
// The watch command sends it once after a background release check.
type UpdateMsg struct {
	Current string
	Latest  string
	Hint    string
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Options wires the watch view to the rest of the program. Every func field
// is optional; the view degrades to static output when one is nil.
type Options struct {
	// Order lists provider IDs in display order. States for IDs not listed
	// are appended alphabetically.
	Order []string
	// Names maps provider IDs to display names.
	Names map[string]string
	// Interval is the configured refresh period, shown in the header.
	Interval time.Duration
	// Busy reports whether a poll cycle is in flight.
	Busy func() bool
	// LastRefresh reports when the last poll cycle finished.
	LastRefresh func() time.Time
	// CycleErrors returns provider errors from the last completed cycle.
	CycleErrors func() []string
	// History returns recent primary-window percentages for a provider,
	// oldest first, for the sparkline.
	History func(providerID string) []float64
	// OnRefresh is invoked when the user requests an immediate poll.
	OnRefresh func()
}

// Model is the bubbletea model behind `quotabar watch`.
type Model struct {
	opts   Options
	states map[string]core.ProviderState
	update *UpdateMsg

	width     int
	height    int
	animFrame int
	showHelp  bool
	quitting  bool

	now func() time.Time
}

func NewModel(opts Options) Model {
	return Model{
		opts:   opts,
		states: map[string]core.ProviderState{},
		width:  80,
		height: 24,
		now:    time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StatesMsg:
		m.states = msg
		return m, nil

	case UpdateMsg:
		m.update = &msg
		return m, nil

	case tickMsg:
		m.animFrame++
		return m, tickCmd()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if m.opts.OnRefresh != nil {
				m.opts.OnRefresh()
			}
			return m, nil
		case "?":
			m.showHelp = !m.showHelp
			return m, nil
		}
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	for _, id := range m.orderedIDs() {
		b.WriteString(m.renderProvider(id))
		b.WriteString("\n")
	}

	if m.opts.CycleErrors != nil {
		if errs := m.opts.CycleErrors(); len(errs) > 0 {
			for _, e := range errs {
				b.WriteString("  " + errorStyle.Render("⚠ "+e) + "\n")
			}
			b.WriteString("\n")
		}
	}

	if m.update != nil {
		notice := updateStyle.Render("⬆ "+m.update.Latest+" available") +
			dimStyle.Render("  ·  "+m.update.Hint)
		b.WriteString(fitAnsiWidth("  "+notice, m.width) + "\n\n")
	}

	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) orderedIDs() []string {
	ids := make([]string, 0, len(m.states))
	seen := map[string]bool{}
	for _, id := range m.opts.Order {
		ids = append(ids, id)
		seen[id] = true
	}
	extra := lo.Reject(lo.Keys(m.states), func(id string, _ int) bool {
		return seen[id]
	})
	sort.Strings(extra)
	return append(ids, extra...)
}

func (m Model) displayName(id string) string {
	if name := m.opts.Names[id]; name != "" {
		return name
	}
	return id
}

func (m Model) renderHeader() string {
	left := brandStyle.Render("◆ quotabar")

	var info string
	if m.opts.Busy != nil && m.opts.Busy() {
		frame := spinnerFrames[m.animFrame%len(spinnerFrames)]
		info = spinnerStyle.Render(frame) + " " + labelStyle.Render("refreshing")
	} else {
		last := time.Time{}
		if m.opts.LastRefresh != nil {
			last = m.opts.LastRefresh()
		}
		if last.IsZero() {
			info = dimStyle.Render("first refresh pending")
		} else {
			info = labelStyle.Render("updated " + last.Format("15:04:05"))
			if m.opts.Interval > 0 {
				info += dimStyle.Render(" · every " + FormatDuration(m.opts.Interval))
			}
		}
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(info)
	if gap < 1 {
		gap = 1
	}
	return fitAnsiWidth(left+strings.Repeat(" ", gap)+info, m.width)
}

func (m Model) renderProvider(id string) string {
	name := m.displayName(id)
	st, ok := m.states[id]

	if !ok || st.Snapshot == nil {
		line := "  " + titleStyle.Render(name) + "  " + dimStyle.Render("waiting for first refresh")
		if st.Err != "" {
			line += "\n    " + errorStyle.Render(st.Err)
		}
		return line + "\n"
	}
	snap := *st.Snapshot

	var b strings.Builder

	header := "  " + titleStyle.Render(name) + "  " + statusBadge(snap.Status)
	if snap.Plan != "" {
		header += "  " + labelStyle.Render(snap.Plan)
	}
	if st.Stale {
		header += "  " + dimStyle.Render("(stale)")
	}
	b.WriteString(header + "\n")

	gaugeWidth := m.width - 36
	if gaugeWidth < 10 {
		gaugeWidth = 10
	}
	if gaugeWidth > 40 {
		gaugeWidth = 40
	}
	if snap.Primary != nil {
		b.WriteString(m.renderWindow(*snap.Primary, gaugeWidth) + "\n")
	}
	if snap.Secondary != nil {
		b.WriteString(m.renderWindow(*snap.Secondary, gaugeWidth) + "\n")
	}

	if detail := m.renderDetail(id, snap); detail != "" {
		b.WriteString(detail + "\n")
	}

	if st.Err != "" {
		b.WriteString("    " + errorStyle.Render(st.Err) + "\n")
	} else if snap.Message != "" {
		switch snap.Status {
		case core.StatusAuth:
			b.WriteString("    " + authStyle.Render(snap.Message) + "\n")
		case core.StatusError, core.StatusUnknown:
			b.WriteString("    " + dimStyle.Render(snap.Message) + "\n")
		}
	}

	return b.String()
}

func (m Model) renderWindow(w core.UsageWindow, gaugeWidth int) string {
	label := WindowLabel(w.Minutes)
	line := fmt.Sprintf("    %s %s",
		labelStyle.Render(fmt.Sprintf("%-4s", label)),
		RenderUsageGauge(w.DisplayPercent(), gaugeWidth))
	if w.ResetsAt != nil {
		line += dimStyle.Render("  resets in " + FormatDuration(w.ResetsAt.Sub(m.now())))
	}
	return line
}

func (m Model) renderDetail(id string, snap core.UsageSnapshot) string {
	var parts []string

	if m.opts.History != nil {
		if vals := m.opts.History(id); len(vals) >= 2 {
			parts = append(parts, RenderSparkline(vals, 20))
		}
	}
	if snap.TotalTokens > 0 {
		parts = append(parts, valueStyle.Render(HumanTokens(snap.TotalTokens))+labelStyle.Render(" tokens"))
	}
	if snap.Messages > 0 {
		parts = append(parts, valueStyle.Render(strconv.Itoa(snap.Messages))+labelStyle.Render(" messages"))
	}
	if snap.Cost != nil {
		parts = append(parts, valueStyle.Render(fmt.Sprintf("$%.2f", snap.Cost.Amount)))
	}
	if len(parts) == 0 {
		return ""
	}

	line := "    " + strings.Join(parts, dimStyle.Render("  ·  "))
	if snap.Estimated {
		line += " " + dimStyle.Render("(estimated)")
	}
	return line
}

func (m Model) renderFooter() string {
	sep := dimStyle.Render(strings.Repeat("─", max(m.width, 1)))

	if m.showHelp {
		rows := []string{
			sep,
			"  " + helpKeyStyle.Render("r") + "  " + labelStyle.Render("refresh all providers now"),
			"  " + helpKeyStyle.Render("?") + "  " + labelStyle.Render("toggle this help"),
			"  " + helpKeyStyle.Render("q") + "  " + labelStyle.Render("quit"),
		}
		return strings.Join(rows, "\n")
	}

	hint := "  " +
		helpKeyStyle.Render("r") + labelStyle.Render(" refresh") + dimStyle.Render("  ·  ") +
		helpKeyStyle.Render("?") + labelStyle.Render(" help") + dimStyle.Render("  ·  ") +
		helpKeyStyle.Render("q") + labelStyle.Render(" quit")
	return sep + "\n" + fitAnsiWidth(hint, m.width)
}

func statusBadge(s core.Status) string {
	switch s {
	case core.StatusOK:
		return badgeStyle(colorOK).Render("OK")
	case core.StatusNearLimit:
		return badgeStyle(colorWarn).Render("NEAR LIMIT")
	case core.StatusLimited:
		return badgeStyle(colorCrit).Render("LIMITED")
	case core.StatusAuth:
		return badgeStyle(colorAuth).Render("SIGN-IN NEEDED")
	case core.StatusError:
		return badgeStyle(colorCrit).Render("ERROR")
	default:
		return badgeStyle(colorDim).Render("UNKNOWN")
	}
}

// WindowLabel names a rate-limit window by its length: "5h", "7d", "30m".
func WindowLabel(minutes int) string {
	switch {
	case minutes <= 0:
		return "use"
	case minutes%1440 == 0:
		return strconv.Itoa(minutes/1440) + "d"
	case minutes%60 == 0:
		return strconv.Itoa(minutes/60) + "h"
	default:
		return strconv.Itoa(minutes) + "m"
	}
}

// FormatDuration renders a duration in the largest two units that apply:
// "47s", "1h32m", "2d4h". Non-positive durations render as "now".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	d = d.Round(time.Second)
	day := 24 * time.Hour
	switch {
	case d >= day:
		days := int(d / day)
		hours := int(d % day / time.Hour)
		if hours == 0 {
			return fmt.Sprintf("%dd", days)
		}
		return fmt.Sprintf("%dd%dh", days, hours)
	case d >= time.Hour:
		hours := int(d / time.Hour)
		mins := int(d % time.Hour / time.Minute)
		if mins == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, mins)
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
}

// HumanTokens renders a token count with a k/M suffix past a thousand.
func HumanTokens(n int) string {
	format := func(v float64) string {
		return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0")
	}
	switch {
	case n >= 1_000_000:
		return format(float64(n)/1_000_000) + "M"
	case n >= 1_000:
		return format(float64(n)/1_000) + "k"
	default:
		return strconv.Itoa(n)
	}
}
