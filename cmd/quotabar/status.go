package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/config"
	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/providers"
	"github.com/quotabar/quotabar/internal/tui"
)

// pollTimeout bounds a one-shot cycle; the engine's own per-provider
// timeout is shorter, this is the whole-command ceiling.
const pollTimeout = 60 * time.Second

func newStatusCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Poll every enabled provider once and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			states, names, order := pollOnce(cmd.Context(), cfg, nil)
			printStates(os.Stdout, time.Now(), order, names, states)
			return nil
		},
	}
}

// pollOnce runs a single refresh cycle and returns the resulting states
// plus the display order and names from the config.
func pollOnce(ctx context.Context, cfg config.Config, onSnapshot func(core.UsageSnapshot)) (map[string]core.ProviderState, map[string]string, []string) {
	engine := core.NewEngine(cfg.Interval())
	list := providers.All()
	for _, p := range list {
		engine.Register(p)
	}
	engine.SetConfigs(cfg.Providers)
	if onSnapshot != nil {
		engine.OnSnapshot(onSnapshot)
	}

	cycleCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	engine.TriggerRefresh(cycleCtx)

	names, order := displayPlan(cfg, list)
	return engine.States(), names, order
}

// displayPlan derives the display order and per-ID names for the enabled
// providers.
func displayPlan(cfg config.Config, list []core.UsageProvider) (map[string]string, []string) {
	names := make(map[string]string)
	var order []string
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		order = append(order, pc.ID)
		if p := providers.ByKind(list, pc.Kind); p != nil {
			names[pc.ID] = p.Describe().Name
		}
	}
	return names, order
}

func printStates(out io.Writer, now time.Time, order []string, names map[string]string, states map[string]core.ProviderState) {
	for i, id := range order {
		if i > 0 {
			fmt.Fprintln(out)
		}
		printState(out, now, id, names[id], states[id])
	}
}

func printState(out io.Writer, now time.Time, id, name string, st core.ProviderState) {
	if name == "" {
		name = id
	}
	head := fmt.Sprintf("%s [%s]", name, id)

	if st.Snapshot == nil {
		if st.Err != "" {
			fmt.Fprintf(out, "%s  ERROR\n  %s\n", head, st.Err)
		} else {
			fmt.Fprintf(out, "%s  no data\n", head)
		}
		return
	}
	snap := *st.Snapshot

	line := head + "  " + string(snap.Status)
	if snap.Plan != "" {
		line += " · " + snap.Plan
	}
	if st.Stale {
		line += " · stale"
	}
	fmt.Fprintln(out, line)

	for _, w := range []*core.UsageWindow{snap.Primary, snap.Secondary} {
		if w == nil {
			continue
		}
		fmt.Fprintln(out, windowLine(*w, now))
	}

	if usage := usageLine(snap); usage != "" {
		fmt.Fprintln(out, usage)
	}

	if st.Err != "" {
		fmt.Fprintf(out, "  error: %s\n", st.Err)
	} else if snap.Message != "" && snap.Status != core.StatusOK {
		fmt.Fprintf(out, "  %s\n", snap.Message)
	}
}

func windowLine(w core.UsageWindow, now time.Time) string {
	label := fmt.Sprintf("  %-4s", tui.WindowLabel(w.Minutes))
	pct := w.DisplayPercent()
	var body string
	if pct < 0 {
		body = "  n/a"
	} else {
		body = fmt.Sprintf("%5.1f%% used", pct)
	}
	line := label + " " + body
	if w.ResetsAt != nil {
		line += ", resets in " + tui.FormatDuration(w.ResetsAt.Sub(now))
	}
	return line
}

func usageLine(snap core.UsageSnapshot) string {
	var parts []string
	if snap.TotalTokens > 0 {
		parts = append(parts, tui.HumanTokens(snap.TotalTokens)+" tokens")
	}
	if snap.Messages > 0 {
		parts = append(parts, fmt.Sprintf("%d messages", snap.Messages))
	}
	if snap.Cost != nil {
		parts = append(parts, fmt.Sprintf("$%.2f", snap.Cost.Amount))
	}
	if len(parts) == 0 {
		return ""
	}
	line := "  " + strings.Join(parts, " · ")
	if snap.Estimated {
		line += " (estimated)"
	}
	return line
}
