package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/config"
	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/history"
)

func historyPath() string {
	return filepath.Join(config.ConfigDir(), "history.db")
}

func newRefreshCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Poll every enabled provider once and record the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRefresh(cmd, cfg, os.Stdout)
		},
	}
}

func runRefresh(cmd *cobra.Command, cfg config.Config, out io.Writer) error {
	hist, err := history.Open(historyPath())
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer hist.Close()

	ctx := cmd.Context()
	recorded := 0
	states, _, order := pollOnce(ctx, cfg, func(snap core.UsageSnapshot) {
		if err := hist.Append(ctx, snap); err != nil {
			log.Printf("history: append %s: %v", snap.ProviderID, err)
			return
		}
		recorded++
	})

	for _, id := range order {
		fmt.Fprintf(out, "%-10s %s\n", id, summarizeState(states[id]))
	}
	fmt.Fprintf(out, "recorded %d snapshots in %s\n", recorded, historyPath())
	return nil
}

func summarizeState(st core.ProviderState) string {
	if st.Snapshot == nil {
		if st.Err != "" {
			return "error: " + st.Err
		}
		return "no data"
	}
	s := string(st.Snapshot.Status)
	if pct := st.Snapshot.PrimaryPercent(); pct >= 0 {
		s += fmt.Sprintf(" %.1f%%", pct)
	}
	if st.Err != "" {
		s += " (" + st.Err + ")"
	}
	return s
}
