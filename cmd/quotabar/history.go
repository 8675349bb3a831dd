package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/history"
	"github.com/quotabar/quotabar/internal/tui"
)

func newHistoryCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "history [provider]",
		Short: "Print recorded usage snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := history.Open(historyPath())
			if err != nil {
				return fmt.Errorf("opening history store: %w", err)
			}
			defer hist.Close()

			if len(args) == 0 {
				return printHistoryProviders(cmd.Context(), os.Stdout, hist)
			}
			return printHistoryRows(cmd.Context(), os.Stdout, hist, args[0], time.Now().Add(-since))
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to read")
	return cmd
}

func printHistoryProviders(ctx context.Context, out io.Writer, hist *history.Store) error {
	ids, err := hist.Providers(ctx)
	if err != nil {
		return fmt.Errorf("listing history providers: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "no snapshots recorded yet; run `quotabar refresh` or `quotabar watch`")
		return nil
	}
	fmt.Fprintln(out, "providers with recorded history:")
	for _, id := range ids {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintln(out, "use `quotabar history <provider>` to print rows")
	return nil
}

func printHistoryRows(ctx context.Context, out io.Writer, hist *history.Store, providerID string, since time.Time) error {
	points, err := hist.Recent(ctx, providerID, since)
	if err != nil {
		return fmt.Errorf("reading history for %s: %w", providerID, err)
	}
	if len(points) == 0 {
		fmt.Fprintf(out, "no snapshots for %s in the requested range\n", providerID)
		return nil
	}
	for _, pt := range points {
		fmt.Fprintln(out, historyRow(pt))
	}
	return nil
}

func historyRow(pt history.Point) string {
	used := "  n/a "
	if pt.UsedPercent != nil {
		used = fmt.Sprintf("%5.1f%%", *pt.UsedPercent)
	}

	var extra []string
	if pt.Plan != "" {
		extra = append(extra, pt.Plan)
	}
	if pt.TotalTokens > 0 {
		extra = append(extra, tui.HumanTokens(int(pt.TotalTokens))+" tokens")
	}
	if pt.CostUSD != nil {
		extra = append(extra, fmt.Sprintf("$%.2f", *pt.CostUSD))
	}
	if pt.Estimated {
		extra = append(extra, "estimated")
	}

	row := fmt.Sprintf("%s  %-13s %s",
		pt.RecordedAt.Local().Format("2006-01-02 15:04:05"), pt.Status, used)
	if len(extra) > 0 {
		row += "  " + strings.Join(extra, " · ")
	}
	return row
}
