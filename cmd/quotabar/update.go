package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/appupdate"
	"github.com/quotabar/quotabar/internal/tui"
	"github.com/quotabar/quotabar/internal/version"
)

type updateCheck func(context.Context, appupdate.Options) (appupdate.Result, error)

// runStartupUpdateCheck compares the running build against the newest
// published release and hands send a notice when one is newer. Failures
// are logged and otherwise swallowed; the watch view works fine without
// the check.
func runStartupUpdateCheck(ctx context.Context, current string, check updateCheck, send func(tui.UpdateMsg)) {
	result, err := check(ctx, appupdate.Options{Current: current})
	if err != nil {
		log.Printf("update check failed: %v", err)
		return
	}
	if !result.Available {
		return
	}
	send(tui.UpdateMsg{
		Current: result.Current,
		Latest:  result.Latest,
		Hint:    result.Hint,
	})
}

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the quotabar version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println(version.String())
			if !check {
				return nil
			}
			result, err := appupdate.Check(cmd.Context(), appupdate.Options{Current: version.Version})
			if err != nil {
				return fmt.Errorf("checking latest release: %w", err)
			}
			switch {
			case result.Current == "":
				fmt.Println("development build, release check skipped")
			case result.Available:
				fmt.Printf("update available: %s (running %s)\n", result.Latest, result.Current)
				fmt.Printf("  upgrade with: %s\n", result.Hint)
			default:
				fmt.Println("up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check GitHub for a newer release")
	return cmd
}
