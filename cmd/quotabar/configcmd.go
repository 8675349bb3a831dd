package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/config"
	"github.com/quotabar/quotabar/internal/tui"
)

func newConfigCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change quotabar settings",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printConfig(os.Stdout, cfg)
			return nil
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "interval <minutes>",
			Short: "Set the polling interval in minutes",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				minutes, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("interval must be a whole number of minutes: %w", err)
				}
				if err := config.SaveInterval(minutes); err != nil {
					return err
				}
				fmt.Printf("refresh interval set to %dm\n", minutes)
				return nil
			},
		},
		&cobra.Command{
			Use:   "enable <provider>",
			Short: "Enable polling for a provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := config.SetProviderEnabled(args[0], true); err != nil {
					return err
				}
				fmt.Printf("%s enabled\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "disable <provider>",
			Short: "Disable polling for a provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := config.SetProviderEnabled(args[0], false); err != nil {
					return err
				}
				fmt.Printf("%s disabled\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func printConfig(out io.Writer, cfg config.Config) {
	fmt.Fprintf(out, "config file: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "refresh interval: %s\n", tui.FormatDuration(cfg.Interval()))
	fmt.Fprintln(out, "providers:")
	for _, pc := range cfg.Providers {
		state := "enabled"
		if !pc.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "  %-10s %s\n", pc.ID, state)
	}
}
