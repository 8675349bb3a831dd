package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/config"
)

func main() {
	if os.Getenv("QUOTABAR_DEBUG") == "" {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(os.Stderr)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "quotabar",
		Short: "Quotabar watches AI coding assistant subscription quotas.",
		Long: "Quotabar polls the usage and rate-limit state of locally installed AI\n" +
			"coding assistants (Claude Code, Codex CLI, Gemini CLI) using the\n" +
			"credentials their own sign-in flows left on this machine.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWatch(cfg)
		},
	}

	root.AddCommand(
		newStatusCmd(cfg),
		newWatchCmd(cfg),
		newRefreshCmd(cfg),
		newAuthCmd(cfg),
		newHistoryCmd(),
		newConfigCmd(cfg),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
