package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/config"
	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/credstore"
	"github.com/quotabar/quotabar/internal/providers"
	"github.com/quotabar/quotabar/internal/tui"
)

func newAuthCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Show credential state for each provider",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runAuthStatus(cfg, os.Stdout, time.Now())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh [provider]",
		Short: "Exchange refresh tokens for fresh access tokens now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runAuthRefresh(cmd.Context(), cfg, id, os.Stdout)
		},
	})
	return cmd
}

func runAuthStatus(cfg config.Config, out io.Writer, now time.Time) error {
	store := providers.NewStore()
	list := providers.AllSharing(store)

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		providers.Prime(list, pc)
		creds, err := store.Lookup(pc.Kind)

		fmt.Fprintf(out, "%s [%s]\n", providerName(list, pc), pc.ID)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  credential read failed: %v\n", err)
		case creds == nil:
			if hint := reauthHint(list, pc.Kind); hint != "" {
				fmt.Fprintf(out, "  no credentials installed; sign in with `%s`\n", hint)
			} else {
				fmt.Fprintln(out, "  no credentials installed")
			}
		default:
			fmt.Fprintln(out, "  "+describeCredentials(creds, now))
		}
	}
	return nil
}

func runAuthRefresh(ctx context.Context, cfg config.Config, id string, out io.Writer) error {
	store := providers.NewStore()
	list := providers.AllSharing(store)

	var targets []core.ProviderConfig
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if id == "" || pc.ID == id {
			targets = append(targets, pc)
		}
	}
	if len(targets) == 0 {
		if id != "" {
			return fmt.Errorf("no enabled provider %q in config", id)
		}
		return errors.New("no providers enabled")
	}

	failed := false
	for _, pc := range targets {
		providers.Prime(list, pc)
		creds, err := store.Refresh(ctx, pc.Kind)
		switch {
		case err != nil:
			failed = true
			fmt.Fprintf(out, "%-10s refresh failed: %v\n", pc.ID, err)
			if needsSignIn(err) {
				if hint := reauthHint(list, pc.Kind); hint != "" {
					fmt.Fprintf(out, "%-10s sign in with `%s`\n", "", hint)
				}
			}
		case creds.ExpiresAt.IsZero():
			fmt.Fprintf(out, "%-10s refreshed, no recorded expiry\n", pc.ID)
		default:
			fmt.Fprintf(out, "%-10s refreshed, expires in %s\n", pc.ID,
				tui.FormatDuration(time.Until(creds.ExpiresAt)))
		}
	}
	if failed {
		return errors.New("one or more refreshes failed")
	}
	return nil
}

// needsSignIn reports whether a refresh failure can only be fixed by the
// user signing in through the provider's own CLI again.
func needsSignIn(err error) bool {
	return credstore.IsRefreshReason(err, credstore.RefreshNoCredentials) ||
		credstore.IsRefreshReason(err, credstore.RefreshNoRefreshToken) ||
		credstore.IsRefreshReason(err, credstore.RefreshRejected)
}

func providerName(list []core.UsageProvider, pc core.ProviderConfig) string {
	if p := providers.ByKind(list, pc.Kind); p != nil {
		if name := p.Describe().Name; name != "" {
			return name
		}
	}
	return pc.ID
}

func reauthHint(list []core.UsageProvider, kind core.ProviderKind) string {
	if p := providers.ByKind(list, kind); p != nil {
		return p.Describe().ReauthHint
	}
	return ""
}

// describeCredentials summarizes token state without printing secrets.
func describeCredentials(creds *credstore.Credentials, now time.Time) string {
	var parts []string
	switch {
	case creds.AccessToken != "":
		parts = append(parts, "oauth token")
	case creds.APIKey != "":
		parts = append(parts, "api key")
	default:
		parts = append(parts, "entry without a usable token")
	}

	switch {
	case creds.ExpiresAt.IsZero():
		if creds.Expired(now) {
			parts = append(parts, "no recorded expiry, assumed stale")
		} else {
			parts = append(parts, "no recorded expiry")
		}
	case creds.Expired(now):
		age := now.Sub(creds.ExpiresAt)
		if age < time.Second {
			parts = append(parts, "just expired")
		} else {
			parts = append(parts, "expired "+tui.FormatDuration(age)+" ago")
		}
	default:
		parts = append(parts, "expires in "+tui.FormatDuration(creds.ExpiresAt.Sub(now)))
	}

	if creds.RefreshToken != "" {
		parts = append(parts, "refresh token present")
	} else {
		parts = append(parts, "no refresh token")
	}
	if creds.PlanHint != "" {
		parts = append(parts, "plan "+creds.PlanHint)
	}
	return strings.Join(parts, ", ")
}
