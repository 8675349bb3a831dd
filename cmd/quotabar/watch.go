package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/quotabar/quotabar/internal/appupdate"
	"github.com/quotabar/quotabar/internal/config"
	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/history"
	"github.com/quotabar/quotabar/internal/providers"
	"github.com/quotabar/quotabar/internal/tui"
	"github.com/quotabar/quotabar/internal/version"
)

const (
	historyKeepDays = 30
	sparkWindow     = 24 * time.Hour
)

func newWatchCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of provider usage, refreshed on an interval",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWatch(cfg)
		},
	}
}

func runWatch(cfg config.Config) error {
	interval := cfg.Interval()
	engine := core.NewEngine(interval)
	list := providers.All()
	for _, p := range list {
		engine.Register(p)
	}
	engine.SetConfigs(cfg.Providers)

	names, order := displayPlan(cfg, list)

	var cache *sparkCache
	hist, err := history.Open(historyPath())
	if err != nil {
		log.Printf("history: store unavailable: %v", err)
	} else {
		defer hist.Close()
		cache = newSparkCache(hist, order)
		engine.OnSnapshot(func(snap core.UsageSnapshot) {
			if err := hist.Append(context.Background(), snap); err != nil {
				log.Printf("history: append %s: %v", snap.ProviderID, err)
				return
			}
			cache.reload(snap.ProviderID)
		})
		cutoff := time.Now().AddDate(0, 0, -historyKeepDays)
		if n, err := hist.Prune(context.Background(), cutoff); err == nil && n > 0 {
			log.Printf("history: pruned %d rows", n)
		}
	}

	model := tui.NewModel(tui.Options{
		Order:       order,
		Names:       names,
		Interval:    interval,
		Busy:        engine.Busy,
		LastRefresh: engine.LastRefresh,
		CycleErrors: engine.CycleErrors,
		History: func(id string) []float64 {
			if cache == nil {
				return nil
			}
			return cache.get(id)
		},
		OnRefresh: engine.RequestRefresh,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	engine.OnUpdate(func(states map[string]core.ProviderState) {
		program.Send(tui.StatesMsg(states))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	go runStartupUpdateCheck(ctx, version.Version, appupdate.Check, func(msg tui.UpdateMsg) {
		program.Send(msg)
	})

	if watcher, werr := core.NewChangeWatcher(engine.RequestRefresh); werr != nil {
		log.Printf("watch: file watcher unavailable: %v", werr)
	} else {
		credFiles, sessionDirs := watchTargets(cfg.Providers)
		for _, f := range credFiles {
			watcher.WatchFileDir(f)
		}
		for _, d := range sessionDirs {
			watcher.Watch(d)
		}
		go watcher.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		log.SetOutput(os.Stderr)
		return fmt.Errorf("running watch view: %w", err)
	}
	return nil
}

// watchTargets lists the credential files and session directories whose
// changes should trigger an early poll, filling in each provider's
// well-known defaults where the config is silent.
func watchTargets(cfgs []core.ProviderConfig) (credFiles, sessionDirs []string) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	inHome := func(parts ...string) string {
		if home == "" {
			return ""
		}
		return filepath.Join(append([]string{home}, parts...)...)
	}

	for _, pc := range cfgs {
		if !pc.Enabled {
			continue
		}
		cred := pc.CredentialFile
		sessions := pc.SessionDir
		switch pc.Kind {
		case core.KindClaude:
			if cred == "" {
				cred = inHome(".claude", ".credentials.json")
			}
			if sessions == "" {
				sessions = inHome(".claude", "projects")
			}
		case core.KindCodex:
			if cred == "" {
				cred = inHome(".codex", "auth.json")
			}
			if sessions == "" {
				sessions = inHome(".codex", "sessions")
			}
		case core.KindGemini:
			if cred == "" {
				cred = inHome(".gemini", "oauth_creds.json")
			}
			if sessions == "" {
				sessions = inHome(".gemini", "tmp")
			}
		}
		if cred != "" {
			credFiles = append(credFiles, cred)
		}
		if sessions != "" {
			sessionDirs = append(sessionDirs, sessions)
		}
	}
	return lo.Uniq(credFiles), lo.Uniq(sessionDirs)
}

// sparkCache holds the per-provider history series the watch view renders,
// so the render loop never touches sqlite.
type sparkCache struct {
	mu     sync.Mutex
	store  *history.Store
	series map[string][]float64
}

func newSparkCache(store *history.Store, ids []string) *sparkCache {
	c := &sparkCache{store: store, series: make(map[string][]float64)}
	for _, id := range ids {
		c.reload(id)
	}
	return c
}

func (c *sparkCache) reload(id string) {
	points, err := c.store.Recent(context.Background(), id, time.Now().Add(-sparkWindow))
	if err != nil {
		log.Printf("history: read %s: %v", id, err)
		return
	}
	vals := make([]float64, 0, len(points))
	for _, pt := range points {
		if pt.UsedPercent != nil {
			vals = append(vals, *pt.UsedPercent)
		}
	}
	c.mu.Lock()
	c.series[id] = vals
	c.mu.Unlock()
}

func (c *sparkCache) get(id string) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.series[id]
}
