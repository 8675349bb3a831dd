// Package config loads and persists quotabar settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/quotabar/quotabar/internal/core"
)

const defaultIntervalMinutes = 5

type Config struct {
	RefreshIntervalMinutes int                   `json:"refresh_interval_minutes"`
	Providers              []core.ProviderConfig `json:"providers"`
}

func DefaultConfig() Config {
	return Config{
		RefreshIntervalMinutes: defaultIntervalMinutes,
		Providers: []core.ProviderConfig{
			{ID: "claude", Kind: core.KindClaude, Enabled: true},
			{ID: "codex", Kind: core.KindCodex, Enabled: true},
			{ID: "gemini", Kind: core.KindGemini, Enabled: true},
		},
	}
}

// Interval returns the polling cadence as a duration, falling back to the
// default for non-positive values.
func (c Config) Interval() time.Duration {
	m := c.RefreshIntervalMinutes
	if m <= 0 {
		m = defaultIntervalMinutes
	}
	return time.Duration(m) * time.Minute
}

// Provider returns the config entry with the given id, or nil.
func (c Config) Provider(id string) *core.ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "quotabar")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "quotabar")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.RefreshIntervalMinutes <= 0 {
		cfg.RefreshIntervalMinutes = defaultIntervalMinutes
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultConfig().Providers
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].ID == "" {
			cfg.Providers[i].ID = string(cfg.Providers[i].Kind)
		}
	}

	return cfg, nil
}

// saveMu guards read-modify-write cycles on the config file.
var saveMu sync.Mutex

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// SaveInterval persists a new polling interval (read-modify-write).
func SaveInterval(minutes int) error {
	return SaveIntervalTo(ConfigPath(), minutes)
}

func SaveIntervalTo(path string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %d", minutes)
	}

	saveMu.Lock()
	defer saveMu.Unlock()

	cfg, err := LoadFrom(path)
	if err != nil {
		cfg = DefaultConfig()
	}
	cfg.RefreshIntervalMinutes = minutes
	return SaveTo(path, cfg)
}

// SetProviderEnabled persists the enabled flag for one provider
// (read-modify-write).
func SetProviderEnabled(id string, enabled bool) error {
	return SetProviderEnabledTo(ConfigPath(), id, enabled)
}

func SetProviderEnabledTo(path, id string, enabled bool) error {
	saveMu.Lock()
	defer saveMu.Unlock()

	cfg, err := LoadFrom(path)
	if err != nil {
		cfg = DefaultConfig()
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].ID == id {
			cfg.Providers[i].Enabled = enabled
			return SaveTo(path, cfg)
		}
	}
	return fmt.Errorf("no provider %q in config", id)
}
