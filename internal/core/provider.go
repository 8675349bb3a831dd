package core

import "context"

type ProviderInfo struct {
	Name         string   // e.g. "Claude Code", "Codex CLI"
	Capabilities []string // "usage_endpoint", "local_sessions", "header_probe", ...
	DocURL       string
	ReauthHint   string // shell command the user runs to re-authenticate
}

// ProviderConfig is owned by the configuration layer. The core receives it
// as a read-only input and never mutates or persists it. Empty path/service
// fields mean "use the provider's well-known default".
type ProviderConfig struct {
	ID               string       `json:"id"`
	Kind             ProviderKind `json:"kind"`
	Enabled          bool         `json:"enabled"`
	PollEveryMinutes int          `json:"poll_every_minutes,omitempty"` // minimum spacing; 0 = every cycle
	SecretService    string       `json:"secret_service,omitempty"`
	CredentialFile   string       `json:"credential_file,omitempty"`
	SessionDir       string       `json:"session_dir,omitempty"`
	BaseURL          string       `json:"base_url,omitempty"`
	ProbeModel       string       `json:"probe_model,omitempty"`
}

// UsageProvider is the per-provider fetch strategy. Implementations own
// their candidate-endpoint lists and normalization rules. Fetch must always
// be able to produce a snapshot; an error return means the whole fetch path
// failed and the orchestrator should keep the prior snapshot.
type UsageProvider interface {
	Kind() ProviderKind

	Describe() ProviderInfo

	Fetch(ctx context.Context, cfg ProviderConfig) (UsageSnapshot, error)
}
