// Package claude probes a Claude Code subscription. The OAuth usage
// endpoint is the primary source; local project logs, a one-token header
// probe and the desktop app's web session fill in when it is unreachable.
package claude

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/credstore"
	"github.com/quotabar/quotabar/internal/providers/providerbase"
	"github.com/quotabar/quotabar/internal/secretstore"
)

const (
	defaultUsageURL     = "https://api.anthropic.com/api/oauth/usage"
	defaultInferenceURL = "https://api.anthropic.com/v1/messages"
	defaultWebBase      = "https://claude.ai"

	oauthBetaHeader = "oauth-2025-04-20"

	keychainService = "Claude Code-credentials"
	keychainPrefix  = "Claude Code"
	oauthTokenEnv   = "CLAUDE_CODE_OAUTH_TOKEN"

	sessionLookback = 24 * time.Hour
)

type Provider struct {
	store   *credstore.Store
	secrets secretstore.Store
	client  *http.Client
	cache   *providerbase.ProbeCache
	now     func() time.Time

	usageURL     string
	inferenceURL string
	webBase      string

	mu        sync.Mutex
	sourceKey string
}

func New(store *credstore.Store) *Provider {
	return &Provider{
		store:        store,
		secrets:      secretstore.System(),
		client:       providerbase.NewHTTPClient(),
		cache:        providerbase.NewProbeCache(providerbase.DefaultProbeCooldown, time.Now),
		now:          time.Now,
		usageURL:     defaultUsageURL,
		inferenceURL: defaultInferenceURL,
		webBase:      defaultWebBase,
	}
}

func (p *Provider) Kind() core.ProviderKind { return core.KindClaude }

func (p *Provider) Describe() core.ProviderInfo {
	return core.ProviderInfo{
		Name:         "Claude Code",
		Capabilities: []string{"usage_endpoint", "local_sessions", "header_probe", "web_session"},
		DocURL:       "https://code.claude.com/",
		ReauthHint:   "claude /login",
	}
}

// usageResponse covers both the OAuth usage endpoint and the claude.ai
// organization usage endpoint; the web one carries extra per-model
// buckets.
type usageResponse struct {
	FiveHour       *usageBucket `json:"five_hour"`
	SevenDay       *usageBucket `json:"seven_day"`
	SevenDaySonnet *usageBucket `json:"seven_day_sonnet"`
	SevenDayOpus   *usageBucket `json:"seven_day_opus"`
	ExtraUsage     *usageBucket `json:"extra_usage"`
}

type usageBucket struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

func (p *Provider) Fetch(ctx context.Context, cfg core.ProviderConfig) (core.UsageSnapshot, error) {
	now := p.now()
	snap := core.UsageSnapshot{
		ProviderID: cfg.ID,
		Kind:       core.KindClaude,
		Timestamp:  now,
		Status:     core.StatusOK,
	}

	claudeDir := p.ensureSource(cfg)
	sessionsDir := cfg.SessionDir
	if sessionsDir == "" && claudeDir != "" {
		sessionsDir = filepath.Join(claudeDir, "projects")
	}

	account := readAccountFile(accountFilePath(claudeDir))
	snap.SetRaw("account_email", account.Email)
	snap.SetRaw("organization_uuid", account.OrgUUID)

	local := scanProjects(sessionsDir, now.Add(-sessionLookback))
	hasLocal := local.Messages > 0 || local.TotalTokens > 0

	live, liveErr := providerbase.FetchWithReauth(ctx, p.store, core.KindClaude, p.now,
		func(ctx context.Context, creds *credstore.Credentials) (core.UsageSnapshot, error) {
			return p.probeOAuthUsage(ctx, creds)
		})

	if liveErr != nil && !core.IsUnauthorized(liveErr) {
		// The usage endpoint is down but the token may still be good:
		// burn one tiny completion for its rate limit headers.
		if hp, err := p.headerProbe(ctx, cfg); err == nil {
			live, liveErr = hp, nil
			snap.SetRaw("quota_source", "headers")
		}
	}
	if liveErr != nil && account.OrgUUID != "" {
		if ws, err := p.probeWebUsage(ctx, account.OrgUUID); err == nil {
			live, liveErr = ws, nil
			snap.SetRaw("quota_source", "web_session")
		} else {
			snap.SetRaw("web_session_error", err.Error())
		}
	}
	hasLive := liveErr == nil

	switch {
	case hasLive:
		mergeLive(&snap, live)
	case hasLocal:
		snap.SetRaw("usage_api_error", liveErr.Error())
	default:
		if core.IsUnauthorized(liveErr) {
			snap.Status = core.StatusAuth
			snap.Message = "sign in with `claude /login`"
		} else {
			snap.Status = core.StatusUnknown
			snap.Message = "no local sessions found"
			snap.SetRaw("usage_api_error", liveErr.Error())
		}
		return snap, nil
	}

	applyLocal(&snap, local)
	rolloverWindows(&snap, now)
	snap.Status = core.StatusForUsage(snap.Primary, snap.Secondary)

	switch {
	case hasLive && hasLocal:
		snap.Message = "live usage + local session data"
	case hasLive:
		snap.Message = "live usage data"
	default:
		snap.Message = "local session data"
	}
	return snap, nil
}

// probeOAuthUsage reads the subscription windows straight from the OAuth
// usage endpoint.
func (p *Provider) probeOAuthUsage(ctx context.Context, creds *credstore.Credentials) (core.UsageSnapshot, error) {
	headers := map[string]string{
		"Authorization":  "Bearer " + creds.Token(),
		"anthropic-beta": oauthBetaHeader,
	}

	var usage usageResponse
	if err := providerbase.DoJSON(ctx, p.client, core.KindClaude, http.MethodGet, p.usageURL, headers, nil, &usage); err != nil {
		return core.UsageSnapshot{}, err
	}

	snap := snapshotFromUsage(&usage, p.now())
	if creds.PlanHint != "" {
		snap.Plan = core.NormalizePlanTier(creds.PlanHint)
		snap.SetRaw("plan_raw", creds.PlanHint)
	}
	return snap, nil
}

func snapshotFromUsage(usage *usageResponse, now time.Time) core.UsageSnapshot {
	snap := core.UsageSnapshot{
		Kind:      core.KindClaude,
		Timestamp: now,
		Status:    core.StatusOK,
	}
	snap.Primary = windowFromBucket(usage.FiveHour, core.DefaultShortWindowMinutes)
	snap.Secondary = windowFromBucket(usage.SevenDay, core.DefaultLongWindowMinutes)

	if w := windowFromBucket(usage.SevenDaySonnet, core.DefaultLongWindowMinutes); w != nil {
		snap.SetRaw("seven_day_sonnet", formatPercent(w.UsedPercent))
	}
	if w := windowFromBucket(usage.SevenDayOpus, core.DefaultLongWindowMinutes); w != nil {
		snap.SetRaw("seven_day_opus", formatPercent(w.UsedPercent))
	}
	if w := windowFromBucket(usage.ExtraUsage, 0); w != nil {
		snap.SetRaw("extra_usage", formatPercent(w.UsedPercent))
	}
	return snap
}

func windowFromBucket(bucket *usageBucket, minutes int) *core.UsageWindow {
	if bucket == nil {
		return nil
	}
	w := &core.UsageWindow{
		UsedPercent: bucket.Utilization,
		Minutes:     minutes,
	}
	if t, err := time.Parse(time.RFC3339, bucket.ResetsAt); err == nil {
		w.ResetsAt = &t
	}
	return w
}

func mergeLive(snap *core.UsageSnapshot, live core.UsageSnapshot) {
	snap.Primary = live.Primary
	snap.Secondary = live.Secondary
	if live.Plan != "" {
		snap.Plan = live.Plan
	}
	for k, v := range live.Raw {
		snap.SetRaw(k, v)
	}
}

func applyLocal(snap *core.UsageSnapshot, local projectStats) {
	snap.Messages = local.Messages
	snap.InputTokens = local.InputTokens
	snap.OutputTokens = local.OutputTokens
	snap.TotalTokens = local.TotalTokens
	if local.CostUSD > 0 {
		snap.Cost = &core.Cost{Amount: local.CostUSD, Currency: "USD"}
		// Costs are API-equivalent estimates, not subscription charges.
		snap.Estimated = true
	}
	if len(local.Models) > 0 {
		snap.SetRaw("models", local.ModelList())
	}
}

func rolloverWindows(snap *core.UsageSnapshot, now time.Time) {
	if snap.Primary != nil {
		w := snap.Primary.Rollover(now, core.DefaultShortWindowMinutes)
		snap.Primary = &w
	}
	if snap.Secondary != nil {
		w := snap.Secondary.Rollover(now, core.DefaultLongWindowMinutes)
		snap.Secondary = &w
	}
}

// ensureSource points the credential store at the right backend: the env
// token when set, a plain file when configured or off darwin, and the
// login keychain otherwise. Returns the Claude config directory.
func (p *Provider) ensureSource(cfg core.ProviderConfig) string {
	claudeDir := ""
	if cfg.CredentialFile != "" {
		claudeDir = filepath.Dir(cfg.CredentialFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		claudeDir = filepath.Join(home, ".claude")
	}

	var src credstore.Source
	var key string
	switch {
	case os.Getenv(oauthTokenEnv) != "":
		mem := secretstore.NewMemory()
		_ = mem.Put(secretstore.Entry{Service: oauthTokenEnv, Data: []byte(os.Getenv(oauthTokenEnv))})
		src = credstore.Source{Kind: core.KindClaude, Backend: mem, Key: oauthTokenEnv}
		key = "env"
	case cfg.CredentialFile != "":
		src = credstore.Source{Kind: core.KindClaude, Backend: secretstore.File{}, Key: cfg.CredentialFile}
		key = "file:" + cfg.CredentialFile
	case runtime.GOOS == "darwin":
		service := cfg.SecretService
		if service == "" {
			service = keychainService
		}
		src = credstore.Source{Kind: core.KindClaude, Backend: p.secrets, Key: service, Prefix: keychainPrefix}
		key = "keychain:" + service
	default:
		path := filepath.Join(claudeDir, ".credentials.json")
		src = credstore.Source{Kind: core.KindClaude, Backend: secretstore.File{}, Key: path}
		key = "file:" + path
	}

	p.mu.Lock()
	if key != p.sourceKey {
		p.store.SetSource(src)
		p.sourceKey = key
	}
	p.mu.Unlock()
	return claudeDir
}

// PrimeCredentials points the shared credential store at this config's
// credential location without performing a fetch.
func (p *Provider) PrimeCredentials(cfg core.ProviderConfig) {
	p.ensureSource(cfg)
}

// accountFilePath returns ~/.claude.json, the CLI's account metadata
// file, which lives next to the .claude directory rather than inside it.
func accountFilePath(claudeDir string) string {
	if claudeDir == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(claudeDir), ".claude.json")
}

func formatPercent(v float64) string {
	return trimTrailingZeros(v) + "%"
}
