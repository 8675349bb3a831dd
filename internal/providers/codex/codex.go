// Package codex probes the Codex CLI account: live usage from the
// ChatGPT backend plus local session logs under ~/.codex/sessions.
package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/credstore"
	"github.com/quotabar/quotabar/internal/providers/providerbase"
	"github.com/quotabar/quotabar/internal/secretstore"
	"github.com/quotabar/quotabar/internal/sessionlog"
)

const (
	defaultConfigDirName  = ".codex"
	defaultChatGPTBaseURL = "https://chatgpt.com/backend-api"

	// sessionLookback bounds the local scan; older rollout files no
	// longer affect the active rate-limit windows.
	sessionLookback = 24 * time.Hour
)

type Provider struct {
	store  *credstore.Store
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	authPath string
}

func New(store *credstore.Store) *Provider {
	return &Provider{
		store:  store,
		client: providerbase.NewHTTPClient(),
		now:    time.Now,
	}
}

func (p *Provider) Kind() core.ProviderKind { return core.KindCodex }

func (p *Provider) Describe() core.ProviderInfo {
	return core.ProviderInfo{
		Name:         "Codex CLI",
		Capabilities: []string{"usage_endpoint", "local_sessions", "rate_limits", "credits"},
		DocURL:       "https://github.com/openai/codex",
		ReauthHint:   "codex login",
	}
}

type usagePayload struct {
	UserID               string                 `json:"user_id,omitempty"`
	AccountID            string                 `json:"account_id,omitempty"`
	Email                string                 `json:"email,omitempty"`
	PlanType             string                 `json:"plan_type,omitempty"`
	RateLimit            *usageLimitDetails     `json:"rate_limit,omitempty"`
	CodeReviewRateLimit  *usageLimitDetails     `json:"code_review_rate_limit,omitempty"`
	AdditionalRateLimits []usageAdditionalLimit `json:"additional_rate_limits,omitempty"`
	Credits              *usageCredits          `json:"credits,omitempty"`
}

type usageLimitDetails struct {
	Allowed         bool             `json:"allowed"`
	LimitReached    bool             `json:"limit_reached"`
	PrimaryWindow   *usageWindowInfo `json:"primary_window,omitempty"`
	SecondaryWindow *usageWindowInfo `json:"secondary_window,omitempty"`
}

type usageWindowInfo struct {
	UsedPercent        float64 `json:"used_percent"`
	LimitWindowSeconds int     `json:"limit_window_seconds"`
	ResetAt            int64   `json:"reset_at"`
}

type usageAdditionalLimit struct {
	LimitName      string             `json:"limit_name,omitempty"`
	MeteredFeature string             `json:"metered_feature,omitempty"`
	RateLimit      *usageLimitDetails `json:"rate_limit,omitempty"`
}

type usageCredits struct {
	HasCredits bool `json:"has_credits"`
	Unlimited  bool `json:"unlimited"`
	Balance    any  `json:"balance"`
}

type versionInfo struct {
	LatestVersion string `json:"latest_version"`
}

func (p *Provider) Fetch(ctx context.Context, cfg core.ProviderConfig) (core.UsageSnapshot, error) {
	now := p.now()
	snap := core.UsageSnapshot{
		ProviderID: cfg.ID,
		Kind:       core.KindCodex,
		Timestamp:  now,
		Status:     core.StatusOK,
	}

	configDir := p.resolveConfigDir(cfg)
	sessionsDir := cfg.SessionDir
	if sessionsDir == "" && configDir != "" {
		sessionsDir = filepath.Join(configDir, "sessions")
	}

	cliVersion := readCLIVersion(configDir)
	snap.SetRaw("cli_version", cliVersion)

	local, localErr := sessionlog.ScanDir(sessionsDir, now.Add(-sessionLookback))
	if localErr != nil {
		snap.SetRaw("session_error", localErr.Error())
	}
	hasLocal := local.Messages > 0 || local.TotalTokens > 0 || local.Primary != nil || local.Secondary != nil

	live, liveErr := providerbase.FetchWithReauth(ctx, p.store, core.KindCodex, p.now,
		func(ctx context.Context, creds *credstore.Credentials) (core.UsageSnapshot, error) {
			return p.probeLive(ctx, cfg, configDir, creds, cliVersion)
		})
	hasLive := liveErr == nil

	switch {
	case hasLive:
		mergeLive(&snap, live)
	case hasLocal:
		snap.SetRaw("usage_api_error", liveErr.Error())
	default:
		if core.IsUnauthorized(liveErr) {
			snap.Status = core.StatusAuth
			snap.Message = "sign in with `codex login`"
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

// probeLive walks the base/path candidates and returns the first snapshot
// that parses. Unauthorized aborts the search immediately so the caller's
// refresh-and-retry does not hammer every candidate with a dead token.
func (p *Provider) probeLive(ctx context.Context, cfg core.ProviderConfig, configDir string, creds *credstore.Credentials, cliVersion string) (core.UsageSnapshot, error) {
	token := creds.Token()
	if token == "" {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindCodex,
			Failure:  core.ProbeUnauthorized,
			Message:  "auth.json has no usable token",
		}
	}

	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"User-Agent":    userAgent(cliVersion),
	}
	if creds.AccountID != "" {
		headers["ChatGPT-Account-Id"] = creds.AccountID
	}

	var lastErr error
	for _, base := range p.baseCandidates(cfg, configDir) {
		for _, url := range usageURLCandidates(base) {
			var payload usagePayload
			err := providerbase.DoJSON(ctx, p.client, core.KindCodex, http.MethodGet, url, headers, nil, &payload)
			if err == nil {
				return snapshotFromPayload(&payload, p.now()), nil
			}
			if core.IsUnauthorized(err) {
				return core.UsageSnapshot{}, err
			}
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = &core.ProbeError{Provider: core.KindCodex, Failure: core.ProbeNoData, Message: "no usage endpoint candidates"}
	}
	return core.UsageSnapshot{}, lastErr
}

func snapshotFromPayload(payload *usagePayload, now time.Time) core.UsageSnapshot {
	snap := core.UsageSnapshot{
		Kind:      core.KindCodex,
		Timestamp: now,
		Status:    core.StatusOK,
	}

	if payload.RateLimit != nil {
		snap.Primary = windowFromInfo(payload.RateLimit.PrimaryWindow)
		snap.Secondary = windowFromInfo(payload.RateLimit.SecondaryWindow)
	}
	if payload.PlanType != "" {
		snap.Plan = core.NormalizePlanTier(payload.PlanType)
		snap.SetRaw("plan_type", payload.PlanType)
	}
	snap.SetRaw("account_email", payload.Email)
	snap.SetRaw("account_id", payload.AccountID)

	if cr := payload.CodeReviewRateLimit; cr != nil && cr.PrimaryWindow != nil {
		w := cr.PrimaryWindow
		snap.SetRaw("code_review_usage", formatWindowUsage(w.UsedPercent, secondsToMinutes(w.LimitWindowSeconds)))
	}
	for _, extra := range payload.AdditionalRateLimits {
		name := providerbase.FirstNonEmpty(extra.MeteredFeature, extra.LimitName)
		if name == "" || extra.RateLimit == nil || extra.RateLimit.PrimaryWindow == nil {
			continue
		}
		w := extra.RateLimit.PrimaryWindow
		snap.SetRaw("limit_"+name, formatWindowUsage(w.UsedPercent, secondsToMinutes(w.LimitWindowSeconds)))
	}

	applyCredits(&snap, payload.Credits)
	return snap
}

func windowFromInfo(info *usageWindowInfo) *core.UsageWindow {
	if info == nil {
		return nil
	}
	w := &core.UsageWindow{
		UsedPercent: info.UsedPercent,
		Minutes:     secondsToMinutes(info.LimitWindowSeconds),
	}
	if info.ResetAt > 0 {
		t := time.Unix(info.ResetAt, 0)
		w.ResetsAt = &t
	}
	return w
}

func applyCredits(snap *core.UsageSnapshot, credits *usageCredits) {
	if credits == nil {
		return
	}
	switch {
	case credits.Unlimited:
		snap.SetRaw("credits", "unlimited")
	case credits.HasCredits:
		snap.SetRaw("credits", "available")
		snap.SetRaw("credit_balance", formatCreditsBalance(credits.Balance))
	default:
		snap.SetRaw("credits", "none")
	}
}

func formatCreditsBalance(balance any) string {
	switch v := balance.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return ""
		}
		return v
	case float64:
		return fmt.Sprintf("$%.2f", v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return fmt.Sprintf("$%.2f", f)
		}
	}
	return ""
}

// mergeLive copies the remote result into the outgoing snapshot, keeping
// any diagnostics already recorded there.
func mergeLive(snap *core.UsageSnapshot, live core.UsageSnapshot) {
	snap.Primary = live.Primary
	snap.Secondary = live.Secondary
	snap.Plan = live.Plan
	for k, v := range live.Raw {
		snap.SetRaw(k, v)
	}
}

// applyLocal folds local session counters into the snapshot. Rate-limit
// windows from the logs only fill in whatever the live probe left empty;
// the backend's own accounting is fresher than the last rollout event.
func applyLocal(snap *core.UsageSnapshot, local sessionlog.SessionData) {
	snap.Messages = local.Messages
	snap.InputTokens = local.InputTokens
	snap.OutputTokens = local.OutputTokens
	snap.TotalTokens = local.TotalTokens
	snap.Estimated = local.Estimated

	if snap.Primary == nil {
		snap.Primary = windowFromStats(local.Primary)
	}
	if snap.Secondary == nil {
		snap.Secondary = windowFromStats(local.Secondary)
	}
	if snap.Plan == "" && local.Plan != "" {
		snap.Plan = core.NormalizePlanTier(local.Plan)
		snap.SetRaw("plan_type", local.Plan)
	}
}

func windowFromStats(stats *sessionlog.WindowStats) *core.UsageWindow {
	if stats == nil {
		return nil
	}
	w := &core.UsageWindow{UsedPercent: stats.UsedPercent, Minutes: stats.Minutes}
	if !stats.ResetAt.IsZero() {
		t := stats.ResetAt
		w.ResetsAt = &t
	}
	return w
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

// resolveConfigDir also keeps the credential store pointed at the right
// auth.json when the config overrides it.
func (p *Provider) resolveConfigDir(cfg core.ProviderConfig) string {
	authPath := cfg.CredentialFile
	configDir := ""
	if authPath != "" {
		configDir = filepath.Dir(authPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(home, defaultConfigDirName)
		authPath = filepath.Join(configDir, "auth.json")
	}

	p.mu.Lock()
	if authPath != "" && authPath != p.authPath {
		p.store.SetSource(credstore.Source{
			Kind:    core.KindCodex,
			Backend: secretstore.File{},
			Key:     authPath,
		})
		p.authPath = authPath
	}
	p.mu.Unlock()
	return configDir
}

// PrimeCredentials points the shared credential store at this config's
// auth.json without performing a fetch.
func (p *Provider) PrimeCredentials(cfg core.ProviderConfig) {
	p.resolveConfigDir(cfg)
}

func (p *Provider) baseCandidates(cfg core.ProviderConfig, configDir string) []string {
	var bases []string
	seen := make(map[string]bool)
	add := func(raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		base := normalizeChatGPTBaseURL(raw)
		if !seen[base] {
			seen[base] = true
			bases = append(bases, base)
		}
	}

	add(cfg.BaseURL)
	add(readChatGPTBaseURLFromConfig(configDir))
	add(defaultChatGPTBaseURL)
	return bases
}

// readChatGPTBaseURLFromConfig pulls chatgpt_base_url out of config.toml
// with a line scan; the file carries plenty of keys this probe never
// needs a full TOML parser for.
func readChatGPTBaseURLFromConfig(configDir string) string {
	if configDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(configDir, "config.toml"))
	if err != nil {
		return ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || !strings.HasPrefix(line, "chatgpt_base_url") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if val := strings.Trim(strings.TrimSpace(parts[1]), "\"'"); val != "" {
			return val
		}
	}
	return ""
}

func normalizeChatGPTBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return defaultChatGPTBaseURL
	}
	if (strings.HasPrefix(baseURL, "https://chatgpt.com") || strings.HasPrefix(baseURL, "https://chat.openai.com")) &&
		!strings.Contains(baseURL, "/backend-api") {
		baseURL += "/backend-api"
	}
	return baseURL
}

// usageURLCandidates returns the paths to try against one base. The
// backend-api surface has a single known path; for anything else (local
// proxies, self-hosted relays) both layouts are in the wild.
func usageURLCandidates(base string) []string {
	if strings.Contains(base, "/backend-api") {
		return []string{base + "/wham/usage"}
	}
	return []string{base + "/api/codex/usage", base + "/wham/usage"}
}

func userAgent(cliVersion string) string {
	if cliVersion != "" {
		return "codex-cli/" + cliVersion
	}
	return "codex-cli"
}

func readCLIVersion(configDir string) string {
	if configDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(configDir, "version.json"))
	if err != nil {
		return ""
	}
	var ver versionInfo
	if json.Unmarshal(data, &ver) != nil {
		return ""
	}
	return ver.LatestVersion
}

func secondsToMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

func formatWindowUsage(usedPercent float64, minutes int) string {
	label := core.FormatWindow(minutes)
	if label == "" {
		return fmt.Sprintf("%.0f%%", usedPercent)
	}
	return fmt.Sprintf("%.0f%% of %s", usedPercent, label)
}
