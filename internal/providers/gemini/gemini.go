// Package gemini probes the Gemini CLI's Code Assist quota. Per-model
// quota buckets come from the cloudcode API; local chat logs fill in
// token counters.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/credstore"
	"github.com/quotabar/quotabar/internal/providers/providerbase"
	"github.com/quotabar/quotabar/internal/secretstore"
)

const (
	defaultCodeAssistBase = "https://cloudcode-pa.googleapis.com"
	codeAssistVersion     = "v1internal"

	projectEnv   = "GOOGLE_CLOUD_PROJECT"
	projectIDEnv = "GOOGLE_CLOUD_PROJECT_ID"

	// Buckets reset on a daily cadence.
	quotaWindowMinutes = 1440

	// A bucket under 15% remaining counts as near the limit.
	nearLimitFraction = 0.15

	sessionLookback = 24 * time.Hour
)

type Provider struct {
	store  *credstore.Store
	client *http.Client
	now    func() time.Time

	codeAssistBase string

	mu       sync.Mutex
	credPath string
}

func New(store *credstore.Store) *Provider {
	return &Provider{
		store:          store,
		client:         providerbase.NewHTTPClient(),
		now:            time.Now,
		codeAssistBase: defaultCodeAssistBase,
	}
}

func (p *Provider) Kind() core.ProviderKind { return core.KindGemini }

func (p *Provider) Describe() core.ProviderInfo {
	return core.ProviderInfo{
		Name:         "Gemini CLI",
		Capabilities: []string{"quota_api", "local_sessions"},
		DocURL:       "https://github.com/google-gemini/gemini-cli",
		ReauthHint:   "gemini /auth",
	}
}

type loadCodeAssistRequest struct {
	CloudAICompanionProject string         `json:"cloudaicompanionProject,omitempty"`
	Metadata                clientMetadata `json:"metadata"`
}

type clientMetadata struct {
	IDEType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
	Project    string `json:"duetProject,omitempty"`
}

type loadCodeAssistResponse struct {
	CurrentTier             *tierInfo `json:"currentTier"`
	CloudAICompanionProject string    `json:"cloudaicompanionProject"`
}

type tierInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type retrieveUserUsageRequest struct {
	Project string `json:"project"`
}

type retrieveUserUsageResponse struct {
	Buckets []bucketInfo `json:"buckets"`
}

type bucketInfo struct {
	RemainingAmount   string   `json:"remainingAmount,omitempty"`
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
	TokenType         string   `json:"tokenType,omitempty"`
	ModelID           string   `json:"modelId,omitempty"`
}

func (p *Provider) Fetch(ctx context.Context, cfg core.ProviderConfig) (core.UsageSnapshot, error) {
	now := p.now()
	snap := core.UsageSnapshot{
		ProviderID: cfg.ID,
		Kind:       core.KindGemini,
		Timestamp:  now,
		Status:     core.StatusOK,
	}

	configDir := p.ensureSource(cfg)
	readSidecars(configDir, &snap)

	sessionsDir := cfg.SessionDir
	if sessionsDir == "" && configDir != "" {
		sessionsDir = filepath.Join(configDir, "tmp")
	}
	local := scanSessions(sessionsDir, now.Add(-sessionLookback))
	hasLocal := local.Messages > 0 || local.TotalTokens > 0

	live, liveErr := providerbase.FetchWithReauth(ctx, p.store, core.KindGemini, p.now,
		func(ctx context.Context, creds *credstore.Credentials) (core.UsageSnapshot, error) {
			return p.probeQuota(ctx, creds)
		})
	hasLive := liveErr == nil

	switch {
	case hasLive:
		mergeLive(&snap, live)
	case hasLocal:
		snap.SetRaw("quota_api_error", liveErr.Error())
	default:
		if core.IsUnauthorized(liveErr) {
			snap.Status = core.StatusAuth
			snap.Message = "sign in with `gemini /auth`"
		} else {
			snap.Status = core.StatusUnknown
			snap.Message = "no local sessions found"
			snap.SetRaw("quota_api_error", liveErr.Error())
		}
		return snap, nil
	}

	applyLocal(&snap, local)
	if snap.Primary != nil {
		w := snap.Primary.Rollover(now, quotaWindowMinutes)
		snap.Primary = &w
	}

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

// probeQuota resolves the Cloud AI Companion project, then pulls the
// per-model quota buckets for it. GOOGLE_CLOUD_PROJECT short-circuits the
// project discovery call.
func (p *Provider) probeQuota(ctx context.Context, creds *credstore.Credentials) (core.UsageSnapshot, error) {
	token := creds.Token()
	if token == "" {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindGemini,
			Failure:  core.ProbeUnauthorized,
			Message:  "oauth_creds.json has no usable token",
		}
	}

	project := providerbase.FirstNonEmpty(os.Getenv(projectEnv), os.Getenv(projectIDEnv))
	plan := ""
	if project == "" {
		loaded, err := p.loadCodeAssist(ctx, token)
		if err != nil {
			return core.UsageSnapshot{}, err
		}
		project = loaded.CloudAICompanionProject
		if loaded.CurrentTier != nil {
			plan = providerbase.FirstNonEmpty(loaded.CurrentTier.Name, loaded.CurrentTier.ID)
		}
	}
	if project == "" {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindGemini,
			Failure:  core.ProbeNoData,
			Message:  "no Cloud AI Companion project for this account",
		}
	}

	usage, err := p.retrieveUserUsage(ctx, token, project)
	if err != nil {
		return core.UsageSnapshot{}, err
	}

	snap := p.snapshotFromBuckets(usage.Buckets)
	snap.SetRaw("project_id", project)
	if plan != "" {
		snap.Plan = core.NormalizePlanTier(plan)
		snap.SetRaw("plan_raw", plan)
	}
	return snap, nil
}

func (p *Provider) loadCodeAssist(ctx context.Context, token string) (*loadCodeAssistResponse, error) {
	req := loadCodeAssistRequest{
		Metadata: clientMetadata{
			IDEType:    "IDE_UNSPECIFIED",
			Platform:   "PLATFORM_UNSPECIFIED",
			PluginType: "GEMINI",
		},
	}
	var resp loadCodeAssistResponse
	if err := p.post(ctx, token, "loadCodeAssist", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Provider) retrieveUserUsage(ctx context.Context, token, project string) (*retrieveUserUsageResponse, error) {
	var resp retrieveUserUsageResponse
	if err := p.post(ctx, token, "retrieveUserUsage", retrieveUserUsageRequest{Project: project}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Provider) post(ctx context.Context, token, method string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gemini: marshal %s request: %w", method, err)
	}
	url := fmt.Sprintf("%s/%s:%s", p.codeAssistBase, codeAssistVersion, method)
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	return providerbase.DoJSON(ctx, p.client, core.KindGemini, http.MethodPost, url, headers, bytes.NewReader(payload), out)
}

// snapshotFromBuckets maps the bucket list to a snapshot. The worst
// still-active bucket drives both the primary window and the status;
// buckets whose reset already passed no longer constrain anything.
func (p *Provider) snapshotFromBuckets(buckets []bucketInfo) core.UsageSnapshot {
	now := p.now()
	snap := core.UsageSnapshot{
		Kind:      core.KindGemini,
		Timestamp: now,
		Status:    core.StatusOK,
	}
	if len(buckets) == 0 {
		snap.SetRaw("quota_buckets", "none returned")
		return snap
	}

	worst := 1.0
	var primary *core.UsageWindow
	for i := range buckets {
		b := &buckets[i]
		if b.RemainingFraction == nil {
			continue
		}
		w := windowFromBucket(b)
		snap.SetRaw(bucketKey(b), formatPercentUsed(w.UsedPercent))

		active := w.ResetsAt == nil || w.ResetsAt.After(now)
		if active && *b.RemainingFraction < worst {
			worst = *b.RemainingFraction
			primary = w
		}
	}
	if primary == nil {
		for i := range buckets {
			if buckets[i].RemainingFraction != nil {
				primary = windowFromBucket(&buckets[i])
				break
			}
		}
	}
	snap.Primary = primary

	switch {
	case worst <= 0:
		snap.Status = core.StatusLimited
	case worst < nearLimitFraction:
		snap.Status = core.StatusNearLimit
	}
	return snap
}

func windowFromBucket(b *bucketInfo) *core.UsageWindow {
	w := &core.UsageWindow{
		UsedPercent: core.ClampPercent((1 - *b.RemainingFraction) * 100),
		Minutes:     quotaWindowMinutes,
	}
	if t, err := time.Parse(time.RFC3339, b.ResetTime); err == nil {
		w.ResetsAt = &t
	}
	return w
}

func bucketKey(b *bucketInfo) string {
	model := sanitizeKey(b.ModelID)
	if model == "" {
		model = "unknown_model"
	}
	token := sanitizeKey(b.TokenType)
	if token == "" {
		token = "quota"
	}
	return "quota_" + model + "_" + token
}

func sanitizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func formatPercentUsed(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".") + "% used"
}

func mergeLive(snap *core.UsageSnapshot, live core.UsageSnapshot) {
	snap.Status = live.Status
	snap.Primary = live.Primary
	snap.Secondary = live.Secondary
	if live.Plan != "" {
		snap.Plan = live.Plan
	}
	for k, v := range live.Raw {
		snap.SetRaw(k, v)
	}
}

func applyLocal(snap *core.UsageSnapshot, local sessionStats) {
	snap.Messages = local.Messages
	snap.InputTokens = local.InputTokens
	snap.OutputTokens = local.OutputTokens
	snap.TotalTokens = local.TotalTokens
	if len(local.Models) > 0 {
		snap.SetRaw("models", local.ModelList())
	}
	if local.Sessions > 0 {
		snap.SetRaw("sessions", strconv.Itoa(local.Sessions))
	}
	if local.ToolCalls > 0 {
		snap.SetRaw("tool_calls", strconv.Itoa(local.ToolCalls))
	}
}

func readSidecars(configDir string, snap *core.UsageSnapshot) {
	if configDir == "" {
		return
	}
	if data, err := os.ReadFile(filepath.Join(configDir, "google_accounts.json")); err == nil {
		var accounts struct {
			Active string `json:"active"`
		}
		if json.Unmarshal(data, &accounts) == nil {
			snap.SetRaw("account_email", accounts.Active)
		}
	}
	if data, err := os.ReadFile(filepath.Join(configDir, "settings.json")); err == nil {
		var settings struct {
			Security struct {
				Auth struct {
					SelectedType string `json:"selectedType"`
				} `json:"auth"`
			} `json:"security"`
		}
		if json.Unmarshal(data, &settings) == nil {
			snap.SetRaw("auth_type", settings.Security.Auth.SelectedType)
		}
	}
}

// ensureSource points the shared credential store at this install's
// oauth_creds.json. Returns the Gemini config directory.
func (p *Provider) ensureSource(cfg core.ProviderConfig) string {
	credPath := cfg.CredentialFile
	configDir := ""
	if credPath != "" {
		configDir = filepath.Dir(credPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(home, ".gemini")
		credPath = filepath.Join(configDir, "oauth_creds.json")
	}

	p.mu.Lock()
	if credPath != "" && credPath != p.credPath {
		p.store.SetSource(credstore.Source{Kind: core.KindGemini, Backend: secretstore.File{}, Key: credPath})
		p.credPath = credPath
	}
	p.mu.Unlock()
	return configDir
}

// PrimeCredentials points the shared credential store at this config's
// oauth_creds.json without performing a fetch.
func (p *Provider) PrimeCredentials(cfg core.ProviderConfig) {
	p.ensureSource(cfg)
}
