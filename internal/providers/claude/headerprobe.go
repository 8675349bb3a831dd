package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/parsers"
)

const (
	defaultProbeModel = "claude-3-5-haiku-latest"
	probeCacheKey     = "claude-headers"
)

// headerProbe burns a single one-token completion and reads the quota state
// from the anthropic-ratelimit response headers. Results are cached so a
// flapping usage endpoint does not turn every refresh into a paid request.
func (p *Provider) headerProbe(ctx context.Context, cfg core.ProviderConfig) (core.UsageSnapshot, error) {
	if snap, ok := p.cache.Get(probeCacheKey); ok {
		return snap, nil
	}

	creds, err := p.store.Lookup(core.KindClaude)
	if err != nil {
		return core.UsageSnapshot{}, fmt.Errorf("claude: header probe: %w", err)
	}
	if creds == nil || creds.Token() == "" {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeUnauthorized,
			Message:  "no token for header probe",
		}
	}

	model := cfg.ProbeModel
	if model == "" {
		model = defaultProbeModel
	}
	payload, err := json.Marshal(map[string]any{
		"model":      model,
		"max_tokens": 1,
		"messages":   []map[string]string{{"role": "user", "content": "."}},
	})
	if err != nil {
		return core.UsageSnapshot{}, fmt.Errorf("claude: header probe: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.inferenceURL, bytes.NewReader(payload))
	if err != nil {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeInvalidURL,
			Message:  err.Error(),
		}
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token())
	req.Header.Set("anthropic-beta", oauthBetaHeader)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return core.UsageSnapshot{}, fmt.Errorf("claude: header probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeUnauthorized,
			Code:     resp.StatusCode,
			Message:  "header probe rejected",
		}
	}

	requests := parsers.ParseRateLimitGroup(resp.Header,
		"anthropic-ratelimit-requests-limit",
		"anthropic-ratelimit-requests-remaining",
		"anthropic-ratelimit-requests-reset")
	tokens := parsers.ParseRateLimitGroup(resp.Header,
		"anthropic-ratelimit-tokens-limit",
		"anthropic-ratelimit-tokens-remaining",
		"anthropic-ratelimit-tokens-reset")
	if requests == nil && tokens == nil {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeNoData,
			Code:     resp.StatusCode,
			Message:  "no rate limit headers in response",
		}
	}

	snap := core.UsageSnapshot{
		Kind:      core.KindClaude,
		Timestamp: p.now(),
		Status:    core.StatusOK,
	}
	snap.Primary = requests.Window(1)
	snap.Secondary = tokens.Window(1)
	if requests != nil && requests.Remaining != nil {
		snap.SetRaw("requests_remaining", strconv.Itoa(int(*requests.Remaining)))
	}
	if tokens != nil && tokens.Remaining != nil {
		snap.SetRaw("tokens_remaining", strconv.Itoa(int(*tokens.Remaining)))
	}

	p.cache.Put(probeCacheKey, snap)
	return snap, nil
}
