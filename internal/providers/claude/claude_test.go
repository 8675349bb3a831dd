package claude

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/credstore"
	"github.com/quotabar/quotabar/internal/providers/providerbase"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p := New(credstore.New())
	p.now = func() time.Time { return testNow }
	p.cache = providerbase.NewProbeCache(providerbase.DefaultProbeCooldown, p.now)
	return p
}

func writeCredentialsFile(t *testing.T, path string) {
	t.Helper()
	payload := `{"claudeAiOauth":{"accessToken":"sk-ant-oat-test","refreshToken":"sk-ant-ort-test","subscriptionType":"default_claude_max_5x","scopes":["user:inference","user:profile"]}}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatal(err)
	}
}

func writeSessionFile(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	projDir := filepath.Join(dir, "my-project")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(projDir, "chat.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func assistantLine(ts time.Time, model string, input, output int) string {
	return `{"type":"assistant","timestamp":"` + ts.Format(time.RFC3339) + `","message":{"model":"` + model +
		`","usage":{"input_tokens":` + strconv.Itoa(input) + `,"output_tokens":` + strconv.Itoa(output) + `}}}`
}

func TestDescribe(t *testing.T) {
	p := newTestProvider(t)
	if p.Kind() != core.KindClaude {
		t.Fatalf("Kind = %q", p.Kind())
	}
	info := p.Describe()
	if info.Name != "Claude Code" {
		t.Errorf("Name = %q", info.Name)
	}
	if info.ReauthHint != "claude /login" {
		t.Errorf("ReauthHint = %q", info.ReauthHint)
	}
}

func TestFetchLiveUsage(t *testing.T) {
	t.Setenv(oauthTokenEnv, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-ant-oat-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("anthropic-beta"); got != oauthBetaHeader {
			t.Errorf("anthropic-beta = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"five_hour": {"utilization": 42.5, "resets_at": "2026-02-10T14:00:00Z"},
			"seven_day": {"utilization": 61.0, "resets_at": "2026-02-14T00:00:00Z"},
			"seven_day_opus": {"utilization": 12.5, "resets_at": "2026-02-14T00:00:00Z"}
		}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	credFile := filepath.Join(dir, ".credentials.json")
	writeCredentialsFile(t, credFile)

	p := newTestProvider(t)
	p.usageURL = srv.URL

	snap, err := p.Fetch(context.Background(), core.ProviderConfig{
		ID: "claude", Kind: core.KindClaude, CredentialFile: credFile,
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap.Status != core.StatusOK {
		t.Errorf("Status = %q (%s)", snap.Status, snap.Message)
	}
	if snap.Primary == nil || snap.Primary.UsedPercent != 42.5 || snap.Primary.Minutes != 300 {
		t.Errorf("Primary = %+v", snap.Primary)
	}
	wantReset := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	if snap.Primary.ResetsAt == nil || !snap.Primary.ResetsAt.Equal(wantReset) {
		t.Errorf("Primary.ResetsAt = %v", snap.Primary.ResetsAt)
	}
	if snap.Secondary == nil || snap.Secondary.UsedPercent != 61.0 || snap.Secondary.Minutes != 10080 {
		t.Errorf("Secondary = %+v", snap.Secondary)
	}
	if snap.Plan != "Max" {
		t.Errorf("Plan = %q", snap.Plan)
	}
	if got := snap.Raw["plan_raw"]; got != "default_claude_max_5x" {
		t.Errorf("plan_raw = %q", got)
	}
	if got := snap.Raw["seven_day_opus"]; got != "12.5%" {
		t.Errorf("seven_day_opus = %q", got)
	}
	if snap.Message != "live usage data" {
		t.Errorf("Message = %q", snap.Message)
	}
}

func TestFetchMergesLiveAndSessions(t *testing.T) {
	t.Setenv(oauthTokenEnv, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"five_hour": {"utilization": 55.0, "resets_at": "2026-02-10T15:00:00Z"}}`))
	}))
	defer srv.Close()

	base := t.TempDir()
	claudeDir := filepath.Join(base, ".claude")
	sessionsDir := filepath.Join(claudeDir, "projects")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	credFile := filepath.Join(claudeDir, ".credentials.json")
	writeCredentialsFile(t, credFile)
	writeSessionFile(t, sessionsDir, assistantLine(testNow.Add(-time.Hour), "claude-opus-4-1", 1000, 500))

	accountFile := filepath.Join(base, ".claude.json")
	account := `{"oauthAccount":{"emailAddress":"dev@example.com","organizationUuid":"org-1234"},"numStartups":3}`
	if err := os.WriteFile(accountFile, []byte(account), 0o600); err != nil {
		t.Fatal(err)
	}

	p := newTestProvider(t)
	p.usageURL = srv.URL

	snap, err := p.Fetch(context.Background(), core.ProviderConfig{
		ID: "claude", Kind: core.KindClaude, CredentialFile: credFile,
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap.Primary == nil || snap.Primary.UsedPercent != 55.0 {
		t.Errorf("Primary = %+v", snap.Primary)
	}
	if snap.Messages != 1 || snap.InputTokens != 1000 || snap.OutputTokens != 500 || snap.TotalTokens != 1500 {
		t.Errorf("counters = %d msgs %d/%d/%d tokens", snap.Messages, snap.InputTokens, snap.OutputTokens, snap.TotalTokens)
	}
	wantCost := 1000*15.0/1_000_000 + 500*75.0/1_000_000
	if snap.Cost == nil || math.Abs(snap.Cost.Amount-wantCost) > 1e-12 {
		t.Errorf("Cost = %+v, want %v", snap.Cost, wantCost)
	}
	if !snap.Estimated {
		t.Error("Estimated = false")
	}
	if got := snap.Raw["models"]; got != "claude-opus-4-1" {
		t.Errorf("models = %q", got)
	}
	if got := snap.Raw["account_email"]; got != "dev@example.com" {
		t.Errorf("account_email = %q", got)
	}
	if snap.Message != "live usage + local session data" {
		t.Errorf("Message = %q", snap.Message)
	}
}

func TestFetchFallsBackToSessions(t *testing.T) {
	t.Setenv(oauthTokenEnv, "")

	base := t.TempDir()
	claudeDir := filepath.Join(base, ".claude")
	sessionsDir := filepath.Join(claudeDir, "projects")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeSessionFile(t, sessionsDir, assistantLine(testNow.Add(-2*time.Hour), "claude-sonnet-4-5", 200, 100))

	p := newTestProvider(t)

	snap, err := p.Fetch(context.Background(), core.ProviderConfig{
		ID: "claude", Kind: core.KindClaude,
		CredentialFile: filepath.Join(claudeDir, ".credentials.json"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap.Status != core.StatusOK {
		t.Errorf("Status = %q (%s)", snap.Status, snap.Message)
	}
	if snap.Messages != 1 || snap.TotalTokens != 300 {
		t.Errorf("counters = %d msgs %d tokens", snap.Messages, snap.TotalTokens)
	}
	if snap.Raw["usage_api_error"] == "" {
		t.Error("usage_api_error not recorded")
	}
	if snap.Message != "local session data" {
		t.Errorf("Message = %q", snap.Message)
	}
}

func TestFetchAuthRequired(t *testing.T) {
	t.Setenv(oauthTokenEnv, "")

	p := newTestProvider(t)
	snap, err := p.Fetch(context.Background(), core.ProviderConfig{
		ID: "claude", Kind: core.KindClaude,
		CredentialFile: filepath.Join(t.TempDir(), ".credentials.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.StatusAuth {
		t.Fatalf("Status = %q", snap.Status)
	}
	if !strings.Contains(snap.Message, "claude /login") {
		t.Errorf("Message = %q", snap.Message)
	}
}

func TestFetchHeaderProbeFallback(t *testing.T) {
	t.Setenv(oauthTokenEnv, "")

	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer usageSrv.Close()

	var inferenceCalls atomic.Int32
	inferenceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inferenceCalls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		var body struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding probe body: %v", err)
		}
		if body.Model != defaultProbeModel || body.MaxTokens != 1 {
			t.Errorf("probe body = %+v", body)
		}
		w.Header().Set("anthropic-ratelimit-requests-limit", "1000")
		w.Header().Set("anthropic-ratelimit-requests-remaining", "250")
		w.Header().Set("anthropic-ratelimit-requests-reset", "2026-02-10T12:05:00Z")
		w.Header().Set("anthropic-ratelimit-tokens-limit", "100000")
		w.Header().Set("anthropic-ratelimit-tokens-remaining", "40000")
		w.Write([]byte(`{"id":"msg_probe"}`))
	}))
	defer inferenceSrv.Close()

	dir := t.TempDir()
	credFile := filepath.Join(dir, ".credentials.json")
	writeCredentialsFile(t, credFile)

	p := newTestProvider(t)
	p.usageURL = usageSrv.URL
	p.inferenceURL = inferenceSrv.URL

	cfg := core.ProviderConfig{ID: "claude", Kind: core.KindClaude, CredentialFile: credFile}
	snap, err := p.Fetch(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if snap.Primary == nil || snap.Primary.UsedPercent != 75.0 || snap.Primary.Minutes != 1 {
		t.Errorf("Primary = %+v", snap.Primary)
	}
	if snap.Secondary == nil || snap.Secondary.UsedPercent != 60.0 {
		t.Errorf("Secondary = %+v", snap.Secondary)
	}
	if got := snap.Raw["quota_source"]; got != "headers" {
		t.Errorf("quota_source = %q", got)
	}
	if got := snap.Raw["requests_remaining"]; got != "250" {
		t.Errorf("requests_remaining = %q", got)
	}

	// Within the cooldown a second refresh must reuse the cached probe.
	if _, err := p.Fetch(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if n := inferenceCalls.Load(); n != 1 {
		t.Errorf("inference calls = %d, want 1", n)
	}
}

func TestFetchWebUsage(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/organizations/org-1234/usage" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Cookie"); got != "lastActiveOrg=org-1234; sessionKey=sk-ant-sid01-x" {
			t.Errorf("Cookie = %q", got)
		}
		if got := r.Header.Get("anthropic-client-platform"); got != "web_claude_ai" {
			t.Errorf("anthropic-client-platform = %q", got)
		}
		if got := r.Header.Get("Referer"); got != srv.URL+"/settings/usage" {
			t.Errorf("Referer = %q", got)
		}
		w.Write([]byte(`{
			"five_hour": {"utilization": 30.0, "resets_at": "2026-02-10T13:00:00Z"},
			"seven_day": {"utilization": 80.0, "resets_at": "2026-02-15T00:00:00Z"}
		}`))
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.webBase = srv.URL

	snap, err := p.fetchWebUsage(context.Background(), "org-1234", map[string]string{
		"sessionKey":    "sk-ant-sid01-x",
		"lastActiveOrg": "org-1234",
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Primary == nil || snap.Primary.UsedPercent != 30.0 {
		t.Errorf("Primary = %+v", snap.Primary)
	}
	if snap.Secondary == nil || snap.Secondary.UsedPercent != 80.0 {
		t.Errorf("Secondary = %+v", snap.Secondary)
	}
}

func TestFetchWebUsageSessionExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.webBase = srv.URL

	_, err := p.fetchWebUsage(context.Background(), "org-1", map[string]string{"sessionKey": "stale"})
	if !core.IsUnauthorized(err) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func encryptChromiumValue(t *testing.T, key []byte, value string) []byte {
	t.Helper()
	plain := make([]byte, chromiumPrefixLen, chromiumPrefixLen+len(value)+aes.BlockSize)
	plain = append(plain, []byte(value)...)
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	for i := 0; i < pad; i++ {
		plain = append(plain, byte(pad))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, []byte("                ")).CryptBlocks(ciphertext, plain)
	return append([]byte("v10"), ciphertext...)
}

func TestDecryptChromiumCookie(t *testing.T) {
	key := pbkdf2.Key([]byte("safe-storage-password"), []byte(chromiumSalt), chromiumIterations, chromiumKeyLen, sha1.New)

	encrypted := encryptChromiumValue(t, key, "sk-ant-sid01-secret")
	got, err := decryptChromiumCookie(encrypted, key)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-ant-sid01-secret" {
		t.Errorf("decrypted = %q", got)
	}

	if _, err := decryptChromiumCookie([]byte("v9"), key); err == nil {
		t.Error("short input: want error")
	}
	bad := append([]byte("v11"), encrypted[3:]...)
	if _, err := decryptChromiumCookie(bad, key); err == nil {
		t.Error("wrong version: want error")
	}
	if _, err := decryptChromiumCookie([]byte("v10abc"), key); err == nil {
		t.Error("misaligned ciphertext: want error")
	}
}

func TestScanProjects(t *testing.T) {
	dir := t.TempDir()
	since := testNow.Add(-24 * time.Hour)

	writeSessionFile(t, dir,
		assistantLine(testNow.Add(-time.Hour), "claude-opus-4-1", 1000, 500),
		assistantLine(testNow.Add(-2*time.Hour), "claude-sonnet-4-5", 200, 100),
		assistantLine(testNow.Add(-30*time.Hour), "claude-opus-4-1", 9999, 9999),
		`{"type":"user","timestamp":"2026-02-10T11:00:00Z","message":{"role":"user"}}`,
		`{"type":"assistant","timestamp":"2026-02-10T11:30:00Z","message":{"model":"claude-opus-4-1"}}`,
		`{"type":"assistant","broken`,
	)

	oldDir := filepath.Join(dir, "old-project")
	if err := os.MkdirAll(oldDir, 0o755); err != nil {
		t.Fatal(err)
	}
	oldFile := filepath.Join(oldDir, "stale.jsonl")
	if err := os.WriteFile(oldFile, []byte(assistantLine(testNow.Add(-time.Hour), "claude-opus-4-1", 5000, 5000)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := testNow.Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatal(err)
	}

	stats := scanProjects(dir, since)
	if stats.Messages != 2 {
		t.Errorf("Messages = %d", stats.Messages)
	}
	if stats.InputTokens != 1200 || stats.OutputTokens != 600 || stats.TotalTokens != 1800 {
		t.Errorf("tokens = %d/%d/%d", stats.InputTokens, stats.OutputTokens, stats.TotalTokens)
	}
	if stats.CostUSD <= 0 {
		t.Error("CostUSD not accumulated")
	}
	if got := stats.ModelList(); got != "claude-opus-4-1, claude-sonnet-4-5" {
		t.Errorf("ModelList = %q", got)
	}

	empty := scanProjects(filepath.Join(dir, "missing"), since)
	if empty.Messages != 0 {
		t.Errorf("missing dir: Messages = %d", empty.Messages)
	}
}

func TestReadAccountFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, ".claude.json")
	payload := `{"oauthAccount":{"emailAddress":"dev@example.com","organizationUuid":"org-1"},"numStartups":5}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatal(err)
	}
	got := readAccountFile(path)
	if got.Email != "dev@example.com" || got.OrgUUID != "org-1" {
		t.Errorf("account = %+v", got)
	}

	if got := readAccountFile(filepath.Join(dir, "missing.json")); got != (accountInfo{}) {
		t.Errorf("missing file: %+v", got)
	}

	noAccount := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(noAccount, []byte(`{"numStartups":5}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := readAccountFile(noAccount); got != (accountInfo{}) {
		t.Errorf("no oauthAccount key: %+v", got)
	}
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		model string
		usage jsonlUsage
		want  float64
	}{
		{"claude-opus-4-1", jsonlUsage{InputTokens: 1_000_000}, 15.0},
		{"claude-sonnet-4-5", jsonlUsage{OutputTokens: 1_000_000}, 15.0},
		{"claude-haiku-3-5", jsonlUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 4.80},
		{"claude-opus-4-1", jsonlUsage{CacheReadInputTokens: 1_000_000, CacheCreationInputTokens: 1_000_000}, 20.25},
		{"mystery-model", jsonlUsage{InputTokens: 1_000_000}, 3.0},
	}
	for _, tt := range tests {
		got := estimateCost(tt.model, &tt.usage)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("estimateCost(%q, %+v) = %v, want %v", tt.model, tt.usage, got, tt.want)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{42.5, "42.5%"},
		{61.0, "61%"},
		{0, "0%"},
		{99.25, "99.25%"},
	}
	for _, tt := range tests {
		if got := formatPercent(tt.in); got != tt.want {
			t.Errorf("formatPercent(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
