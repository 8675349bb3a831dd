package credstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/secretstore"
)

const claudeEnvelope = `{"claudeAiOauth":{"accessToken":"at-1","refreshToken":"rt-1",` +
	`"expiresAt":1700000000000,"scopes":["user:inference"],"subscriptionType":"max","foo":"bar"}}`

func claudeStore(t *testing.T, data string) (*Store, *secretstore.Memory) {
	t.Helper()
	mem := secretstore.NewMemory()
	if data != "" {
		if err := mem.Put(secretstore.Entry{Service: "Claude Code-credentials", Account: "tester", Data: []byte(data)}); err != nil {
			t.Fatal(err)
		}
	}
	s := New(Source{
		Kind:    core.KindClaude,
		Backend: mem,
		Key:     "Claude Code-credentials",
		Prefix:  "Claude Code",
	})
	return s, mem
}

func TestLookupMissingIsNotError(t *testing.T) {
	s, _ := claudeStore(t, "")
	creds, err := s.Lookup(core.KindClaude)
	if err != nil {
		t.Fatalf("Lookup() error = %v, want nil", err)
	}
	if creds != nil {
		t.Fatalf("Lookup() = %+v, want nil for absent credentials", creds)
	}
}

func TestDecodeClaudeShapes(t *testing.T) {
	bare := `{"accessToken":"at-1","refreshToken":"rt-1","expiresAt":1700000000000,` +
		`"scopes":["user:inference"],"subscriptionType":"max"}`

	enveloped, err := decodeClaude([]byte(claudeEnvelope))
	if err != nil {
		t.Fatal(err)
	}
	flat, err := decodeClaude([]byte(bare))
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []*Credentials{enveloped, flat} {
		if c.AccessToken != "at-1" || c.RefreshToken != "rt-1" {
			t.Errorf("tokens = (%q, %q)", c.AccessToken, c.RefreshToken)
		}
		if want := time.UnixMilli(1700000000000); !c.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, want)
		}
		if len(c.Scopes) != 1 || c.Scopes[0] != "user:inference" {
			t.Errorf("Scopes = %v", c.Scopes)
		}
		if c.PlanHint != "max" {
			t.Errorf("PlanHint = %q", c.PlanHint)
		}
	}

	raw, err := decodeClaude([]byte("sk-ant-oat01-xyz\n"))
	if err != nil {
		t.Fatal(err)
	}
	if raw.AccessToken != "sk-ant-oat01-xyz" || !raw.rawText {
		t.Errorf("raw token decode = %+v", raw)
	}
	if raw.Expired(time.Now()) {
		t.Error("raw token with no expiry reported expired")
	}
}

func TestLookupBroadenedPrefix(t *testing.T) {
	mem := secretstore.NewMemory()
	// The CLI renamed its entry; only the prefix still matches.
	if err := mem.Put(secretstore.Entry{Service: "Claude Code", Account: "tester", Data: []byte(claudeEnvelope)}); err != nil {
		t.Fatal(err)
	}
	s := New(Source{
		Kind:    core.KindClaude,
		Backend: mem,
		Key:     "Claude Code-credentials",
		Prefix:  "Claude Code",
	})

	creds, err := s.Lookup(core.KindClaude)
	if err != nil {
		t.Fatal(err)
	}
	if creds == nil || creds.AccessToken != "at-1" {
		t.Fatalf("broadened lookup failed: %+v", creds)
	}
	if creds.service != "Claude Code" {
		t.Errorf("service = %q, want the renamed entry", creds.service)
	}
}

func TestRefreshNoRefreshTokenLeavesCache(t *testing.T) {
	expired := `{"claudeAiOauth":{"accessToken":"at-1","expiresAt":1}}`
	s, _ := claudeStore(t, expired)

	before, err := s.Lookup(core.KindClaude)
	if err != nil || before == nil {
		t.Fatalf("Lookup() = (%+v, %v)", before, err)
	}
	if !before.Expired(time.Now()) {
		t.Fatal("fixture should be expired")
	}

	_, err = s.Refresh(context.Background(), core.KindClaude)
	var re *RefreshError
	if !errors.As(err, &re) || re.Reason != RefreshNoRefreshToken {
		t.Fatalf("Refresh() error = %v, want no_refresh_token", err)
	}

	after, err := s.Lookup(core.KindClaude)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Error("failed refresh evicted the cached credentials")
	}
}

func TestRefreshNoCredentials(t *testing.T) {
	s, _ := claudeStore(t, "")
	_, err := s.Refresh(context.Background(), core.KindClaude)
	if !IsRefreshReason(err, RefreshNoCredentials) {
		t.Fatalf("Refresh() error = %v, want no_credentials", err)
	}
}

func TestRefreshClaudeScopeFallback(t *testing.T) {
	fixedNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var requests []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		mu.Lock()
		requests = append(requests, body["scope"])
		mu.Unlock()
		if body["client_id"] != claudeClientID || body["grant_type"] != "refresh_token" {
			t.Errorf("unexpected token request: %v", body)
		}
		if body["scope"] == claudeBroadScopes {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_scope"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    3600,
			"scope":         body["scope"],
		})
	}))
	defer srv.Close()

	s, mem := claudeStore(t, claudeEnvelope)
	s.claudeTokenURL = srv.URL
	s.now = func() time.Time { return fixedNow }

	creds, err := s.Refresh(context.Background(), core.KindClaude)
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	attempts := append([]string(nil), requests...)
	mu.Unlock()
	if len(attempts) != 2 || attempts[0] != claudeBroadScopes || attempts[1] != "user:inference" {
		t.Fatalf("scope attempts = %v", attempts)
	}
	if creds.AccessToken != "at-2" || creds.RefreshToken != "rt-2" {
		t.Errorf("refreshed tokens = (%q, %q)", creds.AccessToken, creds.RefreshToken)
	}
	if want := fixedNow.Add(time.Hour); !creds.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", creds.ExpiresAt, want)
	}

	entry, err := mem.Get("Claude Code-credentials", "")
	if err != nil {
		t.Fatal(err)
	}
	var outer map[string]map[string]json.RawMessage
	if err := json.Unmarshal(entry.Data, &outer); err != nil {
		t.Fatalf("written credentials not JSON: %v", err)
	}
	payload := outer["claudeAiOauth"]
	if payload == nil {
		t.Fatal("envelope lost on write-back")
	}
	if string(payload["accessToken"]) != `"at-2"` {
		t.Errorf("written accessToken = %s", payload["accessToken"])
	}
	if string(payload["foo"]) != `"bar"` {
		t.Errorf("unknown field dropped on write-back: %s", payload["foo"])
	}
	if string(payload["subscriptionType"]) != `"max"` {
		t.Errorf("sibling field dropped: %s", payload["subscriptionType"])
	}
}

func TestRefreshCodexWritesBack(t *testing.T) {
	fixedNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := fixedNow.Add(time.Hour).Unix()
	newAccess := makeJWT(t, map[string]any{"exp": exp})
	newID := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acc-2",
			"chatgpt_plan_type":  "plus",
		},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("client_id") != codexClientID || r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  newAccess,
			"refresh_token": "rt-new",
			"id_token":      newID,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	authJSON := `{"OPENAI_API_KEY":"sk-test","tokens":{"access_token":"old","refresh_token":"rt-old",` +
		`"id_token":"old-id","account_id":"acc-1"},"last_refresh":"2025-01-01T00:00:00Z"}`
	mem := secretstore.NewMemory()
	if err := mem.Put(secretstore.Entry{Service: "auth.json", Data: []byte(authJSON)}); err != nil {
		t.Fatal(err)
	}
	s := New(Source{Kind: core.KindCodex, Backend: mem, Key: "auth.json"})
	s.codexTokenURL = srv.URL
	s.now = func() time.Time { return fixedNow }

	creds, err := s.Refresh(context.Background(), core.KindCodex)
	if err != nil {
		t.Fatal(err)
	}
	if creds.AccessToken != newAccess || creds.RefreshToken != "rt-new" {
		t.Errorf("refreshed tokens wrong: %q / %q", creds.AccessToken, creds.RefreshToken)
	}
	if !creds.ExpiresAt.Equal(time.Unix(exp, 0)) {
		t.Errorf("ExpiresAt = %v, want JWT exp %v", creds.ExpiresAt, time.Unix(exp, 0))
	}
	if creds.AccountID != "acc-2" {
		t.Errorf("AccountID = %q, want from new id_token", creds.AccountID)
	}

	entry, err := mem.Get("auth.json", "")
	if err != nil {
		t.Fatal(err)
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(entry.Data, &outer); err != nil {
		t.Fatal(err)
	}
	if string(outer["OPENAI_API_KEY"]) != `"sk-test"` {
		t.Errorf("API key sibling dropped: %s", outer["OPENAI_API_KEY"])
	}
	if string(outer["last_refresh"]) != `"2025-06-01T12:00:00Z"` {
		t.Errorf("last_refresh = %s", outer["last_refresh"])
	}
	var tokens map[string]string
	if err := json.Unmarshal(outer["tokens"], &tokens); err != nil {
		t.Fatal(err)
	}
	if tokens["refresh_token"] != "rt-new" {
		t.Errorf("written refresh_token = %q", tokens["refresh_token"])
	}
}

func TestRefreshGeminiKeepsRefreshToken(t *testing.T) {
	fixedNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("client_secret") == "" {
			t.Error("client_secret missing from gemini refresh")
		}
		// Google omits refresh_token from refresh responses.
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.new",
			"expires_in":   1800,
			"token_type":   "Bearer",
		})
	}))
	defer srv.Close()

	geminiJSON := `{"access_token":"ya29.old","refresh_token":"1//rt","expiry_date":1,"token_type":"Bearer"}`
	mem := secretstore.NewMemory()
	if err := mem.Put(secretstore.Entry{Service: "oauth_creds.json", Data: []byte(geminiJSON)}); err != nil {
		t.Fatal(err)
	}
	s := New(Source{Kind: core.KindGemini, Backend: mem, Key: "oauth_creds.json"})
	s.geminiTokenURL = srv.URL
	s.now = func() time.Time { return fixedNow }

	creds, err := s.Refresh(context.Background(), core.KindGemini)
	if err != nil {
		t.Fatal(err)
	}
	if creds.AccessToken != "ya29.new" {
		t.Errorf("AccessToken = %q", creds.AccessToken)
	}
	if creds.RefreshToken != "1//rt" {
		t.Errorf("RefreshToken = %q, want the original kept", creds.RefreshToken)
	}
	if want := fixedNow.Add(30 * time.Minute); !creds.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", creds.ExpiresAt, want)
	}
}

func TestRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	geminiJSON := `{"access_token":"ya29.old","refresh_token":"1//rt"}`
	mem := secretstore.NewMemory()
	if err := mem.Put(secretstore.Entry{Service: "oauth_creds.json", Data: []byte(geminiJSON)}); err != nil {
		t.Fatal(err)
	}
	s := New(Source{Kind: core.KindGemini, Backend: mem, Key: "oauth_creds.json"})
	s.geminiTokenURL = srv.URL

	_, err := s.Refresh(context.Background(), core.KindGemini)
	var re *RefreshError
	if !errors.As(err, &re) {
		t.Fatalf("Refresh() error = %v, want RefreshError", err)
	}
	if re.Reason != RefreshRejected || re.Code != http.StatusUnauthorized {
		t.Errorf("RefreshError = %+v", re)
	}
}

func TestExpiryAsymmetry(t *testing.T) {
	now := time.Now()
	for _, tt := range []struct {
		kind core.ProviderKind
		want bool
	}{
		{core.KindClaude, false},
		{core.KindCodex, false},
		{core.KindGemini, true},
	} {
		c := &Credentials{Kind: tt.kind, AccessToken: "x"}
		if got := c.Expired(now); got != tt.want {
			t.Errorf("%s missing-expiry Expired() = %v, want %v", tt.kind, got, tt.want)
		}
		if got := c.ExpiresWithin(now, DefaultExpiryHorizon); got != tt.want {
			t.Errorf("%s missing-expiry ExpiresWithin() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestInvalidateForcesReread(t *testing.T) {
	s, mem := claudeStore(t, claudeEnvelope)

	first, err := s.Lookup(core.KindClaude)
	if err != nil || first == nil {
		t.Fatalf("Lookup() = (%v, %v)", first, err)
	}

	rotated := `{"claudeAiOauth":{"accessToken":"at-rotated","refreshToken":"rt-1"}}`
	if err := mem.Put(secretstore.Entry{Service: "Claude Code-credentials", Account: "tester", Data: []byte(rotated)}); err != nil {
		t.Fatal(err)
	}

	cached, _ := s.Lookup(core.KindClaude)
	if cached.AccessToken != "at-1" {
		t.Fatal("cache not serving lookups")
	}

	s.Invalidate(core.KindClaude)
	fresh, err := s.Lookup(core.KindClaude)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.AccessToken != "at-rotated" {
		t.Errorf("after Invalidate AccessToken = %q, want rotated value", fresh.AccessToken)
	}
}

func TestParseTimeFieldFormats(t *testing.T) {
	want := time.Date(2025, 1, 15, 8, 30, 0, 0, time.UTC)
	for name, raw := range map[string]string{
		"rfc3339":       `"2025-01-15T08:30:00Z"`,
		"epoch seconds": `1736929800`,
		"epoch millis":  `1736929800000`,
	} {
		got := parseTimeField(json.RawMessage(raw))
		if !got.Equal(want) {
			t.Errorf("%s: parseTimeField(%s) = %v, want %v", name, raw, got, want)
		}
	}
	if got := parseTimeField(json.RawMessage(`"not a date"`)); !got.IsZero() {
		t.Errorf("garbage date parsed to %v", got)
	}
}

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}
