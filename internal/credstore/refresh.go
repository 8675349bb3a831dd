package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quotabar/quotabar/internal/core"
)

const (
	claudeTokenEndpoint = "https://console.anthropic.com/v1/oauth/token"
	claudeClientID      = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeBroadScopes   = "user:inference user:profile"

	codexTokenEndpoint = "https://auth.openai.com/oauth/token"
	codexClientID      = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexScopes        = "openid profile email"

	geminiTokenEndpoint     = "https://oauth2.googleapis.com/token"
	geminiOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiOAuthClientSecret = "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"
)

// RefreshReason classifies why a token refresh produced no new token.
type RefreshReason string

const (
	RefreshNoCredentials   RefreshReason = "no_credentials"
	RefreshNoRefreshToken  RefreshReason = "no_refresh_token"
	RefreshInvalidResponse RefreshReason = "invalid_response"
	RefreshRejected        RefreshReason = "rejected"
)

type RefreshError struct {
	Kind    core.ProviderKind
	Reason  RefreshReason
	Code    int
	Message string
}

func (e *RefreshError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s token refresh %s (HTTP %d): %s", e.Kind, e.Reason, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s token refresh %s: %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s token refresh %s", e.Kind, e.Reason)
}

// IsRefreshReason reports whether err is a RefreshError with the given
// reason.
func IsRefreshReason(err error, reason RefreshReason) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Reason == reason
}

// Refresh exchanges the provider's refresh token for a fresh access token
// and writes the result back to the credential backend. The cache is only
// replaced on success; a failed refresh leaves the cached credentials
// untouched.
func (s *Store) Refresh(ctx context.Context, kind core.ProviderKind) (*Credentials, error) {
	s.mu.Lock()
	creds, err := s.lookupLocked(kind)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, &RefreshError{Kind: kind, Reason: RefreshNoCredentials}
	}
	if creds.RefreshToken == "" {
		return nil, &RefreshError{Kind: kind, Reason: RefreshNoRefreshToken}
	}

	var updated *Credentials
	switch kind {
	case core.KindClaude:
		updated, err = s.refreshClaude(ctx, creds)
	case core.KindCodex:
		updated, err = s.refreshCodex(ctx, creds)
	case core.KindGemini:
		updated, err = s.refreshGemini(ctx, creds)
	default:
		return nil, &RefreshError{Kind: kind, Reason: RefreshRejected, Message: "unknown provider kind"}
	}
	if err != nil {
		return nil, err
	}

	if err := s.persist(updated); err != nil {
		// The new token still works for this process; only the write-back
		// failed.
		log.Printf("credstore: %s write-back failed: %v", kind, err)
	}

	s.mu.Lock()
	s.cache[kind] = updated
	s.mu.Unlock()
	return updated, nil
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (s *Store) refreshClaude(ctx context.Context, creds *Credentials) (*Credentials, error) {
	attempt := func(scope string) (*oauthTokenResponse, error) {
		body, err := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": creds.RefreshToken,
			"client_id":     claudeClientID,
			"scope":         scope,
		})
		if err != nil {
			return nil, &RefreshError{Kind: core.KindClaude, Reason: RefreshInvalidResponse, Message: err.Error()}
		}
		return s.postToken(ctx, core.KindClaude, s.claudeTokenURL, "application/json", bytes.NewReader(body))
	}

	resp, err := attempt(claudeBroadScopes)
	if err != nil {
		// Older grants were issued without the newer scopes and the token
		// endpoint rejects requests for scopes the grant never had. Retry
		// once with exactly what the stored credential was issued for.
		original := strings.Join(creds.Scopes, " ")
		var re *RefreshError
		if errors.As(err, &re) && re.Reason == RefreshRejected && re.Code < 500 && original != claudeBroadScopes {
			resp, err = attempt(original)
		}
	}
	if err != nil {
		return nil, err
	}

	next := *creds
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.ExpiresIn > 0 {
		next.ExpiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if resp.Scope != "" {
		next.Scopes = strings.Fields(resp.Scope)
	}
	return &next, nil
}

func (s *Store) refreshCodex(ctx context.Context, creds *Credentials) (*Credentials, error) {
	form := url.Values{
		"client_id":     {codexClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
		"scope":         {codexScopes},
	}
	resp, err := s.postToken(ctx, core.KindCodex, s.codexTokenURL,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	next := *creds
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.IDToken != "" {
		next.IDToken = resp.IDToken
	}
	if claims, cerr := parseJWTClaims(resp.AccessToken); cerr == nil && claims.Exp > 0 {
		next.ExpiresAt = time.Unix(claims.Exp, 0)
	} else if resp.ExpiresIn > 0 {
		next.ExpiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if claims, cerr := parseJWTClaims(next.IDToken); cerr == nil && claims.Auth != nil && claims.Auth.AccountID != "" {
		next.AccountID = claims.Auth.AccountID
	}
	return &next, nil
}

func (s *Store) refreshGemini(ctx context.Context, creds *Credentials) (*Credentials, error) {
	clientID, clientSecret := geminiOAuthClientID, geminiOAuthClientSecret
	if s.geminiClientID != "" {
		clientID, clientSecret = s.geminiClientID, s.geminiSecret
	}
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {creds.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	resp, err := s.postToken(ctx, core.KindGemini, s.geminiTokenURL,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	next := *creds
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.IDToken != "" {
		next.IDToken = resp.IDToken
	}
	if resp.ExpiresIn > 0 {
		next.ExpiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if resp.Scope != "" {
		next.Scopes = strings.Fields(resp.Scope)
	}
	return &next, nil
}

func (s *Store) postToken(ctx context.Context, kind core.ProviderKind, endpoint, contentType string, body io.Reader) (*oauthTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, &RefreshError{Kind: kind, Reason: RefreshInvalidResponse, Message: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &RefreshError{Kind: kind, Reason: RefreshInvalidResponse, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RefreshError{Kind: kind, Reason: RefreshInvalidResponse, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{Kind: kind, Reason: RefreshRejected, Code: resp.StatusCode, Message: compactBody(data)}
	}

	var token oauthTokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, &RefreshError{Kind: kind, Reason: RefreshInvalidResponse, Message: err.Error()}
	}
	if token.AccessToken == "" {
		return nil, &RefreshError{Kind: kind, Reason: RefreshInvalidResponse, Message: "empty access_token in response"}
	}
	return &token, nil
}

func compactBody(data []byte) string {
	s := strings.Join(strings.Fields(string(data)), " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
