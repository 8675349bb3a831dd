package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quotabar/quotabar/internal/core"
)

const (
	claudeEnvelopeKey = "claudeAiOauth"
	codexEnvelopeKey  = "tokens"

	// Codex auth.json stores no expiry. Tokens live roughly an hour, so
	// treat them as good for 55 minutes after last_refresh.
	codexTokenLifetime = 55 * time.Minute
)

func decodeCredentials(kind core.ProviderKind, data []byte) (*Credentials, error) {
	switch kind {
	case core.KindClaude:
		return decodeClaude(data)
	case core.KindCodex:
		return decodeCodex(data)
	case core.KindGemini:
		return decodeGemini(data)
	default:
		return nil, fmt.Errorf("no credential decoder for kind %q", kind)
	}
}

// decodeClaude accepts the enveloped keychain payload, the same object
// without the envelope, or a bare token string. All three occur in the
// wild depending on how and when the CLI wrote its entry.
func decodeClaude(data []byte) (*Credentials, error) {
	trimmed := bytes.TrimSpace(data)
	c := &Credentials{Kind: core.KindClaude}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &outer); err != nil {
		token := strings.TrimSpace(string(trimmed))
		var quoted string
		if jerr := json.Unmarshal(trimmed, &quoted); jerr == nil {
			token = quoted
		}
		if token == "" {
			return nil, errors.New("empty claude credential entry")
		}
		c.AccessToken = token
		c.rawText = true
		return c, nil
	}

	payload := outer
	if inner, ok := outer[claudeEnvelopeKey]; ok {
		payload = map[string]json.RawMessage{}
		if err := json.Unmarshal(inner, &payload); err != nil {
			return nil, fmt.Errorf("claude oauth envelope: %w", err)
		}
		c.wrapped = true
	}
	c.outer = outer
	c.payload = payload

	c.AccessToken = stringField(payload, "accessToken")
	c.RefreshToken = stringField(payload, "refreshToken")
	c.ExpiresAt = parseTimeField(payload["expiresAt"])
	c.Scopes = stringSliceField(payload, "scopes")
	c.PlanHint = stringField(payload, "rateLimitTier")
	if c.PlanHint == "" {
		c.PlanHint = stringField(payload, "subscriptionType")
	}

	if c.AccessToken == "" {
		return nil, errors.New("claude credential entry has no access token")
	}
	return c, nil
}

func decodeCodex(data []byte) (*Credentials, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &outer); err != nil {
		return nil, fmt.Errorf("codex auth.json: %w", err)
	}

	c := &Credentials{Kind: core.KindCodex, outer: outer, payload: outer}
	c.APIKey = stringField(outer, "OPENAI_API_KEY")

	if inner, ok := outer[codexEnvelopeKey]; ok && len(inner) > 0 && !bytes.Equal(inner, []byte("null")) {
		payload := map[string]json.RawMessage{}
		if err := json.Unmarshal(inner, &payload); err != nil {
			return nil, fmt.Errorf("codex tokens block: %w", err)
		}
		c.payload = payload
		c.wrapped = true
	}

	c.AccessToken = stringField(c.payload, "access_token")
	c.RefreshToken = stringField(c.payload, "refresh_token")
	c.IDToken = stringField(c.payload, "id_token")
	c.AccountID = stringField(c.payload, "account_id")

	// auth.json stores no expiry; derive one from the access token's JWT
	// claims, or failing that from last_refresh plus the token lifetime.
	if claims, err := parseJWTClaims(c.AccessToken); err == nil && claims.Exp > 0 {
		c.ExpiresAt = time.Unix(claims.Exp, 0)
	} else if lr := parseTimeField(outer["last_refresh"]); !lr.IsZero() {
		c.ExpiresAt = lr.Add(codexTokenLifetime)
	}

	if claims, err := parseJWTClaims(c.IDToken); err == nil && claims.Auth != nil {
		if c.AccountID == "" {
			c.AccountID = claims.Auth.AccountID
		}
		c.PlanHint = claims.Auth.PlanType
	}

	if c.AccessToken == "" && c.APIKey == "" {
		return nil, errors.New("auth.json has neither tokens nor an API key")
	}
	return c, nil
}

func decodeGemini(data []byte) (*Credentials, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &outer); err != nil {
		return nil, fmt.Errorf("gemini oauth_creds.json: %w", err)
	}

	c := &Credentials{Kind: core.KindGemini, outer: outer, payload: outer}
	c.AccessToken = stringField(outer, "access_token")
	c.RefreshToken = stringField(outer, "refresh_token")
	c.IDToken = stringField(outer, "id_token")
	c.ExpiresAt = parseTimeField(outer["expiry_date"])
	if s := stringField(outer, "scope"); s != "" {
		c.Scopes = strings.Fields(s)
	}

	if c.AccessToken == "" && c.RefreshToken == "" {
		return nil, errors.New("oauth_creds.json has no tokens")
	}
	return c, nil
}

// encodeCredentials rebuilds the stored payload with the refreshed fields
// swapped in and every field we don't model carried through untouched.
func encodeCredentials(c *Credentials, now time.Time) ([]byte, error) {
	if c.rawText {
		return []byte(c.AccessToken), nil
	}

	payload := c.payload
	if payload == nil {
		payload = map[string]json.RawMessage{}
	}

	switch c.Kind {
	case core.KindClaude:
		setString(payload, "accessToken", c.AccessToken)
		setString(payload, "refreshToken", c.RefreshToken)
		if !c.ExpiresAt.IsZero() {
			setJSON(payload, "expiresAt", c.ExpiresAt.UnixMilli())
		}
		if len(c.Scopes) > 0 {
			setJSON(payload, "scopes", c.Scopes)
		}
	case core.KindCodex:
		setString(payload, "access_token", c.AccessToken)
		setString(payload, "refresh_token", c.RefreshToken)
		setString(payload, "id_token", c.IDToken)
		if c.AccountID != "" {
			setString(payload, "account_id", c.AccountID)
		}
	case core.KindGemini:
		setString(payload, "access_token", c.AccessToken)
		setString(payload, "refresh_token", c.RefreshToken)
		if !c.ExpiresAt.IsZero() {
			setJSON(payload, "expiry_date", c.ExpiresAt.UnixMilli())
		}
	}

	outer := payload
	if c.wrapped {
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		outer = c.outer
		if outer == nil {
			outer = map[string]json.RawMessage{}
		}
		key := claudeEnvelopeKey
		if c.Kind == core.KindCodex {
			key = codexEnvelopeKey
		}
		outer[key] = enc
	}
	if c.Kind == core.KindCodex {
		setString(outer, "last_refresh", now.UTC().Format(time.RFC3339))
	}

	return json.MarshalIndent(outer, "", "  ")
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func stringSliceField(m map[string]json.RawMessage, key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func setString(m map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	setJSON(m, key, value)
}

func setJSON(m map[string]json.RawMessage, key string, value any) {
	enc, err := json.Marshal(value)
	if err != nil {
		return
	}
	m[key] = enc
}
