// Package credstore locates, decodes, caches and refreshes the OAuth
// credentials that provider CLIs leave behind on the machine.
package credstore

import (
	"encoding/json"
	"time"

	"github.com/quotabar/quotabar/internal/core"
)

// DefaultExpiryHorizon is how far ahead of the recorded expiry a token is
// already treated as expiring, absorbing clock skew and request latency.
const DefaultExpiryHorizon = 5 * time.Minute

// Credentials is the normalized credential set for one provider. The
// unexported fields preserve the stored payload byte-for-byte where we
// don't understand it, so a write-back never strips fields another tool
// relies on.
type Credentials struct {
	Kind         core.ProviderKind
	AccessToken  string
	RefreshToken string
	IDToken      string
	APIKey       string
	ExpiresAt    time.Time // zero when the payload carries no expiry
	Scopes       []string
	PlanHint     string
	AccountID    string

	service string
	account string
	outer   map[string]json.RawMessage
	payload map[string]json.RawMessage
	wrapped bool
	rawText bool
}

// Expired reports whether the access token is past its expiry. Credentials
// without a recorded expiry are treated as non-expiring, except Gemini
// ones: there a missing expiry_date means the CLI never completed its
// token exchange, so the token must be assumed dead.
func (c *Credentials) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return c.Kind == core.KindGemini
	}
	return !now.Before(c.ExpiresAt)
}

// ExpiresWithin reports whether the token is expired or will expire inside
// the horizon. The missing-expiry rule matches Expired.
func (c *Credentials) ExpiresWithin(now time.Time, horizon time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return c.Kind == core.KindGemini
	}
	return !now.Add(horizon).Before(c.ExpiresAt)
}

// Token returns the credential to authenticate with: the OAuth access
// token when present, else a static API key.
func (c *Credentials) Token() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.APIKey
}

// parseEpoch interprets n as epoch seconds or milliseconds by magnitude.
// Values under 1e11 are seconds (good until the year 5138).
func parseEpoch(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n < 1e11 {
		return time.Unix(int64(n), 0)
	}
	return time.UnixMilli(int64(n))
}

// parseTimeField decodes an expiry that may be an RFC 3339 string, epoch
// seconds, or epoch milliseconds. Anything unparseable yields the zero
// time rather than an error; expiry is advisory.
func parseTimeField(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, perr := time.Parse(layout, s); perr == nil {
				return t
			}
		}
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return parseEpoch(n)
	}
	return time.Time{}
}
