// Package providerbase carries the plumbing shared by every provider
// implementation: the authenticated probe-with-reauth flow, HTTP helpers
// with probe error classification, and the cooldown cache for expensive
// probes.
package providerbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quotabar/quotabar/internal/core"
	"github.com/quotabar/quotabar/internal/credstore"
)

const maxErrorBody = 300

// NewHTTPClient returns the client providers probe with.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// ProbeFunc runs one authenticated usage probe.
type ProbeFunc func(ctx context.Context, creds *credstore.Credentials) (core.UsageSnapshot, error)

// FetchWithReauth wraps a probe with the credential lifecycle: expiring
// tokens are refreshed before the first attempt, and an unauthorized
// response triggers exactly one invalidate-refresh-retry. A second
// unauthorized result propagates so the orchestrator can flag the
// provider for re-authentication.
func FetchWithReauth(ctx context.Context, store *credstore.Store, kind core.ProviderKind, now func() time.Time, probe ProbeFunc) (core.UsageSnapshot, error) {
	creds, err := store.Lookup(kind)
	if err != nil {
		return core.UsageSnapshot{}, err
	}
	if creds == nil {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: kind,
			Failure:  core.ProbeUnauthorized,
			Message:  "no credentials installed",
		}
	}

	if creds.ExpiresWithin(now(), credstore.DefaultExpiryHorizon) {
		refreshed, rerr := store.Refresh(ctx, kind)
		switch {
		case rerr == nil:
			creds = refreshed
		case creds.Expired(now()):
			// Hard-expired and unrefreshable; probing would only burn a
			// guaranteed 401.
			return core.UsageSnapshot{}, &core.ProbeError{
				Provider: kind,
				Failure:  core.ProbeUnauthorized,
				Message:  rerr.Error(),
			}
		}
	}

	snap, err := probe(ctx, creds)
	if err == nil || !core.IsUnauthorized(err) {
		return snap, err
	}

	// The backend may hold newer tokens written by the CLI since we
	// cached ours.
	store.Invalidate(kind)
	refreshed, rerr := store.Refresh(ctx, kind)
	if rerr != nil {
		return snap, err
	}
	return probe(ctx, refreshed)
}

// DoJSON performs one HTTP exchange and decodes the response into out.
// Status codes and failure modes map onto ProbeError classifications:
// 401/403 are unauthorized, other non-2xx are HTTP errors, and a body
// that won't decode is an invalid response.
func DoJSON(ctx context.Context, client *http.Client, kind core.ProviderKind, method, url string, headers map[string]string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &core.ProbeError{Provider: kind, Failure: core.ProbeInvalidURL, Message: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return &core.ProbeError{Provider: kind, Failure: core.ProbeHTTPError, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &core.ProbeError{Provider: kind, Failure: core.ProbeInvalidResponse, Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &core.ProbeError{Provider: kind, Failure: core.ProbeUnauthorized, Code: resp.StatusCode, Message: truncateBody(data)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &core.ProbeError{Provider: kind, Failure: core.ProbeHTTPError, Code: resp.StatusCode, Message: truncateBody(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &core.ProbeError{Provider: kind, Failure: core.ProbeInvalidResponse, Message: fmt.Sprintf("parse response: %v", err)}
	}
	return nil
}

func truncateBody(data []byte) string {
	s := strings.Join(strings.Fields(string(data)), " ")
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

// FirstNonEmpty returns the first value with non-space content.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
