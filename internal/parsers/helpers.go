// Package parsers holds the small shared parsing helpers for HTTP rate
// limit headers and diagnostic output.
package parsers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quotabar/quotabar/internal/core"
)

// RateLimitGroup is one limit/remaining/reset header triple as reported by
// an inference endpoint.
type RateLimitGroup struct {
	Limit     *float64
	Remaining *float64
	ResetTime *time.Time
}

func ParseFloat(val string) *float64 {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil
	}
	return &f
}

// ParseResetTime accepts epoch seconds, RFC3339, or a relative duration
// like "30s"; providers disagree on the format.
func ParseResetTime(val string) *time.Time {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}

	if ts, err := strconv.ParseFloat(val, 64); err == nil && ts > 1_000_000_000 {
		t := time.Unix(int64(ts), 0)
		return &t
	}

	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return &t
	}

	if d, err := time.ParseDuration(val); err == nil {
		t := time.Now().Add(d)
		return &t
	}

	return nil
}

func ParseRateLimitGroup(h http.Header, limitHeader, remainingHeader, resetHeader string) *RateLimitGroup {
	limit := ParseFloat(h.Get(limitHeader))
	remaining := ParseFloat(h.Get(remainingHeader))
	if limit == nil && remaining == nil {
		return nil
	}
	return &RateLimitGroup{
		Limit:     limit,
		Remaining: remaining,
		ResetTime: ParseResetTime(h.Get(resetHeader)),
	}
}

// Window converts the header triple into a usage window. Utilization needs
// both limit and remaining; a triple with only one of them yields nil since
// no percentage can be derived.
func (g *RateLimitGroup) Window(minutes int) *core.UsageWindow {
	if g == nil || g.Limit == nil || g.Remaining == nil || *g.Limit <= 0 {
		return nil
	}
	used := (*g.Limit - *g.Remaining) / *g.Limit * 100
	w := &core.UsageWindow{
		UsedPercent: core.ClampPercent(used),
		Minutes:     minutes,
	}
	if g.ResetTime != nil {
		t := *g.ResetTime
		w.ResetsAt = &t
	}
	return w
}

// RedactHeaders returns headers as printable strings with credential
// values masked, for diagnostic raw output.
func RedactHeaders(headers http.Header, sensitiveKeys ...string) map[string]string {
	sensitive := map[string]bool{
		"authorization": true,
		"x-api-key":     true,
		"cookie":        true,
	}
	for _, k := range sensitiveKeys {
		sensitive[strings.ToLower(k)] = true
	}

	out := make(map[string]string)
	for k, vals := range headers {
		key := strings.ToLower(k)
		val := strings.Join(vals, ", ")
		if sensitive[key] {
			if len(val) > 8 {
				val = val[:4] + "..." + val[len(val)-4:]
			} else {
				val = "****"
			}
		}
		out[k] = val
	}
	return out
}
