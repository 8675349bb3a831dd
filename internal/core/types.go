package core

import "time"

type Status string

const (
	StatusOK        Status = "OK"
	StatusNearLimit Status = "NEAR_LIMIT"
	StatusLimited   Status = "LIMITED"
	StatusAuth      Status = "AUTH_REQUIRED"
	StatusError     Status = "ERROR"
	StatusUnknown   Status = "UNKNOWN"
)

// ProviderKind selects one of the supported credential/usage back-ends.
// Adding a provider means adding a new concrete client, not a plugin.
type ProviderKind string

const (
	KindClaude ProviderKind = "claude"
	KindCodex  ProviderKind = "codex"
	KindGemini ProviderKind = "gemini"
)

// UsageWindow is one rolling-limit window. UsedPercent may slightly exceed
// 100 due to upstream rounding; clamp when displaying. A nil ResetsAt means
// the reset instant is unknown and no countdown should be rendered. Minutes
// is the window length; 0 means unknown, with per-provider defaults applied
// where one is needed.
type UsageWindow struct {
	UsedPercent float64    `json:"used_percent"`
	ResetsAt    *time.Time `json:"resets_at,omitempty"`
	Minutes     int        `json:"minutes,omitempty"`
}

func (w UsageWindow) DisplayPercent() float64 {
	return ClampPercent(w.UsedPercent)
}

// Cost is a currency-tagged cost estimate.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// UsageSnapshot is the normalized per-provider result. A snapshot is always
// producible: fetch paths fall back to a zero/placeholder snapshot rather
// than leaving a provider's state absent. Token/message counters are
// best-effort; Estimated marks values derived from local heuristics rather
// than a provider accounting API.
type UsageSnapshot struct {
	ProviderID   string            `json:"provider_id"`
	Kind         ProviderKind      `json:"kind"`
	Timestamp    time.Time         `json:"timestamp"`
	Status       Status            `json:"status"`
	Primary      *UsageWindow      `json:"primary,omitempty"`
	Secondary    *UsageWindow      `json:"secondary,omitempty"`
	Plan         string            `json:"plan,omitempty"`
	Messages     int               `json:"messages,omitempty"`
	InputTokens  int               `json:"input_tokens,omitempty"`
	OutputTokens int               `json:"output_tokens,omitempty"`
	TotalTokens  int               `json:"total_tokens,omitempty"`
	Cost         *Cost             `json:"cost,omitempty"`
	Estimated    bool              `json:"estimated,omitempty"`
	Raw          map[string]string `json:"raw,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// PrimaryPercent returns the single number consumers use for threshold
// checks: the primary window's utilization, the secondary's when primary is
// absent, or -1 when neither window is known.
func (s UsageSnapshot) PrimaryPercent() float64 {
	if s.Primary != nil {
		return s.Primary.DisplayPercent()
	}
	if s.Secondary != nil {
		return s.Secondary.DisplayPercent()
	}
	return -1
}

// SetRaw lazily initializes the Raw map. Providers use it for diagnostic
// strings surfaced in detail views.
func (s *UsageSnapshot) SetRaw(key, value string) {
	if value == "" {
		return
	}
	if s.Raw == nil {
		s.Raw = make(map[string]string)
	}
	s.Raw[key] = value
}
