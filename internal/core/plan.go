package core

import (
	"strings"
	"unicode"
)

// planKeywords are checked in order so that the more specific tiers win when
// a raw string happens to contain several of them.
var planKeywords = []struct {
	needle string
	label  string
}{
	{"enterprise", "Enterprise"},
	{"team", "Team"},
	{"max", "Max"},
	{"pro", "Pro"},
	{"free", "Free"},
}

// NormalizePlanTier maps a raw provider plan string (often freeform, e.g.
// "default_claude_max_5x") to a canonical display label. Unrecognized
// strings fall back to the last underscore-delimited token, titlecased.
func NormalizePlanTier(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	lower := strings.ToLower(trimmed)
	for _, kw := range planKeywords {
		if strings.Contains(lower, kw.needle) {
			return kw.label
		}
	}

	parts := strings.Split(lower, "_")
	last := parts[len(parts)-1]
	if last == "" {
		last = lower
	}
	return titleCase(last)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
