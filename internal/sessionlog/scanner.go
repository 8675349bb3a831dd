// Package sessionlog reconstructs recent usage from the append-only NDJSON
// session logs the Codex CLI writes locally. The logs are the fallback
// signal when no usage endpoint is reachable, and the only source of
// rate-limit data for offline accounts.
package sessionlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	maxScannerBuffer = 8 * 1024 * 1024

	// estimatedTokensPerMessage stands in when a log records messages but
	// no token counters, split 30/70 between input and output.
	estimatedTokensPerMessage = 2000
)

// WindowStats is one rate-limit window as last recorded in a log.
type WindowStats struct {
	UsedPercent float64
	ResetAt     time.Time
	Minutes     int
}

// SessionData aggregates what one or more log files recorded. Estimated
// marks token counts synthesized from message counts rather than read
// from counter events.
type SessionData struct {
	Messages     int
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Primary      *WindowStats
	Secondary    *WindowStats
	Plan         string
	Estimated    bool
}

type sessionEvent struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type eventPayload struct {
	Type       string      `json:"type"`
	Info       *tokenInfo  `json:"info,omitempty"`
	RateLimits *rateLimits `json:"rate_limits,omitempty"`
}

type tokenInfo struct {
	TotalTokenUsage tokenUsage `json:"total_token_usage"`
	LastTokenUsage  tokenUsage `json:"last_token_usage"`
}

type tokenUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	TotalTokens       int `json:"total_tokens"`
}

type rateLimits struct {
	Primary   *rateLimitWindow `json:"primary,omitempty"`
	Secondary *rateLimitWindow `json:"secondary,omitempty"`
	PlanType  *string          `json:"plan_type,omitempty"`
}

type rateLimitWindow struct {
	UsedPercent   float64     `json:"used_percent"`
	WindowMinutes int         `json:"window_minutes"`
	ResetsAt      json.Number `json:"resets_at"` // epoch seconds, int or float
}

// ListRecentLogFiles returns every .jsonl under root modified at or after
// since, sorted oldest first. A missing root is an empty result, not an
// error: the CLI may never have run on this machine.
func ListRecentLogFiles(root string, since time.Time) ([]string, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	type logFile struct {
		path string
		mod  time.Time
	}
	var files []logFile
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if info.ModTime().Before(since) {
			return nil
		}
		files = append(files, logFile{path: path, mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking session logs: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// ParseLogFile scans one session log. Malformed lines are skipped; a log
// being appended to mid-write must not sink the whole scan. Counter
// events carry running totals, so the last one wins, and the same goes
// for rate-limit windows and plan type.
func ParseLogFile(path string) (SessionData, error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionData{}, err
	}
	defer f.Close()
	return parseLog(f), nil
}

func parseLog(r io.Reader) SessionData {
	var data SessionData

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 512*1024)
	scanner.Buffer(buf, maxScannerBuffer)

	var lastUsage *tokenUsage
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.Contains(line, []byte(`"type":"event_msg"`)) {
			continue
		}

		var event sessionEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Type != "event_msg" {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}

		switch payload.Type {
		case "user_message":
			data.Messages++
		case "token_count":
			if payload.Info != nil {
				u := payload.Info.TotalTokenUsage
				lastUsage = &u
			}
			if payload.RateLimits != nil {
				if w := parseWindow(payload.RateLimits.Primary); w != nil {
					data.Primary = w
				}
				if w := parseWindow(payload.RateLimits.Secondary); w != nil {
					data.Secondary = w
				}
				if payload.RateLimits.PlanType != nil && *payload.RateLimits.PlanType != "" {
					data.Plan = *payload.RateLimits.PlanType
				}
			}
		}
	}

	if lastUsage != nil {
		data.InputTokens = lastUsage.InputTokens
		data.OutputTokens = lastUsage.OutputTokens
		data.TotalTokens = lastUsage.TotalTokens
		if data.TotalTokens == 0 {
			data.TotalTokens = lastUsage.InputTokens + lastUsage.OutputTokens
		}
	} else if data.Messages > 0 {
		data.TotalTokens = data.Messages * estimatedTokensPerMessage
		data.InputTokens = data.Messages * estimatedTokensPerMessage * 3 / 10
		data.OutputTokens = data.TotalTokens - data.InputTokens
		data.Estimated = true
	}

	return data
}

func parseWindow(w *rateLimitWindow) *WindowStats {
	if w == nil {
		return nil
	}
	out := &WindowStats{UsedPercent: w.UsedPercent, Minutes: w.WindowMinutes}
	if w.ResetsAt != "" {
		if sec, err := w.ResetsAt.Int64(); err == nil {
			out.ResetAt = time.Unix(sec, 0)
		} else if f, ferr := w.ResetsAt.Float64(); ferr == nil {
			out.ResetAt = time.Unix(int64(f), 0)
		}
	}
	return out
}

// Fold combines per-file results, oldest first: counters accumulate,
// while rate-limit windows and plan keep the value from the latest file
// that recorded one. A file without windows never blanks a window an
// earlier file reported.
func Fold(parts []SessionData) SessionData {
	var out SessionData
	for _, p := range parts {
		out.Messages += p.Messages
		out.InputTokens += p.InputTokens
		out.OutputTokens += p.OutputTokens
		out.TotalTokens += p.TotalTokens
		if p.Estimated {
			out.Estimated = true
		}
		if p.Primary != nil {
			w := *p.Primary
			out.Primary = &w
		}
		if p.Secondary != nil {
			w := *p.Secondary
			out.Secondary = &w
		}
		if p.Plan != "" {
			out.Plan = p.Plan
		}
	}
	return out
}

// ScanDir lists, parses and folds every log under root touched since the
// cutoff. Files that vanish or fail to open mid-scan are skipped.
func ScanDir(root string, since time.Time) (SessionData, error) {
	files, err := ListRecentLogFiles(root, since)
	if err != nil {
		return SessionData{}, err
	}
	parts := make([]SessionData, 0, len(files))
	for _, path := range files {
		part, err := ParseLogFile(path)
		if err != nil {
			log.Printf("sessionlog: skipping %s: %v", path, err)
			continue
		}
		parts = append(parts, part)
	}
	return Fold(parts), nil
}
