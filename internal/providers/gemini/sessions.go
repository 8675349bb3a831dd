package gemini

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type chatFile struct {
	SessionID string        `json:"sessionId"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Type      string     `json:"type"`
	Model     string     `json:"model"`
	Tokens    *msgTokens `json:"tokens,omitempty"`
	ToolCalls []struct{} `json:"toolCalls,omitempty"`
}

type msgTokens struct {
	Input    int `json:"input"`
	Output   int `json:"output"`
	Cached   int `json:"cached"`
	Thoughts int `json:"thoughts"`
	Tool     int `json:"tool"`
	Total    int `json:"total"`
}

type sessionStats struct {
	Sessions     int
	Messages     int
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	ToolCalls    int
	Models       map[string]bool
}

func (s sessionStats) ModelList() string {
	models := make([]string, 0, len(s.Models))
	for m := range s.Models {
		models = append(models, m)
	}
	sort.Strings(models)
	return strings.Join(models, ", ")
}

// scanSessions folds the CLI's chat files under the tmp directory. A
// missing directory yields empty stats.
func scanSessions(root string, since time.Time) sessionStats {
	stats := sessionStats{Models: make(map[string]bool)}
	if root == "" {
		return stats
	}
	if _, err := os.Stat(root); err != nil {
		return stats
	}

	var files []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		name := info.Name()
		if strings.HasPrefix(name, "session-") && strings.HasSuffix(name, ".json") && !info.ModTime().Before(since) {
			files = append(files, path)
		}
		return nil
	})

	seen := make(map[string]bool)
	for _, path := range files {
		scanChatFile(path, seen, &stats)
	}
	return stats
}

func scanChatFile(path string, seen map[string]bool, stats *sessionStats) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var chat chatFile
	if err := json.Unmarshal(data, &chat); err != nil {
		return
	}

	id := strings.TrimSpace(chat.SessionID)
	if id == "" {
		id = path
	}
	if seen[id] {
		return
	}
	seen[id] = true
	stats.Sessions++

	// Token counters in a chat file are cumulative within the session, so
	// fold the per-message deltas. A negative delta means the CLI reset
	// its counters mid-session; treat the reading as absolute again.
	var prev msgTokens
	hasPrev := false
	for _, msg := range chat.Messages {
		if strings.EqualFold(msg.Type, "user") {
			stats.Messages++
		}
		if n := len(msg.ToolCalls); n > 0 {
			stats.ToolCalls += n
		}
		if msg.Tokens == nil {
			continue
		}

		cur := *msg.Tokens
		if cur.Total <= 0 {
			cur.Total = cur.Input + cur.Output + cur.Cached + cur.Thoughts + cur.Tool
		}
		delta := cur
		if hasPrev {
			delta = tokenDelta(cur, prev)
			if delta.Input < 0 || delta.Output < 0 || delta.Total < 0 {
				delta = cur
			}
		}
		prev = cur
		hasPrev = true

		if delta.Total <= 0 {
			continue
		}
		stats.InputTokens += delta.Input
		stats.OutputTokens += delta.Output
		stats.TotalTokens += delta.Total
		if msg.Model != "" {
			stats.Models[msg.Model] = true
		}
	}
}

func tokenDelta(cur, prev msgTokens) msgTokens {
	return msgTokens{
		Input:    cur.Input - prev.Input,
		Output:   cur.Output - prev.Output,
		Cached:   cur.Cached - prev.Cached,
		Thoughts: cur.Thoughts - prev.Thoughts,
		Tool:     cur.Tool - prev.Tool,
		Total:    cur.Total - prev.Total,
	}
}
