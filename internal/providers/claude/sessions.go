package claude

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxScannerBuffer = 8 * 1024 * 1024

// jsonlEntry is one line of a project conversation log. Only assistant
// entries carry usage.
type jsonlEntry struct {
	Type      string    `json:"type"`
	Timestamp string    `json:"timestamp"`
	Message   *jsonlMsg `json:"message,omitempty"`
}

type jsonlMsg struct {
	Model string      `json:"model"`
	Usage *jsonlUsage `json:"usage,omitempty"`
}

type jsonlUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// projectStats sums recent assistant turns across the project logs.
type projectStats struct {
	Messages     int
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
	Models       map[string]bool
}

func (s projectStats) ModelList() string {
	models := make([]string, 0, len(s.Models))
	for m := range s.Models {
		models = append(models, m)
	}
	sort.Strings(models)
	return strings.Join(models, ", ")
}

type pricing struct {
	InputPerMillion       float64
	OutputPerMillion      float64
	CacheReadPerMillion   float64
	CacheCreatePerMillion float64
}

var modelPricing = map[string]pricing{
	"opus":   {15.0, 75.0, 1.50, 18.75},
	"sonnet": {3.0, 15.0, 0.30, 3.75},
	"haiku":  {0.80, 4.0, 0.08, 1.0},
}

func findPricing(model string) pricing {
	lower := strings.ToLower(model)
	for _, family := range []string{"opus", "haiku", "sonnet"} {
		if strings.Contains(lower, family) {
			return modelPricing[family]
		}
	}
	return modelPricing["sonnet"]
}

func estimateCost(model string, u *jsonlUsage) float64 {
	if u == nil {
		return 0
	}
	p := findPricing(model)
	cost := float64(u.InputTokens) * p.InputPerMillion / 1_000_000
	cost += float64(u.OutputTokens) * p.OutputPerMillion / 1_000_000
	cost += float64(u.CacheReadInputTokens) * p.CacheReadPerMillion / 1_000_000
	cost += float64(u.CacheCreationInputTokens) * p.CacheCreatePerMillion / 1_000_000
	return cost
}

// scanProjects folds assistant usage from every project log touched since
// the cutoff. A missing directory yields empty stats.
func scanProjects(root string, since time.Time) projectStats {
	stats := projectStats{Models: make(map[string]bool)}
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
		if strings.HasSuffix(path, ".jsonl") && !info.ModTime().Before(since) {
			files = append(files, path)
		}
		return nil
	})

	for _, path := range files {
		scanProjectFile(path, since, &stats)
	}
	return stats
}

func scanProjectFile(path string, since time.Time, stats *projectStats) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 512*1024), maxScannerBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.Contains(line, []byte(`"assistant"`)) {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Type != "assistant" || entry.Message == nil || entry.Message.Usage == nil {
			continue
		}
		ts, ok := parseEntryTime(entry.Timestamp)
		if ok && ts.Before(since) {
			continue
		}

		u := entry.Message.Usage
		stats.Messages++
		stats.InputTokens += u.InputTokens
		stats.OutputTokens += u.OutputTokens
		stats.TotalTokens += u.InputTokens + u.OutputTokens
		stats.CostUSD += estimateCost(entry.Message.Model, u)
		if entry.Message.Model != "" {
			stats.Models[entry.Message.Model] = true
		}
	}
}

func parseEntryTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// accountInfo is the slice of ~/.claude.json this provider cares about.
type accountInfo struct {
	Email   string
	OrgUUID string
}

func readAccountFile(path string) accountInfo {
	if path == "" {
		return accountInfo{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return accountInfo{}
	}

	var parsed struct {
		OAuthAccount *struct {
			EmailAddress     string `json:"emailAddress"`
			OrganizationUUID string `json:"organizationUuid"`
		} `json:"oauthAccount"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.OAuthAccount == nil {
		return accountInfo{}
	}
	return accountInfo{
		Email:   parsed.OAuthAccount.EmailAddress,
		OrgUUID: parsed.OAuthAccount.OrganizationUUID,
	}
}

func trimTrailingZeros(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
