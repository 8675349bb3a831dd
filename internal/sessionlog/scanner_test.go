package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLog(t *testing.T, root, name string, mtime time.Time, lines ...string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func userMessageLine() string {
	return `{"timestamp":"2025-06-01T10:00:00Z","type":"event_msg","payload":{"type":"user_message","message":"hi"}}`
}

func tokenCountLine(input, output, total int, primaryPct float64, resetsAt string) string {
	return fmt.Sprintf(`{"timestamp":"2025-06-01T10:01:00Z","type":"event_msg","payload":{"type":"token_count",`+
		`"info":{"total_token_usage":{"input_tokens":%d,"output_tokens":%d,"total_tokens":%d}},`+
		`"rate_limits":{"primary":{"used_percent":%g,"window_minutes":300,"resets_at":%s},"plan_type":"plus"}}}`,
		input, output, total, primaryPct, resetsAt)
}

func TestListRecentLogFiles(t *testing.T) {
	root := t.TempDir()
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	newer := writeLog(t, root, "2025/06/02/rollout-b.jsonl", since.Add(36*time.Hour), userMessageLine())
	older := writeLog(t, root, "2025/06/01/rollout-a.jsonl", since.Add(2*time.Hour), userMessageLine())
	writeLog(t, root, "2025/05/30/rollout-old.jsonl", since.Add(-24*time.Hour), userMessageLine())
	writeLog(t, root, "notes.txt", since.Add(3*time.Hour), "not a log")

	got, err := ListRecentLogFiles(root, since)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != older || got[1] != newer {
		t.Fatalf("ListRecentLogFiles() = %v, want [%s %s]", got, older, newer)
	}
}

func TestListRecentLogFilesMissingRoot(t *testing.T) {
	got, err := ListRecentLogFiles(filepath.Join(t.TempDir(), "never-ran"), time.Time{})
	if err != nil {
		t.Fatalf("missing root: err = %v, want nil", err)
	}
	if got != nil {
		t.Fatalf("missing root: files = %v, want nil", got)
	}
}

func TestParseLogFileLastValueWins(t *testing.T) {
	root := t.TempDir()
	path := writeLog(t, root, "session.jsonl", time.Now(),
		userMessageLine(),
		tokenCountLine(100, 200, 300, 12.5, "1750000000"),
		`{"type":"event_msg","payload":{corrupt`,
		`{"timestamp":"2025-06-01T10:02:00Z","type":"event_msg","payload":{"type":"agent_message","message":"ok"}}`,
		userMessageLine(),
		tokenCountLine(500, 700, 1200, 42, "1750000000.75"),
	)

	data, err := ParseLogFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if data.Messages != 2 {
		t.Errorf("Messages = %d, want 2", data.Messages)
	}
	if data.InputTokens != 500 || data.OutputTokens != 700 || data.TotalTokens != 1200 {
		t.Errorf("tokens = %d/%d/%d, want last counter 500/700/1200",
			data.InputTokens, data.OutputTokens, data.TotalTokens)
	}
	if data.Estimated {
		t.Error("measured counters flagged as estimated")
	}
	if data.Primary == nil || data.Primary.UsedPercent != 42 {
		t.Fatalf("Primary = %+v, want last value 42%%", data.Primary)
	}
	if want := time.Unix(1750000000, 0); !data.Primary.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v (float epoch truncated)", data.Primary.ResetAt, want)
	}
	if data.Primary.Minutes != 300 {
		t.Errorf("Minutes = %d, want 300", data.Primary.Minutes)
	}
	if data.Plan != "plus" {
		t.Errorf("Plan = %q", data.Plan)
	}
}

func TestParseLogFileEstimatesTokens(t *testing.T) {
	root := t.TempDir()
	path := writeLog(t, root, "session.jsonl", time.Now(),
		userMessageLine(), userMessageLine(), userMessageLine(),
	)

	data, err := ParseLogFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if data.Messages != 3 {
		t.Fatalf("Messages = %d", data.Messages)
	}
	if data.TotalTokens != 6000 {
		t.Errorf("TotalTokens = %d, want 3*2000", data.TotalTokens)
	}
	if data.InputTokens != 1800 || data.OutputTokens != 4200 {
		t.Errorf("split = %d/%d, want 600/1400 per message", data.InputTokens, data.OutputTokens)
	}
	if !data.Estimated {
		t.Error("estimate not flagged")
	}
}

func TestFoldSumsCountersKeepsLatestWindows(t *testing.T) {
	a := SessionData{
		Messages: 2, InputTokens: 100, OutputTokens: 200, TotalTokens: 300,
		Primary: &WindowStats{UsedPercent: 50, Minutes: 300},
		Plan:    "plus",
	}
	b := SessionData{Messages: 1, InputTokens: 10, OutputTokens: 20, TotalTokens: 30}
	c := SessionData{
		Secondary: &WindowStats{UsedPercent: 7, Minutes: 10080},
		Estimated: true,
	}

	out := Fold([]SessionData{a, b, c})
	if out.Messages != 3 || out.InputTokens != 110 || out.OutputTokens != 220 || out.TotalTokens != 330 {
		t.Errorf("counters = %d msg %d/%d/%d", out.Messages, out.InputTokens, out.OutputTokens, out.TotalTokens)
	}
	if out.Primary == nil || out.Primary.UsedPercent != 50 {
		t.Errorf("Primary = %+v, want kept from earlier file", out.Primary)
	}
	if out.Secondary == nil || out.Secondary.UsedPercent != 7 {
		t.Errorf("Secondary = %+v, want from later file", out.Secondary)
	}
	if out.Plan != "plus" {
		t.Errorf("Plan = %q, want kept when later files are silent", out.Plan)
	}
	if !out.Estimated {
		t.Error("estimate flag lost in fold")
	}
}

func TestScanDirOrdersByModTime(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour)

	// Alphabetical and chronological order disagree on purpose.
	writeLog(t, root, "z-first.jsonl", base,
		tokenCountLine(1, 1, 2, 10, "1750000000"))
	writeLog(t, root, "a-second.jsonl", base.Add(30*time.Minute),
		tokenCountLine(2, 2, 4, 99, "1750010000"))

	data, err := ScanDir(root, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if data.Primary == nil || data.Primary.UsedPercent != 99 {
		t.Fatalf("Primary = %+v, want the chronologically later file to win", data.Primary)
	}
	if data.TotalTokens != 6 {
		t.Errorf("TotalTokens = %d, want summed 6", data.TotalTokens)
	}
}
