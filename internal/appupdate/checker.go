// Package appupdate asks GitHub for the newest quotabar release and
// compares it against the running build. It never downloads or installs
// anything; callers surface the hint and leave the upgrade to whatever
// installed the binary.
package appupdate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const (
	defaultReleaseURL = "https://api.github.com/repos/quotabar/quotabar/releases/latest"
	installScriptURL  = "https://github.com/quotabar/quotabar/releases/latest/download/install.sh"
	defaultTimeout    = 2 * time.Second

	githubTokenEnv = "QUOTABAR_GITHUB_TOKEN"
)

// Channel identifies how the running binary was installed, inferred from
// its on-disk location. It picks which upgrade command to suggest.
type Channel string

const (
	ChannelUnknown  Channel = "unknown"
	ChannelHomebrew Channel = "homebrew"
	ChannelGo       Channel = "go"
	ChannelScript   Channel = "script"
	ChannelScoop    Channel = "scoop"
)

// Options configures a single release check. The zero value checks the
// official release feed for the current executable.
type Options struct {
	// Current is the running build's version. Non-semver values such as
	// "dev" disable the remote check entirely.
	Current string

	// Executable overrides os.Executable for channel detection.
	Executable string

	// ReleaseURL overrides the GitHub latest-release endpoint.
	ReleaseURL string

	Client  *http.Client
	Timeout time.Duration
}

// Result reports the outcome of a release check.
type Result struct {
	Available bool
	Current   string
	Latest    string
	Channel   Channel
	Hint      string
}

// Check compares the running version against the newest published
// release. Dev and pre-release builds return a Result with Available
// false and no network traffic.
func Check(ctx context.Context, opts Options) (Result, error) {
	current := stableVersion(opts.Current)
	channel := detectChannel(executablePath(opts.Executable))

	result := Result{
		Current: current,
		Channel: channel,
		Hint:    upgradeHint(channel),
	}
	if current == "" {
		return result, nil
	}

	latest, err := fetchLatest(ctx, opts, current)
	if err != nil {
		return result, err
	}
	result.Latest = latest
	result.Available = semver.Compare(latest, current) > 0
	return result, nil
}

func fetchLatest(ctx context.Context, opts Options, current string) (string, error) {
	releaseURL := strings.TrimSpace(opts.ReleaseURL)
	if releaseURL == "" {
		releaseURL = defaultReleaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseURL, nil)
	if err != nil {
		return "", fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "quotabar/"+current)
	// The token only ever goes to GitHub itself over TLS.
	if token := strings.TrimSpace(os.Getenv(githubTokenEnv)); token != "" && isGitHubAPI(releaseURL) {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch latest release: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode release payload: %w", err)
	}

	latest := stableVersion(payload.TagName)
	if latest == "" {
		return "", fmt.Errorf("release tag %q is not a stable semver", payload.TagName)
	}
	return latest, nil
}

// stableVersion canonicalizes v into a "vX.Y.Z" stable semver, or
// returns "" for dev builds, pre-releases, and anything else that
// should not trigger an update prompt.
func stableVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) || semver.Prerelease(v) != "" || semver.Build(v) != "" {
		return ""
	}
	return semver.Canonical(v)
}

func executablePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return normalizePath(p)
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil && strings.TrimSpace(resolved) != "" {
		exe = resolved
	}
	return normalizePath(exe)
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return strings.ToLower(filepath.ToSlash(filepath.Clean(path)))
}

func detectChannel(path string) Channel {
	if path == "" {
		return ChannelUnknown
	}
	switch {
	case strings.Contains(path, "/cellar/quotabar/"), path == "/opt/homebrew/bin/quotabar":
		return ChannelHomebrew
	case strings.Contains(path, "/scoop/apps/quotabar/"):
		return ChannelScoop
	case isGoBinPath(path):
		return ChannelGo
	case isScriptInstallPath(path):
		return ChannelScript
	default:
		return ChannelUnknown
	}
}

func isGoBinPath(path string) bool {
	if strings.HasSuffix(path, "/go/bin/quotabar") || strings.HasSuffix(path, "/go/bin/quotabar.exe") {
		return true
	}
	if gobin := normalizePath(os.Getenv("GOBIN")); gobin != "" {
		if path == gobin+"/quotabar" || path == gobin+"/quotabar.exe" {
			return true
		}
	}
	for _, gp := range filepath.SplitList(os.Getenv("GOPATH")) {
		gopath := normalizePath(gp)
		if gopath == "" {
			continue
		}
		if path == gopath+"/bin/quotabar" || path == gopath+"/bin/quotabar.exe" {
			return true
		}
	}
	return false
}

func isScriptInstallPath(path string) bool {
	if path == "/usr/local/bin/quotabar" || path == "/usr/bin/quotabar" {
		return true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	homePath := normalizePath(home)
	if homePath == "" {
		return false
	}
	return path == homePath+"/.local/bin/quotabar" || path == homePath+"/bin/quotabar"
}

func upgradeHint(channel Channel) string {
	switch channel {
	case ChannelHomebrew:
		return "brew upgrade quotabar"
	case ChannelGo:
		return "go install github.com/quotabar/quotabar/cmd/quotabar@latest"
	case ChannelScoop:
		return "scoop update quotabar"
	default:
		return "curl -fsSL " + installScriptURL + " | bash"
	}
}

func isGitHubAPI(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Scheme, "https") && strings.EqualFold(parsed.Hostname(), "api.github.com")
}
