package claude

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/browserutils/kooky"
	_ "github.com/browserutils/kooky/browser/all"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"

	"github.com/quotabar/quotabar/internal/core"
)

const (
	safeStorageService = "Claude Safe Storage"
	safeStorageAccount = "Claude"

	// Chromium's v10 cookie scheme on macOS: PBKDF2-SHA1 over the Safe
	// Storage password, then AES-128-CBC with a constant IV.
	chromiumSalt       = "saltysalt"
	chromiumIterations = 1003
	chromiumKeyLen     = 16
	chromiumPrefixLen  = 32
)

var wantedCookies = []string{"sessionKey", "cf_clearance", "anthropic-device-id", "lastActiveOrg", "__cf_bm"}

// probeWebUsage reads the same usage buckets the claude.ai settings page
// shows, riding an existing desktop or browser session instead of OAuth.
func (p *Provider) probeWebUsage(ctx context.Context, orgUUID string) (core.UsageSnapshot, error) {
	cookies, err := p.sessionCookies()
	if err != nil {
		return core.UsageSnapshot{}, fmt.Errorf("claude: web session: %w", err)
	}
	return p.fetchWebUsage(ctx, orgUUID, cookies)
}

func (p *Provider) fetchWebUsage(ctx context.Context, orgUUID string, cookies map[string]string) (core.UsageSnapshot, error) {
	url := fmt.Sprintf("%s/api/organizations/%s/usage", p.webBase, orgUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeInvalidURL,
			Message:  err.Error(),
		}
	}

	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	req.Header.Set("Cookie", strings.Join(parts, "; "))

	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", p.webBase+"/settings/usage")
	req.Header.Set("anthropic-client-platform", "web_claude_ai")

	resp, err := p.client.Do(req)
	if err != nil {
		return core.UsageSnapshot{}, fmt.Errorf("claude: web usage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return core.UsageSnapshot{}, fmt.Errorf("claude: reading web usage response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeUnauthorized,
			Code:     resp.StatusCode,
			Message:  "web session expired",
		}
	case resp.StatusCode != http.StatusOK:
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeHTTPError,
			Code:     resp.StatusCode,
			Message:  strings.TrimSpace(string(body[:min(len(body), 300)])),
		}
	}

	var usage usageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return core.UsageSnapshot{}, &core.ProbeError{
			Provider: core.KindClaude,
			Failure:  core.ProbeInvalidResponse,
			Code:     resp.StatusCode,
			Message:  err.Error(),
		}
	}
	return snapshotFromUsage(&usage, p.now()), nil
}

// sessionCookies prefers the desktop app's cookie jar and falls back to
// whatever browser kooky can pull a claude.ai session from.
func (p *Provider) sessionCookies() (map[string]string, error) {
	cookies, desktopErr := p.desktopCookies()
	if desktopErr == nil {
		return cookies, nil
	}
	if session := browserSessionCookie(); session != "" {
		return map[string]string{"sessionKey": session}, nil
	}
	return nil, desktopErr
}

func browserSessionCookie() string {
	found := kooky.ReadCookies(kooky.Valid, kooky.DomainHasSuffix("claude.ai"), kooky.Name("sessionKey"))
	for _, c := range found {
		if c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// desktopCookies decrypts the Claude desktop app's Chromium cookie jar.
// The DB is copied aside first so the query never races the app's own
// writes on a locked file.
func (p *Provider) desktopCookies() (map[string]string, error) {
	if runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("desktop cookie jar only readable on darwin")
	}

	key, err := p.chromiumKey()
	if err != nil {
		return nil, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	cookiesPath := filepath.Join(home, "Library", "Application Support", "Claude", "Cookies")
	if _, err := os.Stat(cookiesPath); err != nil {
		return nil, fmt.Errorf("desktop cookie jar not found: %w", err)
	}

	tmp, err := os.CreateTemp("", "quotabar-cookies-*.db")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	data, err := os.ReadFile(cookiesPath)
	if err != nil {
		return nil, fmt.Errorf("reading cookie jar: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", tmpPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening cookie jar copy: %w", err)
	}
	defer db.Close()

	placeholders := make([]string, len(wantedCookies))
	args := make([]any, len(wantedCookies))
	for i, name := range wantedCookies {
		placeholders[i] = "?"
		args[i] = name
	}
	query := fmt.Sprintf(
		"SELECT name, encrypted_value FROM cookies WHERE host_key LIKE '%%claude.ai%%' AND name IN (%s)",
		strings.Join(placeholders, ","),
	)
	rows, err := db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cookie jar: %w", err)
	}
	defer rows.Close()

	cookies := make(map[string]string)
	for rows.Next() {
		var name string
		var encrypted []byte
		if err := rows.Scan(&name, &encrypted); err != nil {
			continue
		}
		value, err := decryptChromiumCookie(encrypted, key)
		if err != nil {
			continue
		}
		cookies[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, ok := cookies["sessionKey"]; !ok {
		return nil, fmt.Errorf("no sessionKey cookie (desktop app not signed in?)")
	}
	return cookies, nil
}

func (p *Provider) chromiumKey() ([]byte, error) {
	entry, err := p.secrets.Get(safeStorageService, safeStorageAccount)
	if err != nil {
		return nil, fmt.Errorf("reading safe storage password: %w", err)
	}
	password := strings.TrimSpace(string(entry.Data))
	return pbkdf2.Key([]byte(password), []byte(chromiumSalt), chromiumIterations, chromiumKeyLen, sha1.New), nil
}

// decryptChromiumCookie undoes the v10 scheme: AES-CBC with a
// sixteen-space IV, PKCS7 padding, and a 32-byte hash prefix Chromium
// prepends to the cookie value.
func decryptChromiumCookie(encrypted, key []byte) (string, error) {
	if len(encrypted) < 3 {
		return "", fmt.Errorf("encrypted value too short")
	}
	if prefix := string(encrypted[:3]); prefix != "v10" {
		return "", fmt.Errorf("unexpected cookie encryption version %q", prefix)
	}
	ciphertext := encrypted[3:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not aligned to block size")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := []byte("                ")
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return "", fmt.Errorf("invalid padding")
	}
	plaintext = plaintext[:len(plaintext)-padLen]

	if len(plaintext) <= chromiumPrefixLen {
		return "", fmt.Errorf("decrypted value too short")
	}
	return string(plaintext[chromiumPrefixLen:]), nil
}
