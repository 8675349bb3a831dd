package discover

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// The Gemini CLI does not write its OAuth client pair into
// oauth_creds.json; the pair lives as constants in the CLI's generated
// JavaScript. Refreshing the stored tokens needs that pair, so when the CLI
// is installed locally the constants are lifted straight out of the bundle.
// This is string-scraping of a third party's packaging and may stop matching
// on any upstream release; callers must treat any error as "no client
// credentials available", never as fatal.
var (
	reGoogleClientID     = regexp.MustCompile(`[0-9]+-[a-z0-9]+\.apps\.googleusercontent\.com`)
	reGoogleClientSecret = regexp.MustCompile(`GOCSPX-[A-Za-z0-9_-]+`)
)

const (
	maxBundleFileSize = 32 << 20 // generated bundles run large, sources do not
	maxBundleReads    = 256
	maxBundleDepth    = 6
)

// GeminiClientCredentials locates an installed Gemini CLI and extracts the
// OAuth client id and secret from its bundled source.
func GeminiClientCredentials() (id, secret string, err error) {
	inst, err := FindCLI("gemini")
	if err != nil {
		return "", "", err
	}
	for _, root := range bundleRoots(inst) {
		id, secret = scanBundle(root, id, secret)
		if id != "" && secret != "" {
			log.Printf("[discover] gemini oauth client found under %s", root)
			return id, secret, nil
		}
	}
	return "", "", fmt.Errorf("gemini install at %s has no oauth client constants", inst.Path)
}

// bundleRoots lists directories that may hold the CLI's generated source,
// most specific first. The npm layout symlinks bin/gemini into the package
// tree, so after symlink resolution Dir already sits inside the package;
// the lib/node_modules guess covers wrapper-script installs where it does
// not.
func bundleRoots(inst Install) []string {
	roots := []string{inst.Dir}
	if strings.Contains(inst.Dir, "gemini") {
		if parent := filepath.Dir(inst.Dir); parent != inst.Dir {
			roots = append(roots, parent)
		}
	}
	prefix := filepath.Dir(inst.Dir)
	roots = append(roots, filepath.Join(prefix, "lib", "node_modules", "@google", "gemini-cli"))
	return roots
}

// scanBundle walks root looking for the client id and secret patterns in
// JavaScript files, carrying forward anything already matched. The walk is
// capped on depth and file reads so a guess that lands on a broad directory
// stays cheap.
func scanBundle(root, id, secret string) (string, string) {
	reads := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if pathDepth(root, path) > maxBundleDepth {
				return fs.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".js", ".mjs", ".cjs":
		default:
			return nil
		}
		if reads >= maxBundleReads {
			return fs.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxBundleFileSize {
			return nil
		}
		reads++
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if id == "" {
			id = string(reGoogleClientID.Find(data))
		}
		if secret == "" {
			secret = string(reGoogleClientSecret.Find(data))
		}
		if id != "" && secret != "" {
			return fs.SkipAll
		}
		return nil
	})
	return id, secret
}

// pathDepth counts directory levels of path below root.
func pathDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
