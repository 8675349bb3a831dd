// Package discover locates AI CLI installations on the workstation and
// extracts configuration the CLIs bundle rather than expose.
package discover

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/mod/semver"
)

// extraBinDirsEnv lists additional directories to search before the
// well-known install locations, os.PathListSeparator separated.
const extraBinDirsEnv = "QUOTABAR_BIN_DIRS"

// Install describes a resolved CLI installation.
type Install struct {
	Name string // binary name as searched
	Path string // binary path with symlinks resolved
	Dir  string // directory containing Path
}

// FindCLI locates a CLI binary by name, searching PATH first and then a set
// of well-known install directories. Symlinks are resolved, so for an npm
// install Path points inside the package tree rather than at the bin stub.
func FindCLI(name string) (Install, error) {
	if path, err := exec.LookPath(name); err == nil {
		return resolveInstall(name, path), nil
	}
	for _, dir := range searchDirs() {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if isExecutable(path) {
			return resolveInstall(name, path), nil
		}
	}
	return Install{}, fmt.Errorf("%s: not found on PATH or in known install directories", name)
}

func resolveInstall(name, path string) Install {
	if resolved, err := filepath.EvalSymlinks(path); err == nil && resolved != "" {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return Install{Name: name, Path: path, Dir: filepath.Dir(path)}
}

// searchDirs returns the directories checked when PATH lookup fails. The
// launchd/menu-bar environment often lacks the user's shell PATH, so the
// usual package-manager bin directories are tried explicitly.
func searchDirs() []string {
	var dirs []string
	if extra := os.Getenv(extraBinDirsEnv); extra != "" {
		dirs = append(dirs, filepath.SplitList(extra)...)
	}
	dirs = append(dirs,
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
	)
	home, err := os.UserHomeDir()
	if err != nil {
		return dirs
	}
	dirs = append(dirs,
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, "bin"),
		filepath.Join(home, ".npm-global", "bin"),
	)
	if nodeBin := newestNodeBin(filepath.Join(home, ".nvm", "versions", "node")); nodeBin != "" {
		dirs = append(dirs, nodeBin)
	}
	return dirs
}

// newestNodeBin picks the bin directory of the newest node install under an
// nvm-style versions root. nvm only prepends its shims in interactive
// shells, so a CLI installed through it is invisible to PATH here.
func newestNodeBin(root string) string {
	version := newestVersionDir(root)
	if version == "" {
		return ""
	}
	return filepath.Join(root, version, "bin")
}

// newestVersionDir returns the name of the semver-highest subdirectory of
// root, or "" when root has none. Directory names may carry a leading "v"
// (nvm) or not (Homebrew Cellar).
func newestVersionDir(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	var bestName, bestVer string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v := entry.Name()
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		if !semver.IsValid(v) {
			continue
		}
		if bestVer == "" || semver.Compare(v, bestVer) > 0 {
			bestName, bestVer = entry.Name(), v
		}
	}
	return bestName
}

// isExecutable reports whether path is a regular file the current user can
// execute.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
