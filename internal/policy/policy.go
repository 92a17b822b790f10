// Package policy decides which filesystem paths the indexer may read.
// Exclusion always outranks inclusion: a path nested under an excluded
// entry is denied even when it also sits under an allowed root.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// canonicalCacheSize bounds the resolved-path cache. Symlink resolution
// hits the filesystem, and containment checks resolve the same roots on
// every candidate during a crawl.
const canonicalCacheSize = 4096

var canonicalCache, _ = lru.New[string, string](canonicalCacheSize)

// Policy holds the allowed roots and excluded paths used for access checks.
// Both slices hold canonical absolute paths produced by Normalize.
type Policy struct {
	AllowedRoots  []string
	ExcludedPaths []string
}

// Check reports whether path may be read under this policy.
func (p Policy) Check(path string) (bool, string) {
	return IsAllowed(path, p.AllowedRoots, p.ExcludedPaths)
}

// ViolationError reports a path denied by policy. It is surfaced
// synchronously at call sites such as changing the base path.
type ViolationError struct {
	Path   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("cannot access %q: %s", e.Path, e.Reason)
}

// Canonicalize resolves a path to its absolute, symlink-resolved form.
// Paths that do not exist (yet) are returned in cleaned absolute form so
// containment checks still work for pending files.
func Canonicalize(path string) string {
	if cached, ok := canonicalCache.Get(path); ok {
		return cached
	}

	expanded := expandHome(path)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		abs = filepath.Clean(expanded)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}

	canonicalCache.Add(path, resolved)
	return resolved
}

// expandHome replaces a leading ~ with the user home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Normalize resolves each entry to canonical form, dropping entries that
// cannot be made absolute and case-insensitive duplicates. First-seen
// order is preserved.
func Normalize(values []string) []string {
	var paths []string
	seen := make(map[string]struct{}, len(values))
	for _, entry := range values {
		if entry == "" {
			continue
		}
		expanded := expandHome(entry)
		if _, err := filepath.Abs(expanded); err != nil {
			continue
		}
		path := Canonicalize(entry)
		key := strings.ToLower(filepath.ToSlash(path))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		paths = append(paths, path)
	}
	return paths
}

// isUnder reports whether path equals parent or is nested beneath it.
// Both operands must already be canonical.
func isUnder(path, parent string) bool {
	if path == parent {
		return true
	}
	return strings.HasPrefix(path, parent+string(filepath.Separator))
}

// IsAllowed checks the excluded set first: if path equals or is nested
// under any excluded entry it is denied with "excluded path" even when
// also nested under an allowed root. Otherwise the path is allowed only
// when it sits under an allowed root. An empty allowed-root set denies
// everything.
func IsAllowed(path string, allowedRoots, excludedPaths []string) (bool, string) {
	p := Canonicalize(path)
	for _, entry := range excludedPaths {
		if isUnder(p, Canonicalize(entry)) {
			return false, fmt.Sprintf("excluded path: %s", entry)
		}
	}
	for _, root := range allowedRoots {
		if isUnder(p, Canonicalize(root)) {
			return true, ""
		}
	}
	return false, "outside allowed roots"
}

// DefaultAllowedRoots returns the user home directory plus the current
// working directory.
func DefaultAllowedRoots() []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, home)
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	return Normalize(roots)
}

// DefaultExcludedPaths returns the platform-specific system directories
// that are never readable, regardless of user configuration.
func DefaultExcludedPaths() []string {
	switch runtime.GOOS {
	case "windows":
		profile := os.Getenv("USERPROFILE")
		entries := []string{
			`C:\Windows`,
			`C:\Program Files`,
			`C:\Program Files (x86)`,
			`C:\ProgramData`,
			`C:\pagefile.sys`,
			`C:\hiberfil.sys`,
			`C:\System Volume Information`,
			`C:\$Recycle.Bin`,
		}
		if profile != "" {
			entries = append(entries, filepath.Join(profile, "AppData"))
		}
		return Normalize(entries)
	case "darwin":
		return Normalize([]string{
			"/System",
			"/bin",
			"/sbin",
			"/usr",
			"/private/var",
			"/Library",
			"/dev",
		})
	default:
		return Normalize([]string{
			"/bin",
			"/boot",
			"/dev",
			"/etc",
			"/lib",
			"/proc",
			"/root",
			"/run",
			"/sbin",
			"/sys",
			"/tmp",
			"/usr",
		})
	}
}

// MergeExcludedPaths combines the immutable system defaults with user
// additions. Defaults always come first and cannot be removed.
func MergeExcludedPaths(extras []string) []string {
	merged := DefaultExcludedPaths()
	seen := make(map[string]struct{}, len(merged))
	for _, p := range merged {
		seen[strings.ToLower(filepath.ToSlash(p))] = struct{}{}
	}
	for _, p := range Normalize(extras) {
		key := strings.ToLower(filepath.ToSlash(p))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, p)
	}
	return merged
}
