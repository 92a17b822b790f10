// Package crawl walks a base directory under a path policy, producing
// the ordered set of eligible candidate files for indexing.
package crawl

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/knowidx/knowidx/internal/extract"
	"github.com/knowidx/knowidx/internal/policy"
)

// Skip records one path that was rejected during a crawl, with the
// reason it was rejected.
type Skip struct {
	Path   string
	Reason string
}

// Crawler discovers candidate files under a base directory. Disallowed
// subtrees are pruned before descent so excluded trees are never
// enumerated, and visited canonical directories are tracked to break
// symlink cycles.
type Crawler struct {
	ignoreGlobs []string
}

// New creates a Crawler. ignoreGlobs are user-configured doublestar
// patterns matched against paths relative to the crawl base.
func New(ignoreGlobs []string) *Crawler {
	return &Crawler{ignoreGlobs: ignoreGlobs}
}

// Collect walks base and returns the ordered candidate paths plus skip
// diagnostics. Cancellation is polled at every directory boundary; a
// cancelled crawl returns the partial results gathered so far, not an
// error. Unreadable entries are skipped, never fatal.
func (c *Crawler) Collect(ctx context.Context, base string, pol policy.Policy) ([]string, []Skip) {
	var (
		candidates []string
		skips      []Skip
	)
	visited := make(map[string]struct{})

	_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			skips = append(skips, Skip{Path: path, Reason: "read error: " + err.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			select {
			case <-ctx.Done():
				return filepath.SkipAll
			default:
			}

			resolved := policy.Canonicalize(path)
			if _, seen := visited[resolved]; seen {
				return filepath.SkipDir
			}
			visited[resolved] = struct{}{}

			if ok, reason := pol.Check(path); !ok {
				skips = append(skips, Skip{Path: path, Reason: reason})
				return filepath.SkipDir
			}
			return nil
		}

		if !extract.AllowedExtension(path) {
			return nil
		}
		if reason, ignored := c.matchesIgnoreGlob(base, path); ignored {
			skips = append(skips, Skip{Path: path, Reason: reason})
			return nil
		}
		if ok, reason := pol.Check(path); !ok {
			skips = append(skips, Skip{Path: path, Reason: reason})
			return nil
		}

		candidates = append(candidates, path)
		return nil
	})

	return candidates, skips
}

// matchesIgnoreGlob checks the user ignore patterns against the
// base-relative path.
func (c *Crawler) matchesIgnoreGlob(base, path string) (string, bool) {
	if len(c.ignoreGlobs) == 0 {
		return "", false
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range c.ignoreGlobs {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return "ignored by pattern: " + pattern, true
		}
	}
	return "", false
}
