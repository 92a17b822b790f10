package index

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowidx/knowidx/internal/policy"
	"github.com/knowidx/knowidx/internal/store"
)

func newTestCoordinator(t *testing.T, base string, opts Options) *Coordinator {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	opts.BasePath = base
	if opts.Policy == nil {
		opts.Policy = &policy.Policy{AllowedRoots: []string{policy.Canonicalize(base)}}
	}
	return New(s, opts)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRebuildIndexesEligibleFiles(t *testing.T) {
	// Given a base with two eligible files and one ineligible
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "report.txt"), "quarterly revenue grew")
	writeFile(t, filepath.Join(base, "notes.md"), "meeting notes")
	writeFile(t, filepath.Join(base, "tool.exe"), "binary")
	c := newTestCoordinator(t, base, Options{})

	// When rebuilding
	result, err := c.Rebuild(context.Background(), nil)

	// Then both eligible files are indexed
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 2, result.Documents)
	assert.Equal(t, 2, result.TotalScanned)
	assert.Equal(t, 2, result.Updated)
	assert.False(t, result.Cancelled)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.NotEqual(t, "Never", stats.LastIndexed)
}

func TestRebuildIsIdempotent(t *testing.T) {
	// Given an already indexed base
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "a.txt"), "alpha")
	writeFile(t, filepath.Join(base, "b.txt"), "beta")
	c := newTestCoordinator(t, base, Options{})
	_, err := c.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	// When rebuilding again with nothing changed
	result, err := c.Rebuild(context.Background(), nil)

	// Then every candidate is visited but nothing is re-extracted
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Zero(t, result.Updated)
	assert.Equal(t, 2, result.Documents)
}

func TestRebuildReextractsChangedFile(t *testing.T) {
	// Given an indexed file
	base := t.TempDir()
	path := filepath.Join(base, "a.txt")
	writeFile(t, path, "original words")
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	c := newTestCoordinator(t, base, Options{})
	_, err := c.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	// When the file changes
	writeFile(t, path, "replacement words entirely")
	result, err := c.Rebuild(context.Background(), nil)

	// Then it is re-extracted and the new content is searchable
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	results, err := c.Search(context.Background(), "replacement", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = c.Search(context.Background(), "original", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRebuildDeletesVanishedFiles(t *testing.T) {
	// Given two indexed files
	base := t.TempDir()
	keep := filepath.Join(base, "keep.txt")
	gone := filepath.Join(base, "gone.txt")
	writeFile(t, keep, "keep this")
	writeFile(t, gone, "remove this")
	c := newTestCoordinator(t, base, Options{})
	_, err := c.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	// When one disappears before the next rebuild
	require.NoError(t, os.Remove(gone))
	result, err := c.Rebuild(context.Background(), nil)

	// Then its record is dropped
	require.NoError(t, err)
	assert.Equal(t, 1, result.Documents)

	results, err := c.Search(context.Background(), "remove", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRebuildMissingBaseIsZeroResult(t *testing.T) {
	// Given a base path that does not exist, with log output captured
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	base := filepath.Join(t.TempDir(), "never-created")
	c := newTestCoordinator(t, base, Options{})

	// When rebuilding
	result, err := c.Rebuild(context.Background(), nil)

	// Then the run is a zero result, with a warning saying why
	require.NoError(t, err)
	assert.Zero(t, result.TotalScanned)
	assert.Zero(t, result.Documents)
	assert.Contains(t, logs.String(), "index.base_missing")
	assert.Contains(t, logs.String(), base)
}

func TestRebuildRecordsPolicySkips(t *testing.T) {
	// Given an excluded subtree inside the base
	base := t.TempDir()
	private := filepath.Join(base, "private")
	writeFile(t, filepath.Join(base, "ok.txt"), "fine")
	writeFile(t, filepath.Join(private, "secret.txt"), "hidden")
	c := newTestCoordinator(t, base, Options{
		Policy: &policy.Policy{
			AllowedRoots:  []string{policy.Canonicalize(base)},
			ExcludedPaths: []string{policy.Canonicalize(private)},
		},
	})

	result, err := c.Rebuild(context.Background(), nil)

	// Then the exclusion shows up as a skip diagnostic, not an error
	require.NoError(t, err)
	assert.Equal(t, 1, result.Documents)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Errors)

	skipped, errors := c.LastRunDetails()
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Reason, "excluded path")
	assert.Empty(t, errors)
}

func TestRebuildOversizeFileIndexedByNameOnly(t *testing.T) {
	// Given a 1 MB ceiling and a file above it
	base := t.TempDir()
	big := filepath.Join(base, "dump.log")
	writeFile(t, big, strings.Repeat("x", 1536*1024))
	c := newTestCoordinator(t, base, Options{MaxFileSizeMB: 1})

	result, err := c.Rebuild(context.Background(), nil)

	// Then the file is indexed, with a skip note about its content
	require.NoError(t, err)
	assert.Equal(t, 1, result.Documents)
	assert.Equal(t, 1, result.Skipped)

	skipped, _ := c.LastRunDetails()
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Reason, "skipped content")

	// Findable by name, not by its content
	results, err := c.Search(context.Background(), "dump", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = c.Search(context.Background(), "xxxx", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRebuildProgressReportsEveryCandidate(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "a.txt"), "alpha")
	writeFile(t, filepath.Join(base, "b.txt"), "beta")
	c := newTestCoordinator(t, base, Options{})

	var calls []int
	_, err := c.Rebuild(context.Background(), func(current, total int, _ string) {
		assert.Equal(t, 2, total)
		calls = append(calls, current)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, calls)
}

func TestCancelStopsRebuildWithPartialResults(t *testing.T) {
	// Given several files and a cancel fired from the first progress call
	base := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, filepath.Join(base, name), "content of "+name)
	}
	c := newTestCoordinator(t, base, Options{})

	result, err := c.Rebuild(context.Background(), func(current, _ int, _ string) {
		if current == 1 {
			c.Cancel()
		}
	})

	// Then the run ends early, reporting what it did finish
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 3, result.TotalScanned)
}

func TestCancelledRebuildPreservesStaleRecords(t *testing.T) {
	// Given an indexed file that later vanishes
	base := t.TempDir()
	gone := filepath.Join(base, "a-gone.txt")
	writeFile(t, gone, "disappearing")
	writeFile(t, filepath.Join(base, "m.txt"), "stays")
	writeFile(t, filepath.Join(base, "z.txt"), "stays too")
	c := newTestCoordinator(t, base, Options{})
	_, err := c.Rebuild(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(gone))

	// When the next rebuild is cancelled mid-run
	result, err := c.Rebuild(context.Background(), func(int, int, string) { c.Cancel() })
	require.NoError(t, err)
	require.True(t, result.Cancelled)

	// Then the partial candidate set is not treated as deletions
	assert.Equal(t, 3, result.Documents)

	// A complete rebuild drops the record
	result, err = c.Rebuild(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Documents)
}

func TestRebuildAsyncDeliversResult(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "a.txt"), "alpha")
	c := newTestCoordinator(t, base, Options{})

	done := make(chan RebuildResult, 1)
	c.RebuildAsync(context.Background(), nil, func(result RebuildResult, err error) {
		require.NoError(t, err)
		done <- result
	})

	select {
	case result := <-done:
		assert.Equal(t, 1, result.Documents)
	case <-time.After(10 * time.Second):
		t.Fatal("rebuild did not complete")
	}
}

func TestIndexFileSingleUpsert(t *testing.T) {
	// Given an empty index
	base := t.TempDir()
	path := filepath.Join(base, "new.txt")
	writeFile(t, path, "freshly created note")
	c := newTestCoordinator(t, base, Options{})

	// When indexing one file directly
	require.NoError(t, c.IndexFile(context.Background(), path))

	// Then it is immediately searchable
	results, err := c.Search(context.Background(), "freshly", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestIndexFileIgnoresIneligibleExtension(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "tool.exe")
	writeFile(t, path, "binary")
	c := newTestCoordinator(t, base, Options{})

	require.NoError(t, c.IndexFile(context.Background(), path))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
}

func TestIndexFileDeniedByPolicyIsSkip(t *testing.T) {
	// Given a file outside the allowed roots
	base := t.TempDir()
	outside := filepath.Join(t.TempDir(), "outside.txt")
	writeFile(t, outside, "not allowed")
	c := newTestCoordinator(t, base, Options{})

	// When indexing it
	err := c.IndexFile(context.Background(), outside)

	// Then it is recorded as a skip, not an error
	require.NoError(t, err)
	skipped, _ := c.LastRunDetails()
	require.Len(t, skipped, 1)
	assert.Equal(t, "outside allowed roots", skipped[0].Reason)
}

func TestIndexFileVanishedPathDeletes(t *testing.T) {
	// Given an indexed file
	base := t.TempDir()
	path := filepath.Join(base, "a.txt")
	writeFile(t, path, "will vanish")
	c := newTestCoordinator(t, base, Options{})
	require.NoError(t, c.IndexFile(context.Background(), path))
	require.NoError(t, os.Remove(path))

	// When notified about it again
	require.NoError(t, c.IndexFile(context.Background(), path))

	// Then the stale record is removed
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
}

func TestRemoveFile(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "a.txt")
	writeFile(t, path, "short lived")
	c := newTestCoordinator(t, base, Options{})
	require.NoError(t, c.IndexFile(context.Background(), path))

	require.NoError(t, c.RemoveFile(context.Background(), path))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
}

func TestSetBasePathRejectsPolicyViolation(t *testing.T) {
	// Given a policy excluding a directory
	base := t.TempDir()
	forbidden := filepath.Join(base, "private")
	require.NoError(t, os.MkdirAll(forbidden, 0o755))
	c := newTestCoordinator(t, base, Options{
		Policy: &policy.Policy{
			AllowedRoots:  []string{policy.Canonicalize(base)},
			ExcludedPaths: []string{policy.Canonicalize(forbidden)},
		},
	})

	// When pointing the index at it
	err := c.SetBasePath(context.Background(), forbidden)

	// Then the violation surfaces synchronously
	var violation *policy.ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "excluded path")
}

func TestSetBasePathRejectsFile(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "a.txt")
	writeFile(t, file, "not a directory")
	c := newTestCoordinator(t, base, Options{})

	err := c.SetBasePath(context.Background(), file)

	assert.ErrorContains(t, err, "not a directory")
}

func TestSetBasePathPersists(t *testing.T) {
	// Given a second directory under the allowed root
	base := t.TempDir()
	sub := filepath.Join(base, "docs")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	c := newTestCoordinator(t, base, Options{})

	require.NoError(t, c.SetBasePath(context.Background(), sub))

	assert.Equal(t, policy.Canonicalize(sub), c.BasePath(context.Background()))
}

func TestStatsBeforeFirstRebuild(t *testing.T) {
	base := t.TempDir()
	c := newTestCoordinator(t, base, Options{})

	stats, err := c.Stats(context.Background())

	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Equal(t, "Never", stats.LastIndexed)
	assert.Equal(t, string(store.BackendFullText), stats.Backend)
}

func TestUpdatePolicyTightensAccess(t *testing.T) {
	// Given an indexed base
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "a.txt"), "alpha")
	c := newTestCoordinator(t, base, Options{})
	_, err := c.Rebuild(context.Background(), nil)
	require.NoError(t, err)

	// When the allowed roots no longer cover the base
	other := t.TempDir()
	c.UpdatePolicy([]string{policy.Canonicalize(other)}, nil, 0)

	// Then the next rebuild denies everything under it
	result, err := c.Rebuild(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.TotalScanned)
}
