// Package index owns rebuild orchestration: diffing the filesystem
// against the stored snapshot, dispatching extraction, issuing upserts
// and deletes, and answering search and stats queries.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knowidx/knowidx/internal/crawl"
	"github.com/knowidx/knowidx/internal/extract"
	"github.com/knowidx/knowidx/internal/policy"
	"github.com/knowidx/knowidx/internal/search"
	"github.com/knowidx/knowidx/internal/store"
)

// Metadata keys persisted across rebuilds.
const (
	metaBasePath      = "base_path"
	metaLastIndexed   = "last_indexed"
	metaDocumentCount = "document_count"
)

// ProgressFunc receives progress after every candidate, including
// unchanged ones. It is invoked from the rebuild goroutine; callers
// marshal to other execution contexts themselves.
type ProgressFunc func(current, total int, path string)

// Diag is one skip or error diagnostic from the last rebuild run.
type Diag struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RebuildResult summarizes one rebuild run.
type RebuildResult struct {
	RunID        string `json:"run_id"`
	Documents    int    `json:"documents"`
	TotalScanned int    `json:"total_scanned"`
	Updated      int    `json:"updated"`
	Processed    int    `json:"processed"`
	Skipped      int    `json:"skipped"`
	Errors       int    `json:"errors"`
	Cancelled    bool   `json:"cancelled"`
}

// Stats reports the current index state.
type Stats struct {
	Documents   int    `json:"documents"`
	LastIndexed string `json:"last_indexed"`
	BasePath    string `json:"base_path"`
	Backend     string `json:"backend"`
	Skipped     int    `json:"skipped"`
	Errors      int    `json:"errors"`
}

// Options configures a Coordinator.
type Options struct {
	// BasePath is the directory to index. Persisted base_path metadata
	// takes precedence once set.
	BasePath string
	// AllowedRoots are the user-approved directory trees. Empty falls
	// back to the platform defaults (home + cwd).
	AllowedRoots []string
	// ExcludedPaths are user additions on top of the immutable system
	// exclusions.
	ExcludedPaths []string
	// IgnoreGlobs are doublestar patterns matched relative to the base.
	IgnoreGlobs []string
	// MaxFileSizeMB is the extraction ceiling, clamped to 1-2048.
	MaxFileSizeMB float64
	// Decoders overrides the format decoder set. Nil resolves the full
	// default set.
	Decoders *extract.Decoders
	// Policy, when set, is used verbatim: AllowedRoots and ExcludedPaths
	// are ignored and the system exclusion defaults are not merged in.
	// For callers that computed a policy themselves.
	Policy *policy.Policy
}

// Coordinator is the indexing facade. It owns the in-memory last-run
// diagnostics and the cancellation for runs it initiated; the store
// exclusively owns all persisted rows.
type Coordinator struct {
	store     *store.Store
	engine    *search.Engine
	crawler   *crawl.Crawler
	extractor *extract.Extractor

	// runMu serializes rebuilds; searches run concurrently against the
	// store and observe whatever snapshot is visible when they acquire
	// the store lock.
	runMu sync.Mutex

	mu          sync.Mutex
	pol         policy.Policy
	basePath    string
	lastSkipped []Diag
	lastErrors  []Diag
	cancelRun   context.CancelFunc
}

// New creates a Coordinator over an already-open store. The store is
// injected, never reached through process-wide state.
func New(s *store.Store, opts Options) *Coordinator {
	var pol policy.Policy
	if opts.Policy != nil {
		pol = *opts.Policy
	} else {
		roots := policy.Normalize(opts.AllowedRoots)
		if len(roots) == 0 {
			roots = policy.DefaultAllowedRoots()
		}
		pol = policy.Policy{
			AllowedRoots:  roots,
			ExcludedPaths: policy.MergeExcludedPaths(opts.ExcludedPaths),
		}
	}
	decoders := extract.DefaultDecoders()
	if opts.Decoders != nil {
		decoders = *opts.Decoders
	}
	return &Coordinator{
		store:     s,
		engine:    search.NewEngine(s),
		crawler:   crawl.New(opts.IgnoreGlobs),
		extractor: extract.New(opts.MaxFileSizeMB, decoders),
		pol:       pol,
		basePath:  policy.Canonicalize(opts.BasePath),
	}
}

// UpdatePolicy replaces the allowed roots and user exclusions. A nil
// allowedRoots keeps the current set; a nil excludedPaths keeps the
// current user additions. maxFileSizeMB <= 0 keeps the current ceiling.
func (c *Coordinator) UpdatePolicy(allowedRoots, excludedPaths []string, maxFileSizeMB float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if allowedRoots != nil {
		roots := policy.Normalize(allowedRoots)
		if len(roots) == 0 {
			roots = policy.DefaultAllowedRoots()
		}
		c.pol.AllowedRoots = roots
	}
	if excludedPaths != nil {
		c.pol.ExcludedPaths = policy.MergeExcludedPaths(excludedPaths)
	}
	if maxFileSizeMB > 0 {
		c.extractor = extract.New(maxFileSizeMB, c.extractor.Decoders())
	}
}

// Policy returns a copy of the active policy.
func (c *Coordinator) Policy() policy.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return policy.Policy{
		AllowedRoots:  append([]string(nil), c.pol.AllowedRoots...),
		ExcludedPaths: append([]string(nil), c.pol.ExcludedPaths...),
	}
}

// SetBasePath changes the indexed tree. The path must pass policy and
// exist; violations surface synchronously.
func (c *Coordinator) SetBasePath(ctx context.Context, path string) error {
	resolved := policy.Canonicalize(path)
	if ok, reason := c.Policy().Check(resolved); !ok {
		return &policy.ViolationError{Path: resolved, Reason: reason}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("base path %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base path %s is not a directory", resolved)
	}
	if err := c.store.SetMeta(ctx, metaBasePath, resolved); err != nil {
		return err
	}

	c.mu.Lock()
	c.basePath = resolved
	c.mu.Unlock()
	return nil
}

// BasePath returns the persisted base path, falling back to the
// configured one.
func (c *Coordinator) BasePath(ctx context.Context) string {
	if saved, err := c.store.GetMeta(ctx, metaBasePath); err == nil && saved != "" {
		return saved
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.basePath
}

// Cancel requests cooperative cancellation of the active rebuild, if
// any. The run returns partial results with Cancelled set.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

// RebuildAsync runs Rebuild on a background goroutine and delivers the
// result through onDone. The caller never blocks on completion.
func (c *Coordinator) RebuildAsync(ctx context.Context, onProgress ProgressFunc, onDone func(RebuildResult, error)) {
	go func() {
		result, err := c.Rebuild(ctx, onProgress)
		if onDone != nil {
			onDone(result, err)
		}
	}()
}

// Rebuild incrementally rebuilds the index: crawl candidates, diff
// against the stored snapshot, re-extract only changed files, then drop
// stale records. Per-file failures are recorded and skipped; only
// store-level failures abort the run.
func (c *Coordinator) Rebuild(ctx context.Context, onProgress ProgressFunc) (RebuildResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	runID := uuid.NewString()
	result := RebuildResult{RunID: runID}

	base := c.BasePath(ctx)
	if _, err := os.Stat(base); err != nil {
		slog.Warn("index.base_missing",
			slog.String("run_id", runID),
			slog.String("base", base),
			slog.String("error", err.Error()))
		return result, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelRun = cancel
	c.lastSkipped = nil
	c.lastErrors = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelRun = nil
		c.mu.Unlock()
	}()

	candidates, crawlSkips := c.crawler.Collect(ctx, base, c.Policy())
	for _, skip := range crawlSkips {
		c.recordSkip(skip.Path, skip.Reason)
	}
	total := len(candidates)
	result.TotalScanned = total

	slog.Info("index.rebuild_start",
		slog.String("run_id", runID),
		slog.String("base", base),
		slog.Int("candidates", total))

	snapshot, err := c.store.Snapshot(ctx)
	if err != nil {
		return result, fmt.Errorf("rebuild %s: %w", runID, err)
	}

	seen := make(map[string]struct{}, total)
	cancelled := false

	for i, path := range candidates {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		seen[path] = struct{}{}
		result.Processed++

		info, statErr := os.Stat(path)
		if statErr != nil {
			c.recordError(path, fmt.Sprintf("stat failed: %v", statErr))
			c.progress(onProgress, i+1, total, path)
			continue
		}

		mtime := info.ModTime().UnixNano()
		size := info.Size()
		if prev, ok := snapshot[path]; ok && prev.MTime == mtime && prev.Size == size {
			c.progress(onProgress, i+1, total, path)
			continue
		}

		snippet, note := c.currentExtractor().Extract(path, size)
		if snippet == "" {
			snippet = fmt.Sprintf("%s (no readable text found)", filepath.Base(path))
		}
		if err := c.store.Upsert(ctx, path, mtime, size, snippet); err != nil {
			result.Cancelled = cancelled
			return result, fmt.Errorf("rebuild %s: %w", runID, err)
		}
		result.Updated++

		if note != "" {
			c.recordSkip(path, note)
		}
		c.progress(onProgress, i+1, total, path)
	}

	// Stale records are dropped only on a complete pass: a cancelled
	// crawl yields a partial candidate set that must not be mistaken
	// for deletions.
	if !cancelled {
		for stale := range snapshot {
			if _, ok := seen[stale]; !ok {
				if err := c.store.Delete(ctx, stale); err != nil {
					return result, fmt.Errorf("rebuild %s: %w", runID, err)
				}
			}
		}
	}

	return c.finishRebuild(result, base, cancelled)
}

// finishRebuild updates bookkeeping metadata and logs the run summary.
func (c *Coordinator) finishRebuild(result RebuildResult, base string, cancelled bool) (RebuildResult, error) {
	// Metadata writes use a fresh context so a cancelled run still
	// records its completion state.
	ctx := context.Background()

	documents, err := c.store.CountFiles(ctx)
	if err != nil {
		return result, fmt.Errorf("rebuild %s: %w", result.RunID, err)
	}
	result.Documents = documents
	result.Cancelled = cancelled

	c.mu.Lock()
	result.Skipped = len(c.lastSkipped)
	result.Errors = len(c.lastErrors)
	c.mu.Unlock()

	if err := c.store.SetMeta(ctx, metaLastIndexed, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return result, fmt.Errorf("rebuild %s: %w", result.RunID, err)
	}
	if err := c.store.SetMeta(ctx, metaDocumentCount, fmt.Sprintf("%d", documents)); err != nil {
		return result, fmt.Errorf("rebuild %s: %w", result.RunID, err)
	}

	slog.Info("index.rebuild_complete",
		slog.String("run_id", result.RunID),
		slog.String("base", base),
		slog.Int("documents", result.Documents),
		slog.Int("total_scanned", result.TotalScanned),
		slog.Int("updated", result.Updated),
		slog.Int("processed", result.Processed),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Bool("cancelled", result.Cancelled))
	return result, nil
}

// IndexFile upserts a single file, the same entrypoint rebuild uses per
// candidate. The filesystem change notifier calls this on create and
// modify events. Ineligible extensions are ignored; policy rejections
// are recorded as skips; a vanished file is removed from the index.
func (c *Coordinator) IndexFile(ctx context.Context, path string) error {
	resolved := policy.Canonicalize(path)
	if !extract.AllowedExtension(resolved) {
		return nil
	}
	if ok, reason := c.Policy().Check(resolved); !ok {
		c.recordSkip(resolved, reason)
		return nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return c.store.Delete(ctx, resolved)
		}
		c.recordError(resolved, fmt.Sprintf("stat failed: %v", err))
		return fmt.Errorf("stat %s: %w", resolved, err)
	}

	snippet, note := c.currentExtractor().Extract(resolved, info.Size())
	if snippet == "" {
		snippet = fmt.Sprintf("%s (no readable text found)", filepath.Base(resolved))
	}
	if note != "" {
		c.recordSkip(resolved, note)
	}
	return c.store.Upsert(ctx, resolved, info.ModTime().UnixNano(), info.Size(), snippet)
}

// RemoveFile deletes a single file from the index. The change notifier
// calls this on delete events without waiting for a full rebuild.
func (c *Coordinator) RemoveFile(ctx context.Context, path string) error {
	return c.store.Delete(ctx, policy.Canonicalize(path))
}

// Search answers a free-text query with the merged filename and content
// ranking.
func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	return c.engine.Search(ctx, query, limit)
}

// Stats reports current index state plus last-run diagnostic counts.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	documents, err := c.store.CountFiles(ctx)
	if err != nil {
		return Stats{}, err
	}
	lastIndexed, err := c.store.GetMeta(ctx, metaLastIndexed)
	if err != nil {
		return Stats{}, err
	}
	if lastIndexed == "" {
		lastIndexed = "Never"
	}

	c.mu.Lock()
	skipped := len(c.lastSkipped)
	errors := len(c.lastErrors)
	c.mu.Unlock()

	return Stats{
		Documents:   documents,
		LastIndexed: lastIndexed,
		BasePath:    c.BasePath(ctx),
		Backend:     string(c.store.Backend()),
		Skipped:     skipped,
		Errors:      errors,
	}, nil
}

// LastRunDetails returns copies of the skip and error diagnostics from
// the most recent rebuild.
func (c *Coordinator) LastRunDetails() (skipped, errors []Diag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Diag(nil), c.lastSkipped...), append([]Diag(nil), c.lastErrors...)
}

// currentExtractor reads the extractor under the policy mutex so a
// concurrent UpdatePolicy cannot race a rebuild.
func (c *Coordinator) currentExtractor() *extract.Extractor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extractor
}

func (c *Coordinator) progress(fn ProgressFunc, current, total int, path string) {
	if fn != nil {
		fn(current, total, path)
	}
}

func (c *Coordinator) recordSkip(path, reason string) {
	c.mu.Lock()
	c.lastSkipped = append(c.lastSkipped, Diag{Path: path, Reason: reason})
	c.mu.Unlock()
	slog.Debug("index.skip_path", slog.String("path", path), slog.String("reason", reason))
}

func (c *Coordinator) recordError(path, reason string) {
	c.mu.Lock()
	c.lastErrors = append(c.lastErrors, Diag{Path: path, Reason: reason})
	c.mu.Unlock()
	slog.Warn("index.error", slog.String("path", path), slog.String("reason", reason))
}
