package search

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/knowidx/knowidx/internal/store"
)

// Result is one ranked search hit.
type Result struct {
	Path          string  `json:"path"`
	Name          string  `json:"name"`
	Score         float64 `json:"score"`
	Snippet       string  `json:"snippet"`
	Modified      string  `json:"modified"`
	ModifiedHuman string  `json:"modified_human"`
	SizeBytes     int64   `json:"size_bytes"`
	SizeHuman     string  `json:"size_human"`
}

// Engine answers free-text queries against an index store, merging
// filename and content relevance into one deterministic ordering.
type Engine struct {
	store *store.Store
	now   func() time.Time
}

// NewEngine creates a search engine over the given store.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, now: time.Now}
}

// Search returns up to limit results for query, ordered by descending
// score with ties broken by filename then full path. An empty query
// returns an empty list.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Result{}, nil
	}
	if limit < 1 {
		limit = 1
	}

	lowerQuery := strings.ToLower(query)
	tokens := Tokenize(lowerQuery)
	now := e.now()

	rows, err := e.store.AllFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	merged := make(map[string]*Result, len(rows))
	mtimes := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		mtime := time.Unix(0, row.MTime)
		mtimes[row.Path] = mtime
		merged[row.Path] = &Result{
			Path:          row.Path,
			Name:          filepath.Base(row.Path),
			Modified:      mtime.Format(time.RFC3339),
			ModifiedHuman: humanize.Time(mtime),
			SizeBytes:     row.Size,
			SizeHuman:     humanize.IBytes(uint64(row.Size)),
		}
	}

	for path, entry := range merged {
		score := nameScore(lowerQuery, tokens, path, mtimes[path], now)
		if score > 0 {
			entry.Score += score
			if entry.Snippet == "" {
				entry.Snippet = fmt.Sprintf("Filename match for %q", query)
			}
		}
	}

	hits, err := e.store.ContentMatches(ctx, query, tokens, limit*contentFetchMultiplier)
	if err != nil {
		return nil, fmt.Errorf("search content: %w", err)
	}
	fulltext := e.store.Backend() == store.BackendFullText
	for _, hit := range hits {
		entry, ok := merged[hit.Path]
		if !ok {
			continue
		}
		if fulltext {
			entry.Score += contentScore(hit.Rank)
		} else {
			entry.Score += substringHitScore
		}
		if preview := strings.TrimSpace(hit.Preview); preview != "" {
			entry.Snippet = preview
		} else if entry.Snippet == "" {
			entry.Snippet = "Content match"
		}
	}

	ranked := make([]Result, 0, len(merged))
	for _, entry := range merged {
		if entry.Score > 0 {
			ranked = append(ranked, *entry)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Name != ranked[j].Name {
			return ranked[i].Name < ranked[j].Name
		}
		return ranked[i].Path < ranked[j].Path
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	slog.Debug("index.search",
		slog.String("query", query),
		slog.Int("limit", limit),
		slog.Int("results", len(ranked)))
	return ranked, nil
}
