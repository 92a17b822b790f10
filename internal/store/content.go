package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// previewChars is the leading-content window returned for substring hits.
const previewChars = 400

// Upsert atomically replaces the file row and its linked content row.
// Each file is its own atomic unit; the transaction commits before
// Upsert returns.
func (s *Store) Upsert(ctx context.Context, path string, mtime, size int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	indexedAt := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (path, mtime, size, indexed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			mtime = excluded.mtime,
			size = excluded.size,
			indexed_at = excluded.indexed_at
	`, path, mtime, size, indexedAt)
	if err != nil {
		return fmt.Errorf("upsert file row %s: %w", path, err)
	}

	var fileID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM files WHERE path = ?`, path).Scan(&fileID); err != nil {
		return fmt.Errorf("resolve file id %s: %w", path, err)
	}

	if s.backend == BackendFullText {
		// FTS5 virtual tables have no REPLACE; delete first.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_content WHERE rowid = ?`, fileID); err != nil {
			return fmt.Errorf("clear content row %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_content (rowid, path, content) VALUES (?, ?, ?)`,
			fileID, path, content); err != nil {
			return fmt.Errorf("insert content row %s: %w", path, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO file_content (file_id, content) VALUES (?, ?)`,
			fileID, content); err != nil {
			return fmt.Errorf("insert content row %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert %s: %w", path, err)
	}
	return nil
}

// Delete removes the file row and cascades its content row in the same
// transaction. Deleting an unknown path is a no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fileID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM files WHERE path = ?`, path).Scan(&fileID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve file id %s: %w", path, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file row %s: %w", path, err)
	}

	var contentSQL string
	if s.backend == BackendFullText {
		contentSQL = `DELETE FROM file_content WHERE rowid = ?`
	} else {
		contentSQL = `DELETE FROM file_content WHERE file_id = ?`
	}
	if _, err := tx.ExecContext(ctx, contentSQL, fileID); err != nil {
		return fmt.Errorf("delete content row %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete %s: %w", path, err)
	}
	return nil
}

// ContentMatches runs the backend content query. The full-text backend
// matches an OR of prefix tokens and reports the raw bm25 rank with an
// FTS5 snippet preview. The substring backend scans stored content for
// the whole query, case-insensitively, and reports rank 0 for every hit
// with a leading-content preview.
func (s *Store) ContentMatches(ctx context.Context, query string, tokens []string, limit int) ([]ContentHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}

	if s.backend == BackendFullText {
		return s.fulltextMatches(ctx, tokens, limit)
	}
	return s.substringMatches(ctx, query, limit)
}

// fulltextMatches queries the FTS5 table. Callers hold s.mu.
func (s *Store) fulltextMatches(ctx context.Context, tokens []string, limit int) ([]ContentHit, error) {
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok + "*"
	}
	match := strings.Join(terms, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT files.path,
		       snippet(file_content, 1, '[', ']', ' ... ', 16) AS preview,
		       bm25(file_content) AS rank
		FROM file_content
		JOIN files ON files.id = file_content.rowid
		WHERE file_content MATCH ?
		ORDER BY rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		// FTS5 rejects some token sequences with a syntax error; treat
		// those as no results rather than a failed search.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, fmt.Errorf("fulltext query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []ContentHit
	for rows.Next() {
		var hit ContentHit
		if err := rows.Scan(&hit.Path, &hit.Preview, &hit.Rank); err != nil {
			return nil, fmt.Errorf("scan fulltext hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// substringMatches scans the fallback content table. Callers hold s.mu.
func (s *Store) substringMatches(ctx context.Context, query string, limit int) ([]ContentHit, error) {
	like := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT files.path,
		       substr(file_content.content, 1, ?) AS preview
		FROM file_content
		JOIN files ON files.id = file_content.file_id
		WHERE lower(file_content.content) LIKE ?
		LIMIT ?
	`, previewChars, like, limit)
	if err != nil {
		return nil, fmt.Errorf("substring query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []ContentHit
	for rows.Next() {
		var hit ContentHit
		if err := rows.Scan(&hit.Path, &hit.Preview); err != nil {
			return nil, fmt.Errorf("scan substring hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
