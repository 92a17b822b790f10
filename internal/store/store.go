// Package store persists the knowledge index: file metadata, full-text
// searchable content, and bookkeeping metadata, backed by SQLite.
//
// The content table has two interchangeable backends resolved once at
// Open and used for the process lifetime: an FTS5 virtual table with
// porter stemming and bm25 relevance, or a plain table scanned with
// case-insensitive LIKE when FTS5 is unavailable.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Backend identifies which content backend a store resolved at Open.
type Backend string

const (
	// BackendFullText is the FTS5 virtual table with bm25 ranking.
	BackendFullText Backend = "fts5"
	// BackendSubstring is the plain-table LIKE fallback.
	BackendSubstring Backend = "substring"
)

// FileStat is the change-detection snapshot for one indexed file.
type FileStat struct {
	MTime int64 // unix nanoseconds
	Size  int64
}

// FileRow is one row of the files table.
type FileRow struct {
	Path  string
	MTime int64
	Size  int64
}

// ContentHit is one content-relevance match. Rank is backend native:
// the raw bm25() value for the full-text backend (lower is better,
// usually negative) and always zero for the substring backend, which
// has no relative ranking among hits.
type ContentHit struct {
	Path    string
	Rank    float64
	Preview string
}

// Store owns the database handle. A single mutex guards every operation
// against the connection; no caller bypasses it. All mutations commit
// synchronously before returning.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	backend Backend
	lock    *flock.Flock
	closed  bool
}

// Open opens or creates the index database at path. An empty path opens
// an in-memory store for testing. A sibling lock file prevents two
// processes from writing the same index.
func Open(path string) (*Store, error) {
	var (
		dsn      string
		procLock *flock.Flock
	)
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		procLock = flock.New(path + ".lock")
		held, err := procLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire index lock: %w", err)
		}
		if !held {
			return nil, fmt.Errorf("index database %s is in use by another process", path)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if procLock != nil {
			_ = procLock.Unlock()
		}
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: modernc.org/sqlite serializes writers anyway and
	// this keeps the in-memory DSN from fragmenting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			if procLock != nil {
				_ = procLock.Unlock()
			}
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: path, lock: procLock}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		if procLock != nil {
			_ = procLock.Unlock()
		}
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the metadata and files tables, then resolves the
// content backend. FTS5 unavailability degrades to the substring
// backend, logged once, never surfaced to callers.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS files (
		id         INTEGER PRIMARY KEY,
		path       TEXT UNIQUE,
		mtime      INTEGER,
		size       INTEGER,
		indexed_at TEXT
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// An existing database dictates its backend: a store opened with the
	// fallback table keeps it even if FTS5 is available now.
	var createSQL string
	err := s.db.QueryRow(
		`SELECT sql FROM sqlite_master WHERE name = 'file_content'`,
	).Scan(&createSQL)
	switch {
	case err == nil:
		if strings.Contains(strings.ToUpper(createSQL), "VIRTUAL TABLE") {
			s.backend = BackendFullText
		} else {
			s.backend = BackendSubstring
		}
		return nil
	case err != sql.ErrNoRows:
		return err
	}

	_, err = s.db.Exec(`
		CREATE VIRTUAL TABLE file_content
		USING fts5(path UNINDEXED, content, tokenize = 'porter')
	`)
	if err == nil {
		s.backend = BackendFullText
		return nil
	}

	slog.Warn("index.fulltext_unavailable",
		slog.String("error", err.Error()),
		slog.String("fallback", string(BackendSubstring)))

	_, err = s.db.Exec(`
		CREATE TABLE file_content (
			file_id INTEGER PRIMARY KEY,
			content TEXT,
			FOREIGN KEY(file_id) REFERENCES files(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return err
	}
	s.backend = BackendSubstring
	return nil
}

// Backend returns the content backend resolved at Open.
func (s *Store) Backend() Backend {
	return s.backend
}

// Snapshot returns the stored {path: (mtime,size)} map used for rebuild
// diffing.
func (s *Store) Snapshot(ctx context.Context) (map[string]FileStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT path, mtime, size FROM files`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := make(map[string]FileStat)
	for rows.Next() {
		var (
			path  string
			mtime int64
			size  int64
		)
		if err := rows.Scan(&path, &mtime, &size); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snapshot[path] = FileStat{MTime: mtime, Size: size}
	}
	return snapshot, rows.Err()
}

// AllFiles returns every file row, used by search for filename scoring.
func (s *Store) AllFiles(ctx context.Context) ([]FileRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT path, mtime, size FROM files`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []FileRow
	for rows.Next() {
		var row FileRow
		if err := rows.Scan(&row.Path, &row.MTime, &row.Size); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, row)
	}
	return files, rows.Err()
}

// CountFiles returns the number of indexed files.
func (s *Store) CountFiles(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return count, nil
}

// GetMeta returns the metadata value for key, or "" when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a metadata key/value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// Close checkpoints and closes the database and releases the process
// lock. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}
