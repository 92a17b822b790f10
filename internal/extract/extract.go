// Package extract converts files on disk into bounded text snippets for
// indexing. Extraction is fault isolated: a failure on one file is
// reported as a diagnostic note and never aborts a batch.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	// MaxSnippetChars bounds the extracted text stored per file.
	MaxSnippetChars = 6000

	// DefaultMaxFileSizeMB is the extraction ceiling when none is configured.
	DefaultMaxFileSizeMB = 8.0

	// MinMaxFileSizeMB and MaxMaxFileSizeMB clamp the configurable ceiling.
	MinMaxFileSizeMB = 1.0
	MaxMaxFileSizeMB = 2048.0
)

// allowedExtensions is the full set of file extensions eligible for
// indexing. Anything outside this set is never read.
var allowedExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".rst": {},
	".py": {}, ".json": {}, ".cfg": {}, ".ini": {},
	".yaml": {}, ".yml": {}, ".csv": {}, ".toml": {},
	".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {},
	".html": {}, ".css": {}, ".scss": {}, ".less": {},
	".pdf": {}, ".docx": {}, ".log": {}, ".ipynb": {},
}

// textExtensions are read as plain text with permissive decoding.
var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".rst": {},
	".json": {}, ".cfg": {}, ".ini": {}, ".yaml": {}, ".yml": {},
	".csv": {}, ".toml": {}, ".log": {}, ".html": {}, ".css": {},
	".scss": {}, ".less": {},
}

// codeExtensions are source files, read the same way as plain text.
var codeExtensions = map[string]struct{}{
	".py": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {},
}

// AllowedExtension reports whether files with the given path extension
// are eligible for indexing.
func AllowedExtension(path string) bool {
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// DecodeFunc extracts plain text from a structured binary format.
type DecodeFunc func(path string) (string, error)

// Decoders holds the optional format decoders. A nil entry means the
// capability is unavailable: the file is still indexed by name, with a
// note recorded as a skip rather than an error.
type Decoders struct {
	PDF      DecodeFunc
	DOCX     DecodeFunc
	Notebook DecodeFunc
}

// DefaultDecoders resolves the full decoder set once at construction.
func DefaultDecoders() Decoders {
	return Decoders{
		PDF:      decodePDF,
		DOCX:     decodeDOCX,
		Notebook: decodeNotebook,
	}
}

// Extractor converts files into bounded snippets according to a size
// ceiling and the resolved decoder set.
type Extractor struct {
	maxFileSizeBytes int64
	decoders         Decoders
}

// ClampMaxFileSizeMB clamps a configured ceiling into the supported range.
func ClampMaxFileSizeMB(mb float64) float64 {
	if mb < MinMaxFileSizeMB {
		return MinMaxFileSizeMB
	}
	if mb > MaxMaxFileSizeMB {
		return MaxMaxFileSizeMB
	}
	return mb
}

// New creates an Extractor with the given size ceiling in megabytes.
// The ceiling is clamped to the supported range.
func New(maxFileSizeMB float64, decoders Decoders) *Extractor {
	if maxFileSizeMB <= 0 {
		maxFileSizeMB = DefaultMaxFileSizeMB
	}
	mb := ClampMaxFileSizeMB(maxFileSizeMB)
	return &Extractor{
		maxFileSizeBytes: int64(mb * 1024 * 1024),
		decoders:         decoders,
	}
}

// MaxFileSizeBytes returns the effective extraction ceiling.
func (e *Extractor) MaxFileSizeBytes() int64 {
	return e.maxFileSizeBytes
}

// Decoders returns the decoder set resolved at construction.
func (e *Extractor) Decoders() Decoders {
	return e.decoders
}

// Extract returns a bounded text snippet for path plus an optional
// diagnostic note. An empty snippet with a non-empty note means no
// readable content was found; the caller falls back to a filename-only
// snippet. Extraction never panics out of this method.
func (e *Extractor) Extract(path string, size int64) (snippet, note string) {
	defer func() {
		if r := recover(); r != nil {
			snippet = ""
			note = fmt.Sprintf("read error: %v", r)
		}
	}()

	ext := strings.ToLower(filepath.Ext(path))
	name := filepath.Base(path)

	if size > e.maxFileSizeBytes {
		return name, fmt.Sprintf("skipped content (>%.1f MB)", float64(e.maxFileSizeBytes)/(1024*1024))
	}

	if _, ok := textExtensions[ext]; ok {
		return e.readText(path)
	}
	if _, ok := codeExtensions[ext]; ok {
		return e.readText(path)
	}

	switch ext {
	case ".pdf":
		if e.decoders.PDF == nil {
			return name, "PDF text extraction unavailable"
		}
		return e.decode(path, e.decoders.PDF)
	case ".docx":
		if e.decoders.DOCX == nil {
			return name, "DOCX text extraction unavailable"
		}
		return e.decode(path, e.decoders.DOCX)
	case ".ipynb":
		if e.decoders.Notebook == nil {
			return name, "notebook text extraction unavailable"
		}
		return e.decode(path, e.decoders.Notebook)
	}

	return "", "unsupported format"
}

// readText reads a plain-text file with permissive decoding: invalid
// UTF-8 sequences are replaced, never an error.
func (e *Extractor) readText(path string) (string, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Sprintf("read error: %v", err)
	}
	return Truncate(sanitize(string(data))), ""
}

// decode runs a format decoder with the snippet bound applied.
func (e *Extractor) decode(path string, fn DecodeFunc) (string, string) {
	text, err := fn(path)
	if err != nil {
		return "", fmt.Sprintf("read error: %v", err)
	}
	return Truncate(sanitize(text)), ""
}

// sanitize strips invalid UTF-8 and NUL bytes from decoded content.
func sanitize(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError || r == 0 {
			return -1
		}
		return r
	}, strings.ToValidUTF8(s, string(utf8.RuneError)))
}

// Truncate bounds a snippet to MaxSnippetChars characters.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxSnippetChars {
		return s
	}
	return string(runes[:MaxSnippetChars])
}
