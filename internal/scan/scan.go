// Package scan walks a template or project tree, honoring an ignore
// matcher, and classifies each surviving file as text or binary.
package scan

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"tmplforge/internal/blob"
	"tmplforge/internal/ignore"
)

// alwaysPrunedDirs lets the walk skip whole subtrees cheaply instead of
// visiting every file beneath them only to ignore it one at a time.
var alwaysPrunedDirs = map[string]bool{
	"migrations":   true,
	".git":         true,
	"node_modules": true,
}

// File is one surviving path with its classified content.
type File struct {
	Path string // project-relative, forward-slash separated
	Blob blob.Blob
}

// Scanner walks a root directory subject to an ignore matcher.
type Scanner struct {
	Root    string
	Matcher *ignore.Matcher
	Log     *slog.Logger
}

// New creates a Scanner. A nil logger discards log output.
func New(root string, matcher *ignore.Matcher, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{Root: root, Matcher: matcher, Log: log}
}

// Scan returns every non-ignored file under Root, classified text/binary,
// sorted by path for deterministic output.
func (s *Scanner) Scan() ([]File, error) {
	var files []File

	err := filepath.Walk(s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Unreadable directory entries are logged and skipped; they
			// don't abort the whole scan (spec.md §7, ScanIO non-fatal).
			s.Log.Warn("scan: walk error", "path", path, "error", err)
			return nil
		}

		if path == s.Root {
			return nil
		}

		rel, relErr := filepath.Rel(s.Root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			name := info.Name()
			if alwaysPrunedDirs[name] {
				return filepath.SkipDir
			}
			if s.Matcher != nil && s.Matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}

		if s.Matcher != nil && s.Matcher.Match(rel, false) {
			return nil
		}

		content, kind := s.classify(path)
		files = append(files, File{Path: rel, Blob: blob.Blob{Bytes: content, Kind: kind}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// classify reads the file, declaring it binary on any read failure
// (spec.md §4.2: "unreadable files are classified binary for safety").
func (s *Scanner) classify(path string) ([]byte, blob.Kind) {
	content, err := os.ReadFile(path)
	if err != nil {
		s.Log.Warn("scan: file unreadable, treating as binary", "path", path, "error", err)
		return nil, blob.KindBinary
	}
	if IsBinary(content) {
		return content, blob.KindBinary
	}
	return content, blob.KindText
}

// sampleSize is how much of a file's head is inspected to classify it.
const sampleSize = 8 * 1024

// IsBinary applies spec.md §4.2's classifier: binary if the first 8 KiB
// contains a NUL byte, or if more than 30% of the sampled bytes fall
// outside printable-ASCII / common whitespace.
func IsBinary(content []byte) bool {
	sample := content
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	if len(sample) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range sample {
		if isPrintableOrCommonWhitespace(b) {
			continue
		}
		nonPrintable++
	}
	return float64(nonPrintable)/float64(len(sample)) > 0.30
}

func isPrintableOrCommonWhitespace(b byte) bool {
	switch b {
	case '\n', '\r', '\t':
		return true
	}
	return b >= 0x20 && b < 0x7f
}
