// Package ignore provides gitignore-style path filtering for the scanner
// and generator: negation, "**", directory-only, and rooted patterns.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is a single compiled ignore line.
type Pattern struct {
	pattern  string
	negated  bool
	dirOnly  bool
	anchored bool
	line     int
}

// Matcher holds compiled ignore patterns in declaration order; later
// negations flip the verdict of earlier positive matches.
type Matcher struct {
	patterns []Pattern
}

// NewMatcher creates an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// AddPattern compiles and appends a single pattern line. Blank lines and
// lines whose first non-whitespace character is '#' are skipped.
func (m *Matcher) AddPattern(line string) {
	m.addPattern(line, 0)
}

func (m *Matcher) addPattern(line string, lineNo int) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := Pattern{line: lineNo}

	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}

	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}

	if line == "" {
		// A bare "!" or "/" names no path; skip it.
		return
	}

	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}

	p.pattern = line
	m.patterns = append(m.patterns, p)
}

// AddPatterns appends multiple pattern lines in order.
func (m *Matcher) AddPatterns(lines []string) {
	for i, line := range lines {
		m.addPattern(line, i+1)
	}
}

// LoadFile loads patterns from a gitignore-style file. A missing file is
// not an error: it is treated as empty, per spec.
func (m *Matcher) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		m.addPattern(scanner.Text(), line)
	}
	return scanner.Err()
}

// alwaysIgnored are hardcoded prefixes that are never project content,
// regardless of .gitignore/.migrateignore contents (spec.md §4.1).
var alwaysIgnored = []string{
	"migrations/",
	".git/",
	"node_modules/",
	".migrateignore",
	"project-config.json",
	"applied-migrations.json",
}

// Match reports whether path (relative, forward-slash separated) should
// be ignored. isDir indicates whether path names a directory.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)
	path = strings.TrimPrefix(path, "./")

	for _, prefix := range alwaysIgnored {
		name := strings.TrimSuffix(prefix, "/")
		if path == name || strings.HasPrefix(path, name+"/") {
			return true
		}
	}

	ignored := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			if m.matchDirPattern(p.pattern, path) {
				ignored = !p.negated
			}
			continue
		}
		if m.matchPattern(p.pattern, path) {
			ignored = !p.negated
		}
	}
	return ignored
}

// matchDirPattern reports whether path is inside a directory matching
// pattern, by testing each parent-directory prefix of path.
func (m *Matcher) matchDirPattern(pattern, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if m.matchPattern(pattern, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchPattern(pattern, path string) bool {
	if matched, _ := doublestar.Match(pattern, path); matched {
		return true
	}
	if !strings.HasSuffix(pattern, "/**") {
		if matched, _ := doublestar.Match(pattern+"/**", path); matched {
			return true
		}
	}
	return false
}

// LoadFromDir builds a Matcher for scanning root: .gitignore first, then
// .migrateignore, whose patterns (notably negations) take precedence by
// virtue of being evaluated last (spec.md §4.6 step 2).
func LoadFromDir(root string) (*Matcher, error) {
	m := NewMatcher()
	if err := m.LoadFile(filepath.Join(root, ".gitignore")); err != nil {
		return nil, err
	}
	if err := m.LoadFile(filepath.Join(root, ".migrateignore")); err != nil {
		return nil, err
	}
	return m, nil
}

// Compile builds a Matcher directly from a list of pattern lines, useful
// in tests and for the feature manifest's own pattern lists.
func Compile(patterns []string) *Matcher {
	m := NewMatcher()
	m.AddPatterns(patterns)
	return m
}
