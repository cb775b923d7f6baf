package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBasicPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		isDir   bool
		want    bool
	}{
		{"*.log", "debug.log", false, true},
		{"*.log", "logs/debug.log", false, true},
		{"*.log", "debug.txt", false, false},

		{"node_modules/", "node_modules", true, true},
		{"node_modules/", "node_modules/foo.js", false, true},
		{"node_modules/", "src/node_modules", true, true},

		{"/build", "build", true, true},
		{"/build", "src/build", true, false},

		{"**/test", "test", true, true},
		{"**/test", "src/test", true, true},
		{"**/test", "src/deep/test", true, true},

		{"src/*.js", "src/app.js", false, true},
		{"src/*.js", "src/sub/app.js", false, false},
		{"src/**/*.js", "src/sub/app.js", false, true},
	}

	for _, tt := range tests {
		m := NewMatcher()
		m.AddPattern(tt.pattern)
		got := m.Match(tt.path, tt.isDir)
		if got != tt.want {
			t.Errorf("pattern %q, path %q (isDir=%v): got %v, want %v",
				tt.pattern, tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestNegation(t *testing.T) {
	m := NewMatcher()
	m.AddPattern("*.log")
	m.AddPattern("!important.log")

	tests := []struct {
		path string
		want bool
	}{
		{"debug.log", true},
		{"important.log", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.path, false); got != tt.want {
			t.Errorf("path %q: got %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestNegationOrderMatters(t *testing.T) {
	// A later negation un-ignores; a later positive re-ignores.
	m := NewMatcher()
	m.AddPatterns([]string{"*.env*", "!.env.example", ".env.example"})
	if m.Match(".env.example", false) != true {
		t.Error("final pattern re-ignores .env.example")
	}
}

func TestCommentsAndBlankLines(t *testing.T) {
	m := NewMatcher()
	m.AddPatterns([]string{"", "  ", "# a comment", "*.tmp"})
	if len(m.patterns) != 1 {
		t.Fatalf("expected 1 compiled pattern, got %d", len(m.patterns))
	}
}

func TestAlwaysIgnoredPrefixes(t *testing.T) {
	m := NewMatcher()
	for _, path := range []string{
		"migrations/2024-01-01T00-00-00/migrate.json",
		".git/HEAD",
		"node_modules/left-pad/index.js",
		".migrateignore",
		"project-config.json",
		"applied-migrations.json",
	} {
		if !m.Match(path, false) {
			t.Errorf("expected %q to be always ignored", path)
		}
	}
	if m.Match("README.md", false) {
		t.Error("README.md should not be ignored by default")
	}
}

func TestLoadFromDirScenario(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n.env*\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".migrateignore"), []byte("!.env.example\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]bool{
		".env":           true,
		".env.example":   false,
		"app.log":        true,
		"README.md":      false,
	}
	for path, want := range cases {
		if got := m.Match(path, false); got != want {
			t.Errorf("path %q: got %v, want %v", path, got, want)
		}
	}
}

func TestLoadFromDirMissingFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Match("README.md", false) {
		t.Error("missing ignore files should behave as empty")
	}
}

func TestLoadFileMalformedLineIsSkippedNotFatal(t *testing.T) {
	// A line that is only whitespace after trimming negation markers is
	// simply not compiled into a pattern; it never aborts the load.
	m := NewMatcher()
	m.AddPattern("!")
	if len(m.patterns) != 0 {
		t.Fatalf("expected 0 patterns (bare negation is skipped), got %d", len(m.patterns))
	}
}
