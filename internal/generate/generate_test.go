package generate

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tmplforge/internal/feature"
	"tmplforge/internal/migration"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newGenerator(root, migrationsRoot string) *Generator {
	g := New(root, migrationsRoot, nil, discardLog())
	g.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return g
}

func TestGenerateFirstRunCapturesEverythingAsNew(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# hi\n")
	writeFile(t, root, "src/a.ts", "export const x = 1;\n")

	migrationsRoot := filepath.Join(root, "migrations")
	g := newGenerator(root, migrationsRoot)

	result, err := g.Generate("initial")
	if err != nil {
		t.Fatal(err)
	}
	if result.Skipped {
		t.Fatal("expected a migration to be written on first generate")
	}

	m, err := migration.Load(filepath.Join(migrationsRoot, result.MigrationID))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Ops) != 2 {
		t.Fatalf("want 2 new ops, got %d: %+v", len(m.Ops), m.Ops)
	}
	for _, op := range m.Ops {
		if op.Type != migration.OpNew {
			t.Errorf("want OpNew, got %v for %s", op.Type, op.Path)
		}
	}
}

func TestGenerateNoChangesIsSkipped(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# hi\n")
	migrationsRoot := filepath.Join(root, "migrations")
	g := newGenerator(root, migrationsRoot)

	if _, err := g.Generate("first"); err != nil {
		t.Fatal(err)
	}

	g2 := newGenerator(root, migrationsRoot)
	g2.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	result, err := g2.Generate("second")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Skipped {
		t.Error("expected second generate with no changes to be skipped")
	}
}

func TestGenerateRespectsMigrateignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# hi\n")
	writeFile(t, root, "dist/bundle.js", "// built output\n")
	writeFile(t, root, ".migrateignore", "dist/\n")

	migrationsRoot := filepath.Join(root, "migrations")
	g := newGenerator(root, migrationsRoot)

	result, err := g.Generate("ignore-test")
	if err != nil {
		t.Fatal(err)
	}
	m, err := migration.Load(filepath.Join(migrationsRoot, result.MigrationID))
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range m.Ops {
		if op.Path == "dist/bundle.js" {
			t.Error("dist/bundle.js should have been ignored by .migrateignore")
		}
	}
}

func TestGenerateDetectsRename(t *testing.T) {
	root := t.TempDir()
	content := "export function helper() {\n  return 1;\n}\n// padding to establish similarity\n"
	writeFile(t, root, "src/old.ts", content)
	migrationsRoot := filepath.Join(root, "migrations")
	g := newGenerator(root, migrationsRoot)
	if _, err := g.Generate("first"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(root, "src/old.ts")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "src/new.ts", content)

	g2 := newGenerator(root, migrationsRoot)
	g2.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	result, err := g2.Generate("rename")
	if err != nil {
		t.Fatal(err)
	}
	m, err := migration.Load(filepath.Join(migrationsRoot, result.MigrationID))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Ops) != 1 {
		t.Fatalf("want 1 rename op, got %d: %+v", len(m.Ops), m.Ops)
	}
	if m.Ops[0].Type != migration.OpRename {
		t.Fatalf("want OpRename, got %v", m.Ops[0].Type)
	}
	if m.Ops[0].OldPath != "src/old.ts" || m.Ops[0].NewPath != "src/new.ts" {
		t.Errorf("unexpected rename op: %+v", m.Ops[0])
	}
}

func TestGenerateTagsFeatureOnExclusiveMatch(t *testing.T) {
	root := t.TempDir()
	migrationsRoot := filepath.Join(root, "migrations")
	manifest := &feature.Manifest{
		Version: "1",
		Features: map[string]feature.Definition{
			"auth": {Description: "auth", ExclusivePatterns: []string{"src/auth/**"}},
		},
	}
	writeFile(t, root, "src/auth/login.ts", "export const login = () => {};\n")

	g := New(root, migrationsRoot, manifest, discardLog())
	g.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	result, err := g.Generate("auth")
	if err != nil {
		t.Fatal(err)
	}
	m, err := migration.Load(filepath.Join(migrationsRoot, result.MigrationID))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Ops) != 1 || m.Ops[0].Feature != "auth" {
		t.Fatalf("expected op tagged with feature auth, got %+v", m.Ops)
	}
}
