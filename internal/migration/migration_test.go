package migration

import (
	"path/filepath"
	"testing"

	"tmplforge/internal/blob"
)

func TestWriterPublishAndLoadRoundTrip(t *testing.T) {
	root := t.TempDir()

	w, err := NewWriter(root, "20260101000000")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddNew("README.md", blob.KindText, []byte("# hi\n"), ""); err != nil {
		t.Fatal(err)
	}
	w.AddDelete("old.txt")
	if err := w.Publish(); err != nil {
		t.Fatal(err)
	}

	m, err := Load(filepath.Join(root, "20260101000000"))
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "20260101000000" {
		t.Errorf("want id 20260101000000, got %s", m.ID)
	}
	if len(m.Ops) != 2 {
		t.Fatalf("want 2 ops, got %d", len(m.Ops))
	}
	if m.Ops[0].Type != OpNew || m.Ops[0].Path != "README.md" {
		t.Errorf("unexpected first op: %+v", m.Ops[0])
	}
	if m.Ops[1].Type != OpDelete || m.Ops[1].Path != "old.txt" {
		t.Errorf("unexpected second op: %+v", m.Ops[1])
	}

	body, err := m.Store.ReadTemplate("README.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "# hi\n" {
		t.Errorf("want %q, got %q", "# hi\n", body)
	}
}

func TestWriterEmptyMigrationIsNotPublished(t *testing.T) {
	root := t.TempDir()

	w, err := NewWriter(root, "20260101000001")
	if err != nil {
		t.Fatal(err)
	}
	if !w.Empty() {
		t.Fatal("writer with no ops should be Empty")
	}
	if err := w.Publish(); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(filepath.Join(root, "20260101000001")); err == nil {
		t.Fatal("expected Load to fail, migration should not have been published")
	}
}

func TestLoadChainSortsByIdentifier(t *testing.T) {
	root := t.TempDir()

	for _, id := range []string{"20260103000000", "20260101000000", "20260102000000"} {
		w, err := NewWriter(root, id)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.AddNew("f.txt", blob.KindText, []byte("x"), ""); err != nil {
			t.Fatal(err)
		}
		if err := w.Publish(); err != nil {
			t.Fatal(err)
		}
	}

	chain, err := LoadChain(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("want 3 migrations, got %d", len(chain))
	}
	want := []string{"20260101000000", "20260102000000", "20260103000000"}
	for i, id := range want {
		if chain[i].ID != id {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i].ID, id)
		}
	}
}

func TestLoadChainMissingDirIsEmpty(t *testing.T) {
	chain, err := LoadChain(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 0 {
		t.Errorf("want empty chain, got %d entries", len(chain))
	}
}
