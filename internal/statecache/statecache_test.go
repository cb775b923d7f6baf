package statecache

import (
	"path/filepath"
	"testing"

	"tmplforge/internal/blob"
	"tmplforge/internal/migration"
	"tmplforge/internal/state"
)

func TestCachePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	key := ChainKey([]string{"20260101000000", "20260102000000"})

	if _, ok, err := c.Get(key); err != nil || ok {
		t.Fatalf("expected cache miss, got ok=%v err=%v", ok, err)
	}

	st := state.State{
		"README.md": state.Entry{Blob: blob.Blob{Bytes: []byte("# hi\n"), Kind: blob.KindText}},
	}
	if err := c.Put(key, st); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got["README.md"].Blob.Bytes) != "# hi\n" {
		t.Errorf("README.md = %q", got["README.md"].Blob.Bytes)
	}
}

func TestChainKeyIsOrderSensitive(t *testing.T) {
	a := ChainKey([]string{"1", "2"})
	b := ChainKey([]string{"2", "1"})
	if a == b {
		t.Error("ChainKey should depend on order")
	}
}

func TestCacheReconstructMatchesDirectReconstruct(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	root := t.TempDir()
	w, err := migration.NewWriter(root, "20260101000000")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddNew("a.txt", blob.KindText, []byte("hello"), ""); err != nil {
		t.Fatal(err)
	}
	if err := w.Publish(); err != nil {
		t.Fatal(err)
	}
	m, err := migration.Load(filepath.Join(root, "20260101000000"))
	if err != nil {
		t.Fatal(err)
	}
	chain := []*migration.Migration{m}

	direct, err := state.Reconstruct(chain, nil)
	if err != nil {
		t.Fatal(err)
	}
	cached, err := c.Reconstruct(chain, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(direct["a.txt"].Blob.Bytes) != string(cached["a.txt"].Blob.Bytes) {
		t.Errorf("cached reconstruct diverged from direct: %q vs %q", cached["a.txt"].Blob.Bytes, direct["a.txt"].Blob.Bytes)
	}

	// Second call should hit the cache and still agree.
	cached2, err := c.Reconstruct(chain, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(cached2["a.txt"].Blob.Bytes) != "hello" {
		t.Errorf("cached hit = %q", cached2["a.txt"].Blob.Bytes)
	}
}
