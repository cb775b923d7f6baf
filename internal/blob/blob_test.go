package blob

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTemplateRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.WriteTemplate("a.txt", []byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadTemplate("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello\n" {
		t.Errorf("got %q", got)
	}
}

func TestIdenticalBodiesShareOneBlobFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := s.WriteTemplate("a.txt", []byte("same content\n")); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteTemplate("b.txt", []byte("same content\n")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, blobsDirName))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 stored blob for two identical bodies, got %d", len(entries))
	}

	gotA, err := s.ReadTemplate("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := s.ReadTemplate("b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(gotA) != "same content\n" || string(gotB) != "same content\n" {
		t.Errorf("got a=%q b=%q", gotA, gotB)
	}
}

func TestDistinctBodiesGetDistinctBlobFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := s.WriteTemplate("a.txt", []byte("content one\n")); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteTemplate("b.txt", []byte("content two\n")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, blobsDirName))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 stored blobs for distinct bodies, got %d", len(entries))
	}
}

func TestReopenedStoreReadsPersistedRefs(t *testing.T) {
	dir := t.TempDir()
	if err := NewStore(dir).WriteDiff("x.ts", []byte("@@ -1 +1 @@\n-old\n+new\n")); err != nil {
		t.Fatal(err)
	}

	reopened := NewStore(dir)
	got, err := reopened.ReadDiff("x.ts")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "@@ -1 +1 @@\n-old\n+new\n" {
		t.Errorf("got %q", got)
	}
}
