// Package gitsource lets the generator (C6) read a template tree from a
// git ref instead of the working directory, supplementing spec.md's
// "template root directory" input with a read-only git-backed source,
// grounded on the gitio/filesource split the wider pack uses.
package gitsource

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tmplforge/internal/blob"
	"tmplforge/internal/ignore"
	"tmplforge/internal/scan"
)

// Source reads a scannable file tree out of a single resolved commit.
type Source struct {
	repo   *git.Repository
	commit *object.Commit
	ref    string
}

// Open opens the repository at repoPath and resolves ref (a branch
// name, tag name, or commit hash) to a commit.
func Open(repoPath, ref string) (*Source, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening git repository: %w", err)
	}

	commit, err := resolveRef(repo, ref)
	if err != nil {
		return nil, err
	}

	return &Source{repo: repo, commit: commit, ref: ref}, nil
}

func resolveRef(repo *git.Repository, ref string) (*object.Commit, error) {
	if r, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		return repo.CommitObject(r.Hash())
	}
	if r, err := repo.Reference(plumbing.NewTagReferenceName(ref), true); err == nil {
		return repo.CommitObject(r.Hash())
	}
	hash := plumbing.NewHash(ref)
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: not a branch, tag, or commit", ref)
	}
	return commit, nil
}

// CommitHash returns the resolved commit's hash as a hex string, used
// as this source's stable identifier.
func (s *Source) CommitHash() string { return s.commit.Hash.String() }

// Scan returns every file in the commit's tree not excluded by matcher,
// classified text/binary the same way scan.Scanner classifies working-
// directory files, sorted by path.
func (s *Source) Scan(matcher *ignore.Matcher) ([]scan.File, error) {
	tree, err := s.commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree for %s: %w", s.ref, err)
	}

	var files []scan.File
	err = tree.Files().ForEach(func(f *object.File) error {
		if matcher != nil && matcher.Match(f.Name, false) {
			return nil
		}
		if f.Mode == 0o120000 { // symlink blobs are not template content
			return nil
		}

		reader, err := f.Reader()
		if err != nil {
			return fmt.Errorf("opening %s: %w", f.Name, err)
		}
		defer reader.Close()

		content, err := io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name, err)
		}

		kind := blob.KindText
		if scan.IsBinary(content) {
			kind = blob.KindBinary
		}
		files = append(files, scan.File{Path: f.Name, Blob: blob.Blob{Bytes: content, Kind: kind}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
