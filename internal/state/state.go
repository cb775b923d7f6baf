// Package state implements the pure migration-chain folder (spec.md
// §4.5): reconstruct is the sole oracle of what the template thinks a
// path's content should be at a given migration boundary.
package state

import (
	"fmt"

	"tmplforge/internal/blob"
	"tmplforge/internal/migerr"
	"tmplforge/internal/migration"
	"tmplforge/internal/udiff"
)

// Entry is one path's reconstructed blob plus the feature tag it was
// last assigned, if any (spec.md §4.5: "feature tags are preserved
// alongside each path for use by C8").
type Entry struct {
	Blob    blob.Blob
	Feature string
}

// State is the folded {path -> Entry} result of reconstruct.
type State map[string]Entry

// Reconstruct folds chain in ascending identifier order up to and
// including upToID (or the whole chain, if upToID is nil), starting
// from the empty state. It never mutates chain and is deterministic.
func Reconstruct(chain []*migration.Migration, upToID *string) (State, error) {
	st := make(State)

	for _, m := range chain {
		for _, op := range m.Ops {
			if err := apply(st, m, op); err != nil {
				return nil, err
			}
		}
		if upToID != nil && m.ID == *upToID {
			break
		}
	}
	return st, nil
}

func apply(st State, m *migration.Migration, op migration.Operation) error {
	switch op.Type {
	case migration.OpNew:
		if _, exists := st[op.Path]; exists {
			return &migerr.ChainCorruptError{
				MigrationID: m.ID, Path: op.Path,
				Cause: fmt.Errorf("new op on already-present path"),
			}
		}
		b, err := readNewBody(m, op.Path)
		if err != nil {
			return &migerr.ChainCorruptError{MigrationID: m.ID, Path: op.Path, Cause: err}
		}
		st[op.Path] = Entry{Blob: b, Feature: op.Feature}

	case migration.OpModify:
		entry, exists := st[op.Path]
		if !exists {
			return &migerr.ChainCorruptError{
				MigrationID: m.ID, Path: op.Path,
				Cause: fmt.Errorf("modify op on absent path"),
			}
		}
		nb, err := applyModify(m, op.Path, entry.Blob)
		if err != nil {
			return &migerr.ChainCorruptError{MigrationID: m.ID, Path: op.Path, Cause: err}
		}
		feature := entry.Feature
		if op.Feature != "" {
			feature = op.Feature
		}
		st[op.Path] = Entry{Blob: nb, Feature: feature}

	case migration.OpRename:
		entry, exists := st[op.OldPath]
		if !exists {
			return &migerr.ChainCorruptError{
				MigrationID: m.ID, Path: op.OldPath,
				Cause: fmt.Errorf("rename op on absent path"),
			}
		}
		delete(st, op.OldPath)

		nb := entry.Blob
		if op.HasDiff {
			var err error
			nb, err = applyModify(m, op.NewPath, entry.Blob)
			if err != nil {
				return &migerr.ChainCorruptError{MigrationID: m.ID, Path: op.NewPath, Cause: err}
			}
		}
		feature := entry.Feature
		if op.Feature != "" {
			feature = op.Feature
		}
		st[op.NewPath] = Entry{Blob: nb, Feature: feature}

	case migration.OpDelete:
		if _, exists := st[op.Path]; !exists {
			return &migerr.ChainCorruptError{
				MigrationID: m.ID, Path: op.Path,
				Cause: fmt.Errorf("delete op on absent path"),
			}
		}
		delete(st, op.Path)

	default:
		return &migerr.ChainCorruptError{
			MigrationID: m.ID, Path: op.Path,
			Cause: fmt.Errorf("unknown operation type %q", op.Type),
		}
	}
	return nil
}

func readNewBody(m *migration.Migration, path string) (blob.Blob, error) {
	if content, err := m.Store.ReadBinary(path); err == nil {
		return blob.Blob{Bytes: content, Kind: blob.KindBinary}, nil
	}
	content, err := m.Store.ReadTemplate(path)
	if err != nil {
		return blob.Blob{}, fmt.Errorf("reading captured body: %w", err)
	}
	return blob.Blob{Bytes: content, Kind: blob.KindText}, nil
}

// applyModify applies a migration's stored modify body to the current
// blob at path. A full replacement (<path>.bin, or <path>.template when
// binary content became text) is taken as is. A stored diff is applied
// with udiff.Apply, which retries each hunk up to 3 lines away from its
// recorded position before failing; force-apply is never used during
// reconstruction.
func applyModify(m *migration.Migration, path string, current blob.Blob) (blob.Blob, error) {
	if content, err := m.Store.ReadBinary(path); err == nil {
		return blob.Blob{Bytes: content, Kind: blob.KindBinary}, nil
	}
	if current.Kind == blob.KindBinary {
		content, err := m.Store.ReadTemplate(path)
		if err != nil {
			return blob.Blob{}, fmt.Errorf("reading replacement body: %w", err)
		}
		return blob.Blob{Bytes: content, Kind: blob.KindText}, nil
	}

	diff, err := m.Store.ReadDiff(path)
	if err != nil {
		return blob.Blob{}, fmt.Errorf("reading diff body: %w", err)
	}
	newText, err := udiff.Apply(string(current.Bytes), string(diff))
	if err != nil {
		return blob.Blob{}, fmt.Errorf("applying diff: %w", err)
	}
	return blob.Blob{Bytes: []byte(newText), Kind: blob.KindText}, nil
}
