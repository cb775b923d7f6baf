// Package apply implements the applier (spec.md §4.7): it brings a
// project's working tree up to date with a template's migration chain,
// three-way comparing every intended change against the project's
// local edits and delegating genuine conflicts to an interaction hook.
package apply

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"tmplforge/internal/feature"
	"tmplforge/internal/hook"
	"tmplforge/internal/migration"
	"tmplforge/internal/project"
	"tmplforge/internal/state"
	"tmplforge/internal/statecache"
	"tmplforge/internal/udiff"
)

// Applier brings projectRoot's working tree up to date against chain.
type Applier struct {
	ProjectRoot string
	Manifest    *feature.Manifest
	Resolver    hook.Resolver
	Log         *slog.Logger

	// Cache, if set, memoizes state.Reconstruct folds across repeated
	// Update/check runs over the same chain prefix. Purely a
	// performance aid: nil behaves identically, only slower on long
	// chains.
	Cache *statecache.Cache
}

func (a *Applier) reconstruct(chain []*migration.Migration, upToID *string) (state.State, error) {
	if a.Cache != nil {
		return a.Cache.Reconstruct(chain, upToID)
	}
	return state.Reconstruct(chain, upToID)
}

// New creates an Applier. A nil resolver defaults to always-keep
// (spec.md §5: aborts default to keep); a nil logger discards output.
func New(projectRoot string, manifest *feature.Manifest, resolver hook.Resolver, log *slog.Logger) *Applier {
	if resolver == nil {
		resolver = hook.KeepResolver{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Applier{ProjectRoot: projectRoot, Manifest: manifest, Resolver: resolver, Log: log}
}

// PathResult records what happened to one path during an Update.
type PathResult struct {
	Path       string
	Resolution hook.Resolution
	Skipped    bool // feature-scoped and not enabled
}

// UpdateResult summarizes a full Update run.
type UpdateResult struct {
	AppliedMigrations []string
	Paths             []PathResult
}

// Update applies every migration in chain not yet recorded in applied,
// in identifier order, mutating the working tree under a.ProjectRoot
// and flushing applied after each migration completes in full (spec.md
// §4.7 step 5; a mid-migration crash leaves applied untouched, so a
// rerun retries that migration from scratch).
func (a *Applier) Update(chain []*migration.Migration, applied *project.Applied, enabled *feature.Set) (*UpdateResult, error) {
	result := &UpdateResult{}

	appliedSet := make(map[string]bool, len(applied.AppliedMigrations))
	for _, id := range applied.AppliedMigrations {
		appliedSet[id] = true
	}

	var prefix []*migration.Migration
	for _, m := range chain {
		if appliedSet[m.ID] {
			prefix = append(prefix, m)
		}
	}

	for _, m := range chain {
		if appliedSet[m.ID] {
			continue
		}

		baseline, err := a.reconstruct(prefix, nil)
		if err != nil {
			return result, fmt.Errorf("reconstructing baseline before %s: %w", m.ID, err)
		}
		targetChain := append(append([]*migration.Migration{}, prefix...), m)
		target, err := a.reconstruct(targetChain, nil)
		if err != nil {
			return result, fmt.Errorf("reconstructing target at %s: %w", m.ID, err)
		}

		paths, hardErr := a.applyMigration(m, baseline, target, enabled, applied)
		result.Paths = append(result.Paths, paths...)
		if hardErr != nil {
			// Partial application: applied is not updated for m, so a
			// rerun retries it from scratch (spec.md §4.7 failure
			// semantics).
			return result, hardErr
		}

		applied.AppliedMigrations = append(applied.AppliedMigrations, m.ID)
		applied.EnabledFeatures = enabled.List()
		if err := applied.Save(a.ProjectRoot); err != nil {
			return result, fmt.Errorf("flushing applied-migrations.json after %s: %w", m.ID, err)
		}

		prefix = append(prefix, m)
		result.AppliedMigrations = append(result.AppliedMigrations, m.ID)
	}

	return result, nil
}

// applyMigration resolves every path m's operations intend to change,
// three-way comparing against the working tree. It returns per-path
// results for paths it did manage to resolve even when it ultimately
// returns a hard error, since those writes already landed on disk.
func (a *Applier) applyMigration(
	m *migration.Migration,
	baseline, target state.State,
	enabled *feature.Set,
	applied *project.Applied,
) ([]PathResult, error) {
	var results []PathResult

	for _, op := range m.Ops {
		if op.Feature != "" && !enabled.Enabled(op.Feature) {
			results = append(results, PathResult{Path: opPrimaryPath(op), Skipped: true})
			continue
		}

		switch op.Type {
		case migration.OpDelete:
			pr, err := a.resolvePath(op.Path, baseline, target, m)
			if err != nil {
				return results, err
			}
			results = append(results, pr)

		case migration.OpRename:
			if err := a.removeWorkingFile(op.OldPath); err != nil {
				return results, fmt.Errorf("removing renamed-from path %s: %w", op.OldPath, err)
			}
			pr, err := a.resolvePath(op.NewPath, baseline, target, m)
			if err != nil {
				return results, err
			}
			results = append(results, pr)
			if op.Feature != "" {
				applied.AddFeatureFile(op.Feature, op.NewPath)
			}

		default: // OpNew, OpModify
			pr, err := a.resolvePath(op.Path, baseline, target, m)
			if err != nil {
				return results, err
			}
			results = append(results, pr)
			if op.Feature != "" {
				applied.AddFeatureFile(op.Feature, op.Path)
			}
		}

		if op.Type == migration.OpDelete && op.Path != "" {
			for f := range applied.FeatureFiles {
				applied.RemoveFeatureFile(f, op.Path)
			}
		}
	}

	return results, nil
}

func opPrimaryPath(op migration.Operation) string {
	if op.Type == migration.OpRename {
		return op.NewPath
	}
	return op.Path
}

// pathComparison is the three-way compare shared by resolvePath
// (which then writes) and wouldConflict (which only reports).
type pathComparison struct {
	full                         string
	current                      []byte
	currentExists                bool
	baseEntry                    state.Entry
	targetEntry                  state.Entry
	targetExists                 bool
	sameAsBaseline, sameAsTarget bool
}

func (a *Applier) comparePath(p string, baseline, target state.State) (pathComparison, error) {
	full := filepath.Join(a.ProjectRoot, filepath.FromSlash(p))

	current, currentExists, err := readIfExists(full)
	if err != nil {
		return pathComparison{}, fmt.Errorf("reading working-tree file %s: %w", p, err)
	}

	baseEntry, baseExists := baseline[p]
	targetEntry, targetExists := target[p]

	return pathComparison{
		full:           full,
		current:        current,
		currentExists:  currentExists,
		baseEntry:      baseEntry,
		targetEntry:    targetEntry,
		targetExists:   targetExists,
		sameAsBaseline: currentExists == baseExists && (!currentExists || bytes.Equal(current, baseEntry.Blob.Bytes)),
		sameAsTarget:   currentExists == targetExists && (!currentExists || bytes.Equal(current, targetEntry.Blob.Bytes)),
	}, nil
}

// wouldConflict reports whether p's working-tree content currently
// matches neither baseline nor target -- the same condition under
// which resolvePath would hand off to a.Resolver -- without reading a
// diff body, consulting the resolver, or writing anything. Used by
// the check command's dry run.
func (a *Applier) wouldConflict(p string, baseline, target state.State) (bool, error) {
	cmp, err := a.comparePath(p, baseline, target)
	if err != nil {
		return false, err
	}
	return !cmp.sameAsBaseline && !cmp.sameAsTarget, nil
}

// resolvePath does the three-way compare and write for a single path.
func (a *Applier) resolvePath(p string, baseline, target state.State, m *migration.Migration) (PathResult, error) {
	cmp, err := a.comparePath(p, baseline, target)
	if err != nil {
		return PathResult{Path: p}, err
	}
	full := cmp.full
	current := cmp.current
	targetEntry, targetExists := cmp.targetEntry, cmp.targetExists

	if cmp.sameAsBaseline {
		if err := a.writeOrDelete(full, targetExists, targetEntry.Blob.Bytes); err != nil {
			return PathResult{Path: p}, err
		}
		return PathResult{Path: p, Resolution: hook.TemplateStrict}, nil
	}
	if cmp.sameAsTarget {
		return PathResult{Path: p, Resolution: hook.Keep}, nil
	}

	diffBody, _ := m.Store.ReadDiff(p)
	decision := a.Resolver.Resolve(hook.Request{
		Path:         p,
		Current:      current,
		Baseline:     cmp.baseEntry.Blob.Bytes,
		Target:       targetEntry.Blob.Bytes,
		TemplateDiff: diffBody,
	})

	switch decision.Resolution {
	case hook.Keep:
		return PathResult{Path: p, Resolution: hook.Keep}, nil

	case hook.TemplateStrict:
		if err := a.writeOrDelete(full, targetExists, targetEntry.Blob.Bytes); err != nil {
			return PathResult{Path: p}, err
		}
		return PathResult{Path: p, Resolution: hook.TemplateStrict}, nil

	case hook.TemplateForce:
		merged, err := udiff.ForceApply(string(current), string(diffBody))
		if err != nil {
			return PathResult{Path: p}, fmt.Errorf("force-applying diff for %s: %w", p, err)
		}
		if err := writeFile(full, []byte(merged)); err != nil {
			return PathResult{Path: p}, err
		}
		return PathResult{Path: p, Resolution: hook.TemplateForce}, nil

	case hook.Assisted:
		if err := writeFile(full, decision.AssistedContent); err != nil {
			return PathResult{Path: p}, err
		}
		return PathResult{Path: p, Resolution: hook.Assisted}, nil

	default:
		return PathResult{Path: p, Resolution: hook.Keep}, nil
	}
}

// ConflictPath names a path whose working-tree content currently
// matches neither the chain's baseline nor its target at the point a
// pending migration would be applied.
type ConflictPath struct {
	MigrationID string
	Path        string
}

// PreviewResult summarizes a dry run over chain's pending migrations.
type PreviewResult struct {
	PendingMigrations []string
	Conflicts         []ConflictPath
}

// Preview reports chain's pending migrations and, for each, which
// paths would require conflict resolution if Update ran now, without
// writing anything or invoking a.Resolver (the check command: a dry
// run of Update that surfaces would-be conflicts).
func (a *Applier) Preview(chain []*migration.Migration, applied *project.Applied, enabled *feature.Set) (*PreviewResult, error) {
	result := &PreviewResult{}

	appliedSet := make(map[string]bool, len(applied.AppliedMigrations))
	for _, id := range applied.AppliedMigrations {
		appliedSet[id] = true
	}

	var prefix []*migration.Migration
	for _, m := range chain {
		if appliedSet[m.ID] {
			prefix = append(prefix, m)
		}
	}

	for _, m := range chain {
		if appliedSet[m.ID] {
			continue
		}
		result.PendingMigrations = append(result.PendingMigrations, m.ID)

		baseline, err := a.reconstruct(prefix, nil)
		if err != nil {
			return result, fmt.Errorf("reconstructing baseline before %s: %w", m.ID, err)
		}
		targetChain := append(append([]*migration.Migration{}, prefix...), m)
		target, err := a.reconstruct(targetChain, nil)
		if err != nil {
			return result, fmt.Errorf("reconstructing target at %s: %w", m.ID, err)
		}

		for _, op := range m.Ops {
			if op.Feature != "" && !enabled.Enabled(op.Feature) {
				continue
			}
			p := opPrimaryPath(op)
			if p == "" {
				continue
			}
			conflict, err := a.wouldConflict(p, baseline, target)
			if err != nil {
				return result, err
			}
			if conflict {
				result.Conflicts = append(result.Conflicts, ConflictPath{MigrationID: m.ID, Path: p})
			}
		}

		prefix = append(prefix, m)
	}

	return result, nil
}

func (a *Applier) writeOrDelete(full string, exists bool, content []byte) error {
	if !exists {
		return a.removeWorkingFile(relFromFull(a.ProjectRoot, full))
	}
	return writeFile(full, content)
}

func (a *Applier) removeWorkingFile(relPath string) error {
	if relPath == "" {
		return nil
	}
	full := filepath.Join(a.ProjectRoot, filepath.FromSlash(relPath))
	err := os.Remove(full)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func relFromFull(root, full string) string {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

func readIfExists(path string) ([]byte, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return content, true, nil
}

// EnableFeature enables f in enabled and materializes every path any
// applied migration tagged with f (or with a dependency of f that this
// call newly enables), replaying those operations against the chain's
// fully reconstructed state (spec.md §4.8: "an operation that becomes
// applicable later is replayed from the migration record"). Files of
// features that were already enabled are left untouched.
func (a *Applier) EnableFeature(f string, chain []*migration.Migration, enabled *feature.Set, applied *project.Applied) error {
	wasEnabled := make(map[string]bool)
	for _, name := range enabled.List() {
		wasEnabled[name] = true
	}
	if err := enabled.Enable(f); err != nil {
		return err
	}

	full, err := a.reconstruct(chain, nil)
	if err != nil {
		return fmt.Errorf("reconstructing full chain state: %w", err)
	}

	for _, m := range chain {
		if !applied.HasApplied(m.ID) {
			continue
		}
		for _, op := range m.Ops {
			if op.Feature == "" || wasEnabled[op.Feature] || !enabled.Enabled(op.Feature) {
				continue
			}
			p := opPrimaryPath(op)
			entry, ok := full[p]
			if !ok {
				continue
			}
			fullPath := filepath.Join(a.ProjectRoot, filepath.FromSlash(p))
			if err := writeFile(fullPath, entry.Blob.Bytes); err != nil {
				return fmt.Errorf("materializing %s for feature %s: %w", p, f, err)
			}
			applied.AddFeatureFile(op.Feature, p)
		}
	}

	applied.EnabledFeatures = enabled.List()
	return applied.Save(a.ProjectRoot)
}

// DisableFeature removes every path owned by f from the working tree
// and from provenance, then disables f (spec.md §4.8).
func (a *Applier) DisableFeature(f string, enabled *feature.Set, applied *project.Applied) error {
	owned := append([]string{}, applied.FeatureFiles[f]...)

	if err := enabled.Disable(f); err != nil {
		return err
	}

	for _, p := range owned {
		if err := a.removeWorkingFile(p); err != nil {
			return fmt.Errorf("removing %s owned by disabled feature %s: %w", p, f, err)
		}
	}
	delete(applied.FeatureFiles, f)

	applied.EnabledFeatures = enabled.List()
	return applied.Save(a.ProjectRoot)
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place %s: %w", path, err)
	}
	return nil
}
