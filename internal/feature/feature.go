// Package feature implements the feature-flag overlay (spec.md §4.8):
// manifest parsing, dependency-DAG resolution, and enable/disable
// bookkeeping. Grounded on modulematch's YAML-rule-file shape, extended
// with a dependency graph and exclusive-pattern scoping.
package feature

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"tmplforge/internal/migerr"
)

// Definition is one feature's manifest entry.
type Definition struct {
	Description       string            `yaml:"description"`
	Dependencies      []string          `yaml:"dependencies"`
	ExclusivePatterns []string          `yaml:"exclusivePatterns"`
	SharedFiles       map[string]string `yaml:"sharedFiles"`
	InjectionPoints   map[string]string `yaml:"injectionPoints"`
}

// Manifest is the parsed feature document (spec.md §3.1).
type Manifest struct {
	Version  string                `yaml:"version"`
	Features map[string]Definition `yaml:"features"`
}

// LoadManifest reads and validates a feature manifest from path. A
// missing file yields an empty manifest (no features, no version),
// returned without validation.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Features: map[string]Definition{}}, nil
		}
		return nil, fmt.Errorf("reading feature manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", migerr.ErrManifestInvalid, err)
	}
	if m.Features == nil {
		m.Features = map[string]Definition{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the structural rules from spec.md §4.8: every
// feature has a description, every dependency names a known feature,
// and the dependency graph is acyclic.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", migerr.ErrManifestInvalid)
	}
	for name, def := range m.Features {
		if def.Description == "" {
			return fmt.Errorf("%w: feature %q has no description", migerr.ErrManifestInvalid, name)
		}
		for _, dep := range def.Dependencies {
			if _, ok := m.Features[dep]; !ok {
				return fmt.Errorf("%w: feature %q depends on unknown feature %q", migerr.ErrManifestInvalid, name, dep)
			}
		}
	}
	for name := range m.Features {
		if err := m.checkAcyclic(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifest) checkAcyclic(start string) error {
	visiting := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if visiting[name] {
			return &migerr.CircularDependencyError{Feature: name}
		}
		visiting[name] = true
		for _, dep := range m.Features[name].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(visiting, name)
		return nil
	}
	return visit(start)
}

// Resolve returns the sorted dependency closure of requested: every
// feature requested transitively pulls in its dependencies.
func (m *Manifest) Resolve(requested []string) ([]string, error) {
	closure := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if closure[name] {
			return nil
		}
		if _, ok := m.Features[name]; !ok {
			return &unknownFeatureError{name}
		}
		closure[name] = true
		for _, dep := range m.Features[name].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range requested {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(closure))
	for name := range closure {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

type unknownFeatureError struct{ name string }

func (e *unknownFeatureError) Error() string { return fmt.Sprintf("unknown feature %q", e.name) }
func (e *unknownFeatureError) Unwrap() error { return migerr.ErrUnknownFeature }

// Set tracks a project's enabled features as an ordered, deduplicated
// collection.
type Set struct {
	manifest *Manifest
	enabled  map[string]bool
}

// NewSet creates a Set bound to manifest, initialized from enabled.
func NewSet(manifest *Manifest, enabled []string) *Set {
	s := &Set{manifest: manifest, enabled: make(map[string]bool)}
	for _, f := range enabled {
		s.enabled[f] = true
	}
	return s
}

// Enabled reports whether f is currently enabled.
func (s *Set) Enabled(f string) bool { return s.enabled[f] }

// List returns the sorted enabled feature names.
func (s *Set) List() []string {
	out := make([]string, 0, len(s.enabled))
	for f := range s.enabled {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Enable resolves f's dependency closure and unions it in. It is an
// error for f itself to already be enabled; a dependency silently
// pulled in is not (spec.md §4.8).
func (s *Set) Enable(f string) error {
	if s.enabled[f] {
		return fmt.Errorf("%w: feature %q already enabled", migerr.ErrUnknownFeature, f)
	}
	closure, err := s.manifest.Resolve([]string{f})
	if err != nil {
		return err
	}
	for _, name := range closure {
		s.enabled[name] = true
	}
	return nil
}

// Validate reports whether every enabled feature's own dependencies
// are also enabled. NewSet trusts its enabled argument verbatim (it
// does not resolve closures the way Enable does), so a hand-edited or
// stale project-config.json can list a feature without the
// dependencies its manifest entry requires; Validate is what catches
// that before an update or check run acts on it.
func (s *Set) Validate() error {
	names := make([]string, 0, len(s.enabled))
	for name := range s.enabled {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range s.manifest.Features[name].Dependencies {
			if !s.enabled[dep] {
				return &migerr.DependencyUnsatisfiedError{Feature: name, Dependency: dep}
			}
		}
	}
	return nil
}

// Disable removes f, rejecting the call if another enabled feature
// still depends on it (spec.md §4.8).
func (s *Set) Disable(f string) error {
	var blockers []string
	for name := range s.enabled {
		if name == f {
			continue
		}
		for _, dep := range s.manifest.Features[name].Dependencies {
			if dep == f {
				blockers = append(blockers, name)
			}
		}
	}
	if len(blockers) > 0 {
		sort.Strings(blockers)
		return &migerr.DisableBlockedError{Feature: f, Blockers: blockers}
	}
	delete(s.enabled, f)
	return nil
}

// MatchExclusive returns the single feature whose exclusivePatterns
// match path, or "" if none match. Two or more matches is an error
// (spec.md §4.6 step 7, AmbiguousFeature).
func (m *Manifest) MatchExclusive(path string) (string, error) {
	var matched []string
	for name, def := range m.Features {
		for _, pattern := range def.ExclusivePatterns {
			ok, err := doublestar.Match(pattern, path)
			if err != nil {
				continue
			}
			if ok {
				matched = append(matched, name)
				break
			}
		}
	}
	sort.Strings(matched)
	switch len(matched) {
	case 0:
		return "", nil
	case 1:
		return matched[0], nil
	default:
		return "", &migerr.AmbiguousFeatureError{Path: path, Features: matched}
	}
}
