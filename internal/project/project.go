// Package project reads and atomically rewrites a project's two state
// files (spec.md §3.1, §6.2): project-config.json and
// applied-migrations.json.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ConfigFileName  = "project-config.json"
	AppliedFileName = "applied-migrations.json"
)

// Config is the declared template pointer and feature selection
// (spec.md §6.2).
type Config struct {
	Version         int      `json:"version"`
	Template        string   `json:"template,omitempty"`
	EnabledFeatures []string `json:"enabledFeatures"`
	TemplateVersion string   `json:"templateVersion,omitempty"`
}

// LoadConfig reads project-config.json from dir. A missing file is
// returned as a read error; LoadConfigOrNil returns (nil, nil) for it
// instead.
func LoadConfig(dir string) (*Config, error) {
	var cfg Config
	if err := readJSON(filepath.Join(dir, ConfigFileName), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigOrNil reads project-config.json, returning (nil, nil) if
// it does not exist.
func LoadConfigOrNil(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return LoadConfig(dir)
}

// Save atomically rewrites project-config.json (temp-file + rename).
func (c *Config) Save(dir string) error {
	return writeJSON(filepath.Join(dir, ConfigFileName), c)
}

// Applied is the record of migrations a project has applied, plus
// feature provenance (spec.md §3.1).
type Applied struct {
	Version          int                 `json:"version"`
	Template         string              `json:"template,omitempty"`
	AppliedMigrations []string           `json:"appliedMigrations"`
	EnabledFeatures  []string            `json:"enabledFeatures,omitempty"`
	FeatureFiles     map[string][]string `json:"featureFiles,omitempty"`
}

// LoadApplied reads applied-migrations.json from dir. A missing file
// is treated as an empty prefix (spec.md §8: "Missing
// applied-migrations.json -> treated as prefix []").
func LoadApplied(dir string) (*Applied, error) {
	path := filepath.Join(dir, AppliedFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Applied{Version: 1, FeatureFiles: map[string][]string{}}, nil
	}

	var a Applied
	if err := readJSON(path, &a); err != nil {
		return nil, err
	}
	if a.FeatureFiles == nil {
		a.FeatureFiles = map[string][]string{}
	}
	return &a, nil
}

// Save atomically rewrites applied-migrations.json.
func (a *Applied) Save(dir string) error {
	return writeJSON(filepath.Join(dir, AppliedFileName), a)
}

// HasApplied reports whether id is already recorded as applied.
func (a *Applied) HasApplied(id string) bool {
	for _, x := range a.AppliedMigrations {
		if x == id {
			return true
		}
	}
	return false
}

// AddFeatureFile records that feature now owns path, if not already
// present.
func (a *Applied) AddFeatureFile(feature, path string) {
	if feature == "" {
		return
	}
	for _, p := range a.FeatureFiles[feature] {
		if p == path {
			return
		}
	}
	a.FeatureFiles[feature] = append(a.FeatureFiles[feature], path)
}

// RemoveFeatureFile drops path from feature's owned-file list.
func (a *Applied) RemoveFeatureFile(feature, path string) {
	paths := a.FeatureFiles[feature]
	for i, p := range paths {
		if p == path {
			a.FeatureFiles[feature] = append(paths[:i], paths[i+1:]...)
			return
		}
	}
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", filepath.Base(path), err)
	}
	return nil
}
