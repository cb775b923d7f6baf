package project

import (
	"testing"
)

func TestLoadApplied_MissingFileDefaultsToEmptyPrefix(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadApplied(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.AppliedMigrations) != 0 {
		t.Errorf("want empty prefix, got %v", a.AppliedMigrations)
	}
	if a.FeatureFiles == nil {
		t.Error("FeatureFiles should be initialized, not nil")
	}
}

func TestConfigSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Version: 1, Template: "git@example.com/template.git", EnabledFeatures: []string{"auth", "billing"}}
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Template != cfg.Template {
		t.Errorf("Template = %q, want %q", loaded.Template, cfg.Template)
	}
	if len(loaded.EnabledFeatures) != 2 {
		t.Errorf("want 2 enabled features, got %v", loaded.EnabledFeatures)
	}
}

func TestLoadConfigOrNilMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfigOrNil(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != nil {
		t.Errorf("want nil config for missing file, got %+v", cfg)
	}
}

func TestAppliedSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := &Applied{Version: 1, AppliedMigrations: []string{"20260101000000"}, FeatureFiles: map[string][]string{}}
	a.AddFeatureFile("auth", "src/auth/login.ts")
	a.AddFeatureFile("auth", "src/auth/login.ts") // dedup, no-op
	if err := a.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadApplied(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.HasApplied("20260101000000") {
		t.Error("expected migration to be recorded as applied")
	}
	if len(loaded.FeatureFiles["auth"]) != 1 {
		t.Errorf("want 1 feature file, got %v", loaded.FeatureFiles["auth"])
	}
}

func TestRemoveFeatureFile(t *testing.T) {
	a := &Applied{FeatureFiles: map[string][]string{}}
	a.AddFeatureFile("auth", "a.ts")
	a.AddFeatureFile("auth", "b.ts")
	a.RemoveFeatureFile("auth", "a.ts")
	if len(a.FeatureFiles["auth"]) != 1 || a.FeatureFiles["auth"][0] != "b.ts" {
		t.Errorf("unexpected feature files after remove: %v", a.FeatureFiles["auth"])
	}
}
