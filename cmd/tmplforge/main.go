// Package main provides the tmplforge CLI.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tmplforge/internal/apply"
	"tmplforge/internal/feature"
	"tmplforge/internal/generate"
	"tmplforge/internal/hook"
	"tmplforge/internal/logging"
	"tmplforge/internal/migerr"
	"tmplforge/internal/migration"
	"tmplforge/internal/project"
	"tmplforge/internal/statecache"
)

const (
	migrationsDirName = "migrations"
	manifestFileName  = "features.yaml"
	cacheFileName     = "statecache.db"
)

// Version is the current tmplforge CLI version.
var Version = "0.1.0"

var (
	jsonLogs         bool
	assistedMergeCmd string
	gitRef           string
	useCache         bool
	log              *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "tmplforge",
	Short:   "tmplforge tracks a template's evolution and applies it to downstream projects",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = logging.New(jsonLogs, slog.LevelInfo)
	},
}

var initCmd = &cobra.Command{
	Use:   "init <template-source>",
	Short: "Initialize a project directory to track a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

var generateCmd = &cobra.Command{
	Use:   "generate [label]",
	Short: "Snapshot changes in the template since the last migration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGenerate,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run pending migrations, reporting would-be conflicts without writing",
	RunE:  runCheck,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Apply pending migrations to the current project",
	RunE:  runUpdate,
}

var enableCmd = &cobra.Command{
	Use:   "enable <feature>",
	Short: "Enable a feature, materializing its files into already-applied migrations",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnable,
}

var disableCmd = &cobra.Command{
	Use:   "disable <feature>",
	Short: "Disable a feature, removing the files it owns from the working tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisable,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of text")
	rootCmd.PersistentFlags().StringVar(&assistedMergeCmd, "assisted-merge-cmd", "", "external command invoked to resolve merge conflicts (space-separated argv)")
	rootCmd.PersistentFlags().BoolVar(&useCache, "cache", false, "memoize chain reconstruction in statecache.db")

	generateCmd.Flags().StringVar(&gitRef, "git", "", "read the template tree from this git ref instead of the working directory")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a failure to spec.md §6.4's exit-code contract:
// 1 for a handled user error, 2 for an internal invariant violation.
func exitCodeFor(err error) int {
	var iv *invariantViolation
	if errors.As(err, &iv) || errors.Is(err, migerr.ErrChainCorrupt) {
		return 2
	}
	return 1
}

// invariantViolation marks an error as spec.md §6.4's exit code 2
// (internal invariant violation, e.g. ChainCorrupt) rather than a
// handled user error.
type invariantViolation struct{ cause error }

func (e *invariantViolation) Error() string { return e.cause.Error() }
func (e *invariantViolation) Unwrap() error { return e.cause }

func runInit(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg := &project.Config{Version: 1, Template: args[0], EnabledFeatures: []string{}}
	if err := cfg.Save(root); err != nil {
		return fmt.Errorf("writing project-config.json: %w", err)
	}

	applied := &project.Applied{Version: 1, AppliedMigrations: []string{}, FeatureFiles: map[string][]string{}}
	if err := applied.Save(root); err != nil {
		return fmt.Errorf("writing applied-migrations.json: %w", err)
	}

	log.Info("init: project initialized", "root", root)
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	label := ""
	if len(args) == 1 {
		label = args[0]
	}

	root, err := os.Getwd()
	if err != nil {
		return err
	}
	manifest, err := feature.LoadManifest(filepath.Join(root, manifestFileName))
	if err != nil {
		return err
	}

	g := generate.New(root, filepath.Join(root, migrationsDirName), manifest, log)
	g.GitRef = gitRef
	if useCache {
		cache, err := statecache.Open(filepath.Join(root, migrationsDirName, cacheFileName))
		if err != nil {
			return err
		}
		defer cache.Close()
		g.Cache = cache
	}
	result, err := g.Generate(label)
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Println("no changes")
		return nil
	}
	fmt.Printf("wrote migration %s\n", result.MigrationID)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := project.LoadConfig(root)
	if err != nil {
		return err
	}
	manifest, err := feature.LoadManifest(filepath.Join(root, manifestFileName))
	if err != nil {
		return err
	}
	applied, err := project.LoadApplied(root)
	if err != nil {
		return err
	}
	chain, err := migration.LoadChain(filepath.Join(root, migrationsDirName))
	if err != nil {
		return &invariantViolation{cause: err}
	}

	enabled := feature.NewSet(manifest, cfg.EnabledFeatures)
	if err := enabled.Validate(); err != nil {
		return &invariantViolation{cause: err}
	}

	a := apply.New(root, manifest, hook.KeepResolver{}, log)
	if useCache {
		cache, err := statecache.Open(filepath.Join(root, migrationsDirName, cacheFileName))
		if err != nil {
			return err
		}
		defer cache.Close()
		a.Cache = cache
	}

	preview, err := a.Preview(chain, applied, enabled)
	if err != nil {
		return &invariantViolation{cause: err}
	}

	if len(preview.PendingMigrations) == 0 {
		fmt.Println("up to date")
		return nil
	}
	fmt.Printf("%d pending migration(s):\n", len(preview.PendingMigrations))
	for _, id := range preview.PendingMigrations {
		fmt.Println(" ", id)
	}
	if len(preview.Conflicts) == 0 {
		fmt.Println("no would-be conflicts")
		return nil
	}
	fmt.Printf("%d would-be conflict(s):\n", len(preview.Conflicts))
	for _, c := range preview.Conflicts {
		fmt.Printf("  %s: %s\n", c.MigrationID, c.Path)
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := project.LoadConfig(root)
	if err != nil {
		return err
	}
	manifest, err := feature.LoadManifest(filepath.Join(root, manifestFileName))
	if err != nil {
		return err
	}
	applied, err := project.LoadApplied(root)
	if err != nil {
		return err
	}

	chain, err := migration.LoadChain(filepath.Join(root, migrationsDirName))
	if err != nil {
		return &invariantViolation{cause: err}
	}

	enabled := feature.NewSet(manifest, cfg.EnabledFeatures)
	if err := enabled.Validate(); err != nil {
		return &invariantViolation{cause: err}
	}

	resolver := newResolver()
	a := apply.New(root, manifest, resolver, log)
	if useCache {
		cache, err := statecache.Open(filepath.Join(root, migrationsDirName, cacheFileName))
		if err != nil {
			return err
		}
		defer cache.Close()
		a.Cache = cache
	}

	result, err := a.Update(chain, applied, enabled)
	if err != nil {
		return &invariantViolation{cause: err}
	}

	if len(result.AppliedMigrations) == 0 {
		fmt.Println("up to date")
		return nil
	}
	fmt.Printf("applied %d migration(s)\n", len(result.AppliedMigrations))
	return nil
}

func runEnable(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := project.LoadConfig(root)
	if err != nil {
		return err
	}
	manifest, err := feature.LoadManifest(filepath.Join(root, manifestFileName))
	if err != nil {
		return err
	}
	applied, err := project.LoadApplied(root)
	if err != nil {
		return err
	}
	chain, err := migration.LoadChain(filepath.Join(root, migrationsDirName))
	if err != nil {
		return &invariantViolation{cause: err}
	}

	enabled := feature.NewSet(manifest, cfg.EnabledFeatures)
	a := apply.New(root, manifest, newResolver(), log)
	if useCache {
		cache, err := statecache.Open(filepath.Join(root, migrationsDirName, cacheFileName))
		if err != nil {
			return err
		}
		defer cache.Close()
		a.Cache = cache
	}

	if err := a.EnableFeature(args[0], chain, enabled, applied); err != nil {
		return err
	}
	cfg.EnabledFeatures = enabled.List()
	if err := cfg.Save(root); err != nil {
		return fmt.Errorf("writing project-config.json: %w", err)
	}

	fmt.Printf("enabled %s\n", args[0])
	return nil
}

func runDisable(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := project.LoadConfig(root)
	if err != nil {
		return err
	}
	manifest, err := feature.LoadManifest(filepath.Join(root, manifestFileName))
	if err != nil {
		return err
	}
	applied, err := project.LoadApplied(root)
	if err != nil {
		return err
	}

	enabled := feature.NewSet(manifest, cfg.EnabledFeatures)
	a := apply.New(root, manifest, newResolver(), log)

	if err := a.DisableFeature(args[0], enabled, applied); err != nil {
		return err
	}
	cfg.EnabledFeatures = enabled.List()
	if err := cfg.Save(root); err != nil {
		return fmt.Errorf("writing project-config.json: %w", err)
	}

	fmt.Printf("disabled %s\n", args[0])
	return nil
}

func newResolver() hook.Resolver {
	if assistedMergeCmd == "" {
		return hook.KeepResolver{}
	}
	return hook.NewSubprocessResolver(strings.Fields(assistedMergeCmd), log)
}
