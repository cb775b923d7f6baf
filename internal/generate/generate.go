// Package generate implements the generator (spec.md §4.6): it diffs
// the reconstructed template state against a scanned working tree and
// emits a new migration.
package generate

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tmplforge/internal/blob"
	"tmplforge/internal/feature"
	"tmplforge/internal/gitsource"
	"tmplforge/internal/ignore"
	"tmplforge/internal/migration"
	"tmplforge/internal/scan"
	"tmplforge/internal/state"
	"tmplforge/internal/statecache"
	"tmplforge/internal/udiff"
)

// similarityThreshold is the rename/delete boundary (spec.md §4.6
// step 6, §8 boundary behavior: "just above/below 0.5").
const similarityThreshold = 0.5

// Result summarizes a generate run.
type Result struct {
	MigrationID string
	Skipped     bool // true when no operations were produced
}

// Generator holds the inputs shared across a generate run.
type Generator struct {
	Root           string
	MigrationsRoot string
	Manifest       *feature.Manifest
	Log            *slog.Logger

	// GitRef, if set, makes Generate read the template tree from this
	// git ref (branch, tag, or commit hash) inside Root instead of
	// Root's working directory, via internal/gitsource.
	GitRef string

	// Cache, if set, memoizes the baseline reconstruction (spec.md
	// §4.5's Reconstruct is pure, so this never changes results).
	Cache *statecache.Cache

	now func() time.Time
}

// New creates a Generator. A nil logger discards output; a nil
// manifest is treated as having no features.
func New(root, migrationsRoot string, manifest *feature.Manifest, log *slog.Logger) *Generator {
	if manifest == nil {
		manifest = &feature.Manifest{Features: map[string]feature.Definition{}}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Generator{Root: root, MigrationsRoot: migrationsRoot, Manifest: manifest, Log: log, now: time.Now}
}

func (g *Generator) reconstruct(chain []*migration.Migration) (state.State, error) {
	if g.Cache != nil {
		return g.Cache.Reconstruct(chain, nil)
	}
	return state.Reconstruct(chain, nil)
}

// scanTemplate reads the template tree either from Root's working
// directory, or, when GitRef is set, from that ref via internal/gitsource.
func (g *Generator) scanTemplate(matcher *ignore.Matcher) ([]scan.File, error) {
	if g.GitRef == "" {
		files, err := scan.New(g.Root, matcher, g.Log).Scan()
		if err != nil {
			return nil, fmt.Errorf("scanning working tree: %w", err)
		}
		return files, nil
	}

	src, err := gitsource.Open(g.Root, g.GitRef)
	if err != nil {
		return nil, fmt.Errorf("opening git source at %s: %w", g.GitRef, err)
	}
	files, err := src.Scan(matcher)
	if err != nil {
		return nil, fmt.Errorf("scanning git ref %s: %w", g.GitRef, err)
	}
	return files, nil
}

// Generate runs the full algorithm of spec.md §4.6 and, unless there
// are no changes, atomically publishes a new migration.
func (g *Generator) Generate(label string) (*Result, error) {
	chain, err := migration.LoadChain(g.MigrationsRoot)
	if err != nil {
		return nil, fmt.Errorf("loading migration chain: %w", err)
	}

	baseline, err := g.reconstruct(chain)
	if err != nil {
		return nil, fmt.Errorf("reconstructing baseline: %w", err)
	}

	matcher, err := ignore.LoadFromDir(g.Root)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}
	files, err := g.scanTemplate(matcher)
	if err != nil {
		return nil, err
	}
	current := make(map[string]scan.File, len(files))
	for _, f := range files {
		current[f.Path] = f
	}

	id, err := g.nextID(chain)
	if err != nil {
		return nil, err
	}

	w, err := migration.NewWriter(g.MigrationsRoot, id)
	if err != nil {
		return nil, fmt.Errorf("opening migration writer: %w", err)
	}

	if err := g.emit(w, baseline, current); err != nil {
		w.Abort()
		return nil, err
	}

	if w.Empty() {
		if err := w.Publish(); err != nil {
			return nil, err
		}
		g.Log.Info("generate: no changes", "label", label)
		return &Result{Skipped: true}, nil
	}

	if err := w.Publish(); err != nil {
		return nil, err
	}
	g.Log.Info("generate: migration written", "id", id, "label", label)
	return &Result{MigrationID: id}, nil
}

func (g *Generator) emit(w *migration.Writer, baseline state.State, current map[string]scan.File) error {
	var onlyInBaseline, onlyInCurrent []string

	for p := range baseline {
		if _, ok := current[p]; !ok {
			onlyInBaseline = append(onlyInBaseline, p)
			continue
		}
	}
	for p := range current {
		if _, ok := baseline[p]; !ok {
			onlyInCurrent = append(onlyInCurrent, p)
		}
	}
	sort.Strings(onlyInBaseline)
	sort.Strings(onlyInCurrent)

	// Step 4: paths present on both sides.
	var bothPaths []string
	for p := range baseline {
		if _, ok := current[p]; ok {
			bothPaths = append(bothPaths, p)
		}
	}
	sort.Strings(bothPaths)

	for _, p := range bothPaths {
		base := baseline[p]
		cur := current[p]
		if bytes.Equal(base.Blob.Bytes, cur.Blob.Bytes) {
			continue
		}
		feat, err := g.Manifest.MatchExclusive(p)
		if err != nil {
			return err
		}
		if base.Blob.Kind == blob.KindText && cur.Blob.Kind == blob.KindText {
			diff := udiff.Produce(string(base.Blob.Bytes), string(cur.Blob.Bytes), p, p)
			if diff == "" {
				continue
			}
			if err := w.AddModifyDiff(p, []byte(diff), feat); err != nil {
				return err
			}
			continue
		}
		if err := w.AddModify(p, cur.Blob.Kind, cur.Blob.Bytes, feat); err != nil {
			return err
		}
	}

	// Step 6: rename detection among remaining delete/new candidates,
	// greedy by highest similarity.
	renamedDeletes, renamedNews, err := g.pairRenames(w, baseline, current, onlyInBaseline, onlyInCurrent)
	if err != nil {
		return err
	}

	for _, p := range onlyInCurrent {
		if renamedNews[p] {
			continue
		}
		feat, err := g.Manifest.MatchExclusive(p)
		if err != nil {
			return err
		}
		cur := current[p]
		if err := w.AddNew(p, cur.Blob.Kind, cur.Blob.Bytes, feat); err != nil {
			return err
		}
	}

	for _, p := range onlyInBaseline {
		if renamedDeletes[p] {
			continue
		}
		w.AddDelete(p)
	}

	return nil
}

// renamePair is a candidate (delete, new) match and its similarity.
type renamePair struct {
	del, new string
	score    float64
}

func (g *Generator) pairRenames(
	w *migration.Writer,
	baseline state.State,
	current map[string]scan.File,
	deletes, news []string,
) (usedDeletes, usedNews map[string]bool, err error) {
	usedDeletes = make(map[string]bool)
	usedNews = make(map[string]bool)

	var candidates []renamePair
	for _, d := range deletes {
		db := baseline[d].Blob
		for _, n := range news {
			nb := current[n].Blob
			if db.Kind != nb.Kind {
				continue
			}
			var score float64
			if db.Kind == blob.KindBinary {
				if blob.Digest(db.Bytes) == blob.Digest(nb.Bytes) {
					score = 1.0
				}
			} else {
				score = blob.Similarity(db.Bytes, nb.Bytes)
			}
			if score >= similarityThreshold {
				candidates = append(candidates, renamePair{del: d, new: n, score: score})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].del != candidates[j].del {
			return candidates[i].del < candidates[j].del
		}
		return candidates[i].new < candidates[j].new
	})

	for _, c := range candidates {
		if usedDeletes[c.del] || usedNews[c.new] {
			continue
		}
		usedDeletes[c.del] = true
		usedNews[c.new] = true

		feat, ferr := g.Manifest.MatchExclusive(c.new)
		if ferr != nil {
			return nil, nil, ferr
		}

		db := baseline[c.del].Blob
		nb := current[c.new].Blob
		var diff []byte
		if db.Kind == blob.KindText && nb.Kind == blob.KindText {
			d := udiff.Produce(string(db.Bytes), string(nb.Bytes), c.del, c.new)
			diff = []byte(d)
		}
		if err := w.AddRename(c.del, c.new, diff, feat); err != nil {
			return nil, nil, err
		}
	}
	return usedDeletes, usedNews, nil
}

// nextID assigns a timestamp-based identifier, guaranteed strictly
// greater than the newest existing identifier (spec.md §4.6 step 8).
func (g *Generator) nextID(chain []*migration.Migration) (string, error) {
	base := sanitizeID(g.now().UTC().Format("20060102150405"))

	existing := make(map[string]bool, len(chain))
	last := ""
	for _, m := range chain {
		existing[m.ID] = true
		if m.ID > last {
			last = m.ID
		}
	}

	id := base
	if id > last && !existing[id] {
		return id, nil
	}

	for suffix := 1; suffix < 10000; suffix++ {
		candidate := fmt.Sprintf("%s-%02d", base, suffix)
		if candidate > last && !existing[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("generate: could not assign a strictly increasing migration id after %s", base)
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
