package udiff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const contextLines = 3

// opKind is the line-run classification produced by the line-level LCS.
type opKind int

const (
	runEqual opKind = iota
	runDelete
	runInsert
)

type run struct {
	kind  opKind
	lines []string // display text, no trailing newline
}

// linesOf splits text into lines without their terminators, reporting
// whether the text ends with a trailing newline (spec.md §3.1: "a
// missing trailing newline is preserved by the diff engine").
func linesOf(text string) (lines []string, endsWithNewline bool) {
	if text == "" {
		return nil, true
	}
	endsWithNewline = strings.HasSuffix(text, "\n")
	lines = strings.Split(text, "\n")
	if endsWithNewline {
		lines = lines[:len(lines)-1]
	}
	return lines, endsWithNewline
}

// lineRuns computes equal/delete/insert runs between oldLines and
// newLines using diffmatchpatch's Myers-diff engine (DiffMain) over a
// synthetic per-line alphabet: each distinct line is assigned one rune,
// so the character-level diff IS a line-level diff. The last line of
// each side is keyed separately from its visible text so that a
// trailing-newline-only difference (same text, different EOF marker)
// still produces a real change instead of collapsing to "equal".
func lineRuns(oldLines []string, oldEndsNL bool, newLines []string, newEndsNL bool) []run {
	keyOf := func(lines []string, endsNL bool, i int) string {
		if i == len(lines)-1 {
			if endsNL {
				return lines[i] + "\x00NL"
			}
			return lines[i] + "\x00NONL"
		}
		return lines[i]
	}

	lineToRune := make(map[string]rune)
	// Start above the Basic Multilingual Plane to avoid any collision
	// with ordinary text content that might appear verbatim in hunks;
	// surrogate code points are never produced here since we start at
	// the supplementary-plane boundary.
	next := rune(0x10000)
	encode := func(lines []string, endsNL bool) []rune {
		out := make([]rune, len(lines))
		for i := range lines {
			k := keyOf(lines, endsNL, i)
			r, ok := lineToRune[k]
			if !ok {
				r = next
				lineToRune[k] = r
				next++
			}
			out[i] = r
		}
		return out
	}

	oldRunes := encode(oldLines, oldEndsNL)
	newRunes := encode(newLines, newEndsNL)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(oldRunes), string(newRunes), false)

	oi, ni := 0, 0
	assignText := func(lines []string, idx *int, n int) []string {
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = lines[*idx]
			*idx++
		}
		return out
	}

	var runs []run
	for _, d := range diffs {
		n := len([]rune(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			runs = append(runs, run{kind: runEqual, lines: assignText(oldLines, &oi, n)})
			ni += n
		case diffmatchpatch.DiffDelete:
			runs = append(runs, run{kind: runDelete, lines: assignText(oldLines, &oi, n)})
		case diffmatchpatch.DiffInsert:
			runs = append(runs, run{kind: runInsert, lines: assignText(newLines, &ni, n)})
		}
	}
	return runs
}

// opSpan is one run positioned at absolute 0-based, half-open line
// ranges on both sides, mirroring difflib's opcode tuples.
type opSpan struct {
	kind             opKind
	oldStart, oldEnd int
	newStart, newEnd int
	lines            []string
}

func spansOf(runs []run) []opSpan {
	spans := make([]opSpan, 0, len(runs))
	oldLine, newLine := 0, 0
	for _, r := range runs {
		n := len(r.lines)
		s := opSpan{kind: r.kind, lines: r.lines}
		switch r.kind {
		case runEqual:
			s.oldStart, s.oldEnd = oldLine, oldLine+n
			s.newStart, s.newEnd = newLine, newLine+n
			oldLine += n
			newLine += n
		case runDelete:
			s.oldStart, s.oldEnd = oldLine, oldLine+n
			s.newStart, s.newEnd = newLine, newLine
			oldLine += n
		case runInsert:
			s.oldStart, s.oldEnd = oldLine, oldLine
			s.newStart, s.newEnd = newLine, newLine+n
			newLine += n
		}
		spans = append(spans, s)
	}
	return spans
}

// groupSpans ports CPython difflib's get_grouped_opcodes: it trims
// excess leading/trailing equal context to contextLines and splits
// groups whenever an internal equal run exceeds 2*contextLines.
func groupSpans(spans []opSpan) [][]opSpan {
	if len(spans) == 0 {
		return nil
	}

	spans = append([]opSpan(nil), spans...)

	if spans[0].kind == runEqual {
		s := spans[0]
		i1, i2, j1, j2 := s.oldStart, s.oldEnd, s.newStart, s.newEnd
		i1 = max(i1, i2-contextLines)
		j1 = max(j1, j2-contextLines)
		spans[0] = trimSpan(s, i1, i2, j1, j2)
	}
	last := len(spans) - 1
	if spans[last].kind == runEqual {
		s := spans[last]
		i1, i2, j1, j2 := s.oldStart, s.oldEnd, s.newStart, s.newEnd
		i2 = min(i2, i1+contextLines)
		j2 = min(j2, j1+contextLines)
		spans[last] = trimSpan(s, i1, i2, j1, j2)
	}

	nn := contextLines * 2
	var groups [][]opSpan
	var group []opSpan
	for _, s := range spans {
		if s.kind == runEqual && s.oldEnd-s.oldStart > nn {
			head := trimSpan(s, s.oldStart, min(s.oldEnd, s.oldStart+contextLines), s.newStart, min(s.newEnd, s.newStart+contextLines))
			group = append(group, head)
			groups = append(groups, group)
			group = nil
			tailOldStart := max(s.oldStart, s.oldEnd-contextLines)
			tailNewStart := max(s.newStart, s.newEnd-contextLines)
			s = trimSpan(s, tailOldStart, s.oldEnd, tailNewStart, s.newEnd)
		}
		group = append(group, s)
	}
	if len(group) > 0 && !(len(group) == 1 && group[0].kind == runEqual) {
		groups = append(groups, group)
	}
	return groups
}

// trimSpan rebuilds a span's display lines to match a narrowed range.
func trimSpan(s opSpan, oldStart, oldEnd, newStart, newEnd int) opSpan {
	switch s.kind {
	case runEqual:
		offset := oldStart - s.oldStart
		count := oldEnd - oldStart
		s.lines = s.lines[offset : offset+count]
	case runDelete:
		offset := oldStart - s.oldStart
		count := oldEnd - oldStart
		s.lines = s.lines[offset : offset+count]
	case runInsert:
		offset := newStart - s.newStart
		count := newEnd - newStart
		s.lines = s.lines[offset : offset+count]
	}
	s.oldStart, s.oldEnd, s.newStart, s.newEnd = oldStart, oldEnd, newStart, newEnd
	return s
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// buildHunk renders one group of spans into a Hunk, tracking each
// rendered line's old/new 0-based index for trailing-newline marking.
func buildHunk(group []opSpan) Hunk {
	first, last := group[0], group[len(group)-1]

	oldStartLine, oldCount := hunkRange(first.oldStart, last.oldEnd)
	newStartLine, newCount := hunkRange(first.newStart, last.newEnd)

	h := Hunk{OldStart: oldStartLine, OldCount: oldCount, NewStart: newStartLine, NewCount: newCount}
	for _, s := range group {
		switch s.kind {
		case runEqual:
			for i, text := range s.lines {
				h.Lines = append(h.Lines, renderedLine{op: opContext, text: text, oldIdx: s.oldStart + i, newIdx: s.newStart + i})
			}
		case runDelete:
			for i, text := range s.lines {
				h.Lines = append(h.Lines, renderedLine{op: opDelete, text: text, oldIdx: s.oldStart + i, newIdx: -1})
			}
		case runInsert:
			for i, text := range s.lines {
				h.Lines = append(h.Lines, renderedLine{op: opInsert, text: text, oldIdx: -1, newIdx: s.newStart + i})
			}
		}
	}
	return h
}

// hunkRange converts a 0-based half-open [start,end) range into the
// unified-diff header's (1-based start, count), using the GNU
// convention that a zero-length range reports its 0-based position
// unmodified (the "insert after this line" anchor).
func hunkRange(start, end int) (headerStart, count int) {
	count = end - start
	if count == 0 {
		return start, 0
	}
	return start + 1, count
}

// Produce builds a unified diff transforming oldText into newText, with
// 3 lines of context, @@ hunk headers, and a trailing "no newline"
// marker where applicable. Identical inputs yield the empty string
// (spec.md §4.3).
func Produce(oldText, newText, oldLabel, newLabel string) string {
	if oldText == newText {
		return ""
	}

	oldLines, oldEndsNL := linesOf(oldText)
	newLines, newEndsNL := linesOf(newText)

	runs := lineRuns(oldLines, oldEndsNL, newLines, newEndsNL)
	spans := spansOf(runs)
	groups := groupSpans(spans)
	if len(groups) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("--- " + oldLabel + "\n")
	b.WriteString("+++ " + newLabel + "\n")

	for _, group := range groups {
		h := buildHunk(group)
		writeHunk(&b, h, len(oldLines), len(newLines), oldEndsNL, newEndsNL)
	}
	return b.String()
}

func writeHunk(b *strings.Builder, h Hunk, oldLineCount, newLineCount int, oldEndsNL, newEndsNL bool) {
	b.WriteString("@@ -")
	b.WriteString(formatHeaderField(h.OldStart, h.OldCount))
	b.WriteString(" +")
	b.WriteString(formatHeaderField(h.NewStart, h.NewCount))
	b.WriteString(" @@\n")

	for _, l := range h.Lines {
		b.WriteByte(byte(l.op))
		b.WriteString(l.text)
		b.WriteByte('\n')

		if l.op != opInsert && l.oldIdx == oldLineCount-1 && !oldEndsNL {
			b.WriteString(noNewlineMarker + "\n")
		} else if l.op == opInsert && l.newIdx == newLineCount-1 && !newEndsNL {
			b.WriteString(noNewlineMarker + "\n")
		} else if l.op == opContext && l.newIdx == newLineCount-1 && !newEndsNL && l.oldIdx != oldLineCount-1 {
			// context line also happens to be new's final line only
			// (can't happen without also being old's final line given
			// equal spans walk both sides in lockstep, kept defensively).
			b.WriteString(noNewlineMarker + "\n")
		}
	}
}

func formatHeaderField(start, count int) string {
	return itoaSimple(start) + "," + itoaSimple(count)
}

func itoaSimple(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
