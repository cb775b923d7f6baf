package udiff

import (
	"fmt"
	"strconv"
	"strings"
)

// fuzzOffsets is the bounded ±3-line retry window Apply uses when a
// hunk's context no longer matches at its recorded position (spec.md
// §4.3: "a small, bounded search before declaring a conflict").
var fuzzOffsets = []int{0, 1, -1, 2, -2, 3, -3}

// parsedDiff is a diff broken into its two file labels and hunks.
// oldEndsNL/newEndsNL default true and flip to false only when a "\ No
// newline at end of file" marker is seen trailing the respective side's
// final line, so a trailing-newline-only change survives a round trip
// without relying on the newline state of whatever text Apply replays
// against.
type parsedDiff struct {
	oldLabel  string
	newLabel  string
	hunks     []Hunk
	oldEndsNL bool
	newEndsNL bool
}

// Parse reads unified-diff text produced by Produce back into hunks.
func Parse(diff string) (*parsedDiff, error) {
	lines := strings.Split(diff, "\n")
	// strings.Split on a trailing "\n" leaves a final empty element; drop
	// it so it isn't mistaken for a hunk line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	d := parsedDiff{oldEndsNL: true, newEndsNL: true}
	i := 0
	if i < len(lines) && strings.HasPrefix(lines[i], "--- ") {
		d.oldLabel = strings.TrimPrefix(lines[i], "--- ")
		i++
	}
	if i < len(lines) && strings.HasPrefix(lines[i], "+++ ") {
		d.newLabel = strings.TrimPrefix(lines[i], "+++ ")
		i++
	}

	for i < len(lines) {
		header := lines[i]
		if !strings.HasPrefix(header, "@@ ") {
			return nil, fmt.Errorf("udiff: expected hunk header, got %q", header)
		}
		oldStart, oldCount, newStart, newCount, err := parseHunkHeader(header)
		if err != nil {
			return nil, err
		}
		i++

		h := Hunk{OldStart: oldStart, OldCount: oldCount, NewStart: newStart, NewCount: newCount}
		oi, ni := oldStart-1, newStart-1
		if oldCount == 0 {
			oi = oldStart
		}
		if newCount == 0 {
			ni = newStart
		}

		for i < len(lines) && !strings.HasPrefix(lines[i], "@@ ") {
			line := lines[i]
			if line == noNewlineMarker {
				if len(h.Lines) > 0 {
					switch h.Lines[len(h.Lines)-1].op {
					case opContext:
						d.oldEndsNL, d.newEndsNL = false, false
					case opDelete:
						d.oldEndsNL = false
					case opInsert:
						d.newEndsNL = false
					}
				}
				i++
				continue
			}
			if line == "" {
				i++
				continue
			}
			op := lineOp(line[0])
			text := line[1:]
			switch op {
			case opContext:
				h.Lines = append(h.Lines, renderedLine{op: opContext, text: text, oldIdx: oi, newIdx: ni})
				oi++
				ni++
			case opDelete:
				h.Lines = append(h.Lines, renderedLine{op: opDelete, text: text, oldIdx: oi, newIdx: -1})
				oi++
			case opInsert:
				h.Lines = append(h.Lines, renderedLine{op: opInsert, text: text, oldIdx: -1, newIdx: ni})
				ni++
			default:
				return nil, fmt.Errorf("udiff: malformed hunk line %q", line)
			}
			i++
		}
		d.hunks = append(d.hunks, h)
	}
	return &d, nil
}

func parseHunkHeader(header string) (oldStart, oldCount, newStart, newCount int, err error) {
	body := strings.TrimSuffix(strings.TrimPrefix(header, "@@ "), " @@")
	fields := strings.Fields(body)
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return 0, 0, 0, 0, fmt.Errorf("udiff: malformed hunk header %q", header)
	}
	oldStart, oldCount, err = parseRange(fields[0][1:])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	newStart, newCount, err = parseRange(fields[1][1:])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return oldStart, oldCount, newStart, newCount, nil
}

func parseRange(s string) (start, count int, err error) {
	parts := strings.SplitN(s, ",", 2)
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("udiff: malformed range %q: %w", s, err)
	}
	if len(parts) == 1 {
		return start, 1, nil
	}
	count, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("udiff: malformed range %q: %w", s, err)
	}
	return start, count, nil
}

// Apply replays diff against currentText, returning the transformed text
// or a *Conflict when a hunk's pre-image can't be located (spec.md
// §4.3/§6.3). Each hunk is matched at its recorded position first, then
// retried at small offsets before being declared a conflict.
func Apply(currentText, diff string) (string, error) {
	d, err := Parse(diff)
	if err != nil {
		return "", err
	}

	curLines, curEndsNL := linesOf(currentText)
	out := make([]string, len(curLines))
	copy(out, curLines)
	cursor := 0 // accumulated line-count drift from earlier hunks

	for idx, h := range d.hunks {
		pre, post := preAndPostImage(h)

		base := h.OldStart - 1
		if h.OldCount == 0 {
			base = h.OldStart
		}
		base += cursor

		pos := -1
		for _, off := range fuzzOffsets {
			candidate := base + off
			if candidate < 0 || candidate+len(pre) > len(out) {
				continue
			}
			if linesMatch(out[candidate:candidate+len(pre)], pre) {
				pos = candidate
				break
			}
		}

		if pos == -1 {
			return "", &Conflict{
				HunkIndex: idx,
				Expected:  strings.Join(pre, "\n"),
				Actual:    actualWindow(out, base, len(pre)),
			}
		}

		out = append(out[:pos], append(append([]string{}, post...), out[pos+len(pre):]...)...)
		cursor += len(post) - len(pre)
	}

	endsNL := curEndsNL
	if len(d.hunks) > 0 && touchesFinalLine(d.hunks[len(d.hunks)-1], len(curLines)) {
		endsNL = d.newEndsNL
	}

	result := strings.Join(out, "\n")
	if endsNL || len(out) == 0 {
		result += "\n"
	}
	return result, nil
}

// touchesFinalLine reports whether h's old-side range reaches the last
// line of a file with oldLineCount lines, meaning the diff's own
// newline verdict (not the input text's) governs the result's EOF.
func touchesFinalLine(h Hunk, oldLineCount int) bool {
	if h.OldCount == 0 {
		return h.OldStart >= oldLineCount
	}
	return h.OldStart-1+h.OldCount >= oldLineCount
}

// preAndPostImage extracts a hunk's old-side (context+delete) and
// new-side (context+insert) line sequences in order.
func preAndPostImage(h Hunk) (pre, post []string) {
	for _, l := range h.Lines {
		if l.op == opContext || l.op == opDelete {
			pre = append(pre, l.text)
		}
		if l.op == opContext || l.op == opInsert {
			post = append(post, l.text)
		}
	}
	return pre, post
}

func linesMatch(window, want []string) bool {
	if len(window) != len(want) {
		return false
	}
	for i := range window {
		if window[i] != want[i] {
			return false
		}
	}
	return true
}

func actualWindow(lines []string, start, n int) string {
	end := start + n
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}

// ForceApply rebuilds the new-side text from diff's hunks without
// checking them against currentText, used for the "use template"
// lossy conflict resolution (spec.md §6.3): unchanged regions between
// hunks are taken from currentText, but every hunk's region is replaced
// by its post-image regardless of whether the pre-image still matches.
func ForceApply(currentText, diff string) (string, error) {
	d, err := Parse(diff)
	if err != nil {
		return "", err
	}

	curLines, curEndsNL := linesOf(currentText)
	var out []string
	cursor := 0

	for _, h := range d.hunks {
		base := h.OldStart - 1
		if h.OldCount == 0 {
			base = h.OldStart
		}
		if base > len(curLines) {
			base = len(curLines)
		}
		if base < cursor {
			base = cursor
		}
		out = append(out, curLines[cursor:base]...)

		_, post := preAndPostImage(h)
		out = append(out, post...)

		cursor = base + h.OldCount
		if cursor > len(curLines) {
			cursor = len(curLines)
		}
	}
	out = append(out, curLines[cursor:]...)

	endsNL := curEndsNL
	if len(d.hunks) > 0 && touchesFinalLine(d.hunks[len(d.hunks)-1], len(curLines)) {
		endsNL = d.newEndsNL
	}

	result := strings.Join(out, "\n")
	if endsNL || len(out) == 0 {
		result += "\n"
	}
	return result, nil
}
