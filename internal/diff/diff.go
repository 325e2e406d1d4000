// Package diff renders line diffs between successive test artifacts so a
// repair can be reviewed next to the artifact it replaced.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of unchanged lines shown around a change.
const DefaultContext = 3

// LineType is the role of a line in a diff.
type LineType byte

const (
	LineContext LineType = ' '
	LineAdded   LineType = '+'
	LineRemoved LineType = '-'
)

// Line is one line of a diff, without its trailing newline.
type Line struct {
	Type    LineType
	Content string
}

// Hunk is a group of changes with surrounding context. Starts are 1-based.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff is the diff of two versions of one file.
type FileDiff struct {
	OldName string
	NewName string
	Hunks   []Hunk
	Added   int
	Removed int
}

// Empty reports whether the versions are identical.
func (d *FileDiff) Empty() bool { return len(d.Hunks) == 0 }

// Compute diffs two texts line by line.
func Compute(oldName, newName, oldText, newText string, context int) *FileDiff {
	if context < 0 {
		context = DefaultContext
	}
	lines := lineOps(oldText, newText)

	d := &FileDiff{OldName: oldName, NewName: newName}
	for _, l := range lines {
		switch l.Type {
		case LineAdded:
			d.Added++
		case LineRemoved:
			d.Removed++
		}
	}
	for _, r := range hunkRanges(lines, context) {
		d.Hunks = append(d.Hunks, makeHunk(lines, r[0], r[1]))
	}
	return d
}

// Unified renders the diff in unified format, or "" when there are no changes.
func (d *FileDiff) Unified() string {
	if d.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", d.OldName, d.NewName)
	for _, h := range d.Hunks {
		fmt.Fprintf(&b, "@@ -%s +%s @@\n", span(h.OldStart, h.OldCount), span(h.NewStart, h.NewCount))
		for _, l := range h.Lines {
			b.WriteByte(byte(l.Type))
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func span(start, count int) string {
	if count == 0 {
		return fmt.Sprintf("%d,0", start-1)
	}
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// lineOps runs diffmatchpatch in line mode and flattens the result into one
// entry per line.
func lineOps(oldText, newText string) []Line {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	a, b, table := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), table)

	var out []Line
	for _, d := range diffs {
		t := LineContext
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			t = LineAdded
		case diffmatchpatch.DiffDelete:
			t = LineRemoved
		}
		for _, text := range splitLines(d.Text) {
			out = append(out, Line{Type: t, Content: text})
		}
	}
	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// hunkRanges returns [start, end) ranges over lines. Changes separated by at
// most 2*context unchanged lines share a hunk.
func hunkRanges(lines []Line, context int) [][2]int {
	var ranges [][2]int
	i := 0
	for i < len(lines) {
		if lines[i].Type == LineContext {
			i++
			continue
		}
		start := max(0, i-context)
		end := i
		for end < len(lines) {
			if lines[end].Type != LineContext {
				end++
				continue
			}
			gap := end
			for gap < len(lines) && lines[gap].Type == LineContext {
				gap++
			}
			if gap < len(lines) && gap-end <= 2*context {
				end = gap
				continue
			}
			end = min(end+context, len(lines))
			break
		}
		ranges = append(ranges, [2]int{start, end})
		i = end
	}
	return ranges
}

func makeHunk(lines []Line, start, end int) Hunk {
	h := Hunk{OldStart: 1, NewStart: 1}
	for _, l := range lines[:start] {
		if l.Type != LineAdded {
			h.OldStart++
		}
		if l.Type != LineRemoved {
			h.NewStart++
		}
	}
	h.Lines = append(h.Lines, lines[start:end]...)
	for _, l := range h.Lines {
		if l.Type != LineAdded {
			h.OldCount++
		}
		if l.Type != LineRemoved {
			h.NewCount++
		}
	}
	return h
}
