package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffStats counts the lines a diff added and removed.
type DiffStats struct {
	Added   int
	Removed int
}

// Changed reports whether the diff has any edits.
func (s DiffStats) Changed() bool {
	return s.Added > 0 || s.Removed > 0
}

// LineDiff computes a line-level diff of before and after.
func LineDiff(before, after string) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)

	return dmp.DiffCharsToLines(diffs, lines)
}

// RenderDiff writes a line diff of before and after to w. Removed lines are
// prefixed with "-" in red, added lines with "+" in green, unchanged lines
// with a space.
func RenderDiff(w io.Writer, before, after string) DiffStats {
	var stats DiffStats

	del := color.New(color.FgRed)
	ins := color.New(color.FgGreen)

	for _, d := range LineDiff(before, after) {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				stats.Removed++

				del.Fprintf(w, "-%s\n", line)
			case diffmatchpatch.DiffInsert:
				stats.Added++

				ins.Fprintf(w, "+%s\n", line)
			case diffmatchpatch.DiffEqual:
				fmt.Fprintf(w, " %s\n", line)
			}
		}
	}

	return stats
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}

	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
