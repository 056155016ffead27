package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffStat summarizes a file mutation for tool metadata and for the
// compactor's modified_files reporting.
type DiffStat struct {
	Patch     string `json:"patch,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Empty reports whether before and after produced no change at all.
func (d DiffStat) Empty() bool {
	return d.Additions == 0 && d.Deletions == 0
}

// computeDiffStat diffs before and after line by line and renders the
// result as diff-match-patch patch text (hunk offsets count characters,
// not lines) under ---/+++ headers naming the path relative to baseDir
// (filepath.Rel, so a path outside baseDir gets "../" parts). Tools that
// mutate a file (edit, write) call this to attach additions/deletions
// and a patch to their Result.Metadata instead of just reporting that
// something changed.
func computeDiffStat(path, before, after, baseDir string) DiffStat {
	if before == after {
		return DiffStat{}
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	stat := DiffStat{}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			stat.Additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			stat.Deletions += countLines(d.Text)
		}
	}

	patches := dmp.PatchMake(before, diffs)
	patchText := dmp.PatchToText(patches)
	if patchText == "" {
		return stat
	}

	relPath := relativePath(path, baseDir)
	var builder strings.Builder
	if relPath != "" {
		builder.WriteString(fmt.Sprintf("--- %s\n", relPath))
		builder.WriteString(fmt.Sprintf("+++ %s\n", relPath))
	}
	builder.WriteString(patchText)
	stat.Patch = builder.String()

	return stat
}

func relativePath(path, baseDir string) string {
	if path == "" {
		return ""
	}
	if baseDir == "" {
		return path
	}
	if rel, err := filepath.Rel(baseDir, path); err == nil {
		return rel
	}
	return path
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
