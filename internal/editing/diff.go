package editing

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffInfo summarizes the change to one resource between two checkpoints.
type DiffInfo struct {
	Resource  string
	Patch     string
	Added     int
	Removed   int
	Identical bool
}

// buildDiff computes a line diff of before and after. The patch text is
// prefixed with --- / +++ headers naming the resource.
func buildDiff(resource, before, after string) DiffInfo {
	info := DiffInfo{Resource: resource}
	if before == after {
		info.Identical = true
		return info
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			info.Added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			info.Removed += countLines(d.Text)
		}
	}

	patchText := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if patchText == "" {
		return info
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", resource))
	builder.WriteString(fmt.Sprintf("+++ %s\n", resource))
	builder.WriteString(patchText)
	info.Patch = builder.String()
	return info
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
