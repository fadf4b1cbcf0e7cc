package editing

import (
	"strings"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

// applyTextEdits applies edits in order, each against the result of the
// previous one. A nil range replaces the whole text. Positions past the end
// of a line or of the text are clamped.
func applyTextEdits(text string, edits []types.TextEdit) string {
	for _, e := range edits {
		if e.Range == nil {
			text = e.NewText
			continue
		}
		start := offsetOf(text, e.Range.Start)
		end := offsetOf(text, e.Range.End)
		if end < start {
			start, end = end, start
		}
		text = text[:start] + e.NewText + text[end:]
	}
	return text
}

// offsetOf converts a zero-based line/character position into a byte
// offset. Characters are counted in runes.
func offsetOf(text string, pos types.Position) int {
	if pos.Line < 0 {
		return 0
	}
	offset := 0
	for line := 0; line < pos.Line; line++ {
		idx := strings.IndexByte(text[offset:], '\n')
		if idx == -1 {
			return len(text)
		}
		offset += idx + 1
	}

	lineEnd := strings.IndexByte(text[offset:], '\n')
	if lineEnd == -1 {
		lineEnd = len(text) - offset
	}
	lineText := text[offset : offset+lineEnd]

	chars := 0
	for i := range lineText {
		if chars == pos.Character {
			return offset + i
		}
		chars++
	}
	return offset + lineEnd
}

// applyNotebookEdits splices cells. Indexes out of range are clamped.
func applyNotebookEdits(cells []string, edits []types.NotebookEdit) []string {
	out := append([]string(nil), cells...)
	for _, e := range edits {
		idx := e.Index
		if idx < 0 {
			idx = 0
		}
		if idx > len(out) {
			idx = len(out)
		}
		end := idx + e.Delete
		if end > len(out) {
			end = len(out)
		}
		tail := append([]string(nil), out[end:]...)
		out = append(append(out[:idx], e.Cells...), tail...)
	}
	return out
}
