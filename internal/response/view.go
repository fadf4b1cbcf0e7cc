package response

import "github.com/opencode-ai/sessioncore/pkg/types"

// View is a read-only projection of a response truncated at an undo stop.
type View struct {
	UndoStop string
	parts    []types.Fragment
	repr     string
	markdown string
}

func newView(parts []types.Fragment, undoStopID string) *View {
	idx := -1
	for i, p := range parts {
		if stop, ok := p.(*types.UndoStopFragment); ok && stop.ID == undoStopID {
			idx = i
			break
		}
	}

	// Undo stops land just before a codeblock URI, which follows the markdown
	// holding the opening fence. Cut before that fence too.
	if idx > 0 && idx+1 < len(parts) {
		_, nextIsCodeblock := parts[idx+1].(*types.CodeblockURIFragment)
		_, prevIsMarkdown := parts[idx-1].(*types.MarkdownFragment)
		if nextIsCodeblock && prevIsMarkdown {
			idx--
		}
	}

	var kept []types.Fragment
	if idx == -1 {
		kept = append(kept, parts...)
	} else {
		kept = append(kept, parts[:idx]...)
	}

	return &View{
		UndoStop: undoStopID,
		parts:    kept,
		repr:     renderRepr(kept),
		markdown: renderMarkdown(kept),
	}
}

// Parts returns the fragments visible in this view.
func (v *View) Parts() []types.Fragment {
	return append([]types.Fragment(nil), v.parts...)
}

func (v *View) Len() int { return len(v.parts) }

func (v *View) String() string { return v.repr }

func (v *View) Markdown() string { return v.markdown }
