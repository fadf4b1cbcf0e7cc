// Package response accumulates streamed progress fragments into a single
// ordered response and tracks the response lifecycle.
package response

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

const (
	copyrightRetryWarning = "Response cleared due to possible match to public code, retrying with modified prompt."
	filteredRetryWarning  = "Response cleared due to content safety filters, retrying with modified prompt."
)

// MergePredicate reports whether markdown b may be appended onto markdown a.
type MergePredicate func(a, b types.MarkdownString) bool

// CanMergeMarkdown is the default predicate: both strings must carry the
// same base URI and the same trust and rendering permissions.
func CanMergeMarkdown(a, b types.MarkdownString) bool {
	return a.BaseURI == b.BaseURI &&
		a.IsTrusted == b.IsTrusted &&
		a.SupportHTML == b.SupportHTML &&
		a.SupportThemeIcons == b.SupportThemeIcons
}

// Accumulator merges a stream of fragments into an ordered list and keeps
// the derived text projections current. It is safe for concurrent use;
// callers still must not interleave appends for the same response.
type Accumulator struct {
	mu        sync.Mutex
	parts     []types.Fragment
	citations []types.CitationFragment
	canMerge  MergePredicate
	onChange  func()

	stop     chan struct{}
	stopOnce sync.Once
	tasks    sync.WaitGroup

	repr     string
	markdown string
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithMergePredicate replaces CanMergeMarkdown.
func WithMergePredicate(p MergePredicate) Option {
	return func(a *Accumulator) { a.canMerge = p }
}

// WithOnChange registers the callback fired after every non-quiet mutation.
func WithOnChange(fn func()) Option {
	return func(a *Accumulator) { a.onChange = fn }
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(opts ...Option) *Accumulator {
	a := &Accumulator{canMerge: CanMergeMarkdown, stop: make(chan struct{})}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append applies one fragment. quiet suppresses the change callback but the
// cached projections are always recomputed.
func (a *Accumulator) Append(f types.Fragment, quiet bool) {
	if f == nil {
		return
	}

	a.mu.Lock()
	var task *types.ProgressTaskFragment

	switch p := f.(type) {
	case *types.ClearToToolInvocationFragment:
		switch p.Reason {
		case types.ClearReasonCopyrightRetry:
			a.clearToToolInvocationLocked(copyrightRetryWarning)
		case types.ClearReasonFilteredRetry:
			a.clearToToolInvocationLocked(filteredRetryWarning)
		default:
			a.clearToToolInvocationLocked("")
		}
		// Clears are always silent; the retry that follows produces content.
		quiet = true

	case *types.MarkdownFragment:
		last, idx := a.lastRenderableLocked()
		if md, ok := last.(*types.MarkdownFragment); ok && a.canMerge(md.Content, p.Content) {
			merged := *md
			merged.Content.Value += p.Content.Value
			a.parts[idx] = &merged
		} else {
			cp := *p
			a.parts = append(a.parts, &cp)
		}

	case *types.ThinkingFragment:
		last, idx := a.lastRenderableLocked()
		prev, ok := last.(*types.ThinkingFragment)
		if !ok || isBlank(p.Value) || isBlank(prev.Value) {
			cp := *p
			a.parts = append(a.parts, &cp)
		} else {
			merged := *prev
			merged.Value += p.Value
			a.parts[idx] = &merged
		}

	case *types.TextEditFragment:
		a.mergeEditsLocked(types.KindTextEditGroup, p.URI, p.Done, func(g *types.EditGroup) {
			g.TextEdits = append(g.TextEdits, p.Edits)
		})

	case *types.NotebookEditFragment:
		a.mergeEditsLocked(types.KindNotebookEditGroup, p.URI, p.Done, func(g *types.EditGroup) {
			g.NotebookEdits = append(g.NotebookEdits, p.Edits)
		})

	case *types.ProgressTaskFragment:
		a.parts = append(a.parts, p)
		if p.Task != nil && !p.Resolved {
			task = p
		}

	case *types.CitationFragment:
		a.citations = append(a.citations, *p)

	case *types.ReferenceFragment, *types.UsedContextFragment:
		// Owned by the response, not the content stream.
		a.mu.Unlock()
		return

	default:
		a.parts = append(a.parts, f)
	}

	a.updateLocked()
	a.mu.Unlock()

	if task != nil {
		a.tasks.Add(1)
		go a.awaitTask(task)
	}
	if !quiet {
		a.notify()
	}
}

// mergeEditsLocked folds edits into the first open group for (kind, uri),
// or starts a new group. A group's done flag only ever moves to true.
func (a *Accumulator) mergeEditsLocked(kind types.FragmentKind, uri string, done bool, add func(*types.EditGroup)) {
	for _, part := range a.parts {
		g, ok := part.(*types.EditGroup)
		if !ok || g.GroupKind != kind || g.Done || g.URI != uri {
			continue
		}
		add(g)
		g.Done = g.Done || done
		return
	}

	g := &types.EditGroup{GroupKind: kind, URI: uri, Done: done}
	add(g)
	a.parts = append(a.parts, g)
}

// lastRenderableLocked returns the last part that is not an edit group, so
// markdown streamed around edits is not chopped up.
func (a *Accumulator) lastRenderableLocked() (types.Fragment, int) {
	for i := len(a.parts) - 1; i >= 0; i-- {
		if _, ok := a.parts[i].(*types.EditGroup); ok {
			continue
		}
		return a.parts[i], i
	}
	return nil, -1
}

// Stop abandons unresolved progress tasks. Tasks resolving afterwards are
// ignored.
func (a *Accumulator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Accumulator) awaitTask(task *types.ProgressTaskFragment) {
	defer a.tasks.Done()
	var content string
	select {
	case c, ok := <-task.Task:
		if !ok {
			return
		}
		content = c
	case <-a.stop:
		return
	}

	a.mu.Lock()
	found := false
	for i, part := range a.parts {
		if part != types.Fragment(task) {
			continue
		}
		resolved := &types.ProgressTaskFragment{
			Content:  task.Content,
			Resolved: true,
		}
		resolved.Content.Value = content
		a.parts[i] = resolved
		found = true
		break
	}
	if found {
		a.updateLocked()
	}
	a.mu.Unlock()

	if found {
		a.notify()
	}
}

// AddCitation records a code citation; citations are summarized after the body.
func (a *Accumulator) AddCitation(c types.CitationFragment) {
	a.mu.Lock()
	a.citations = append(a.citations, c)
	a.updateLocked()
	a.mu.Unlock()
	a.notify()
}

// Clear drops all content. Used for redaction.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	a.parts = nil
	a.updateLocked()
	a.mu.Unlock()
}

// ClearToPreviousToolInvocation truncates back to and including the most
// recent tool invocation, or clears everything when there is none. A
// non-empty message is appended as a warning.
func (a *Accumulator) ClearToPreviousToolInvocation(message string) {
	a.mu.Lock()
	a.clearToToolInvocationLocked(message)
	a.updateLocked()
	a.mu.Unlock()
}

func (a *Accumulator) clearToToolInvocationLocked(message string) {
	last := -1
	for i := len(a.parts) - 1; i >= 0; i-- {
		if _, ok := a.parts[i].(*types.ToolInvocationFragment); ok {
			last = i
			break
		}
	}
	if last == -1 {
		a.parts = nil
	} else {
		a.parts = a.parts[:last+1:last+1]
	}
	if message != "" {
		a.parts = append(a.parts, &types.WarningFragment{Content: types.MarkdownString{Value: message}})
	}
}

// truncate keeps the first n parts.
func (a *Accumulator) truncate(n int) {
	a.mu.Lock()
	if n < len(a.parts) {
		a.parts = a.parts[:n:n]
		a.updateLocked()
	}
	a.mu.Unlock()
}

// load replaces the content wholesale, without merging.
func (a *Accumulator) load(parts []types.Fragment, citations []types.CitationFragment) {
	a.mu.Lock()
	a.parts = append([]types.Fragment(nil), parts...)
	a.citations = append([]types.CitationFragment(nil), citations...)
	a.updateLocked()
	a.mu.Unlock()
}

// Parts returns a copy of the current fragment list.
func (a *Accumulator) Parts() []types.Fragment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Fragment(nil), a.parts...)
}

// Len returns the number of parts.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts)
}

// String returns the plain-text representation used for copy and
// accessibility.
func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repr
}

// Markdown returns only the markdown and inline reference content.
func (a *Accumulator) Markdown() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markdown
}

// View returns the content as it was at the given undo stop.
func (a *Accumulator) View(undoStopID string) *View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return newView(a.parts, undoStopID)
}

func (a *Accumulator) updateLocked() {
	a.repr = renderRepr(a.parts)
	if msg := citationsMessage(a.citations); msg != "" {
		a.repr += "\n\n" + msg
	}
	a.markdown = renderMarkdown(a.parts)
}

func (a *Accumulator) notify() {
	if a.onChange != nil {
		a.onChange()
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// assertNever fails loudly on a fragment kind the switch does not know.
func assertNever(f types.Fragment) {
	panic(fmt.Sprintf("response: unhandled fragment kind %q", f.Kind()))
}
