package response

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

func TestAccumulator_MergesMarkdown(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("Hi"), false)
	acc.Append(types.Markdown(" there"), false)

	parts := acc.Parts()
	require.Len(t, parts, 1)
	assert.Equal(t, "Hi there", parts[0].(*types.MarkdownFragment).Content.Value)
	assert.Equal(t, "Hi there", acc.String())
	assert.Equal(t, "Hi there", acc.Markdown())
}

func TestAccumulator_MarkdownPermissionsPreventMerge(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("a"), false)
	acc.Append(&types.MarkdownFragment{Content: types.MarkdownString{Value: "b", IsTrusted: true}}, false)

	assert.Len(t, acc.Parts(), 2)
	assert.Equal(t, "ab", acc.String())
}

func TestAccumulator_CustomMergePredicate(t *testing.T) {
	acc := NewAccumulator(WithMergePredicate(func(a, b types.MarkdownString) bool { return false }))
	acc.Append(types.Markdown("a"), false)
	acc.Append(types.Markdown("b"), false)

	assert.Len(t, acc.Parts(), 2)
}

func TestAccumulator_MarkdownMergesAcrossEditGroup(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("before "), false)
	acc.Append(&types.TextEditFragment{URI: "file:///a.go", Edits: []types.TextEdit{{NewText: "x"}}}, false)
	acc.Append(types.Markdown("after"), false)

	parts := acc.Parts()
	require.Len(t, parts, 2)
	assert.Equal(t, "before after", parts[0].(*types.MarkdownFragment).Content.Value)
	assert.Equal(t, "before after\n\nMade changes.", acc.String())
}

func TestAccumulator_ThinkingEmptyChunksSplit(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(&types.ThinkingFragment{Value: "step one"}, false)
	acc.Append(&types.ThinkingFragment{Value: ", more"}, false)
	acc.Append(&types.ThinkingFragment{Value: "  "}, false)
	acc.Append(&types.ThinkingFragment{Value: "step two"}, false)

	parts := acc.Parts()
	require.Len(t, parts, 3)
	assert.Equal(t, "step one, more", parts[0].(*types.ThinkingFragment).Value)
	assert.Equal(t, "step two", parts[2].(*types.ThinkingFragment).Value)
	assert.Empty(t, acc.String(), "thinking is not part of the copy text")
}

func TestAccumulator_EditGroupDoneIsMonotonic(t *testing.T) {
	acc := NewAccumulator()
	uri := "file:///a.go"

	acc.Append(&types.TextEditFragment{URI: uri, Edits: []types.TextEdit{{NewText: "1"}}}, false)
	acc.Append(&types.TextEditFragment{URI: uri, Edits: []types.TextEdit{{NewText: "2"}}, Done: true}, false)
	acc.Append(&types.TextEditFragment{URI: uri, Edits: []types.TextEdit{{NewText: "3"}}}, false)

	parts := acc.Parts()
	require.Len(t, parts, 2)

	first := parts[0].(*types.EditGroup)
	assert.True(t, first.Done)
	assert.Len(t, first.TextEdits, 2)

	second := parts[1].(*types.EditGroup)
	assert.False(t, second.Done)
	assert.Len(t, second.TextEdits, 1)
}

func TestAccumulator_EditGroupsKeyedByResourceAndKind(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(&types.TextEditFragment{URI: "file:///a"}, false)
	acc.Append(&types.TextEditFragment{URI: "file:///b"}, false)
	acc.Append(&types.NotebookEditFragment{URI: "file:///a"}, false)
	acc.Append(&types.TextEditFragment{URI: "file:///a"}, false)

	parts := acc.Parts()
	require.Len(t, parts, 3)
	assert.Equal(t, types.KindTextEditGroup, parts[0].Kind())
	assert.Len(t, parts[0].(*types.EditGroup).TextEdits, 2)
	assert.Equal(t, types.KindNotebookEditGroup, parts[2].Kind())
}

func TestAccumulator_ProgressTaskResolvesInPlace(t *testing.T) {
	changed := make(chan struct{}, 8)
	acc := NewAccumulator(WithOnChange(func() { changed <- struct{}{} }))

	task := make(chan string, 1)
	acc.Append(types.Markdown("start"), true)
	acc.Append(&types.ProgressTaskFragment{Content: types.MarkdownString{Value: "working..."}, Task: task}, true)
	acc.Append(&types.ToolInvocationFragment{ToolCallID: "c1", InvocationMessage: "Reading"}, true)

	task <- "done reading"

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("task resolution was not reported")
	}

	parts := acc.Parts()
	require.Len(t, parts, 3)
	resolved := parts[1].(*types.ProgressTaskFragment)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "done reading", resolved.Content.Value)
	assert.Equal(t, "startdone reading\n\nReading", acc.String())
}

func TestAccumulator_StopReleasesUnresolvedTasks(t *testing.T) {
	acc := NewAccumulator()
	task := make(chan string)
	acc.Append(&types.ProgressTaskFragment{Content: types.MarkdownString{Value: "working..."}, Task: task}, true)

	acc.Stop()
	acc.Stop()

	waited := make(chan struct{})
	go func() {
		acc.tasks.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("task waiter still running after Stop")
	}
	assert.False(t, acc.Parts()[0].(*types.ProgressTaskFragment).Resolved)
}

func TestAccumulator_ClearToPreviousToolInvocation(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("intro"), false)
	acc.Append(&types.ToolInvocationFragment{ToolCallID: "c1", PastTenseMessage: "Ran tool"}, false)
	acc.Append(types.Markdown("leaked"), false)

	acc.Append(&types.ClearToToolInvocationFragment{Reason: types.ClearReasonFilteredRetry}, false)

	parts := acc.Parts()
	require.Len(t, parts, 3)
	assert.Equal(t, types.KindToolInvocation, parts[1].Kind())
	assert.Equal(t, types.KindWarning, parts[2].Kind())
	assert.Equal(t, "intro\n\nRan tool\n\n"+filteredRetryWarning, acc.String())
}

func TestAccumulator_ClearWithoutToolInvocation(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("all of it"), false)
	acc.ClearToPreviousToolInvocation("")

	assert.Empty(t, acc.Parts())
	assert.Empty(t, acc.String())
}

func TestAccumulator_QuietSuppressesOnlyNotification(t *testing.T) {
	calls := 0
	acc := NewAccumulator(WithOnChange(func() { calls++ }))

	acc.Append(types.Markdown("a"), true)
	acc.Append(types.Markdown("b"), true)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "ab", acc.String())

	acc.Append(types.Markdown("c"), false)
	assert.Equal(t, 1, calls)
}

func TestAccumulator_ReprBlocks(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("See "), false)
	acc.Append(&types.InlineReferenceFragment{URI: "file:///src/main.go"}, false)
	acc.Append(&types.InlineReferenceFragment{Name: "Run"}, false)
	acc.Append(&types.CommandFragment{Title: "Open settings", Command: "settings.open"}, false)
	acc.Append(&types.ConfirmationFragment{Title: "Allow?", Message: "Run the script"}, false)
	acc.Append(&types.ProgressMessageFragment{Content: types.MarkdownString{Value: "ignored"}}, false)
	acc.Append(&types.UndoStopFragment{ID: "s1"}, false)
	acc.Append(&types.InlineReferenceFragment{URI: "https://example.com/docs"}, false)

	assert.Equal(t, "See main.go`Run`\n\nOpen settings\n\nAllow?\nRun the script\n\nhttps://example.com/docs", acc.String())
	assert.Equal(t, "See main.go`Run`https://example.com/docs", acc.Markdown())
}

func TestAccumulator_Citations(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("code"), false)
	acc.Append(&types.CitationFragment{URI: "u1", License: "MIT"}, false)
	assert.Equal(t, "code\n\nSimilar code found with 1 license type", acc.String())

	acc.AddCitation(types.CitationFragment{URI: "u2", License: "Apache-2.0"})
	acc.AddCitation(types.CitationFragment{URI: "u3", License: "MIT"})
	assert.Equal(t, "code\n\nSimilar code found with 2 license types", acc.String())
}

func TestAccumulator_HTMLMarkdownConverted(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(&types.MarkdownFragment{Content: types.MarkdownString{Value: "<b>bold</b>", SupportHTML: true}}, false)

	assert.Equal(t, "**bold**", acc.String())
	assert.Equal(t, "<b>bold</b>", acc.Markdown())
}

func TestView_TruncatesAtUndoStop(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(types.Markdown("one"), false)
	acc.Append(&types.UndoStopFragment{ID: "s1"}, false)
	acc.Append(&types.ToolInvocationFragment{InvocationMessage: "two"}, false)

	v := acc.View("s1")
	assert.Equal(t, 1, v.Len())
	assert.Equal(t, "one", v.String())

	full := acc.View("missing")
	assert.Equal(t, 3, full.Len())
}

func TestView_StepsBackBeforeCodeFence(t *testing.T) {
	acc := NewAccumulator()
	acc.Append(&types.ToolInvocationFragment{InvocationMessage: "tool"}, false)
	acc.Append(types.Markdown("```go\n"), false)
	acc.Append(&types.UndoStopFragment{ID: "s1"}, false)
	acc.Append(&types.CodeblockURIFragment{URI: "file:///a.go", IsEdit: true}, false)

	v := acc.View("s1")
	require.Equal(t, 1, v.Len())
	assert.Equal(t, types.KindToolInvocation, v.Parts()[0].Kind())
}

func TestHTMLText(t *testing.T) {
	assert.Equal(t, "Hello world", htmlText(`<div><script>alert(1)</script>Hello <i>world</i></div>`))
}
