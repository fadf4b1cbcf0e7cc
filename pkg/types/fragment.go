package types

import (
	"encoding/json"
	"fmt"
)

// FragmentKind discriminates the response fragment variants.
type FragmentKind string

const (
	KindMarkdown              FragmentKind = "markdownContent"
	KindThinking              FragmentKind = "thinking"
	KindToolInvocation        FragmentKind = "toolInvocation"
	KindTextEdit              FragmentKind = "textEdit"
	KindNotebookEdit          FragmentKind = "notebookEdit"
	KindTextEditGroup         FragmentKind = "textEditGroup"
	KindNotebookEditGroup     FragmentKind = "notebookEditGroup"
	KindUndoStop              FragmentKind = "undoStop"
	KindProgressTask          FragmentKind = "progressTask"
	KindProgressMessage       FragmentKind = "progressMessage"
	KindWarning               FragmentKind = "warning"
	KindCitation              FragmentKind = "codeCitation"
	KindInlineReference       FragmentKind = "inlineReference"
	KindCodeblockURI          FragmentKind = "codeblockUri"
	KindCommand               FragmentKind = "command"
	KindConfirmation          FragmentKind = "confirmation"
	KindElicitation           FragmentKind = "elicitation"
	KindUsage                 FragmentKind = "usage"
	KindClearToToolInvocation FragmentKind = "clearToPreviousToolInvocation"
	KindReference             FragmentKind = "reference"
	KindUsedContext           FragmentKind = "usedContext"
)

// Fragment is one tagged unit of response content. The set of
// implementations is closed to this package.
type Fragment interface {
	Kind() FragmentKind
	fragment()
}

// MarkdownString is markdown text together with the permission attributes
// that decide whether two strings may be merged.
type MarkdownString struct {
	Value             string `json:"value"`
	BaseURI           string `json:"baseUri,omitempty"`
	IsTrusted         bool   `json:"isTrusted,omitempty"`
	SupportHTML       bool   `json:"supportHtml,omitempty"`
	SupportThemeIcons bool   `json:"supportThemeIcons,omitempty"`
}

// Markdown is a convenience constructor for an untrusted markdown fragment.
func Markdown(value string) *MarkdownFragment {
	return &MarkdownFragment{Content: MarkdownString{Value: value}}
}

type MarkdownFragment struct {
	Content MarkdownString `json:"content"`
}

type ThinkingFragment struct {
	ID       string         `json:"id,omitempty"`
	Value    string         `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ToolInvocationFragment struct {
	ToolCallID        string `json:"toolCallId"`
	ToolID            string `json:"toolId"`
	InvocationMessage string `json:"invocationMessage,omitempty"`
	PastTenseMessage  string `json:"pastTenseMessage,omitempty"`
	IsComplete        bool   `json:"isComplete,omitempty"`
	IsConfirmed       *bool  `json:"isConfirmed,omitempty"`
}

// Position is a zero-based line/character location in a text resource.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextEdit replaces Range with NewText. A nil Range replaces the whole resource.
type TextEdit struct {
	Range   *Range `json:"range,omitempty"`
	NewText string `json:"newText"`
}

// NotebookEdit splices cells: Delete cells are removed at Index and Cells inserted there.
type NotebookEdit struct {
	Index  int      `json:"index"`
	Delete int      `json:"delete,omitempty"`
	Cells  []string `json:"cells,omitempty"`
}

// TextEditFragment is streamed agent input. The accumulator folds it into an EditGroup.
type TextEditFragment struct {
	URI   string     `json:"uri"`
	Edits []TextEdit `json:"edits"`
	Done  bool       `json:"done,omitempty"`
}

type NotebookEditFragment struct {
	URI   string         `json:"uri"`
	Edits []NotebookEdit `json:"edits"`
	Done  bool           `json:"done,omitempty"`
}

// EditGroup accumulates edits for one resource. GroupKind is either
// KindTextEditGroup or KindNotebookEditGroup.
type EditGroup struct {
	GroupKind     FragmentKind     `json:"groupKind"`
	URI           string           `json:"uri"`
	TextEdits     [][]TextEdit     `json:"textEdits,omitempty"`
	NotebookEdits [][]NotebookEdit `json:"notebookEdits,omitempty"`
	Done          bool             `json:"done,omitempty"`
}

type UndoStopFragment struct {
	ID string `json:"id"`
}

// ProgressTaskFragment is a placeholder for a long-running task. When Task
// delivers a value the same slot is rewritten with Resolved set.
type ProgressTaskFragment struct {
	Content  MarkdownString `json:"content"`
	Resolved bool           `json:"resolved,omitempty"`

	Task <-chan string `json:"-"`
}

type ProgressMessageFragment struct {
	Content MarkdownString `json:"content"`
}

type WarningFragment struct {
	Content MarkdownString `json:"content"`
}

type CitationFragment struct {
	URI     string `json:"uri"`
	License string `json:"license"`
	Snippet string `json:"snippet,omitempty"`
}

type InlineReferenceFragment struct {
	Name string `json:"name,omitempty"`
	URI  string `json:"uri"`
}

type CodeblockURIFragment struct {
	URI    string `json:"uri"`
	IsEdit bool   `json:"isEdit,omitempty"`
}

type CommandFragment struct {
	Title   string `json:"title"`
	Command string `json:"command"`
}

type ConfirmationFragment struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Buttons []string `json:"buttons,omitempty"`
	IsUsed  bool     `json:"isUsed,omitempty"`
}

type ElicitationFragment struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	State   string `json:"state,omitempty"`
}

type UsageFragment struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// ClearReason explains why a response was rolled back to its last tool invocation.
type ClearReason int

const (
	ClearReasonNone ClearReason = iota
	ClearReasonCopyrightRetry
	ClearReasonFilteredRetry
)

type ClearToToolInvocationFragment struct {
	Reason ClearReason `json:"reason"`
}

type ReferenceFragment struct {
	URI string `json:"uri"`
}

type UsedContextFragment struct {
	Documents []string `json:"documents"`
}

func (*MarkdownFragment) Kind() FragmentKind              { return KindMarkdown }
func (*ThinkingFragment) Kind() FragmentKind              { return KindThinking }
func (*ToolInvocationFragment) Kind() FragmentKind        { return KindToolInvocation }
func (*TextEditFragment) Kind() FragmentKind              { return KindTextEdit }
func (*NotebookEditFragment) Kind() FragmentKind          { return KindNotebookEdit }
func (g *EditGroup) Kind() FragmentKind                   { return g.GroupKind }
func (*UndoStopFragment) Kind() FragmentKind              { return KindUndoStop }
func (*ProgressTaskFragment) Kind() FragmentKind          { return KindProgressTask }
func (*ProgressMessageFragment) Kind() FragmentKind       { return KindProgressMessage }
func (*WarningFragment) Kind() FragmentKind               { return KindWarning }
func (*CitationFragment) Kind() FragmentKind              { return KindCitation }
func (*InlineReferenceFragment) Kind() FragmentKind       { return KindInlineReference }
func (*CodeblockURIFragment) Kind() FragmentKind          { return KindCodeblockURI }
func (*CommandFragment) Kind() FragmentKind               { return KindCommand }
func (*ConfirmationFragment) Kind() FragmentKind          { return KindConfirmation }
func (*ElicitationFragment) Kind() FragmentKind           { return KindElicitation }
func (*UsageFragment) Kind() FragmentKind                 { return KindUsage }
func (*ClearToToolInvocationFragment) Kind() FragmentKind { return KindClearToToolInvocation }
func (*ReferenceFragment) Kind() FragmentKind             { return KindReference }
func (*UsedContextFragment) Kind() FragmentKind           { return KindUsedContext }

func (*MarkdownFragment) fragment()              {}
func (*ThinkingFragment) fragment()              {}
func (*ToolInvocationFragment) fragment()        {}
func (*TextEditFragment) fragment()              {}
func (*NotebookEditFragment) fragment()          {}
func (*EditGroup) fragment()                     {}
func (*UndoStopFragment) fragment()              {}
func (*ProgressTaskFragment) fragment()          {}
func (*ProgressMessageFragment) fragment()       {}
func (*WarningFragment) fragment()               {}
func (*CitationFragment) fragment()              {}
func (*InlineReferenceFragment) fragment()       {}
func (*CodeblockURIFragment) fragment()          {}
func (*CommandFragment) fragment()               {}
func (*ConfirmationFragment) fragment()          {}
func (*ElicitationFragment) fragment()           {}
func (*UsageFragment) fragment()                 {}
func (*ClearToToolInvocationFragment) fragment() {}
func (*ReferenceFragment) fragment()             {}
func (*UsedContextFragment) fragment()           {}

// RawFragment is the on-disk envelope of a fragment.
type RawFragment struct {
	Kind FragmentKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalFragment encodes a fragment inside its kind envelope.
func MarshalFragment(f Fragment) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RawFragment{Kind: f.Kind(), Data: data})
}

// UnmarshalFragment decodes a fragment from its kind envelope.
func UnmarshalFragment(data []byte) (Fragment, error) {
	var raw RawFragment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var f Fragment
	switch raw.Kind {
	case KindMarkdown:
		f = &MarkdownFragment{}
	case KindThinking:
		f = &ThinkingFragment{}
	case KindToolInvocation:
		f = &ToolInvocationFragment{}
	case KindTextEdit:
		f = &TextEditFragment{}
	case KindNotebookEdit:
		f = &NotebookEditFragment{}
	case KindTextEditGroup, KindNotebookEditGroup:
		f = &EditGroup{}
	case KindUndoStop:
		f = &UndoStopFragment{}
	case KindProgressTask:
		f = &ProgressTaskFragment{}
	case KindProgressMessage:
		f = &ProgressMessageFragment{}
	case KindWarning:
		f = &WarningFragment{}
	case KindCitation:
		f = &CitationFragment{}
	case KindInlineReference:
		f = &InlineReferenceFragment{}
	case KindCodeblockURI:
		f = &CodeblockURIFragment{}
	case KindCommand:
		f = &CommandFragment{}
	case KindConfirmation:
		f = &ConfirmationFragment{}
	case KindElicitation:
		f = &ElicitationFragment{}
	case KindUsage:
		f = &UsageFragment{}
	case KindClearToToolInvocation:
		f = &ClearToToolInvocationFragment{}
	case KindReference:
		f = &ReferenceFragment{}
	case KindUsedContext:
		f = &UsedContextFragment{}
	default:
		return nil, fmt.Errorf("unknown fragment kind %q", raw.Kind)
	}

	if err := json.Unmarshal(raw.Data, f); err != nil {
		return nil, fmt.Errorf("decode %s fragment: %w", raw.Kind, err)
	}
	return f, nil
}

// FragmentList is a JSON-serializable ordered list of fragments.
type FragmentList []Fragment

func (l FragmentList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, f := range l {
		data, err := MarshalFragment(f)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes every fragment it recognizes. Fragments of unknown
// kinds are dropped so older readers survive newer data.
func (l *FragmentList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	list := make(FragmentList, 0, len(raws))
	for _, raw := range raws {
		f, err := UnmarshalFragment(raw)
		if err != nil {
			continue
		}
		list = append(list, f)
	}
	*l = list
	return nil
}
