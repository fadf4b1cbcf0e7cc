package response

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

const editsSummary = "Made changes."

var (
	htmlConverterOnce sync.Once
	htmlConverterMu   sync.Mutex
	htmlConverter     *md.Converter
)

type segment struct {
	text    string
	isBlock bool
}

// renderRepr builds the copy/accessibility text. Blocks are separated by a
// blank line; inline segments accumulate into the current block.
func renderRepr(parts []types.Fragment) string {
	var blocks []string
	var current []string
	editsAfterClear := false

	for _, part := range parts {
		var seg segment
		switch p := part.(type) {
		case *types.ClearToToolInvocationFragment:
			blocks = blocks[:0]
			current = current[:0]
			editsAfterClear = false
			continue
		case *types.ProgressMessageFragment, *types.CodeblockURIFragment, *types.UndoStopFragment,
			*types.ThinkingFragment, *types.ElicitationFragment, *types.UsageFragment,
			*types.ReferenceFragment, *types.UsedContextFragment, *types.CitationFragment:
			continue
		case *types.EditGroup, *types.TextEditFragment, *types.NotebookEditFragment:
			editsAfterClear = true
			continue
		case *types.ToolInvocationFragment:
			seg = segment{text: toolInvocationText(p), isBlock: true}
		case *types.InlineReferenceFragment:
			seg = segment{text: inlineReferenceText(p)}
		case *types.CommandFragment:
			seg = segment{text: p.Title, isBlock: true}
		case *types.ConfirmationFragment:
			seg = segment{text: p.Title + "\n" + p.Message, isBlock: true}
		case *types.MarkdownFragment:
			seg = segment{text: markdownText(p.Content)}
		case *types.ProgressTaskFragment:
			seg = segment{text: p.Content.Value}
		case *types.WarningFragment:
			seg = segment{text: p.Content.Value}
		default:
			assertNever(part)
		}

		if seg.isBlock {
			if len(current) > 0 {
				blocks = append(blocks, strings.Join(current, ""))
				current = current[:0]
			}
			blocks = append(blocks, seg.text)
		} else {
			current = append(current, seg.text)
		}
	}

	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, ""))
	}
	if editsAfterClear {
		blocks = append(blocks, editsSummary)
	}
	return strings.Join(blocks, "\n\n")
}

// renderMarkdown concatenates the markdown and inline reference content.
func renderMarkdown(parts []types.Fragment) string {
	var sb strings.Builder
	for _, part := range parts {
		switch p := part.(type) {
		case *types.MarkdownFragment:
			sb.WriteString(p.Content.Value)
		case *types.InlineReferenceFragment:
			sb.WriteString(inlineReferenceText(p))
		}
	}
	return sb.String()
}

func citationsMessage(citations []types.CitationFragment) string {
	if len(citations) == 0 {
		return ""
	}
	licenses := make(map[string]struct{}, len(citations))
	for _, c := range citations {
		licenses[c.License] = struct{}{}
	}
	if len(licenses) == 1 {
		return "Similar code found with 1 license type"
	}
	return fmt.Sprintf("Similar code found with %d license types", len(licenses))
}

func toolInvocationText(t *types.ToolInvocationFragment) string {
	if t.PastTenseMessage != "" {
		return t.PastTenseMessage
	}
	return t.InvocationMessage
}

func inlineReferenceText(r *types.InlineReferenceFragment) string {
	if r.Name != "" {
		return "`" + r.Name + "`"
	}
	return uriText(r.URI)
}

// uriText keeps web links whole and shortens everything else to its base name.
func uriText(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.String()
	}
	if u.Path == "" {
		return raw
	}
	return path.Base(u.Path)
}

// markdownText converts HTML-enabled markdown so raw tags do not leak into
// copied text.
func markdownText(s types.MarkdownString) string {
	if !s.SupportHTML || !strings.Contains(s.Value, "<") {
		return s.Value
	}

	htmlConverterOnce.Do(func() {
		htmlConverter = md.NewConverter("", true, &md.Options{
			HeadingStyle:     "atx",
			BulletListMarker: "-",
			CodeBlockStyle:   "fenced",
		})
		htmlConverter.Remove("script", "style")
	})

	htmlConverterMu.Lock()
	defer htmlConverterMu.Unlock()
	out, err := htmlConverter.ConvertString(s.Value)
	if err != nil {
		return htmlText(s.Value)
	}
	return out
}

// htmlText strips markup, keeping only the text content.
func htmlText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript, iframe, object, embed").Remove()
	return strings.TrimSpace(doc.Text())
}
