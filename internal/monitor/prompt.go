package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// DefaultPromptPatterns match output that ends waiting for input.
var DefaultPromptPatterns = []*regexp.Regexp{
	// PowerShell multi-option line, optionally with a default suffix
	regexp.MustCompile(`\s*(?:\[[^\]]\]\s+[^\[]+\s*)+(?:\(default is\s+"[^"]+"\):)?\s+$`),
	// (y/n), [Y/n], (yes/no), [no/yes]
	regexp.MustCompile(`(?i)(?:\(|\[)\s*(?:y(?:es)?\s*/\s*n(?:o)?|n(?:o)?\s*/\s*y(?:es)?)\s*(?:\]|\))\s+$`),
	// "Continue? (y/n)", "Overwrite: [yes/no]"
	regexp.MustCompile(`(?i)[?:]\s*(?:\(|\[)?\s*y(?:es)?\s*/\s*n(?:o)?\s*(?:\]|\))?\s+$`),
	regexp.MustCompile(`(?i)\(y\)\s*$`),
	regexp.MustCompile(`:\s*$`),
	// pagers
	regexp.MustCompile(`\(END\)$`),
	regexp.MustCompile(`(?i)password[:]?$`),
	regexp.MustCompile(`(?i)\?\s*(?:\([a-z\s]+\))?$`),
	regexp.MustCompile(`(?i)press a(?:ny)? key`),
}

// LooksLikePrompt reports whether the end of text looks like the process is
// waiting for input, using DefaultPromptPatterns.
func LooksLikePrompt(text string) bool {
	return matchesAny(DefaultPromptPatterns, text)
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Confirmation is an unanswered prompt found in the output.
type Confirmation struct {
	Prompt string
	// Options are the accepted answers. Descriptions, when present, is
	// parallel to Options.
	Options      []string
	Descriptions []string
	FreeForm     bool
}

var jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)

// ParseConfirmation extracts a Confirmation from a classifier answer. Prose
// around the JSON object is ignored. It returns nil when the answer holds no
// usable prompt.
func ParseConfirmation(answer string) *Confirmation {
	raw := jsonObject.FindString(answer)
	if raw == "" {
		return nil
	}
	var obj struct {
		Prompt   *string         `json:"prompt"`
		Options  json.RawMessage `json:"options"`
		FreeForm *bool           `json:"freeFormInput"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	if obj.Prompt == nil || obj.FreeForm == nil || len(obj.Options) == 0 {
		return nil
	}
	if *obj.FreeForm {
		return &Confirmation{Prompt: *obj.Prompt, FreeForm: true}
	}

	var list []string
	if err := json.Unmarshal(obj.Options, &list); err == nil {
		return &Confirmation{Prompt: *obj.Prompt, Options: list}
	}
	keys, values, ok := orderedStrings(obj.Options)
	if !ok || len(keys) == 0 {
		return nil
	}
	return &Confirmation{Prompt: *obj.Prompt, Options: keys, Descriptions: values}
}

// orderedStrings decodes a JSON object of strings keeping key order.
func orderedStrings(raw json.RawMessage) (keys, values []string, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, nil, false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, false
		}
		key, _ := tok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, nil, false
		}
		keys = append(keys, key)
		values = append(values, value)
	}
	return keys, values, true
}

// Suggestion is the option proposed as the answer to a Confirmation.
type Suggestion struct {
	Option      string
	Description string
}

// matchOption maps a classifier answer onto one of the options. Answers
// that are not an exact option fall back to the closest option by edit
// distance, provided it is closer than a full rewrite.
func matchOption(answer string, c *Confirmation) (Suggestion, bool) {
	parsed := strings.TrimSpace(stripQuotes(answer))
	if parsed == "" || len(c.Options) == 0 {
		return Suggestion{}, false
	}
	if parsed == "any key" {
		return c.suggestion(0), true
	}

	best, bestDist := -1, 0
	for i, opt := range c.Options {
		candidate := strings.TrimSpace(stripQuotes(opt))
		if candidate == parsed {
			return c.suggestion(i), true
		}
		d := levenshtein.ComputeDistance(strings.ToLower(candidate), strings.ToLower(parsed))
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if bestDist*2 > len(parsed) {
		return Suggestion{}, false
	}
	return c.suggestion(best), true
}

func (c *Confirmation) suggestion(i int) Suggestion {
	s := Suggestion{Option: c.Options[i]}
	if i < len(c.Descriptions) {
		s.Description = c.Descriptions[i]
	}
	return s
}

// alternatives lists every option except the suggested one, labelled with
// its description when there is one.
func (c *Confirmation) alternatives(suggested string) []string {
	var out []string
	for i, opt := range c.Options {
		if opt == suggested {
			continue
		}
		label := opt
		if i < len(c.Descriptions) && c.Descriptions[i] != "" {
			label += " (" + c.Descriptions[i] + ")"
		}
		out = append(out, label)
	}
	return out
}

func stripQuotes(s string) string {
	return strings.NewReplacer(`'`, "", `"`, "", "`", "").Replace(s)
}

// tail returns the last n lines of text.
func tail(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, " \t\r\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

const detectPromptTemplate = `Analyze the following terminal output. If it contains a prompt requesting user input (such as a confirmation, selection, or yes/no question) and that prompt has NOT already been answered, extract the prompt text. If the prompt asks to choose from a set, return a JSON object with keys "prompt", "options" (an array of strings, or an object mapping each option to its description) and "freeFormInput": false. If no options are offered and free form input is requested, for example "Password:", return {"prompt": "<the prompt>", "options": [], "freeFormInput": true}. If there is no such prompt, or it is ambiguous, return null.

Examples:
1. Output: "Do you want to overwrite? (y/n)"
   Response: {"prompt": "Do you want to overwrite?", "options": ["y", "n"], "freeFormInput": false}
2. Output: "Confirm: [Y] Yes  [A] Yes to All  [N] No  [L] No to All  [C] Cancel"
   Response: {"prompt": "Confirm", "options": {"Y": "Yes", "A": "Yes to All", "N": "No", "L": "No to All", "C": "Cancel"}, "freeFormInput": false}
3. Output: "Press Enter to continue"
   Response: {"prompt": "Press Enter to continue", "options": ["Enter"], "freeFormInput": false}
4. Output: "Continue [y/N]"
   Response: {"prompt": "Continue", "options": ["y", "N"], "freeFormInput": false}
5. Output: "Press any key to close the terminal."
   Response: {"prompt": "Press any key to close the terminal.", "options": ["a"], "freeFormInput": false}
6. Output: "Enter your username:"
   Response: {"prompt": "Enter your username:", "options": [], "freeFormInput": true}
7. Output: "press ctrl-c to detach, ctrl-d to kill"
   Response: null

Now analyze this output:
%s
`

func detectPromptQuery(output string) string {
	return fmt.Sprintf(detectPromptTemplate, output)
}

func defaultOptionQuery(c *Confirmation) string {
	options, _ := json.Marshal(c.Options)
	return fmt.Sprintf("Given the following confirmation prompt and options from a terminal output, which option is the default?\nPrompt: %q\nOptions: %s\nRespond with only the option string.", c.Prompt, options)
}

func assessErrorsQuery(output string) string {
	return "Evaluate this terminal output to determine if there were errors. If there are errors, return them. Otherwise, return undefined: " + output + "."
}
