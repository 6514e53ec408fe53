// Package statustag derives a board classification from free node text.
//
// A tag is one of a closed set of #TOKENs (case-insensitive) that starts the
// text or follows whitespace and ends at a word boundary. The classification is
// never stored on its own; callers recompute it from the current text.
package statustag

import (
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Status is a board classification. The zero value means "no tag".
type Status string

// Known statuses.
const (
	None    Status = ""
	Backlog Status = "BACKLOG"
	Blocked Status = "BLOCKED"
	Todo    Status = "TODO"
	WIP     Status = "WIP"
	Test    Status = "TEST"
	Done    Status = "DONE"
)

// Unclassified is the board bucket name for nodes without a tag.
const Unclassified = "UNCLASSIFIED"

var (
	all = []Status{Backlog, Blocked, Todo, WIP, Test, Done}

	// Group 1 is the leading whitespace run (empty at text start), group 2 the token.
	tagRe = regexp.MustCompile(`(?i)(^|\s+)#(BACKLOG|BLOCKED|TODO|WIP|TEST|DONE)\b`)

	colorRe = regexp.MustCompile(`class="[^"]*\bbc-(red|orange|yellow|green|blue|purple|pink|sky|teal|gray)\b[^"]*"`)
)

// All returns every known status in board order.
func All() []Status {
	out := make([]Status, len(all))
	copy(out, all)
	return out
}

// Columns returns the board column keys: Unclassified first, then each status.
func Columns() []string {
	out := make([]string, 0, len(all)+1)
	out = append(out, Unclassified)
	for _, s := range all {
		out = append(out, string(s))
	}
	return out
}

// Column returns the board column key for s.
func (s Status) Column() string {
	if s == None {
		return Unclassified
	}
	return string(s)
}

// Token returns the tag as it appears in text, e.g. "#WIP".
func (s Status) Token() string {
	if s == None {
		return ""
	}
	return "#" + string(s)
}

// Parse validates a user-supplied status name. The empty string parses to None.
func Parse(raw string) (Status, error) {
	v := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "#")))
	if v == "" {
		return None, nil
	}
	if err := validation.Validate(v, validation.In(toAny(all)...)); err != nil {
		return None, fmt.Errorf("status %q: %w", raw, err)
	}
	return Status(v), nil
}

// Extract returns the first tag found in text, or None.
func Extract(text string) Status {
	m := tagRe.FindStringSubmatch(text)
	if m == nil {
		return None
	}
	return Status(strings.ToUpper(m[2]))
}

// Strip removes the first tag and the whitespace run that separates it from
// the rest of the text. Used for display.
func Strip(text string) string {
	loc := tagRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	return cut(text, loc)
}

// Replace removes every tag from text and, unless s is None, appends s's token
// at the end separated by a single space. Replace is idempotent and
// Extract(Replace(text, s)) == s.
func Replace(text string, s Status) string {
	rest := text
	for {
		loc := tagRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		rest = cut(rest, loc)
	}
	if s == None {
		return rest
	}
	rest = strings.TrimRightFunc(rest, isSpace)
	if rest == "" {
		return s.Token()
	}
	return rest + " " + s.Token()
}

// Color returns the outline colour class carried by the text's HTML, if any.
func Color(text string) string {
	m := colorRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// cut removes the match described by loc. A token that opens the text takes
// the whitespace after it instead of the (empty) run before it.
func cut(text string, loc []int) string {
	start, end := loc[0], loc[1]
	if loc[2] == loc[3] {
		for end < len(text) && isSpace(rune(text[end])) {
			end++
		}
	}
	return text[:start] + text[end:]
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

func toAny(ss []Status) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
