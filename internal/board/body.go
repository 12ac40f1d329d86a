package board

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Well-known card body section names.
const (
	SectionPitch     = "pitch"
	SectionApproved  = "approved"
	SectionEscalated = "escalated"
	SectionActions   = "actions"
	SectionFailure   = "failure"
)

// TruncationNotice is appended to any part shortened to fit the ceiling.
const TruncationNotice = "\n…[truncated]"

// Part ranks: lower ranks are truncated first. RankFixed parts are only cut
// when nothing else is left to shorten.
const (
	RankNarrative = 0
	RankDetail    = 10
	RankFixed     = 100
)

const separator = "\n\n"

func beginMarker(name string) string { return "<!-- pitchdesk:begin:" + name + " -->" }
func endMarker(name string) string   { return "<!-- pitchdesk:end:" + name + " -->" }

// Section wraps content in begin/end markers for the named section.
func Section(name, content string) string {
	return beginMarker(name) + "\n" + strings.TrimSpace(content) + "\n" + endMarker(name)
}

// CountSections returns how many times the named section appears in body.
func CountSections(body, name string) int {
	return strings.Count(body, beginMarker(name))
}

// SectionContent returns the content of the first named section.
func SectionContent(body, name string) (string, bool) {
	begin, end := beginMarker(name), endMarker(name)
	i := strings.Index(body, begin)
	if i < 0 {
		return "", false
	}
	rest := body[i+len(begin):]
	j := strings.Index(rest, end)
	if j < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:j]), true
}

// StripSections removes every occurrence of the named sections. A begin
// marker with no matching end marker is removed on its own so that content
// edited by a human is never dropped.
func StripSections(body string, names ...string) string {
	for _, name := range names {
		begin, end := beginMarker(name), endMarker(name)
		for {
			i := strings.Index(body, begin)
			if i < 0 {
				break
			}
			j := strings.Index(body[i:], end)
			if j < 0 {
				body = body[:i] + body[i+len(begin):]
				continue
			}
			body = body[:i] + body[i+j+len(end):]
		}
	}
	return collapseBlankLines(body)
}

// UpsertSection replaces the named section, appending it if absent.
func UpsertSection(body, name, content string) string {
	body = StripSections(body, name)
	return joinNonEmpty(body, Section(name, content))
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, separator)
}

// Part is one block of a card body assembled by Fit.
type Part struct {
	Section string // wrap in section markers when non-empty
	Text    string
	Rank    int
}

func (p Part) render(text string) string {
	if p.Section == "" {
		return strings.TrimSpace(text)
	}
	return Section(p.Section, text)
}

// Len returns a string's length in characters, the unit of the ceiling.
func Len(s string) int { return utf8.RuneCountInString(s) }

// TruncateRunes cuts s to at most n characters.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if Len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Fit assembles parts into a body of at most ceiling characters. Parts are
// emitted in the given order; when the total is too long the lowest-ranked
// parts are shortened first, so RankFixed parts (actions, state) stay intact
// unless they alone exceed the ceiling.
func Fit(ceiling int, parts ...Part) string {
	texts := make([]string, len(parts))
	dropped := make([]bool, len(parts))
	for i, p := range parts {
		texts[i] = strings.TrimSpace(p.Text)
	}

	assemble := func() string {
		var rendered []string
		for i, p := range parts {
			if dropped[i] || (texts[i] == "" && p.Section == "") {
				continue
			}
			rendered = append(rendered, p.render(texts[i]))
		}
		return strings.Join(rendered, separator)
	}

	body := assemble()
	if ceiling <= 0 || Len(body) <= ceiling {
		return body
	}

	order := make([]int, 0, len(parts))
	for i, p := range parts {
		if p.Rank < RankFixed {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return parts[order[a]].Rank < parts[order[b]].Rank
	})

	noticeLen := Len(TruncationNotice)
	for _, i := range order {
		over := Len(body) - ceiling
		if over <= 0 {
			break
		}
		cur := Len(texts[i])
		if cur == 0 {
			continue
		}
		keep := cur - over - noticeLen
		if keep <= 0 {
			texts[i] = strings.TrimSpace(TruncationNotice)
		} else {
			texts[i] = TruncateRunes(texts[i], keep) + TruncationNotice
		}
		body = assemble()
	}

	// Section wrappers still count; drop whole parts before cutting fixed ones.
	for _, i := range order {
		if Len(body) <= ceiling {
			break
		}
		dropped[i] = true
		body = assemble()
	}

	if Len(body) > ceiling {
		body = TruncateRunes(body, ceiling)
	}
	return body
}
