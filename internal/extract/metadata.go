package extract

import (
	"regexp"
	"strings"
	"time"
)

var (
	exchangeTicker = regexp.MustCompile(`\((?:NASDAQ|Nasdaq|NYSE|NYSE American|AMEX|TSX|TSXV|LSE|OTCQX|OTCQB|OTC)\s*:\s*([A-Z][A-Z.]{0,5})\)`)
	cashtag        = regexp.MustCompile(`(?:^|[\s(])\$([A-Z]{1,5})\b`)
	firmLine       = regexp.MustCompile(`(?mi)^\s*(?:firm|broker|research by)\s*:\s*(.+?)\s*$`)
	isoDate        = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	longDate       = regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.? \d{1,2}, \d{4}\b`)
	slashDate      = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
)

// knownFirms maps lowercase name fragments and sender domains to display
// names.
var knownFirms = map[string]string{
	"goldman sachs":   "Goldman Sachs",
	"gs.com":          "Goldman Sachs",
	"morgan stanley":  "Morgan Stanley",
	"morganstanley":   "Morgan Stanley",
	"jpmorgan":        "J.P. Morgan",
	"j.p. morgan":     "J.P. Morgan",
	"jpmchase":        "J.P. Morgan",
	"bank of america": "BofA Securities",
	"bofa":            "BofA Securities",
	"citi":            "Citi",
	"barclays":        "Barclays",
	"ubs":             "UBS",
	"jefferies":       "Jefferies",
	"wells fargo":     "Wells Fargo",
	"deutsche bank":   "Deutsche Bank",
	"raymond james":   "Raymond James",
	"piper sandler":   "Piper Sandler",
	"evercore":        "Evercore ISI",
	"bernstein":       "Bernstein",
}

// Ticker returns the first stock symbol found in text. Exchange-qualified
// symbols such as "(NASDAQ: ACME)" win over cashtags.
func Ticker(text string) string {
	if m := exchangeTicker.FindStringSubmatch(text); m != nil {
		return strings.TrimRight(m[1], ".")
	}
	if m := cashtag.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// Firm names the research firm or sender behind a piece of content. An
// explicit "Firm:" line wins, then a known firm named in the sender hint or
// the text.
func Firm(text, senderHint string) string {
	if m := firmLine.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	hint := strings.ToLower(senderHint)
	if _, domain, ok := strings.Cut(hint, "@"); ok {
		hint = domain
	}
	for _, haystack := range []string{hint, strings.ToLower(text)} {
		if haystack == "" {
			continue
		}
		if name := matchFirm(haystack); name != "" {
			return name
		}
	}
	return ""
}

func matchFirm(haystack string) string {
	best, bestAt := "", -1
	for key, name := range knownFirms {
		i := indexWord(haystack, key)
		if i < 0 {
			continue
		}
		if bestAt < 0 || i < bestAt || (i == bestAt && len(name) > len(best)) {
			best, bestAt = name, i
		}
	}
	return best
}

// indexWord finds key in s at a word boundary.
func indexWord(s, key string) int {
	from := 0
	for {
		i := strings.Index(s[from:], key)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(key)
		if (i == 0 || !isWordByte(s[i-1])) && (end == len(s) || !isWordByte(s[end])) {
			return i
		}
		from = i + 1
	}
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

var longLayouts = []string{"January 2, 2006", "Jan 2, 2006", "Jan. 2, 2006"}

// Date returns the first recognizable calendar date in text.
func Date(text string) *time.Time {
	type candidate struct {
		at int
		t  time.Time
	}
	var found []candidate

	if loc := isoDate.FindStringIndex(text); loc != nil {
		if t, err := time.Parse("2006-01-02", text[loc[0]:loc[1]]); err == nil {
			found = append(found, candidate{loc[0], t})
		}
	}
	if loc := longDate.FindStringIndex(text); loc != nil {
		s := strings.Replace(text[loc[0]:loc[1]], "Sept", "Sep", 1)
		for _, layout := range longLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				found = append(found, candidate{loc[0], t})
				break
			}
		}
	}
	if loc := slashDate.FindStringIndex(text); loc != nil {
		if t, err := time.Parse("1/2/2006", text[loc[0]:loc[1]]); err == nil {
			found = append(found, candidate{loc[0], t})
		}
	}

	if len(found) == 0 {
		return nil
	}
	first := found[0]
	for _, c := range found[1:] {
		if c.at < first.at {
			first = c
		}
	}
	return &first.t
}
