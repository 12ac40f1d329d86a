package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/models"
)

// Write-up limits for escalation records.
const (
	MaxIssuesShown   = 5
	MaxFeedbackShown = 3
	MaxNotesLen      = 1200
	MaxItemLen       = 400
)

const (
	revisionBegin = "=== REVISION REQUEST ==="
	revisionEnd   = "=== END REVISION REQUEST ==="
)

// RevisionPrompt appends a delimited revision request to the original
// prompt. The original prompt is never modified, so each revision carries
// only the latest feedback.
func RevisionPrompt(original, feedback string, issues []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(original))
	b.WriteString("\n\n")
	b.WriteString(revisionBegin)
	b.WriteString("\nAn editor reviewed the previous draft and did not approve it. ")
	b.WriteString("Rewrite the article from the source material, keeping the original instructions above, and address the following:\n\n")

	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		feedback = "No specific feedback was given. Check every fact against the source material."
	}
	b.WriteString(feedback)
	b.WriteString("\n")

	if len(issues) > 0 {
		b.WriteString("\nIssues raised:\n")
		for _, issue := range issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	b.WriteString(revisionEnd)
	return b.String()
}

func capText(s string, n int) string {
	s = strings.TrimSpace(s)
	if board.Len(s) <= n {
		return s
	}
	return strings.TrimSpace(board.TruncateRunes(s, n-1)) + "…"
}

// ApprovedNotes renders the approved section: title, checks performed,
// revision history and the final article.
func ApprovedNotes(c *models.ReviewCase, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Approved** %s\n\n", at.UTC().Format("2006-01-02 15:04 MST"))
	if c.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", c.Title)
	}
	fmt.Fprintf(&b, "Review attempts: %d\n", c.RevisionCount+1)
	if notes := strings.TrimSpace(c.ReviewNotes); notes != "" {
		fmt.Fprintf(&b, "Checks: %s\n", capText(notes, MaxNotesLen))
	}

	if len(c.AllRevisionFeedback) > 0 {
		b.WriteString("\nRevision history:\n")
		for i, f := range c.AllRevisionFeedback {
			fmt.Fprintf(&b, "%d. %s\n", i+1, feedbackLine(f))
		}
	}

	b.WriteString("\n---\n\n")
	b.WriteString(strings.TrimSpace(c.ArticleContent))
	return b.String()
}

func feedbackLine(f string) string {
	if strings.TrimSpace(f) == "" {
		return "(no feedback given)"
	}
	return capText(strings.ReplaceAll(f, "\n", " "), MaxItemLen)
}

// EscalationNotes renders the structured escalation record. Issues and
// feedback are capped with an overflow count.
func EscalationNotes(c *models.ReviewCase, maxAttempts int, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Needs human review** %s\n\n", at.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Reason: %s\n", capText(c.EscalationReason, MaxItemLen))
	fmt.Fprintf(&b, "Revision attempts: %d of %d\n", c.RevisionCount+1, maxAttempts)

	if notes := strings.TrimSpace(c.ReviewNotes); notes != "" {
		fmt.Fprintf(&b, "\nReview notes: %s\n", capText(notes, MaxNotesLen))
	}

	if len(c.ReviewIssues) > 0 {
		b.WriteString("\nIssues:\n")
		shown := c.ReviewIssues
		if len(shown) > MaxIssuesShown {
			shown = shown[:MaxIssuesShown]
		}
		for _, issue := range shown {
			fmt.Fprintf(&b, "- %s\n", capText(strings.ReplaceAll(issue, "\n", " "), MaxItemLen))
		}
		if extra := len(c.ReviewIssues) - len(shown); extra > 0 {
			fmt.Fprintf(&b, "- …and %d more\n", extra)
		}
	}

	if len(c.AllRevisionFeedback) > 0 {
		b.WriteString("\nRevision feedback:\n")
		all := c.AllRevisionFeedback
		start := 0
		if len(all) > MaxFeedbackShown {
			start = len(all) - MaxFeedbackShown
		}
		for i := start; i < len(all); i++ {
			fmt.Fprintf(&b, "%d. %s\n", i+1, feedbackLine(all[i]))
		}
		if start > 0 {
			fmt.Fprintf(&b, "(%d earlier entries not shown)\n", start)
		}
	}
	return b.String()
}

// approvedActions lists the links written on an approved card.
func approvedActions(links board.Links, c *models.ReviewCase) string {
	var lines []string
	if c.ArticleID != "" {
		lines = append(lines, fmt.Sprintf("- [Open article](%s)", links.ArticleURL(c.ArticleID)))
	}
	lines = append(lines, fmt.Sprintf("- [View review case](%s)", links.CaseURL(c.CaseID)))
	return strings.Join(lines, "\n")
}

// escalatedActions lists the recovery links written on an escalated card.
func escalatedActions(links board.Links, c *models.ReviewCase) string {
	var lines []string
	if c.ArticleID != "" {
		lines = append(lines, fmt.Sprintf("- [Open latest draft](%s)", links.ArticleURL(c.ArticleID)))
	}
	lines = append(lines,
		fmt.Sprintf("- [Regenerate from scratch](%s)", links.GenerateURL(c.CaseID)),
		fmt.Sprintf("- [View review case](%s)", links.CaseURL(c.CaseID)),
	)
	return strings.Join(lines, "\n")
}

// composeBody rebuilds a card body from its current content. The named
// sections and any old envelope are removed; detail, actions and the
// envelope are appended and the result is fitted to ceiling.
func composeBody(ceiling int, existing string, strip []string, detail *board.Part, actions, envelope string) string {
	narrative := board.StripSections(board.StripEnvelope(existing), strip...)

	parts := []board.Part{{Text: narrative, Rank: board.RankNarrative}}
	if detail != nil {
		parts = append(parts, *detail)
	}
	if strings.TrimSpace(actions) != "" {
		parts = append(parts, board.Part{Section: board.SectionActions, Text: actions, Rank: board.RankFixed})
	}
	parts = append(parts, board.Part{Text: envelope, Rank: board.RankFixed})
	return board.Fit(ceiling, parts...)
}
