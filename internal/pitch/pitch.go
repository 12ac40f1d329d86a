// Package pitch drafts the short story proposals staged on the board for
// human approval.
package pitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joescharf/pitchdesk/internal/generate"
	"github.com/joescharf/pitchdesk/internal/llm"
	"github.com/joescharf/pitchdesk/internal/models"
)

// Drafted values for models.Pitch.Drafted.
const (
	DraftedLLM      = "llm"
	DraftedTemplate = "template"
)

const maxSummaryLen = 400

// LLM drafts pitch text from extracted content.
type LLM interface {
	DraftPitch(ctx context.Context, item models.Extracted) (*llm.PitchDraft, error)
}

// Drafter builds pitches, preferring the LLM and falling back to a
// deterministic template when it is not configured or fails.
type Drafter struct {
	llm LLM
	log *slog.Logger
	now func() time.Time
}

// NewDrafter creates a drafter. client may be nil.
func NewDrafter(client LLM, logger *slog.Logger) *Drafter {
	return &Drafter{llm: client, log: logger.With("component", "pitch"), now: time.Now}
}

// Draft proposes a pitch for item. It only fails when the item has no text.
func (d *Drafter) Draft(ctx context.Context, item models.Extracted) (*models.Pitch, error) {
	if strings.TrimSpace(item.Text) == "" {
		return nil, fmt.Errorf("draft pitch for %q: no source text", item.Title)
	}

	var draft *llm.PitchDraft
	drafted := DraftedTemplate
	if d.llm != nil {
		var err error
		draft, err = d.llm.DraftPitch(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.log.WarnContext(ctx, "llm pitch failed, using template",
				slog.String("title", item.Title),
				slog.String("error", err.Error()),
			)
			draft = nil
		} else {
			drafted = DraftedLLM
		}
	}
	if draft == nil {
		draft = templateDraft(item)
	}

	p := &models.Pitch{
		Title:    strings.TrimSpace(draft.Title),
		Summary:  strings.TrimSpace(draft.Summary),
		Angle:    strings.TrimSpace(draft.Angle),
		Profile:  ProfileFor(item),
		Context:  GenerationContext(item),
		Source:   item,
		Drafted:  drafted,
		StagedAt: d.now().UTC(),
	}
	p.Prompt = BuildPrompt(p)
	return p, nil
}

// ProfileFor picks the generation endpoint profile for an item.
func ProfileFor(item models.Extracted) string {
	switch item.Kind {
	case models.SourceKindPressRelease:
		return "press_release"
	case models.SourceKindAnalystNote:
		if item.Ticker != "" {
			return "analyst_note"
		}
	case models.SourceKindEmail:
		if item.Firm != "" && item.Ticker != "" {
			return "analyst_note"
		}
	}
	return "news"
}

// GenerationContext returns the values the generation request builder maps
// onto profile fields.
func GenerationContext(item models.Extracted) map[string]string {
	ctx := map[string]string{
		generate.CtxSourceText: item.Text,
		generate.CtxTitle:      item.Title,
	}
	if item.Ticker != "" {
		ctx[generate.CtxTicker] = item.Ticker
	}
	if item.URL != "" {
		ctx[generate.CtxSourceURL] = item.URL
	}
	return ctx
}

// BuildPrompt writes the generation instruction for an approved pitch.
func BuildPrompt(p *models.Pitch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a news article titled %q.\n", p.Title)
	if p.Angle != "" {
		fmt.Fprintf(&sb, "Angle: %s\n", p.Angle)
	}
	if p.Summary != "" {
		fmt.Fprintf(&sb, "Key points: %s\n", p.Summary)
	}
	if p.Source.Ticker != "" {
		fmt.Fprintf(&sb, "Ticker: %s\n", p.Source.Ticker)
	}
	if p.Source.Firm != "" {
		fmt.Fprintf(&sb, "Attribute research to %s.\n", p.Source.Firm)
	}
	sb.WriteString("Use only facts from the source material. Do not invent figures or quotes.")
	return sb.String()
}

// Narrative renders the human-readable pitch shown on the card.
func Narrative(p *models.Pitch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n\n", p.Title)
	if p.Summary != "" {
		sb.WriteString(p.Summary + "\n\n")
	}
	if p.Angle != "" {
		fmt.Fprintf(&sb, "*Angle:* %s\n\n", p.Angle)
	}
	var meta []string
	if p.Source.Ticker != "" {
		meta = append(meta, "Ticker: "+p.Source.Ticker)
	}
	if p.Source.Firm != "" {
		meta = append(meta, "Firm: "+p.Source.Firm)
	}
	if p.Source.Date != nil {
		meta = append(meta, "Date: "+p.Source.Date.Format("2006-01-02"))
	}
	meta = append(meta, "Profile: "+p.Profile)
	sb.WriteString(strings.Join(meta, " · "))
	if p.Source.URL != "" {
		fmt.Fprintf(&sb, "\n\nSource: %s", p.Source.URL)
	}
	return sb.String()
}

func templateDraft(item models.Extracted) *llm.PitchDraft {
	title := item.Title
	if title == "" {
		title = firstSentence(item.Text)
	}
	if item.Ticker != "" && !strings.Contains(title, item.Ticker) {
		title = item.Ticker + ": " + title
	}

	var angle string
	switch item.Kind {
	case models.SourceKindPressRelease:
		angle = "Report the announcement and what it means for shareholders."
	case models.SourceKindAnalystNote, models.SourceKindEmail:
		angle = "Explain the analyst's call and the reasoning behind it."
		if item.Firm != "" {
			angle = "Explain " + item.Firm + "'s call and the reasoning behind it."
		}
	default:
		angle = "Summarize the development and its market impact."
	}

	return &llm.PitchDraft{
		Title:   title,
		Summary: summarize(item.Text, 2, maxSummaryLen),
		Angle:   angle,
	}
}

// summarize returns the first n sentences of text, capped at limit runes.
func summarize(text string, n, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	var out []string
	rest := text
	for len(out) < n && rest != "" {
		s := firstSentence(rest)
		out = append(out, s)
		rest = strings.TrimSpace(strings.TrimPrefix(rest, s))
	}
	summary := strings.Join(out, " ")
	if utf8.RuneCountInString(summary) > limit {
		r := []rune(summary)
		summary = strings.TrimSpace(string(r[:limit-1])) + "…"
	}
	return summary
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' {
				return text[:i+1]
			}
		case '\n':
			return strings.TrimSpace(text[:i])
		}
	}
	return text
}
