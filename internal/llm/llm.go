package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/pitchdesk/internal/models"
)

// ErrJudgmentParse is returned alongside a fail-closed judgment when the
// model's reply could not be parsed.
var ErrJudgmentParse = errors.New("unparseable judgment")

// Client wraps the Anthropic API for editorial judgment and pitch drafting.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, opts ...option.RequestOption) *Client {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// complete sends a single-turn request and returns the reply text with any
// markdown fencing removed.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return stripFence(text), nil
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		} else {
			text = strings.TrimPrefix(text, "```")
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// JudgeRequest carries everything the reviewer sees for one judgment.
type JudgeRequest struct {
	SourceText    string
	Prompt        string
	Draft         string
	PriorFeedback []string
}

func buildJudgePrompt(req JudgeRequest) (system string, user string) {
	system = `You are a financial news editor reviewing a generated article against its source material. Return ONLY a JSON object with these fields:
- "approved": true if the article is accurate, on-angle and publishable as-is, otherwise false
- "notes": a short summary of the checks you performed and what you found
- "feedback": concrete instructions for the writer to fix the article (empty string when approved)
- "issues": an array of short, discrete problem descriptions (empty array when approved)

Rules:
- Every figure, name, date and quote in the article must be supported by the source material
- The article must follow the angle and constraints in the original instructions
- If earlier feedback is listed, check that it was addressed; repeat any point that was not
- When in doubt, do not approve
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Original instructions:\n")
	sb.WriteString(req.Prompt)
	sb.WriteString("\n\nSource material:\n")
	sb.WriteString(req.SourceText)
	sb.WriteString("\n\nArticle draft:\n")
	sb.WriteString(req.Draft)
	sb.WriteString("\n")

	var prior []string
	for _, f := range req.PriorFeedback {
		if strings.TrimSpace(f) != "" {
			prior = append(prior, f)
		}
	}
	if len(prior) > 0 {
		sb.WriteString("\nEarlier feedback to the writer:\n")
		for i, f := range prior {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, f)
		}
	}
	user = sb.String()
	return
}

type judgmentReply struct {
	Approved *bool    `json:"approved"`
	Notes    string   `json:"notes"`
	Feedback string   `json:"feedback"`
	Issues   []string `json:"issues"`
}

// parseJudgment decodes a model reply. A reply without an explicit
// "approved" field is treated as malformed.
func parseJudgment(text string) (models.Judgment, error) {
	var r judgmentReply
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return models.Judgment{}, fmt.Errorf("%w: %v", ErrJudgmentParse, err)
	}
	if r.Approved == nil {
		return models.Judgment{}, fmt.Errorf("%w: missing \"approved\" field", ErrJudgmentParse)
	}
	return models.Judgment{
		Approved: *r.Approved,
		Notes:    r.Notes,
		Feedback: r.Feedback,
		Issues:   r.Issues,
	}, nil
}

// Judge asks the model for a verdict on a draft. It never fails open: on any
// error the returned judgment is models.SystemErrorJudgment.
func (c *Client) Judge(ctx context.Context, req JudgeRequest) (models.Judgment, error) {
	systemPrompt, userPrompt := buildJudgePrompt(req)

	text, err := c.complete(ctx, systemPrompt, userPrompt, 2048)
	if err != nil {
		return models.SystemErrorJudgment("The reviewer could not be reached."), err
	}

	j, err := parseJudgment(text)
	if err != nil {
		return models.SystemErrorJudgment("The reviewer returned an unreadable verdict."), err
	}
	return j, nil
}

// PitchDraft is the model's proposal for a staged pitch.
type PitchDraft struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Angle   string `json:"angle"`
}

func buildPitchPrompt(item models.Extracted) (system string, user string) {
	system = `You draft short story pitches for a financial newsroom. Given extracted source material, return ONLY a JSON object with these fields:
- "title": a headline of at most 12 words
- "summary": 2-3 sentences on what happened, using only facts from the source
- "angle": one sentence describing the story angle a writer should take

Rules:
- Do not invent figures or quotes
- Mention the ticker and firm when known
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Source type: %s\n", item.Kind)
	if item.Title != "" {
		fmt.Fprintf(&sb, "Source title: %s\n", item.Title)
	}
	if item.Ticker != "" {
		fmt.Fprintf(&sb, "Ticker: %s\n", item.Ticker)
	}
	if item.Firm != "" {
		fmt.Fprintf(&sb, "Firm: %s\n", item.Firm)
	}
	if item.Date != nil {
		fmt.Fprintf(&sb, "Date: %s\n", item.Date.Format("2006-01-02"))
	}
	sb.WriteString("\nSource text:\n")
	sb.WriteString(item.Text)
	user = sb.String()
	return
}

// DraftPitch asks the model to propose a pitch for extracted content.
func (c *Client) DraftPitch(ctx context.Context, item models.Extracted) (*PitchDraft, error) {
	systemPrompt, userPrompt := buildPitchPrompt(item)

	text, err := c.complete(ctx, systemPrompt, userPrompt, 1024)
	if err != nil {
		return nil, err
	}

	var draft PitchDraft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if strings.TrimSpace(draft.Title) == "" {
		return nil, fmt.Errorf("LLM pitch has no title")
	}
	return &draft, nil
}
