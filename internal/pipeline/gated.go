package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/generate"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/review"
)

// State keys used by the gated pipeline.
const (
	KeyCardID  = "card_id"
	KeyRequest = "request"
	KeyCase    = "case"
	KeyResult  = "result"
)

var (
	// ErrAlreadyApproved is returned when generation is requested for a
	// card whose article was already approved.
	ErrAlreadyApproved = errors.New("case already approved")

	// ErrNotStaged is returned when a card carries neither a pitch nor a
	// review case.
	ErrNotStaged = errors.New("card holds no pitch or review case")
)

// GenerationRequest is everything needed to generate a first draft.
type GenerationRequest struct {
	Title   string
	Prompt  string
	Profile string
	Source  string
	Context map[string]string
}

// Gated is the human-gated pipeline: a click on a pitch card generates the
// article, then the review loop drives it to approval or escalation.
type Gated struct {
	board  board.Board
	gen    generate.Generator
	engine *review.Engine
	cfg    review.Config
	log    *slog.Logger
	graph  *Graph
}

// NewGated builds the gated pipeline around a review engine.
func NewGated(b board.Board, gen generate.Generator, engine *review.Engine, logger *slog.Logger) *Gated {
	g := &Gated{
		board:  b,
		gen:    gen,
		engine: engine,
		cfg:    engine.Config(),
		log:    logger.With("component", "gated"),
	}
	g.graph = NewGraph("gated", logger).
		AddNode("load", g.load).
		AddNode("generate", g.generate).
		AddNode("review", g.review).
		AddRouter("load", routeLoaded).
		AddEdge("generate", "review").
		AddEdge("review", End)
	return g
}

// Generate runs the full pipeline for a card: generate the article when the
// card holds a pitch or an escalated case, then review it. A card whose
// case is still under review resumes at review.
func (g *Gated) Generate(ctx context.Context, cardID string) (*review.Result, error) {
	out, err := g.graph.Run(ctx, State{KeyCardID: cardID})
	if err != nil {
		return nil, err
	}
	res, _ := Value[*review.Result](out, KeyResult)
	return res, nil
}

// Review resumes the review loop for a card that already holds a case.
func (g *Gated) Review(ctx context.Context, cardID string) (*review.Result, error) {
	return g.engine.Run(ctx, cardID)
}

// Check reports whether a card can be generated, without side effects.
func (g *Gated) Check(ctx context.Context, cardID string) error {
	_, err := g.load(ctx, State{KeyCardID: cardID})
	return err
}

func routeLoaded(s State) string {
	if _, ok := Value[*models.ReviewCase](s, KeyCase); ok {
		return "review"
	}
	return "generate"
}

// load reads the card's envelope and decides where the run starts.
func (g *Gated) load(ctx context.Context, s State) (State, error) {
	cardID, _ := Value[string](s, KeyCardID)
	card, err := g.board.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	env, err := board.ExtractEnvelope(card.Body)
	if err != nil {
		if errors.Is(err, board.ErrNoEnvelope) {
			return nil, fmt.Errorf("card %s: %w", cardID, ErrNotStaged)
		}
		return nil, fmt.Errorf("card %s: %w", cardID, err)
	}

	switch env.Kind {
	case board.KindPitch:
		var p models.Pitch
		if err := env.Unmarshal(board.KindPitch, &p); err != nil {
			return nil, err
		}
		return State{KeyRequest: requestFromPitch(&p, card.Title)}, nil

	case board.KindCase:
		c, err := g.engine.LoadCase(ctx, cardID)
		if err != nil {
			return nil, err
		}
		switch c.Status {
		case models.CaseStatusApproved:
			return nil, fmt.Errorf("card %s: %w", cardID, ErrAlreadyApproved)
		case models.CaseStatusEscalated:
			return State{KeyRequest: requestFromCase(c)}, nil
		default:
			return State{KeyCase: c}, nil
		}
	}
	return nil, fmt.Errorf("card %s holds a %q: %w", cardID, env.Kind, ErrNotStaged)
}

func requestFromPitch(p *models.Pitch, cardTitle string) GenerationRequest {
	title := p.Title
	if title == "" {
		title = cardTitle
	}
	genCtx := make(map[string]string, len(p.Context)+1)
	for k, v := range p.Context {
		genCtx[k] = v
	}
	if _, ok := genCtx[generate.CtxSourceText]; !ok && p.Source.Text != "" {
		genCtx[generate.CtxSourceText] = p.Source.Text
	}
	return GenerationRequest{
		Title:   title,
		Prompt:  p.Prompt,
		Profile: p.Profile,
		Source:  p.Source.Text,
		Context: genCtx,
	}
}

// requestFromCase regenerates an escalated case from its original inputs.
func requestFromCase(c *models.ReviewCase) GenerationRequest {
	return GenerationRequest{
		Title:   c.Title,
		Prompt:  c.OriginalPrompt,
		Profile: c.Profile,
		Source:  c.SourceMaterial,
		Context: c.GenerationContext,
	}
}

func (g *Gated) generate(ctx context.Context, s State) (State, error) {
	cardID, _ := Value[string](s, KeyCardID)
	req, ok := Value[GenerationRequest](s, KeyRequest)
	if !ok {
		return nil, errors.New("no generation request in state")
	}
	log := g.log.With(slog.String("card", cardID), slog.String("profile", req.Profile))

	if err := g.board.MoveCard(ctx, cardID, g.cfg.Lanes.InProgress); err != nil {
		return nil, &board.WriteError{Op: "move", CardID: cardID, Err: err}
	}
	if err := g.clearCard(ctx, cardID); err != nil {
		log.WarnContext(ctx, "stale sections not cleared", slog.String("error", err.Error()))
	}

	article, err := g.gen.Generate(ctx, req.Prompt, req.Profile, req.Context)
	if err == nil && strings.TrimSpace(article) == "" {
		err = errors.New("generation returned an empty article")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.ErrorContext(ctx, "generation failed", slog.String("error", err.Error()))
		g.recordFailure(ctx, cardID, err)
		return nil, fmt.Errorf("generate article for card %s: %w", cardID, err)
	}

	c := models.NewReviewCase(cardID, req.Title, article, req.Source, req.Prompt, req.Profile, req.Context)
	if err := g.engine.SaveArticle(ctx, c); err != nil {
		log.WarnContext(ctx, "article not stored", slog.String("error", err.Error()))
	}
	if err := g.engine.Persist(ctx, c); err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "article generated", slog.Int("chars", len(article)))
	return State{KeyCase: c}, nil
}

func (g *Gated) review(ctx context.Context, s State) (State, error) {
	c, ok := Value[*models.ReviewCase](s, KeyCase)
	if !ok {
		return nil, errors.New("no review case in state")
	}
	res, err := g.engine.RunCase(ctx, c)
	if err != nil {
		return nil, err
	}
	return State{KeyResult: res}, nil
}

// clearCard removes the links and terminal write-ups of a previous run.
func (g *Gated) clearCard(ctx context.Context, cardID string) error {
	card, err := g.board.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	body := board.StripSections(card.Body,
		board.SectionActions, board.SectionFailure, board.SectionApproved, board.SectionEscalated)
	if body == strings.TrimSpace(card.Body) {
		return nil
	}
	return g.board.UpdateCardBody(ctx, cardID, body)
}

// recordFailure writes the generation error and a retry link to the card.
func (g *Gated) recordFailure(ctx context.Context, cardID string, cause error) {
	text := fmt.Sprintf("Generation failed: %s\n\n- [Retry generation](%s)",
		board.TruncateRunes(cause.Error(), 500), g.cfg.Links.GenerateURL(cardID))

	card, err := g.board.GetCard(ctx, cardID)
	if err == nil {
		line, _ := board.EnvelopeLine(card.Body)
		narrative := board.StripSections(board.StripEnvelope(card.Body), board.SectionFailure)
		body := board.Fit(g.cfg.MaxBody,
			board.Part{Text: narrative, Rank: board.RankNarrative},
			board.Part{Section: board.SectionFailure, Text: text, Rank: board.RankFixed},
			board.Part{Text: line, Rank: board.RankFixed},
		)
		err = g.board.UpdateCardBody(ctx, cardID, body)
	}
	if err != nil {
		g.log.WarnContext(ctx, "failure section not written, adding comment",
			slog.String("card", cardID), slog.String("error", err.Error()))
		if cerr := g.board.AddComment(ctx, cardID, text); cerr != nil {
			g.log.ErrorContext(ctx, "failure comment failed", slog.String("card", cardID), slog.String("error", cerr.Error()))
		}
	}
}

// Permanent reports whether retrying err cannot help.
func Permanent(err error) bool {
	var cfgErr *models.ConfigError
	return errors.As(err, &cfgErr) ||
		errors.Is(err, ErrAlreadyApproved) ||
		errors.Is(err, ErrNotStaged) ||
		errors.Is(err, review.ErrNotACase) ||
		errors.Is(err, board.ErrNotFound)
}
