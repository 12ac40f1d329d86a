// Package review drives generated articles through editorial review: judge,
// revise, and finally approve or escalate to a human. The board card is the
// only durable copy of a case; every step is written back to it.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/generate"
	"github.com/joescharf/pitchdesk/internal/llm"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/render"
)

// ErrNotACase is returned when a card holds no review case yet.
var ErrNotACase = errors.New("card holds no review case")

// Judge produces a verdict on a draft.
type Judge interface {
	Judge(ctx context.Context, req llm.JudgeRequest) (models.Judgment, error)
}

// ArticleStore keeps every generated draft by ID.
type ArticleStore interface {
	PutArticle(ctx context.Context, a *models.Article) error
	GetArticle(ctx context.Context, id string) (*models.Article, error)
}

// Decision is the outcome of one judgment.
type Decision struct {
	Status     models.CaseStatus
	Judgment   models.Judgment
	Transition *Transition
}

// Outcome reports the board writes of a terminal step. Each write is
// attempted independently; a failed write never undoes the decision.
type Outcome struct {
	Status    models.CaseStatus
	MoveErr   error
	BodyErr   error
	AttachErr error
}

// Err joins every failed write, or returns nil.
func (o *Outcome) Err() error {
	if o == nil {
		return nil
	}
	return errors.Join(o.MoveErr, o.BodyErr, o.AttachErr)
}

// Result is the final state of a review run.
type Result struct {
	Case    *models.ReviewCase
	Outcome *Outcome
}

// Engine runs review cases against the board.
type Engine struct {
	board    board.Board
	judge    Judge
	gen      generate.Generator
	articles ArticleStore
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	locks    caseLocks
}

// NewEngine creates a review engine. articles may be nil.
func NewEngine(b board.Board, judge Judge, gen generate.Generator, articles ArticleStore, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = board.DefaultMaxBody
	}
	if cfg.Lanes == (board.Lanes{}) {
		cfg.Lanes = board.DefaultLanes()
	}
	return &Engine{
		board:    b,
		judge:    judge,
		gen:      gen,
		articles: articles,
		cfg:      cfg,
		log:      logger.With("component", "review"),
		now:      time.Now,
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) env(c *models.ReviewCase) *Environment {
	return &Environment{Case: c, MaxAttempts: e.cfg.MaxAttempts, Now: e.now}
}

// Review judges the current draft and applies the decision to the case.
// Any failure to obtain a judgment is treated as a non-approval.
func (e *Engine) Review(ctx context.Context, c *models.ReviewCase) (*Decision, error) {
	state, err := StateFor(c.Status)
	if err != nil {
		return nil, err
	}
	if _, ok := state.(*StatePending); !ok {
		return nil, fmt.Errorf("case %s is %s, not awaiting review", c.CaseID, state)
	}

	j, err := e.judge.Judge(ctx, llm.JudgeRequest{
		SourceText:    c.SourceMaterial,
		Prompt:        c.OriginalPrompt,
		Draft:         c.ArticleContent,
		PriorFeedback: c.AllRevisionFeedback,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.WarnContext(ctx, "judgment failed, treating as not approved",
			slog.String("case", c.CaseID),
			slog.Int("revision", c.RevisionCount),
			slog.String("error", err.Error()),
		)
		j = models.SystemErrorJudgment(capText(err.Error(), 200))
	}

	tr, err := state.ProcessEvent(ctx, JudgedEvent{Judgment: j}, e.env(c))
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "case judged",
		slog.String("case", c.CaseID),
		slog.Int("revision", c.RevisionCount),
		slog.Bool("approved", j.Approved),
		slog.String("status", string(c.Status)),
	)
	return &Decision{Status: c.Status, Judgment: j, Transition: tr}, nil
}

// Regenerate asks the generator for a revised draft using the original
// prompt plus the latest feedback. A generator failure escalates the case
// immediately without using up a revision.
func (e *Engine) Regenerate(ctx context.Context, c *models.ReviewCase) (*Transition, error) {
	return e.regenerate(ctx, c, RevisionPrompt(c.OriginalPrompt, c.RevisionFeedback, c.ReviewIssues))
}

func (e *Engine) regenerate(ctx context.Context, c *models.ReviewCase, prompt string) (*Transition, error) {
	state, err := StateFor(c.Status)
	if err != nil {
		return nil, err
	}
	if _, ok := state.(*StateNeedsRevision); !ok {
		return nil, fmt.Errorf("case %s is %s, not awaiting revision", c.CaseID, state)
	}

	env := e.env(c)
	if revisionOverBudget(c, env.MaxAttempts) {
		e.log.WarnContext(ctx, "attempt budget exhausted before regeneration",
			slog.String("case", c.CaseID),
			slog.Int("revision", c.RevisionCount),
			slog.Int("max_attempts", env.MaxAttempts),
		)
		return state.ProcessEvent(ctx, BudgetExhaustedEvent{}, env)
	}

	var event CaseEvent
	article, err := e.gen.Generate(ctx, prompt, c.Profile, c.GenerationContext)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		e.log.ErrorContext(ctx, "regeneration failed",
			slog.String("case", c.CaseID),
			slog.String("profile", c.Profile),
			slog.String("error", err.Error()),
		)
		event = RegenerationFailedEvent{Err: err}
	case strings.TrimSpace(article) == "":
		event = RegenerationFailedEvent{Err: errors.New("generator returned an empty draft")}
	default:
		event = RegeneratedEvent{Article: article}
	}

	return state.ProcessEvent(ctx, event, env)
}

// LoadCase reads a case back from its card.
func (e *Engine) LoadCase(ctx context.Context, caseID string) (*models.ReviewCase, error) {
	card, err := e.board.GetCard(ctx, caseID)
	if err != nil {
		return nil, err
	}
	env, err := board.ExtractEnvelope(card.Body)
	if err != nil {
		return nil, fmt.Errorf("card %s: %w", caseID, err)
	}
	if env.Kind != board.KindCase {
		return nil, fmt.Errorf("card %s holds a %s: %w", caseID, env.Kind, ErrNotACase)
	}
	var c models.ReviewCase
	if err := env.Unmarshal(board.KindCase, &c); err != nil {
		return nil, err
	}
	if c.CaseID == "" {
		c.CaseID = caseID
	}
	if c.AllRevisionFeedback == nil {
		c.AllRevisionFeedback = []string{}
	}
	// Large snapshots leave the draft in the article store.
	if c.ArticleContent == "" && c.ArticleID != "" && e.articles != nil {
		a, err := e.articles.GetArticle(ctx, c.ArticleID)
		if err != nil {
			return nil, fmt.Errorf("case %s: load draft %s: %w", caseID, c.ArticleID, err)
		}
		c.ArticleContent = a.Content
	}
	return &c, nil
}

// Persist writes the case snapshot into its card, re-reading the card first
// so concurrent human edits are kept.
func (e *Engine) Persist(ctx context.Context, c *models.ReviewCase) error {
	card, err := e.board.GetCard(ctx, c.CaseID)
	if err != nil {
		return &board.WriteError{Op: "read", CardID: c.CaseID, Err: err}
	}
	line, err := encodeCaseWithin(c, e.cfg.envelopeBudget())
	if err != nil {
		return err
	}
	actions, _ := board.SectionContent(card.Body, board.SectionActions)
	body := composeBody(e.cfg.MaxBody, card.Body, []string{board.SectionActions}, nil, actions, line)
	if err := e.board.UpdateCardBody(ctx, c.CaseID, body); err != nil {
		return &board.WriteError{Op: "update", CardID: c.CaseID, Err: err}
	}
	return nil
}

// SaveArticle stores the current draft and records its ID on the case.
func (e *Engine) SaveArticle(ctx context.Context, c *models.ReviewCase) error {
	if e.articles == nil {
		return nil
	}
	a := &models.Article{
		CaseID:   c.CaseID,
		Profile:  c.Profile,
		Revision: c.RevisionCount,
		Content:  c.ArticleContent,
	}
	if err := e.articles.PutArticle(ctx, a); err != nil {
		return fmt.Errorf("store article for case %s: %w", c.CaseID, err)
	}
	c.ArticleID = a.ID
	return nil
}

// FinalizeApproved attaches the rendered article, writes the approved
// section and moves the card to the approved lane. Repeating it replaces
// the section rather than adding another, and skips the attachment once the
// snapshot records it for the current draft.
func (e *Engine) FinalizeApproved(ctx context.Context, c *models.ReviewCase) (*Outcome, error) {
	if c.Status != models.CaseStatusApproved {
		return nil, fmt.Errorf("case %s is %s, not approved", c.CaseID, c.Status)
	}
	o := &Outcome{Status: models.CaseStatusApproved}
	log := e.log.With(slog.String("case", c.CaseID))

	if c.ArticleID == "" || c.AttachedArticleID != c.ArticleID {
		html, err := render.ArticleHTML(c.Title, c.ArticleContent)
		if err == nil {
			err = e.board.AttachFile(ctx, c.CaseID, html, "article.html", "text/html")
		}
		if err != nil {
			o.AttachErr = &board.WriteError{Op: "attach", CardID: c.CaseID, Err: err}
			log.WarnContext(ctx, "article attachment failed", slog.String("error", err.Error()))
		} else {
			c.AttachedArticleID = c.ArticleID
		}
	}

	line, err := encodeCaseWithin(c, e.cfg.envelopeBudget())
	if err != nil {
		return nil, err
	}

	detail := &board.Part{
		Section: board.SectionApproved,
		Text:    ApprovedNotes(c, e.now()),
		Rank:    board.RankDetail,
	}
	o.BodyErr = e.rewrite(ctx, c.CaseID, detail, approvedActions(e.cfg.Links, c), line)
	if o.BodyErr != nil {
		log.WarnContext(ctx, "approved write-up not saved", slog.String("error", o.BodyErr.Error()))
	}

	if err := e.board.MoveCard(ctx, c.CaseID, e.cfg.Lanes.Approved); err != nil {
		o.MoveErr = &board.WriteError{Op: "move", CardID: c.CaseID, Err: err}
		log.ErrorContext(ctx, "approved card not moved, manual recovery needed",
			slog.String("lane", e.cfg.Lanes.Approved),
			slog.String("error", err.Error()),
		)
	}

	if o.BodyErr != nil {
		e.comment(ctx, c.CaseID, "Article approved, but the card description could not be updated.")
	}
	log.InfoContext(ctx, "case approved", slog.Int("revision", c.RevisionCount), slog.Bool("clean", o.Err() == nil))
	return o, nil
}

// FinalizeEscalated moves the card to the needs-attention lane and then
// writes the escalation record. The move comes first: a card in the right
// lane with a stale description is recoverable, the reverse may go unseen.
func (e *Engine) FinalizeEscalated(ctx context.Context, c *models.ReviewCase) (*Outcome, error) {
	if c.Status != models.CaseStatusEscalated {
		return nil, fmt.Errorf("case %s is %s, not escalated", c.CaseID, c.Status)
	}
	line, err := encodeCaseWithin(c, e.cfg.envelopeBudget())
	if err != nil {
		return nil, err
	}
	o := &Outcome{Status: models.CaseStatusEscalated}
	log := e.log.With(slog.String("case", c.CaseID))

	if err := e.board.MoveCard(ctx, c.CaseID, e.cfg.Lanes.NeedsAttention); err != nil {
		o.MoveErr = &board.WriteError{Op: "move", CardID: c.CaseID, Err: err}
		log.ErrorContext(ctx, "escalated card not moved, manual recovery needed",
			slog.String("lane", e.cfg.Lanes.NeedsAttention),
			slog.String("error", err.Error()),
		)
	}

	detail := &board.Part{
		Section: board.SectionEscalated,
		Text:    EscalationNotes(c, e.cfg.MaxAttempts, e.now()),
		Rank:    board.RankDetail,
	}
	o.BodyErr = e.rewrite(ctx, c.CaseID, detail, escalatedActions(e.cfg.Links, c), line)
	if o.BodyErr != nil {
		log.WarnContext(ctx, "escalation write-up not saved", slog.String("error", o.BodyErr.Error()))
		e.comment(ctx, c.CaseID, "Escalated for human review: "+capText(c.EscalationReason, MaxItemLen))
	}

	log.InfoContext(ctx, "case escalated",
		slog.Int("revision", c.RevisionCount),
		slog.String("reason", c.EscalationReason),
		slog.Bool("moved", o.MoveErr == nil),
		slog.Bool("described", o.BodyErr == nil),
	)
	return o, nil
}

// rewrite re-reads the card and replaces its terminal sections, actions
// and envelope.
func (e *Engine) rewrite(ctx context.Context, cardID string, detail *board.Part, actions, line string) error {
	card, err := e.board.GetCard(ctx, cardID)
	if err != nil {
		return &board.WriteError{Op: "read", CardID: cardID, Err: err}
	}
	strip := []string{board.SectionApproved, board.SectionEscalated, board.SectionActions, board.SectionFailure}
	body := composeBody(e.cfg.MaxBody, card.Body, strip, detail, actions, line)
	if err := e.board.UpdateCardBody(ctx, cardID, body); err != nil {
		return &board.WriteError{Op: "update", CardID: cardID, Err: err}
	}
	return nil
}

func (e *Engine) comment(ctx context.Context, cardID, text string) {
	if err := e.board.AddComment(ctx, cardID, text); err != nil {
		e.log.ErrorContext(ctx, "fallback comment failed",
			slog.String("case", cardID),
			slog.String("error", err.Error()),
		)
	}
}

// Run loads a case from its card and drives it to a terminal state. A case
// that is already terminal has its final board writes repeated.
func (e *Engine) Run(ctx context.Context, caseID string) (*Result, error) {
	unlock := e.locks.lock(caseID)
	defer unlock()

	c, err := e.LoadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, c)
}

// RunCase drives an in-memory case to a terminal state.
func (e *Engine) RunCase(ctx context.Context, c *models.ReviewCase) (*Result, error) {
	unlock := e.locks.lock(c.CaseID)
	defer unlock()
	return e.run(ctx, c)
}

func (e *Engine) run(ctx context.Context, c *models.ReviewCase) (*Result, error) {
	state, err := StateFor(c.Status)
	if err != nil {
		return nil, err
	}

	res := &Result{Case: c}
	if state.IsTerminal() {
		res.Outcome, err = e.finalize(ctx, c)
		return res, err
	}

	// Judgment and regeneration alternate, so two steps per attempt.
	limit := 2*e.cfg.MaxAttempts + 1
	prompt := ""
	for steps := 0; !state.IsTerminal(); steps++ {
		if steps >= limit {
			return res, fmt.Errorf("case %s: no terminal state after %d steps", c.CaseID, steps)
		}

		var tr *Transition
		switch state.(type) {
		case *StatePending:
			d, err := e.Review(ctx, c)
			if err != nil {
				return res, err
			}
			tr = d.Transition
		case *StateNeedsRevision:
			if prompt == "" {
				prompt = RevisionPrompt(c.OriginalPrompt, c.RevisionFeedback, c.ReviewIssues)
			}
			tr, err = e.regenerate(ctx, c, prompt)
			if err != nil {
				return res, err
			}
			prompt = ""
		}

		for _, ev := range tr.OutboxEvents {
			switch ev := ev.(type) {
			case StoreArticle:
				if err := e.SaveArticle(ctx, c); err != nil {
					e.log.WarnContext(ctx, "article not stored", slog.String("case", c.CaseID), slog.String("error", err.Error()))
				}
			case PersistCase:
				if err := e.Persist(ctx, c); err != nil {
					e.log.WarnContext(ctx, "case snapshot not persisted",
						slog.String("case", c.CaseID),
						slog.String("status", ev.Status),
						slog.String("error", err.Error()),
					)
				}
			case RequestRegeneration:
				prompt = ev.Prompt
			case FinalizeApproved:
				if res.Outcome, err = e.FinalizeApproved(ctx, c); err != nil {
					return res, err
				}
			case FinalizeEscalated:
				if res.Outcome, err = e.FinalizeEscalated(ctx, c); err != nil {
					return res, err
				}
			}
		}
		state = tr.NextState
	}
	return res, nil
}

func (e *Engine) finalize(ctx context.Context, c *models.ReviewCase) (*Outcome, error) {
	if c.Status == models.CaseStatusApproved {
		return e.FinalizeApproved(ctx, c)
	}
	return e.FinalizeEscalated(ctx, c)
}

// caseLocks serializes work on the same case so judgment and regeneration
// strictly alternate.
type caseLocks struct {
	mu sync.Mutex
	m  map[string]*caseLock
}

type caseLock struct {
	mu   sync.Mutex
	refs int
}

func (l *caseLocks) lock(id string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*caseLock)
	}
	cl := l.m[id]
	if cl == nil {
		cl = &caseLock{}
		l.m[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
