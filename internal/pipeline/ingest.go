package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/extract"
	"github.com/joescharf/pitchdesk/internal/generate"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/pitch"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/store"
)

// State keys used by the ingest pipeline.
const (
	KeyItem      = "item"
	KeyExtracted = "extracted"
	KeyPitch     = "pitch"
	KeyStaged    = "staged"
)

// stagingNamespace scopes staging keys.
var stagingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pitchdesk:staging"))

// pitchTextLimits are the successive source text caps tried when a pitch
// envelope does not fit its budget.
var pitchTextLimits = []int{8000, 4000, 2000, 1000, 500}

// Drafter proposes a pitch for extracted content.
type Drafter interface {
	Draft(ctx context.Context, item models.Extracted) (*models.Pitch, error)
}

// Staged is the outcome of staging one item.
type Staged struct {
	Key       string `json:"key"`
	CardID    string `json:"card_id"`
	Title     string `json:"title"`
	Drafted   string `json:"drafted_by,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// Ingest is the linear pipeline: extract, draft, stage on the board.
type Ingest struct {
	board   board.Board
	staging store.StagingStore
	drafter Drafter
	cfg     review.Config
	log     *slog.Logger
	graph   *Graph
}

// NewIngest builds the ingest pipeline.
func NewIngest(b board.Board, staging store.StagingStore, drafter Drafter, cfg review.Config, logger *slog.Logger) *Ingest {
	in := &Ingest{
		board:   b,
		staging: staging,
		drafter: drafter,
		cfg:     cfg,
		log:     logger.With("component", "ingest"),
	}
	in.graph = NewGraph("ingest", logger).
		AddNode("extract", in.extract).
		AddNode("draft", in.draft).
		AddNode("stage", in.stage).
		AddEdge("extract", "draft").
		AddEdge("draft", "stage").
		AddEdge("stage", End)
	return in
}

// Stage runs one source item through the pipeline.
func (in *Ingest) Stage(ctx context.Context, item models.SourceItem) (*Staged, error) {
	out, err := in.graph.Run(ctx, State{KeyItem: item})
	if err != nil {
		return nil, err
	}
	staged, _ := Value[*Staged](out, KeyStaged)
	return staged, nil
}

// StageExtracted stages content that was already extracted.
func (in *Ingest) StageExtracted(ctx context.Context, item models.Extracted) (*Staged, error) {
	out, err := in.graph.RunFrom(ctx, "draft", State{KeyExtracted: item})
	if err != nil {
		return nil, err
	}
	staged, _ := Value[*Staged](out, KeyStaged)
	return staged, nil
}

// StageAll stages every item. Failures are collected per item.
func (in *Ingest) StageAll(ctx context.Context, items []models.SourceItem) ([]*Staged, []error) {
	var staged []*Staged
	var errs []error
	for _, item := range items {
		s, err := in.Stage(ctx, item)
		if err != nil {
			in.log.WarnContext(ctx, "item not staged",
				slog.String("title", item.Title),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		staged = append(staged, s)
	}
	return staged, errs
}

func (in *Ingest) extract(ctx context.Context, s State) (State, error) {
	item, ok := Value[models.SourceItem](s, KeyItem)
	if !ok {
		return nil, fmt.Errorf("no source item in state")
	}
	ex, err := extract.FromItem(ctx, item)
	if err != nil {
		return nil, err
	}
	return State{KeyExtracted: ex}, nil
}

func (in *Ingest) draft(ctx context.Context, s State) (State, error) {
	ex, ok := Value[models.Extracted](s, KeyExtracted)
	if !ok {
		return nil, fmt.Errorf("no extracted content in state")
	}
	p, err := in.drafter.Draft(ctx, ex)
	if err != nil {
		return nil, err
	}
	return State{KeyPitch: p}, nil
}

func (in *Ingest) stage(ctx context.Context, s State) (State, error) {
	p, ok := Value[*models.Pitch](s, KeyPitch)
	if !ok {
		return nil, fmt.Errorf("no pitch in state")
	}

	key := StagingKey(p.Source)
	reserved, existing, err := in.staging.ReserveStaging(ctx, &models.StagedItem{
		Key:   key,
		Title: p.Title,
		URL:   p.Source.URL,
	})
	if err != nil {
		return nil, err
	}
	if !reserved {
		in.log.InfoContext(ctx, "item already staged",
			slog.String("key", key),
			slog.String("card", existing.CardID),
		)
		return State{KeyStaged: &Staged{Key: key, CardID: existing.CardID, Title: existing.Title, Duplicate: true}}, nil
	}

	line, err := encodePitchWithin(p, in.cfg.MaxBody/2)
	if err != nil {
		in.release(ctx, key)
		return nil, err
	}
	narrative := board.Part{Section: board.SectionPitch, Text: pitch.Narrative(p), Rank: board.RankNarrative}
	envelope := board.Part{Text: line, Rank: board.RankFixed}

	ref, err := in.board.CreateCard(ctx, in.cfg.Lanes.ToGenerate, p.Title, board.Fit(in.cfg.MaxBody, narrative, envelope))
	if err != nil {
		in.release(ctx, key)
		return nil, &board.WriteError{Op: "create", Err: err}
	}
	if err := in.staging.SetStagedCard(ctx, key, ref.ID); err != nil {
		in.log.WarnContext(ctx, "staged card not recorded", slog.String("key", key), slog.String("card", ref.ID), slog.String("error", err.Error()))
	}

	// The generate link needs the card ID, so it is added after creation.
	action := fmt.Sprintf("- [Generate article](%s)", in.cfg.Links.GenerateURL(ref.ID))
	actions := board.Part{Section: board.SectionActions, Text: action, Rank: board.RankFixed}
	if err := in.board.UpdateCardBody(ctx, ref.ID, board.Fit(in.cfg.MaxBody, narrative, actions, envelope)); err != nil {
		in.log.WarnContext(ctx, "generate link not written, adding comment", slog.String("card", ref.ID), slog.String("error", err.Error()))
		if cerr := in.board.AddComment(ctx, ref.ID, "Generate this article: "+in.cfg.Links.GenerateURL(ref.ID)); cerr != nil {
			in.log.ErrorContext(ctx, "generate link comment failed", slog.String("card", ref.ID), slog.String("error", cerr.Error()))
		}
	}

	in.log.InfoContext(ctx, "pitch staged",
		slog.String("card", ref.ID),
		slog.String("title", p.Title),
		slog.String("profile", p.Profile),
		slog.String("drafted_by", p.Drafted),
	)
	return State{KeyStaged: &Staged{Key: key, CardID: ref.ID, Title: p.Title, Drafted: p.Drafted}}, nil
}

// StagingKey derives the at-most-once key for a source item from its URL
// (or other source reference) and title.
func StagingKey(item models.Extracted) string {
	ref := item.URL
	if ref == "" {
		ref = item.SourceRef
	}
	name := strings.ToLower(strings.TrimSpace(ref)) + "\n" + strings.ToLower(strings.Join(strings.Fields(item.Title), " "))
	if strings.TrimSpace(name) == "" {
		name = item.Text
	}
	return uuid.NewSHA1(stagingNamespace, []byte(name)).String()
}

// encodePitchWithin renders the pitch envelope within budget characters
// where possible by shortening the embedded source text.
func encodePitchWithin(p *models.Pitch, budget int) (string, error) {
	slim := *p
	// The source text is already in Source; the context copy is restored on load.
	if slim.Context != nil {
		slim.Context = make(map[string]string, len(p.Context))
		for k, v := range p.Context {
			if k != generate.CtxSourceText {
				slim.Context[k] = v
			}
		}
	}

	line, err := encodePitch(&slim)
	if err != nil || budget <= 0 || board.Len(line) <= budget {
		return line, err
	}
	for _, limit := range pitchTextLimits {
		slim.Source.Text = board.TruncateRunes(p.Source.Text, limit)
		slim.Prompt = board.TruncateRunes(p.Prompt, limit)
		if line, err = encodePitch(&slim); err != nil || board.Len(line) <= budget {
			return line, err
		}
	}
	return line, nil
}

func encodePitch(p *models.Pitch) (string, error) {
	env, err := board.NewEnvelope(board.KindPitch, p)
	if err != nil {
		return "", err
	}
	return board.Encode(env)
}

// release frees a reserved staging key after staging failed. A key that
// stays reserved makes later ingests of the item report a card-less
// duplicate, so the failure is logged for manual cleanup.
func (in *Ingest) release(ctx context.Context, key string) {
	if err := in.staging.ReleaseStaging(ctx, key); err != nil {
		in.log.ErrorContext(ctx, "staging key not released", slog.String("key", key), slog.String("error", err.Error()))
	}
}
