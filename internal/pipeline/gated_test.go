package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/generate"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/pitch"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/store"
)

type gatedFixture struct {
	board *board.MemoryBoard
	store *store.SQLiteStore
	gen   *stubGenerator
	judge *stubJudge
	in    *Ingest
	gated *Gated
}

func newGatedFixture(t *testing.T, judge *stubJudge, drafts ...string) *gatedFixture {
	t.Helper()
	f := &gatedFixture{
		board: newTestBoard(),
		store: newTestStore(t),
		gen:   &stubGenerator{drafts: drafts},
		judge: judge,
	}
	cfg := testConfig()
	engine := review.NewEngine(f.board, f.judge, f.gen, f.store, cfg, testLogger())
	f.in = NewIngest(f.board, f.store, pitch.NewDrafter(nil, testLogger()), cfg, testLogger())
	f.gated = NewGated(f.board, f.gen, engine, testLogger())
	return f
}

func (f *gatedFixture) stage(t *testing.T) string {
	t.Helper()
	staged, err := f.in.Stage(context.Background(), newsItem("Acme beats Q3 estimates",
		"https://news.test/acme-q3", "Acme Corp reported revenue of $2.1 billion, up 12 percent."))
	require.NoError(t, err)
	return staged.CardID
}

func TestGated_GenerateAndApprove(t *testing.T) {
	ctx := context.Background()
	f := newGatedFixture(t, approveAll(), "# Acme beats\n\nRevenue rose 12 percent.")
	cardID := f.stage(t)

	res, err := f.gated.Generate(ctx, cardID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.CaseStatusApproved, res.Case.Status)
	assert.NoError(t, res.Outcome.Err())

	lanes := board.DefaultLanes()
	assert.Equal(t, []string{lanes.InProgress, lanes.Approved}, f.board.Moves(cardID))

	// Source text dropped from the envelope context is restored for generation.
	require.Equal(t, 1, f.gen.calls())
	assert.Contains(t, f.gen.ctxs[0][generate.CtxSourceText], "2.1 billion")
	assert.Equal(t, "ACME", f.gen.ctxs[0][generate.CtxTicker])

	card, err := f.board.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, 1, board.CountSections(card.Body, board.SectionApproved))
	assert.Len(t, f.board.Attachments(cardID), 1)

	articles, err := f.store.ListArticles(ctx, cardID, 0)
	require.NoError(t, err)
	assert.Len(t, articles, 1)
}

func TestGated_EscalateThenRegenerateFromScratch(t *testing.T) {
	ctx := context.Background()
	reject := models.Judgment{Notes: "weak", Feedback: "add numbers", Issues: []string{"vague"}}
	judge := &stubJudge{judgments: []models.Judgment{reject, reject, reject, {Approved: true, Notes: "fixed"}}}
	f := newGatedFixture(t, judge, "draft one", "draft two", "draft three", "fresh draft")
	cardID := f.stage(t)

	res, err := f.gated.Generate(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusEscalated, res.Case.Status)
	assert.Equal(t, 2, res.Case.RevisionCount)
	originalPrompt := f.gen.prompts[0]

	card, err := f.board.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, board.DefaultLanes().NeedsAttention, card.LaneID)

	res, err = f.gated.Generate(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusApproved, res.Case.Status)
	assert.Equal(t, 0, res.Case.RevisionCount)
	assert.Empty(t, res.Case.AllRevisionFeedback)
	assert.Equal(t, originalPrompt, f.gen.prompts[len(f.gen.prompts)-1])
	assert.Equal(t, "fresh draft", res.Case.ArticleContent)

	card, err = f.board.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, 0, board.CountSections(card.Body, board.SectionEscalated))
	assert.Equal(t, 1, board.CountSections(card.Body, board.SectionApproved))
}

func TestGated_ApprovedCardRefused(t *testing.T) {
	ctx := context.Background()
	f := newGatedFixture(t, approveAll(), "article")
	cardID := f.stage(t)

	_, err := f.gated.Generate(ctx, cardID)
	require.NoError(t, err)

	_, err = f.gated.Generate(ctx, cardID)
	require.ErrorIs(t, err, ErrAlreadyApproved)
	assert.True(t, Permanent(err))
	assert.ErrorIs(t, f.gated.Check(ctx, cardID), ErrAlreadyApproved)
	assert.Equal(t, 1, f.gen.calls())

	// Review of an approved card repeats the final writes without judging again.
	res, err := f.gated.Review(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusApproved, res.Case.Status)
	assert.Equal(t, 1, f.judge.n)
}

func TestGated_GenerationFailureLeavesRetryLink(t *testing.T) {
	ctx := context.Background()
	f := newGatedFixture(t, approveAll())
	f.gen.err = errors.New("endpoint returned 500")
	cardID := f.stage(t)

	_, err := f.gated.Generate(ctx, cardID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint returned 500")
	assert.False(t, Permanent(err))

	card, err := f.board.GetCard(ctx, cardID)
	require.NoError(t, err)
	failure, ok := board.SectionContent(card.Body, board.SectionFailure)
	require.True(t, ok)
	assert.Contains(t, failure, testConfig().Links.GenerateURL(cardID))
	_, hasActions := board.SectionContent(card.Body, board.SectionActions)
	assert.False(t, hasActions)

	// The pitch is intact, so a retry generates again.
	assert.NoError(t, f.gated.Check(ctx, cardID))
	f.gen.err = nil
	f.gen.drafts = []string{"article"}
	res, err := f.gated.Generate(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusApproved, res.Case.Status)

	card, err = f.board.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, 0, board.CountSections(card.Body, board.SectionFailure))
}

func TestGated_ConfigErrorIsPermanent(t *testing.T) {
	f := newGatedFixture(t, approveAll())
	f.gen.err = &models.ConfigError{Key: "generation.profiles.news.url"}
	cardID := f.stage(t)

	_, err := f.gated.Generate(context.Background(), cardID)
	require.Error(t, err)
	assert.True(t, Permanent(err))
}

func TestGated_PendingCaseResumesAtReview(t *testing.T) {
	ctx := context.Background()
	f := newGatedFixture(t, approveAll())
	engine := review.NewEngine(f.board, f.judge, f.gen, f.store, testConfig(), testLogger())

	ref, err := f.board.CreateCard(ctx, board.DefaultLanes().InProgress, "Acme", "narrative")
	require.NoError(t, err)
	c := models.NewReviewCase(ref.ID, "Acme", "an article", "source", "prompt", "news", nil)
	require.NoError(t, engine.Persist(ctx, c))

	res, err := f.gated.Generate(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusApproved, res.Case.Status)
	assert.Equal(t, 0, f.gen.calls())
}

func TestGated_UnstagedCard(t *testing.T) {
	ctx := context.Background()
	f := newGatedFixture(t, approveAll())
	ref, err := f.board.CreateCard(ctx, board.DefaultLanes().ToGenerate, "Manual", "typed by hand")
	require.NoError(t, err)

	_, err = f.gated.Generate(ctx, ref.ID)
	require.ErrorIs(t, err, ErrNotStaged)
	assert.True(t, Permanent(err))

	_, err = f.gated.Generate(ctx, "card-404")
	require.ErrorIs(t, err, board.ErrNotFound)
	assert.True(t, Permanent(err))
}
