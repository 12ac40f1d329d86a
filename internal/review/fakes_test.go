package review

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/llm"
	"github.com/joescharf/pitchdesk/internal/models"
)

type verdict struct {
	j   models.Judgment
	err error
}

func approve(notes string) verdict {
	return verdict{j: models.Judgment{Approved: true, Notes: notes}}
}

func reject(feedback string, issues ...string) verdict {
	return verdict{j: models.Judgment{Notes: "not ready", Feedback: feedback, Issues: issues}}
}

func malformed() verdict {
	return verdict{j: models.SystemErrorJudgment("bad reply"), err: llm.ErrJudgmentParse}
}

// scriptedJudge returns verdicts in order and records what it was asked.
type scriptedJudge struct {
	mu       sync.Mutex
	verdicts []verdict
	requests []llm.JudgeRequest
	onJudge  func(call int)
}

func (s *scriptedJudge) Judge(_ context.Context, req llm.JudgeRequest) (models.Judgment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.requests)
	s.requests = append(s.requests, req)
	if s.onJudge != nil {
		s.onJudge(call)
	}
	if call >= len(s.verdicts) {
		return models.Judgment{}, fmt.Errorf("unexpected judge call %d", call+1)
	}
	v := s.verdicts[call]
	return v.j, v.err
}

func (s *scriptedJudge) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// scriptedGenerator returns drafts in order; a non-nil error at the same
// index fails that call.
type scriptedGenerator struct {
	mu      sync.Mutex
	drafts  []string
	errs    []error
	prompts []string
	ctxs    []map[string]string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt, _ string, genCtx map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	call := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	g.ctxs = append(g.ctxs, genCtx)
	if call < len(g.errs) && g.errs[call] != nil {
		return "", g.errs[call]
	}
	if call < len(g.drafts) {
		return g.drafts[call], nil
	}
	return fmt.Sprintf("draft %d", call+2), nil
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type memArticles struct {
	mu       sync.Mutex
	articles map[string]*models.Article
}

func (m *memArticles) PutArticle(_ context.Context, a *models.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.articles == nil {
		m.articles = make(map[string]*models.Article)
	}
	if a.ID == "" {
		a.ID = fmt.Sprintf("art-%d", len(m.articles)+1)
	}
	cp := *a
	m.articles[a.ID] = &cp
	return nil
}

func (m *memArticles) GetArticle(_ context.Context, id string) (*models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return nil, fmt.Errorf("article %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		MaxBody:     board.DefaultMaxBody,
		Lanes:       board.DefaultLanes(),
		Links:       board.Links{BaseURL: "https://pitchdesk.example"},
	}
}

func newTestEngine(judge Judge, gen *scriptedGenerator, cfg Config) (*Engine, *board.MemoryBoard, *memArticles) {
	b := board.NewMemoryBoard(cfg.Lanes.All()...)
	articles := &memArticles{}
	e := NewEngine(b, judge, gen, articles, cfg, testLogger())
	e.now = func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC) }
	return e, b, articles
}

// seedCase creates an in-progress card holding a fresh case for "draft A".
func seedCase(t *testing.T, e *Engine, b *board.MemoryBoard) *models.ReviewCase {
	t.Helper()
	ctx := context.Background()
	narrative := board.Section(board.SectionPitch, "**ACME beats Q3 estimates**\n\nRevenue up 12%.")
	ref, err := b.CreateCard(ctx, e.cfg.Lanes.InProgress, "ACME beats Q3 estimates", narrative)
	require.NoError(t, err)

	c := models.NewReviewCase(ref.ID, "ACME beats Q3 estimates", "draft A",
		"ACME Corp reported revenue of $1.2B, up 12%.", "Write a 300 word news story.", "news",
		map[string]string{"ticker": "ACME"})
	require.NoError(t, e.SaveArticle(ctx, c))
	require.NoError(t, e.Persist(ctx, c))
	return c
}

func cardBody(t *testing.T, b *board.MemoryBoard, id string) string {
	t.Helper()
	card, err := b.GetCard(context.Background(), id)
	require.NoError(t, err)
	return card.Body
}

func bigText(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}
