package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/llm"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "pitchdesk.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() review.Config {
	return review.Config{
		MaxAttempts: 3,
		MaxBody:     board.DefaultMaxBody,
		Lanes:       board.DefaultLanes(),
		Links:       board.Links{BaseURL: "http://desk.test"},
	}
}

func newTestBoard() *board.MemoryBoard {
	return board.NewMemoryBoard(board.DefaultLanes().All()...)
}

// stubGenerator returns drafts in order, repeating the last one.
type stubGenerator struct {
	mu      sync.Mutex
	drafts  []string
	err     error
	prompts []string
	ctxs    []map[string]string
}

func (g *stubGenerator) Generate(_ context.Context, prompt, _ string, genCtx map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	g.ctxs = append(g.ctxs, genCtx)
	if g.err != nil {
		return "", g.err
	}
	if len(g.drafts) == 0 {
		return "", errors.New("no drafts scripted")
	}
	i := len(g.prompts) - 1
	if i >= len(g.drafts) {
		i = len(g.drafts) - 1
	}
	return g.drafts[i], nil
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// stubJudge returns verdicts in order, repeating the last one.
type stubJudge struct {
	mu        sync.Mutex
	judgments []models.Judgment
	n         int
}

func (j *stubJudge) Judge(context.Context, llm.JudgeRequest) (models.Judgment, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	i := j.n
	j.n++
	if i >= len(j.judgments) {
		i = len(j.judgments) - 1
	}
	return j.judgments[i], nil
}

func approveAll() *stubJudge {
	return &stubJudge{judgments: []models.Judgment{{Approved: true, Notes: "clean"}}}
}

func rejectAll() *stubJudge {
	return &stubJudge{judgments: []models.Judgment{{Notes: "weak", Feedback: "add numbers", Issues: []string{"vague"}}}}
}

func newsItem(title, url, body string) models.SourceItem {
	return models.SourceItem{
		Kind:        models.SourceKindNews,
		Title:       title,
		URL:         url,
		Body:        body,
		ContentType: "text/plain",
		Tickers:     []string{"ACME"},
	}
}
