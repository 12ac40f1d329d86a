package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/llm"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/pipeline"
	"github.com/joescharf/pitchdesk/internal/pitch"
	"github.com/joescharf/pitchdesk/internal/queue"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/store"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixedGenerator struct{}

func (fixedGenerator) Generate(context.Context, string, string, map[string]string) (string, error) {
	return "# Acme beats\n\nRevenue rose.", nil
}

type approvingJudge struct{}

func (approvingJudge) Judge(context.Context, llm.JudgeRequest) (models.Judgment, error) {
	return models.Judgment{Approved: true, Notes: "clean"}, nil
}

type fixture struct {
	srv    *Server
	store  *store.SQLiteStore
	ingest *pipeline.Ingest
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := board.NewMemoryBoard(board.DefaultLanes().All()...)
	cfg := review.Config{MaxAttempts: 3, MaxBody: board.DefaultMaxBody, Lanes: board.DefaultLanes()}
	engine := review.NewEngine(b, approvingJudge{}, fixedGenerator{}, s, cfg, logger)

	return &fixture{
		srv: NewServer(queue.New(s, queue.Config{}, logger),
			pipeline.NewGated(b, fixedGenerator{}, engine, logger), engine, s, "test"),
		store:  s,
		ingest: pipeline.NewIngest(b, s, pitch.NewDrafter(nil, logger), cfg, logger),
	}
}

func (f *fixture) stage(t *testing.T) string {
	t.Helper()
	staged, err := f.ingest.Stage(context.Background(), models.SourceItem{
		Kind:  models.SourceKindNews,
		Title: "Acme beats Q3",
		URL:   "https://news.test/acme",
		Body:  "Acme reported revenue of $2.1 billion.",
	})
	require.NoError(t, err)
	return staged.CardID
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	f := newTestServer(t)
	require.NotNil(t, f.srv.MCPServer())
}

func TestHandleGenerate_Queues(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	cardID := f.stage(t)

	result, err := f.srv.handleGenerate(ctx, callToolReq("pitchdesk_generate", map[string]any{"card_id": cardID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		Task    models.Task `json:"task"`
		Created bool        `json:"created"`
	}
	resultJSON(t, result, &out)
	assert.True(t, out.Created)
	assert.Equal(t, models.StepGenerate, out.Task.Step)

	result, err = f.srv.handleListTasks(ctx, callToolReq("pitchdesk_list_tasks", map[string]any{"case_id": cardID}))
	require.NoError(t, err)
	var tasks []models.Task
	resultJSON(t, result, &tasks)
	assert.Len(t, tasks, 1)
}

func TestHandleGenerate_WaitRunsPipeline(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	cardID := f.stage(t)

	result, err := f.srv.handleGenerate(ctx, callToolReq("pitchdesk_generate", map[string]any{"card_id": cardID, "wait": true}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var c models.ReviewCase
	resultJSON(t, result, &c)
	assert.Equal(t, models.CaseStatusApproved, c.Status)

	result, err = f.srv.handleGetCase(ctx, callToolReq("pitchdesk_get_case", map[string]any{"card_id": cardID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"status":"approved"`)

	result, err = f.srv.handleListArticles(ctx, callToolReq("pitchdesk_list_articles", map[string]any{"case_id": cardID}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, cardID)
	assert.NotContains(t, text, "Revenue rose.")

	result, err = f.srv.handleListArticles(ctx, callToolReq("pitchdesk_list_articles", map[string]any{"include_content": true}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Revenue rose.")

	// Approved cards are not generated twice.
	result, err = f.srv.handleGenerate(ctx, callToolReq("pitchdesk_generate", map[string]any{"card_id": cardID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already approved")
}

func TestHandleReview(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	cardID := f.stage(t)

	// Pitch cards have no case to review.
	result, err := f.srv.handleReview(ctx, callToolReq("pitchdesk_review", map[string]any{"card_id": cardID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	_, err = f.srv.handleGenerate(ctx, callToolReq("pitchdesk_generate", map[string]any{"card_id": cardID, "wait": true}))
	require.NoError(t, err)

	result, err = f.srv.handleReview(ctx, callToolReq("pitchdesk_review", map[string]any{"card_id": cardID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), `"step":"review"`)
	var queued struct {
		Task models.Task `json:"task"`
	}
	resultJSON(t, result, &queued)

	// A synchronous run is refused while the queued task is outstanding.
	result, err = f.srv.handleReview(ctx, callToolReq("pitchdesk_review", map[string]any{"card_id": cardID, "wait": true}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "busy")

	require.NoError(t, f.store.CompleteTask(ctx, queued.Task.ID))

	result, err = f.srv.handleReview(ctx, callToolReq("pitchdesk_review", map[string]any{"card_id": cardID, "wait": true}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"status":"approved"`)
}

func TestHandleGenerate_WaitRefusedWhileTaskRunning(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	cardID := f.stage(t)

	running := &models.Task{CaseID: cardID, Step: models.StepReview, Payload: models.InlinePayload}
	_, err := f.store.ClaimCase(ctx, running)
	require.NoError(t, err)

	result, err := f.srv.handleGenerate(ctx, callToolReq("pitchdesk_generate", map[string]any{"card_id": cardID, "wait": true}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "busy")

	// Nothing was generated.
	articles, err := f.store.ListArticles(ctx, cardID, 10)
	require.NoError(t, err)
	assert.Empty(t, articles)
}

func TestMissingArguments(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()

	for name, h := range map[string]func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error){
		"pitchdesk_get_case": f.srv.handleGetCase,
		"pitchdesk_generate": f.srv.handleGenerate,
		"pitchdesk_review":   f.srv.handleReview,
	} {
		result, err := h(ctx, callToolReq(name, nil))
		require.NoError(t, err)
		assert.True(t, result.IsError, name)
		assert.Contains(t, resultText(t, result), "card_id", name)
	}
}

func TestBoardNotConfigured(t *testing.T) {
	f := newTestServer(t)
	srv := NewServer(f.srv.queue, nil, nil, f.store, "test")

	result, err := srv.handleGetCase(context.Background(), callToolReq("pitchdesk_get_case", map[string]any{"card_id": "card-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "board.url")

	// Listing does not need the board.
	result, err = srv.handleListTasks(context.Background(), callToolReq("pitchdesk_list_tasks", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "[]", resultText(t, result))
}
