package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/pipeline"
	"github.com/joescharf/pitchdesk/internal/queue"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/store"
)

// Server exposes the task queue, review cases and stored articles as MCP
// tools. Gated and Engine are nil when no board is configured.
type Server struct {
	queue    *queue.Queue
	gated    *pipeline.Gated
	engine   *review.Engine
	articles store.ArticleStore
	version  string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(q *queue.Queue, gated *pipeline.Gated, engine *review.Engine, articles store.ArticleStore, version string) *Server {
	return &Server{queue: q, gated: gated, engine: engine, articles: articles, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("pitchdesk", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.getCaseTool())
	srv.AddTool(s.generateTool())
	srv.AddTool(s.reviewTool())
	srv.AddTool(s.listArticlesTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) boardMissing() *mcp.CallToolResult {
	if s.gated == nil || s.engine == nil {
		return mcp.NewToolResultError("board is not configured: set board.url")
	}
	return nil
}

// pitchdesk_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pitchdesk_list_tasks",
		mcp.WithDescription("List background pipeline tasks, newest first. Returns a JSON array with id, case_id, step, status, attempts and last_error."),
		mcp.WithString("case_id", mcp.Description("Only tasks for this card")),
		mcp.WithString("status", mcp.Description("Filter by status: pending, running, done, dead")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks (default 50)")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.queue.List(ctx, store.TaskListFilter{
		CaseID: request.GetString("case_id", ""),
		Status: models.TaskStatus(request.GetString("status", "")),
		Limit:  request.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return jsonResult(tasks)
}

// pitchdesk_get_case
func (s *Server) getCaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pitchdesk_get_case",
		mcp.WithDescription("Read the review case stored on a board card: status, revision count, feedback history, escalation reason and the current draft."),
		mcp.WithString("card_id", mcp.Required(), mcp.Description("Board card ID")),
	)
	return tool, s.handleGetCase
}

func (s *Server) handleGetCase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cardID, err := request.RequireString("card_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: card_id"), nil
	}
	if res := s.boardMissing(); res != nil {
		return res, nil
	}
	c, err := s.engine.LoadCase(ctx, cardID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load case %s: %v", cardID, err)), nil
	}
	return jsonResult(c)
}

// pitchdesk_generate
func (s *Server) generateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pitchdesk_generate",
		mcp.WithDescription("Generate the article for a staged pitch card and run it through review. Queued by default; set wait to run it now and return the final case."),
		mcp.WithString("card_id", mcp.Required(), mcp.Description("Board card ID holding the pitch")),
		mcp.WithBoolean("wait", mcp.Description("Run synchronously instead of queueing")),
	)
	return tool, s.handleGenerate
}

func (s *Server) handleGenerate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cardID, err := request.RequireString("card_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: card_id"), nil
	}
	if res := s.boardMissing(); res != nil {
		return res, nil
	}
	if err := s.gated.Check(ctx, cardID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot generate card %s: %v", cardID, err)), nil
	}
	if request.GetBool("wait", false) {
		return s.runNow(ctx, cardID, models.StepGenerate, s.gated.Generate)
	}
	return s.enqueue(ctx, cardID, models.StepGenerate)
}

// pitchdesk_review
func (s *Server) reviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pitchdesk_review",
		mcp.WithDescription("Resume the review loop for a card that already holds a review case. A terminal case has its final board writes repeated."),
		mcp.WithString("card_id", mcp.Required(), mcp.Description("Board card ID holding the case")),
		mcp.WithBoolean("wait", mcp.Description("Run synchronously instead of queueing")),
	)
	return tool, s.handleReview
}

func (s *Server) handleReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cardID, err := request.RequireString("card_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: card_id"), nil
	}
	if res := s.boardMissing(); res != nil {
		return res, nil
	}
	if request.GetBool("wait", false) {
		return s.runNow(ctx, cardID, models.StepReview, s.gated.Review)
	}
	if _, err := s.engine.LoadCase(ctx, cardID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot review card %s: %v", cardID, err)), nil
	}
	return s.enqueue(ctx, cardID, models.StepReview)
}

// runNow runs a step in this process. A case with a queued or running task
// is refused.
func (s *Server) runNow(ctx context.Context, cardID string, step models.Step,
	run func(ctx context.Context, cardID string) (*review.Result, error)) (*mcp.CallToolResult, error) {
	var res *review.Result
	err := s.queue.RunInline(ctx, cardID, step, func(ctx context.Context) error {
		var runErr error
		res, runErr = run(ctx, cardID)
		return runErr
	})
	if errors.Is(err, store.ErrCaseBusy) {
		return mcp.NewToolResultError(fmt.Sprintf("card %s is busy: %v", cardID, err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed for card %s: %v", step, cardID, err)), nil
	}
	return jsonResult(res.Case)
}

func (s *Server) enqueue(ctx context.Context, cardID string, step models.Step) (*mcp.CallToolResult, error) {
	task, created, err := s.queue.Submit(ctx, cardID, step, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to queue %s for card %s: %v", step, cardID, err)), nil
	}
	return jsonResult(map[string]any{"task": task, "created": created})
}

// pitchdesk_list_articles
func (s *Server) listArticlesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pitchdesk_list_articles",
		mcp.WithDescription("List generated article drafts, newest first. Content is omitted unless include_content is set."),
		mcp.WithString("case_id", mcp.Description("Only drafts for this card")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of drafts (default 20)")),
		mcp.WithBoolean("include_content", mcp.Description("Include the full article text")),
	)
	return tool, s.handleListArticles
}

func (s *Server) handleListArticles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	articles, err := s.articles.ListArticles(ctx, request.GetString("case_id", ""), request.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list articles: %v", err)), nil
	}

	type articleOut struct {
		ID        string `json:"id"`
		CaseID    string `json:"case_id"`
		Profile   string `json:"profile"`
		Revision  int    `json:"revision"`
		Chars     int    `json:"chars"`
		Content   string `json:"content,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	withContent := request.GetBool("include_content", false)
	out := make([]articleOut, len(articles))
	for i, a := range articles {
		out[i] = articleOut{
			ID:        a.ID,
			CaseID:    a.CaseID,
			Profile:   a.Profile,
			Revision:  a.Revision,
			Chars:     len([]rune(a.Content)),
			CreatedAt: a.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if withContent {
			out[i].Content = a.Content
		}
	}
	return jsonResult(out)
}
