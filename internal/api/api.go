package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/extract"
	"github.com/joescharf/pitchdesk/internal/generate"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/pipeline"
	"github.com/joescharf/pitchdesk/internal/queue"
	"github.com/joescharf/pitchdesk/internal/render"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/sources"
	"github.com/joescharf/pitchdesk/internal/store"
)

// DefaultMaxUpload caps inbound email and note bodies.
const DefaultMaxUpload = 20 << 20

// Options wires the server to the pipelines. Ingest, Gated and Engine are
// nil when the board is not configured; BoardErr then explains why.
type Options struct {
	Ingest    *pipeline.Ingest
	Gated     *pipeline.Gated
	Engine    *review.Engine
	Queue     *queue.Queue
	Articles  store.ArticleStore
	Sources   []sources.Source
	BoardErr  error
	MaxUpload int64
	Logger    *slog.Logger
}

// Server provides the REST API handlers.
type Server struct {
	opts Options
	log  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = DefaultMaxUpload
	}
	if opts.BoardErr == nil {
		opts.BoardErr = &models.ConfigError{Key: "board.url"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, log: logger.With("component", "api")}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/ingest", s.ingest)
	mux.HandleFunc("POST /api/v1/pitches", s.createPitch)
	mux.HandleFunc("POST /api/v1/inbound/email", s.inboundEmail)
	mux.HandleFunc("POST /api/v1/inbound/notes", s.inboundNote)

	mux.HandleFunc("GET /api/v1/cards/{id}/generate", s.generate)
	mux.HandleFunc("POST /api/v1/cards/{id}/generate", s.generate)
	mux.HandleFunc("POST /api/v1/cards/{id}/review", s.review)
	mux.HandleFunc("GET /api/v1/cards/{id}/case", s.getCase)

	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("POST /api/v1/tasks/{id}/retry", s.retryTask)

	mux.HandleFunc("GET /api/v1/articles", s.listArticles)
	mux.HandleFunc("GET /api/v1/articles/{id}", s.getArticle)

	mux.HandleFunc("GET /healthz", s.healthz)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		cfgErr     *models.ConfigError
		fetchErr   *sources.FetchError
		httpErr    *generate.HTTPError
		timeoutErr *generate.TimeoutError
		writeErr   *board.WriteError
		statusErr  *board.StatusError
	)
	switch {
	case errors.Is(err, board.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyApproved), errors.Is(err, store.ErrNotDead):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNotStaged), errors.Is(err, review.ErrNotACase),
		errors.Is(err, extract.ErrEmpty), errors.Is(err, board.ErrNoEnvelope):
		return http.StatusBadRequest
	case errors.As(err, &cfgErr), errors.Is(err, board.ErrInvalidLane):
		return http.StatusServiceUnavailable
	case errors.As(err, &fetchErr), errors.As(err, &httpErr), errors.As(err, &timeoutErr),
		errors.As(err, &writeErr), errors.As(err, &statusErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, err.Error())
}

// boardReady answers 503 when the board-backed pipelines are unavailable.
func (s *Server) boardReady(w http.ResponseWriter) bool {
	if s.opts.Ingest == nil || s.opts.Gated == nil || s.opts.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, s.opts.BoardErr.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// --- Ingest ---

type ingestResponse struct {
	Staged      []*pipeline.Staged `json:"staged"`
	Fetched     int                `json:"fetched"`
	FetchErrors []string           `json:"fetch_errors,omitempty"`
	StageErrors []string           `json:"stage_errors,omitempty"`
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	if !s.boardReady(w) {
		return
	}
	if len(s.opts.Sources) == 0 {
		writeError(w, http.StatusServiceUnavailable, (&models.ConfigError{Key: "sources", Reason: "no sources configured"}).Error())
		return
	}

	items, fetchErrs := sources.FetchAll(r.Context(), s.log, s.opts.Sources...)
	if len(items) == 0 && len(fetchErrs) > 0 {
		s.fail(w, r, errors.Join(fetchErrs...))
		return
	}
	staged, stageErrs := s.opts.Ingest.StageAll(r.Context(), items)
	if staged == nil {
		staged = []*pipeline.Staged{}
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Staged:      staged,
		Fetched:     len(items),
		FetchErrors: errorStrings(fetchErrs),
		StageErrors: errorStrings(stageErrs),
	})
}

func (s *Server) stage(w http.ResponseWriter, r *http.Request, item models.SourceItem) {
	staged, err := s.opts.Ingest.Stage(r.Context(), item)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if staged.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, staged)
}

func (s *Server) createPitch(w http.ResponseWriter, r *http.Request) {
	if !s.boardReady(w) {
		return
	}
	var item models.SourceItem
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxUpload)).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(item.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	if item.Kind == "" {
		item.Kind = models.SourceKindNews
	}
	if item.ContentType == "" {
		item.ContentType = "text/plain"
	}
	s.stage(w, r, item)
}

func (s *Server) inboundEmail(w http.ResponseWriter, r *http.Request) {
	if !s.boardReady(w) {
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read message: %v", err))
		return
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}
	s.stage(w, r, models.SourceItem{
		Kind:        models.SourceKindEmail,
		ContentType: "message/rfc822",
		Raw:         raw,
	})
}

func (s *Server) inboundNote(w http.ResponseWriter, r *http.Request) {
	if !s.boardReady(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUpload)
	if err := r.ParseMultipartForm(s.opts.MaxUpload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read file: %v", err))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	item := models.SourceItem{
		Kind:        models.SourceKindAnalystNote,
		ExternalID:  header.Filename,
		Title:       r.FormValue("title"),
		URL:         r.FormValue("url"),
		Source:      r.FormValue("source"),
		ContentType: contentType,
		Raw:         data,
	}
	if t := r.FormValue("ticker"); t != "" {
		item.Tickers = []string{strings.ToUpper(t)}
	}
	s.stage(w, r, item)
}

// --- Cards ---

type enqueueResponse struct {
	Task    *models.Task `json:"task"`
	Created bool         `json:"created"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, cardID string, step models.Step) {
	task, created, err := s.opts.Queue.Submit(r.Context(), cardID, step, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Task: task, Created: created})
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	if !s.boardReady(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.opts.Gated.Check(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.enqueue(w, r, id, models.StepGenerate)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request) {
	if !s.boardReady(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.opts.Engine.LoadCase(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.enqueue(w, r, id, models.StepReview)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	if !s.boardReady(w) {
		return
	}
	c, err := s.opts.Engine.LoadCase(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.opts.Queue.List(r.Context(), store.TaskListFilter{
		CaseID: q.Get("case_id"),
		Status: models.TaskStatus(q.Get("status")),
		Limit:  queryInt(r, "limit", 50),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Queue.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Articles ---

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request) {
	articles, err := s.opts.Articles.ListArticles(r.Context(), r.URL.Query().Get("case_id"), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if articles == nil {
		articles = []*models.Article{}
	}
	writeJSON(w, http.StatusOK, articles)
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.opts.Articles.GetArticle(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "json" || !strings.Contains(r.Header.Get("Accept"), "text/html") {
		writeJSON(w, http.StatusOK, a)
		return
	}
	page, err := render.ArticleHTML("", a.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "board": s.opts.Gated != nil}
	if s.opts.Gated == nil {
		resp["board_error"] = s.opts.BoardErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
