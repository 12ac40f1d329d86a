package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joescharf/pitchdesk/internal/models"
)

// NewsConfig configures a NewsClient.
type NewsConfig struct {
	URL     string
	APIKey  string
	Tickers []string
	Limit   int
}

// NewsClient fetches news articles and press releases from a JSON news API.
type NewsClient struct {
	cfg        NewsConfig
	httpClient *http.Client
	log        *slog.Logger
	retryDelay time.Duration
}

// NewNewsClient creates a news client. httpClient may be nil.
func NewNewsClient(cfg NewsConfig, httpClient *http.Client, logger *slog.Logger) *NewsClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &NewsClient{
		cfg:        cfg,
		httpClient: httpClient,
		log:        logger.With("adapter", "news"),
		retryDelay: 500 * time.Millisecond,
	}
}

func (c *NewsClient) Name() string { return "news" }

type newsResponse struct {
	Articles []newsArticle `json:"articles"`
}

type newsArticle struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Text        string   `json:"text"`
	HTML        string   `json:"html"`
	Site        string   `json:"site"`
	Author      string   `json:"author"`
	Tickers     []string `json:"tickers"`
	PublishedAt string   `json:"published_at"`
}

// Fetch returns the latest articles for the configured tickers.
func (c *NewsClient) Fetch(ctx context.Context) ([]models.SourceItem, error) {
	if c.cfg.URL == "" {
		return nil, &models.ConfigError{Key: "sources.news.url"}
	}

	q := url.Values{}
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	if len(c.cfg.Tickers) > 0 {
		q.Set("tickers", strings.Join(c.cfg.Tickers, ","))
	}
	if c.cfg.Limit > 0 {
		q.Set("limit", fmt.Sprint(c.cfg.Limit))
	}
	reqURL := c.cfg.URL
	if enc := q.Encode(); enc != "" {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("news: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		c.log.ErrorContext(ctx, "news request failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("news: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("news: read body: %w", err)
	}
	var parsed newsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("news: decode json: %w", err)
	}

	items := make([]models.SourceItem, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		items = append(items, a.toItem())
	}

	c.log.DebugContext(ctx, "news response",
		slog.Int("status", resp.StatusCode),
		slog.Int("items", len(items)),
	)
	return items, nil
}

func (a newsArticle) toItem() models.SourceItem {
	item := models.SourceItem{
		Kind:       models.SourceKindNews,
		ExternalID: a.ID,
		Title:      a.Title,
		URL:        a.URL,
		Body:       a.Text,
		Author:     a.Author,
		Source:     a.Site,
		Tickers:    a.Tickers,
	}
	if strings.EqualFold(a.Type, "press_release") || strings.EqualFold(a.Type, "press-release") {
		item.Kind = models.SourceKindPressRelease
	}
	if item.Body == "" && a.HTML != "" {
		item.Body = a.HTML
		item.ContentType = "text/html"
	}
	if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
		t = t.UTC()
		item.PublishedAt = &t
	}
	return item
}

// doWithRetry executes the request with a single retry on 5xx or network errors.
func (c *NewsClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)

	shouldRetry := err != nil || (resp != nil && resp.StatusCode >= 500)
	if !shouldRetry {
		return resp, err
	}
	if ctx.Err() != nil {
		return resp, err
	}

	reason := "network error"
	if err == nil && resp != nil {
		reason = fmt.Sprintf("status %d", resp.StatusCode)
	}
	c.log.WarnContext(ctx, "news retry", slog.String("reason", reason))

	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.retryDelay):
	}

	return c.httpClient.Do(req)
}
