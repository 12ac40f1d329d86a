package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/joescharf/pitchdesk/internal/models"
)

// RSSSource reads an RSS or Atom feed.
type RSSSource struct {
	url    string
	parser *gofeed.Parser
	log    *slog.Logger
}

// NewRSSSource creates a feed source. httpClient may be nil.
func NewRSSSource(feedURL string, httpClient *http.Client, logger *slog.Logger) *RSSSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	p := gofeed.NewParser()
	p.Client = httpClient
	return &RSSSource{url: feedURL, parser: p, log: logger.With("adapter", "rss")}
}

func (s *RSSSource) Name() string { return "rss:" + s.url }

// Fetch returns the feed's entries as HTML items.
func (s *RSSSource) Fetch(ctx context.Context) ([]models.SourceItem, error) {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("rss: %w", err)
	}

	items := make([]models.SourceItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		body := it.Content
		if body == "" {
			body = it.Description
		}
		item := models.SourceItem{
			Kind:        models.SourceKindRSS,
			ExternalID:  it.GUID,
			Title:       it.Title,
			URL:         it.Link,
			Body:        body,
			ContentType: "text/html",
			Source:      feed.Title,
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil {
			item.Author = it.Authors[0].Name
		}
		if it.PublishedParsed != nil {
			t := it.PublishedParsed.UTC()
			item.PublishedAt = &t
		}
		items = append(items, item)
	}

	s.log.DebugContext(ctx, "rss feed read",
		slog.String("feed", s.url),
		slog.Int("items", len(items)),
	)
	return items, nil
}
