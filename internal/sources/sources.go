// Package sources fetches raw news items, press releases and feed entries
// from third-party services.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/pitchdesk/internal/models"
)

// Source is a fetchable stream of raw items.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]models.SourceItem, error)
}

// FetchError reports a source that was unavailable or returned unusable
// data.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// maxConcurrentFetches bounds how many sources are fetched at once.
const maxConcurrentFetches = 4

// FetchAll fetches every source concurrently. A failing source does not stop
// the others; its error is returned as a *FetchError alongside the items
// that were fetched.
func FetchAll(ctx context.Context, logger *slog.Logger, srcs ...Source) ([]models.SourceItem, []error) {
	results := make([][]models.SourceItem, len(srcs))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, src := range srcs {
		g.Go(func() error {
			items, err := src.Fetch(ctx)
			if err != nil {
				logger.WarnContext(ctx, "source fetch failed",
					slog.String("source", src.Name()),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, &FetchError{Source: src.Name(), Err: err})
				mu.Unlock()
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var all []models.SourceItem
	for _, items := range results {
		all = append(all, items...)
	}
	return all, errs
}

// FromConfig builds the sources configured under sources.* in viper.
func FromConfig(logger *slog.Logger) []Source {
	var out []Source
	if u := viper.GetString("sources.news.url"); u != "" {
		out = append(out, NewNewsClient(NewsConfig{
			URL:     u,
			APIKey:  viper.GetString("sources.news.api_key"),
			Tickers: viper.GetStringSlice("sources.news.tickers"),
		}, nil, logger))
	}
	for _, feed := range viper.GetStringSlice("sources.rss.feeds") {
		out = append(out, NewRSSSource(feed, nil, logger))
	}
	return out
}
