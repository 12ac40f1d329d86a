package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/pipeline"
	"github.com/joescharf/pitchdesk/internal/sources"
)

var (
	ingestFile   string
	ingestKind   string
	ingestTitle  string
	ingestURL    string
	ingestTicker string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch configured sources and stage pitches on the board",
	Long: `Fetch every configured news API and RSS feed and stage a pitch card
for each new item. Items already staged are skipped.

With --file, stage a single local file instead: an .eml message, a PDF or
HTML analyst note, or plain text.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFile != "" {
			return ingestFileRun(cmd.Context())
		}
		return ingestSourcesRun(cmd.Context())
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "Stage a local file instead of fetching sources")
	ingestCmd.Flags().StringVar(&ingestKind, "kind", "", "Source kind for --file (email, analyst_note, press_release, news)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "Title for --file")
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "Source URL for --file")
	ingestCmd.Flags().StringVar(&ingestTicker, "ticker", "", "Ticker for --file")
	rootCmd.AddCommand(ingestCmd)
}

func ingestSourcesRun(ctx context.Context) error {
	logger := newLogger(os.Stderr)
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	if len(a.Sources) == 0 {
		ui.Warning("No sources configured (set sources.news.url or sources.rss.feeds)")
		return nil
	}

	items, fetchErrs := sources.FetchAll(ctx, logger, a.Sources...)
	for _, err := range fetchErrs {
		ui.Warning("%v", err)
	}
	if len(items) == 0 {
		if len(fetchErrs) > 0 {
			return fmt.Errorf("all %d source(s) failed", len(fetchErrs))
		}
		ui.Info("No new items.")
		return nil
	}

	if dryRun {
		ui.DryRunMsg("Would stage %d item(s)", len(items))
		table := ui.Table([]string{"Kind", "Title", "URL"})
		for _, it := range items {
			_ = table.Append([]string{string(it.Kind), truncate(it.Title, 60), it.URL})
		}
		_ = table.Render()
		return nil
	}
	if a.BoardErr != nil {
		return a.BoardErr
	}

	staged, stageErrs := a.Ingest.StageAll(ctx, items)
	for _, err := range stageErrs {
		ui.Warning("%v", err)
	}
	printStaged(staged)
	return nil
}

func ingestFileRun(ctx context.Context) error {
	data, err := os.ReadFile(ingestFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", ingestFile, err)
	}
	item := fileItem(ingestFile, data)

	if dryRun {
		ui.DryRunMsg("Would stage %s as %s (%s)", ingestFile, item.Kind, item.ContentType)
		return nil
	}

	a, err := newApp(ctx, newLogger(os.Stderr))
	if err != nil {
		return err
	}
	if a.BoardErr != nil {
		return a.BoardErr
	}

	st, err := a.Ingest.Stage(ctx, item)
	if err != nil {
		return err
	}
	printStaged([]*pipeline.Staged{st})
	return nil
}

// fileItem builds a source item from a local file, guessing the kind from
// its extension when --kind is not given.
func fileItem(path string, data []byte) models.SourceItem {
	kind := models.SourceKind(ingestKind)
	contentType := http.DetectContentType(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		contentType = "message/rfc822"
		if kind == "" {
			kind = models.SourceKindEmail
		}
	case ".pdf":
		contentType = "application/pdf"
	case ".html", ".htm":
		contentType = "text/html"
	}
	if kind == "" {
		kind = models.SourceKindAnalystNote
	}

	item := models.SourceItem{
		Kind:        kind,
		ExternalID:  filepath.Base(path),
		Title:       ingestTitle,
		URL:         ingestURL,
		ContentType: contentType,
		Raw:         data,
	}
	if ingestTicker != "" {
		item.Tickers = []string{strings.ToUpper(ingestTicker)}
	}
	return item
}

func printStaged(staged []*pipeline.Staged) {
	if len(staged) == 0 {
		ui.Info("Nothing staged.")
		return
	}
	table := ui.Table([]string{"Card", "Title", "Drafted", "Status"})
	created := 0
	for _, st := range staged {
		status := "staged"
		if st.Duplicate {
			status = "duplicate"
		} else {
			created++
		}
		_ = table.Append([]string{st.CardID, truncate(st.Title, 60), st.Drafted, status})
	}
	_ = table.Render()
	ui.Success("Staged %d new card(s), %d duplicate(s)", created, len(staged)-created)
}
