package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/pitchdesk/internal/output"
	"github.com/joescharf/pitchdesk/internal/render"
)

var (
	articlesCase  string
	articlesLimit int
	articlesHTML  bool
)

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "List generated article drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return articlesListRun(cmd.Context())
	},
}

var articlesShowCmd = &cobra.Command{
	Use:   "show <article-id>",
	Short: "Print a generated draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return articlesShowRun(cmd.Context(), args[0])
	},
}

func init() {
	articlesCmd.Flags().StringVar(&articlesCase, "case", "", "Filter by card ID")
	articlesCmd.Flags().IntVar(&articlesLimit, "limit", 50, "Maximum drafts to show")
	articlesShowCmd.Flags().BoolVar(&articlesHTML, "html", false, "Render the draft as an HTML document")
	articlesCmd.AddCommand(articlesShowCmd)
	rootCmd.AddCommand(articlesCmd)
}

func articlesListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	list, err := s.ListArticles(ctx, articlesCase, articlesLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No articles found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Card", "Profile", "Revision", "Words", "Created"})
	for _, a := range list {
		_ = table.Append([]string{
			output.Cyan(a.ID),
			a.CaseID,
			a.Profile,
			fmt.Sprint(a.Revision),
			fmt.Sprint(len(strings.Fields(a.Content))),
			timeAgo(a.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func articlesShowRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	a, err := s.GetArticle(ctx, id)
	if err != nil {
		return fmt.Errorf("article %s: %w", id, err)
	}

	if articlesHTML {
		page, err := render.ArticleHTML(a.CaseID, a.Content)
		if err != nil {
			return err
		}
		_, err = ui.Out.Write(page)
		return err
	}
	fmt.Fprintln(ui.Out, a.Content)
	return nil
}
