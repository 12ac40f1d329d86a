package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/output"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/store"
)

var (
	cardsQueue bool
	caseJSON   bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <card-id>",
	Short: "Generate and review the article for a staged pitch",
	Long: `Generate the article for a staged pitch card and run it through
review, exactly as clicking the card's generate link does. By default the
run happens in this process; --queue hands it to the running server.
A card with a queued or running task is refused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cardStepRun(cmd.Context(), args[0], models.StepGenerate)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <card-id>",
	Short: "Resume or repeat review of a card's case",
	Long: `Resume review of the case stored on a card. A case left mid-review is
judged and revised until it is approved or escalated; a finished case has
its final board writes repeated, which repairs a card whose last update
failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cardStepRun(cmd.Context(), args[0], models.StepReview)
	},
}

var caseCmd = &cobra.Command{
	Use:   "case <card-id>",
	Short: "Show the review case stored on a card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return caseShowRun(cmd.Context(), args[0])
	},
}

func init() {
	generateCmd.Flags().BoolVar(&cardsQueue, "queue", false, "Enqueue for the background runner instead of running now")
	reviewCmd.Flags().BoolVar(&cardsQueue, "queue", false, "Enqueue for the background runner instead of running now")
	caseCmd.Flags().BoolVar(&caseJSON, "json", false, "Print the case as JSON")
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(caseCmd)
}

func cardStepRun(ctx context.Context, cardID string, step models.Step) error {
	a, err := newApp(ctx, newLogger(os.Stderr))
	if err != nil {
		return err
	}
	if a.BoardErr != nil {
		return a.BoardErr
	}
	return a.runCardStep(ctx, cardID, step)
}

// runCardStep checks the card, then queues the step or runs it here.
func (a *app) runCardStep(ctx context.Context, cardID string, step models.Step) error {
	if step == models.StepGenerate {
		if err := a.Gated.Check(ctx, cardID); err != nil {
			return err
		}
	} else if _, err := a.Engine.LoadCase(ctx, cardID); err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would run %s for card %s", step, cardID)
		return nil
	}

	if cardsQueue {
		task, created, err := a.Queue.Submit(ctx, cardID, step, "")
		if err != nil {
			return err
		}
		if !created {
			ui.Info("Already queued as task %s (%s)", output.Cyan(shortID(task.ID)), task.Status)
			return nil
		}
		ui.Success("Queued %s task %s", step, output.Cyan(shortID(task.ID)))
		return nil
	}

	var res *review.Result
	err := a.Queue.RunInline(ctx, cardID, step, func(ctx context.Context) error {
		var runErr error
		if step == models.StepGenerate {
			res, runErr = a.Gated.Generate(ctx, cardID)
		} else {
			res, runErr = a.Gated.Review(ctx, cardID)
		}
		return runErr
	})
	if errors.Is(err, store.ErrCaseBusy) {
		return fmt.Errorf("%w; see 'pitchdesk tasks --case %s'", err, cardID)
	}
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func printResult(res *review.Result) {
	if res == nil || res.Case == nil {
		return
	}
	c := res.Case
	switch c.Status {
	case models.CaseStatusApproved:
		ui.Success("Approved after %d revision(s): %s", c.RevisionCount, c.Title)
	case models.CaseStatusEscalated:
		ui.Warning("Escalated after %d revision(s): %s", c.RevisionCount, c.EscalationReason)
	default:
		ui.Info("Case is %s", output.StatusColor(string(c.Status)))
	}
	if err := res.Outcome.Err(); err != nil {
		ui.Warning("Board update incomplete: %v", err)
		ui.Info("Run 'pitchdesk review %s' to repeat it", c.CaseID)
	}
}

func caseShowRun(ctx context.Context, cardID string) error {
	a, err := newApp(ctx, newLogger(os.Stderr))
	if err != nil {
		return err
	}
	if a.BoardErr != nil {
		return a.BoardErr
	}

	c, err := a.Engine.LoadCase(ctx, cardID)
	if err != nil {
		return err
	}

	if caseJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	}
	printCase(c)
	return nil
}

func printCase(c *models.ReviewCase) {
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(c.CaseID), c.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(c.Status)))
	fmt.Fprintf(ui.Out, "  Profile:    %s\n", c.Profile)
	fmt.Fprintf(ui.Out, "  Revisions:  %d\n", c.RevisionCount)
	if c.ArticleID != "" {
		fmt.Fprintf(ui.Out, "  Article:    %s\n", c.ArticleID)
	}
	fmt.Fprintf(ui.Out, "  Updated:    %s\n", timeAgo(c.UpdatedAt))
	if c.EscalationReason != "" {
		fmt.Fprintf(ui.Out, "  Escalation: %s\n", c.EscalationReason)
	}
	if len(c.ReviewIssues) > 0 {
		fmt.Fprintln(ui.Out, "  Issues:")
		for _, issue := range c.ReviewIssues {
			fmt.Fprintf(ui.Out, "    - %s\n", issue)
		}
	}
	if len(c.AllRevisionFeedback) > 0 {
		fmt.Fprintln(ui.Out, "  Feedback:")
		for i, fb := range c.AllRevisionFeedback {
			fmt.Fprintf(ui.Out, "    %d. %s\n", i+1, truncate(strings.TrimSpace(fb), 120))
		}
	}
}
