package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/output"
	"github.com/joescharf/pitchdesk/internal/queue"
	"github.com/joescharf/pitchdesk/internal/store"
)

var (
	tasksStatus string
	tasksCase   string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List and retry background tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tasksListRun(cmd.Context())
	},
}

var tasksListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List background tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tasksListRun(cmd.Context())
	},
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Requeue a dead task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tasksRetryRun(cmd.Context(), args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{tasksCmd, tasksListCmd} {
		c.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (pending, running, done, dead)")
		c.Flags().StringVar(&tasksCase, "case", "", "Filter by card ID")
		c.Flags().IntVar(&tasksLimit, "limit", 50, "Maximum tasks to show")
	}
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksRetryCmd)
	rootCmd.AddCommand(tasksCmd)
}

// taskQueue opens the queue without requiring a board.
func taskQueue() (*queue.Queue, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return queue.New(s, queue.DefaultConfig(), newLogger(os.Stderr)), nil
}

func tasksListRun(ctx context.Context) error {
	q, err := taskQueue()
	if err != nil {
		return err
	}

	tasks, err := q.List(ctx, store.TaskListFilter{
		CaseID: tasksCase,
		Status: models.TaskStatus(tasksStatus),
		Limit:  tasksLimit,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		ui.Info("No tasks found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Card", "Step", "Status", "Attempts", "Updated", "Last Error"})
	for _, t := range tasks {
		_ = table.Append([]string{
			shortID(t.ID),
			t.CaseID,
			string(t.Step),
			output.StatusColor(string(t.Status)),
			output.AttemptsColor(t.Attempts, t.MaxAttempts),
			timeAgo(t.UpdatedAt),
			truncate(t.LastError, 50),
		})
	}
	_ = table.Render()
	return nil
}

func tasksRetryRun(ctx context.Context, id string) error {
	q, err := taskQueue()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would requeue task %s", id)
		return nil
	}

	t, err := q.Retry(ctx, id)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	ui.Success("Requeued %s task %s for card %s", t.Step, output.Cyan(shortID(t.ID)), t.CaseID)
	return nil
}
