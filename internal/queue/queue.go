// Package queue runs background pipeline steps out of the SQLite task table.
// Each accepted request becomes a task; a Runner claims tasks one case at a
// time, retries failures with backoff and reports tasks that exhaust their
// attempts to the board.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/store"
)

// Config controls retry and polling behaviour.
type Config struct {
	MaxAttempts  int
	PollInterval time.Duration
	RetryBackoff time.Duration
	Workers      int
}

// DefaultConfig reads queue settings from viper.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  viper.GetInt("queue.max_attempts"),
		PollInterval: viper.GetDuration("queue.poll_interval"),
		RetryBackoff: viper.GetDuration("queue.retry_backoff"),
		Workers:      viper.GetInt("queue.workers"),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

// backoff returns the delay before the given attempt is retried.
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBackoff
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return d
}

// Queue accepts background steps.
type Queue struct {
	tasks store.TaskStore
	cfg   Config
	log   *slog.Logger
}

// New creates a queue backed by the task store.
func New(tasks store.TaskStore, cfg Config, logger *slog.Logger) *Queue {
	return &Queue{tasks: tasks, cfg: cfg.withDefaults(), log: logger.With("component", "queue")}
}

// Submit enqueues step for a case. While a task for the same case and step
// is pending or running, the existing task is returned and created is false.
func (q *Queue) Submit(ctx context.Context, caseID string, step models.Step, payload string) (task *models.Task, created bool, err error) {
	existing, err := q.tasks.FindActiveTask(ctx, caseID, step)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	task = &models.Task{
		CaseID:      caseID,
		Step:        step,
		Payload:     payload,
		MaxAttempts: q.cfg.MaxAttempts,
	}
	if err := q.tasks.CreateTask(ctx, task); err != nil {
		return nil, false, fmt.Errorf("enqueue %s for %s: %w", step, caseID, err)
	}
	q.log.InfoContext(ctx, "task queued",
		slog.String("task", task.ID),
		slog.String("case", caseID),
		slog.String("step", string(step)),
	)
	return task, true, nil
}

// RunInline runs step for a case in the caller's process, recorded as a
// running task so the background runner leaves the case alone until it
// finishes. It fails with store.ErrCaseBusy while the case has a pending or
// running task. A failed run is recorded as dead and can be retried.
func (q *Queue) RunInline(ctx context.Context, caseID string, step models.Step, run func(ctx context.Context) error) error {
	task := &models.Task{
		CaseID:      caseID,
		Step:        step,
		Payload:     models.InlinePayload,
		MaxAttempts: q.cfg.MaxAttempts,
	}
	if _, err := q.tasks.ClaimCase(ctx, task); err != nil {
		return err
	}
	log := q.log.With(
		slog.String("task", task.ID),
		slog.String("case", caseID),
		slog.String("step", string(step)),
	)
	log.DebugContext(ctx, "inline task started")

	runErr := run(ctx)

	recordCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := q.tasks.FailTask(recordCtx, task.ID, runErr.Error(), time.Now(), true); err != nil {
			log.ErrorContext(ctx, "inline failure not recorded", slog.String("error", err.Error()))
		}
		return runErr
	}
	if err := q.tasks.CompleteTask(recordCtx, task.ID); err != nil {
		log.ErrorContext(ctx, "inline task finished but not marked done", slog.String("error", err.Error()))
	}
	return nil
}

// Retry requeues a dead task.
func (q *Queue) Retry(ctx context.Context, id string) (*models.Task, error) {
	return q.tasks.RetryTask(ctx, id)
}

// List returns recent tasks.
func (q *Queue) List(ctx context.Context, filter store.TaskListFilter) ([]*models.Task, error) {
	return q.tasks.ListTasks(ctx, filter)
}
