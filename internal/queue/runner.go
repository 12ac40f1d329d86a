package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/models"
)

// Handler executes one task. Returning an error schedules a retry.
type Handler func(ctx context.Context, task *models.Task) error

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// DeadLetter is told about tasks that will not be retried again.
type DeadLetter interface {
	TaskDead(ctx context.Context, task *models.Task, err error)
}

// Runner claims and executes queued tasks.
type Runner struct {
	q        *Queue
	handlers map[models.Step]Handler
	dead     DeadLetter
	log      *slog.Logger
	now      func() time.Time
}

// NewRunner creates a runner for the queue. dead may be nil.
func NewRunner(q *Queue, dead DeadLetter) *Runner {
	return &Runner{
		q:        q,
		handlers: make(map[models.Step]Handler),
		dead:     dead,
		log:      q.log,
		now:      time.Now,
	}
}

// Handle registers the handler for a step.
func (r *Runner) Handle(step models.Step, h Handler) {
	r.handlers[step] = h
}

// Start resets tasks left running by a previous process and then polls
// until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	n, err := r.q.tasks.ResetRunningTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.InfoContext(ctx, "requeued interrupted tasks", slog.Int64("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.q.cfg.Workers; i++ {
		g.Go(func() error {
			r.work(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) work(ctx context.Context) {
	ticker := time.NewTicker(r.q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything runnable before waiting again.
		for {
			ran, err := r.RunOnce(ctx)
			if err != nil {
				r.log.WarnContext(ctx, "claim failed", slog.String("error", err.Error()))
				break
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one task. It reports whether a task
// was run.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	claimed, err := r.q.tasks.ClaimTask(ctx, r.now())
	if err != nil {
		return false, err
	}
	if claimed.IsNone() {
		return false, nil
	}
	claimed.WhenSome(func(task *models.Task) {
		r.execute(ctx, task)
	})
	return true, nil
}

func (r *Runner) execute(ctx context.Context, task *models.Task) {
	log := r.log.With(
		slog.String("task", task.ID),
		slog.String("case", task.CaseID),
		slog.String("step", string(task.Step)),
		slog.Int("attempt", task.Attempts),
	)

	h, ok := r.handlers[task.Step]
	var err error
	if !ok {
		err = fmt.Errorf("no handler for step %q: %w", task.Step, ErrPermanent)
	} else {
		err = safeCall(ctx, h, task)
	}

	if err == nil {
		if cerr := r.q.tasks.CompleteTask(ctx, task.ID); cerr != nil {
			log.ErrorContext(ctx, "task finished but not marked done", slog.String("error", cerr.Error()))
			return
		}
		log.InfoContext(ctx, "task done")
		return
	}

	limit := task.MaxAttempts
	if limit <= 0 {
		limit = r.q.cfg.MaxAttempts
	}
	dead := errors.Is(err, ErrPermanent) || task.Attempts >= limit
	retryAt := r.now().Add(r.q.cfg.backoff(task.Attempts))

	// Use a fresh context so shutdown still records the failure.
	recordCtx := context.WithoutCancel(ctx)
	if ferr := r.q.tasks.FailTask(recordCtx, task.ID, err.Error(), retryAt, dead); ferr != nil {
		log.ErrorContext(ctx, "task failure not recorded", slog.String("error", ferr.Error()))
	}

	if !dead {
		log.WarnContext(ctx, "task failed, will retry",
			slog.String("error", err.Error()),
			slog.Time("retry_at", retryAt),
		)
		return
	}

	log.ErrorContext(ctx, "task dead", slog.String("error", err.Error()))
	task.Status = models.TaskStatusDead
	task.LastError = err.Error()
	if r.dead != nil {
		r.dead.TaskDead(recordCtx, task, err)
	}
}

func safeCall(ctx context.Context, h Handler, task *models.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, task)
}

// BoardDeadLetter comments on the task's card when a task dies.
type BoardDeadLetter struct {
	Board board.Board
	Log   *slog.Logger
}

// TaskDead implements DeadLetter.
func (d *BoardDeadLetter) TaskDead(ctx context.Context, task *models.Task, err error) {
	text := fmt.Sprintf("Background %s step failed after %d attempt(s) and was stopped.\n\nError: %s\n\nTask: %s",
		task.Step, task.Attempts, err.Error(), task.ID)
	if cerr := d.Board.AddComment(ctx, task.CaseID, text); cerr != nil && d.Log != nil {
		d.Log.ErrorContext(ctx, "dead task not reported to board",
			slog.String("task", task.ID),
			slog.String("case", task.CaseID),
			slog.String("error", cerr.Error()),
		)
	}
}
