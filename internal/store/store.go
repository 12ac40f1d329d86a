package store

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/joescharf/pitchdesk/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotDead is returned when retrying a task that has not been given up on.
var ErrNotDead = errors.New("only dead tasks can be retried")

// InlineStaleAfter is how long an inline task may stay running before a
// restarting runner treats its process as gone.
const InlineStaleAfter = time.Hour

// ErrCaseBusy is returned when a case already has a pending or running task.
var ErrCaseBusy = errors.New("case has an active task")

// TaskListFilter specifies filters for listing tasks.
type TaskListFilter struct {
	CaseID string
	Status models.TaskStatus
	Limit  int
}

// TaskStore persists queued background steps.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// FindActiveTask returns the pending or running task for a case and
	// step, or ErrNotFound.
	FindActiveTask(ctx context.Context, caseID string, step models.Step) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error)
	// ClaimTask marks the oldest runnable task as running. Tasks whose case
	// already has a running task are skipped.
	ClaimTask(ctx context.Context, now time.Time) (fn.Option[*models.Task], error)
	// ClaimCase records t as a running task unless the case already has a
	// pending or running task, in which case it returns that task and
	// ErrCaseBusy.
	ClaimCase(ctx context.Context, t *models.Task) (*models.Task, error)
	CompleteTask(ctx context.Context, id string) error
	// FailTask records an attempt failure. The task is rescheduled at
	// retryAt, or marked dead when dead is set.
	FailTask(ctx context.Context, id, lastErr string, retryAt time.Time, dead bool) error
	RetryTask(ctx context.Context, id string) (*models.Task, error)
	// ResetRunningTasks requeues tasks left running by a previous process.
	// Inline tasks belong to another process that may still be running;
	// they are marked dead only once older than InlineStaleAfter.
	ResetRunningTasks(ctx context.Context) (int64, error)
}

// ArticleStore keeps generated articles by ID.
type ArticleStore interface {
	PutArticle(ctx context.Context, a *models.Article) error
	GetArticle(ctx context.Context, id string) (*models.Article, error)
	ListArticles(ctx context.Context, caseID string, limit int) ([]*models.Article, error)
}

// StagingStore guarantees a source item is staged as a card at most once.
type StagingStore interface {
	// ReserveStaging claims key. It returns false and the existing record
	// when the key is already taken.
	ReserveStaging(ctx context.Context, item *models.StagedItem) (bool, *models.StagedItem, error)
	SetStagedCard(ctx context.Context, key, cardID string) error
	ReleaseStaging(ctx context.Context, key string) error
}

// Store defines the persistence interface for pitchdesk.
type Store interface {
	TaskStore
	ArticleStore
	StagingStore

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
