package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pitchdesk/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

// --- Tasks ---

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{CaseID: "card-1", Step: models.StepGenerate, MaxAttempts: 3}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	active, err := s.FindActiveTask(ctx, "card-1", models.StepGenerate)
	require.NoError(t, err)
	assert.Equal(t, task.ID, active.ID)

	_, err = s.FindActiveTask(ctx, "card-1", models.StepReview)
	assert.ErrorIs(t, err, ErrNotFound)

	claimed, err := s.ClaimTask(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, claimed.IsSome())
	got := claimed.UnwrapOr(nil)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Nothing else is runnable.
	claimed, err = s.ClaimTask(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, claimed.IsNone())

	require.NoError(t, s.CompleteTask(ctx, task.ID))
	done, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, done.Status)

	_, err = s.FindActiveTask(ctx, "card-1", models.StepGenerate)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimTask_OneRunningTaskPerCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	first := &models.Task{CaseID: "card-1", Step: models.StepGenerate, MaxAttempts: 3, RunAfter: base.Add(-3 * time.Second)}
	require.NoError(t, s.CreateTask(ctx, first))
	second := &models.Task{CaseID: "card-1", Step: models.StepReview, MaxAttempts: 3, RunAfter: base.Add(-2 * time.Second)}
	require.NoError(t, s.CreateTask(ctx, second))
	other := &models.Task{CaseID: "card-2", Step: models.StepGenerate, MaxAttempts: 3, RunAfter: base.Add(-time.Second)}
	require.NoError(t, s.CreateTask(ctx, other))

	later := base.Add(time.Second)

	c1, err := s.ClaimTask(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, first.ID, c1.UnwrapOr(nil).ID)

	// card-1 is busy, so the next claim goes to card-2.
	c2, err := s.ClaimTask(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, other.ID, c2.UnwrapOr(nil).ID)

	c3, err := s.ClaimTask(ctx, later)
	require.NoError(t, err)
	assert.True(t, c3.IsNone())

	require.NoError(t, s.CompleteTask(ctx, first.ID))
	c4, err := s.ClaimTask(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, second.ID, c4.UnwrapOr(nil).ID)
}

func TestClaimTask_RespectsRunAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{CaseID: "card-1", Step: models.StepReview, MaxAttempts: 3,
		RunAfter: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateTask(ctx, task))

	claimed, err := s.ClaimTask(ctx, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed.IsNone())

	claimed, err = s.ClaimTask(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, claimed.IsSome())
}

func TestFailTask_RetryAndDead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{CaseID: "card-1", Step: models.StepGenerate, MaxAttempts: 2}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.FailTask(ctx, task.ID, "boom", time.Now().Add(time.Minute), false))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, "boom", got.LastError)

	_, err = s.RetryTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotDead)

	require.NoError(t, s.FailTask(ctx, task.ID, "boom again", time.Now(), true))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDead, got.Status)

	retried, err := s.RetryTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)

	assert.ErrorIs(t, s.FailTask(ctx, "missing", "x", time.Now(), true), ErrNotFound)
}

func TestResetRunningTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{CaseID: "card-1", Step: models.StepGenerate, MaxAttempts: 3}
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimTask(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)

	n, err := s.ResetRunningTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
}

func TestResetRunningTasks_StaleInlineTasksDie(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inline := &models.Task{CaseID: "card-1", Step: models.StepReview, Payload: models.InlinePayload}
	_, err := s.ClaimCase(ctx, inline)
	require.NoError(t, err)

	// A live inline run keeps its claim across a runner restart.
	n, err := s.ResetRunningTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	got, err := s.GetTask(ctx, inline.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)

	stale := time.Now().UTC().Add(-2 * InlineStaleAfter)
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, stale, inline.ID)
	require.NoError(t, err)

	n, err = s.ResetRunningTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	got, err = s.GetTask(ctx, inline.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDead, got.Status)
	assert.Equal(t, "interrupted", got.LastError)
}

func TestClaimCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued := &models.Task{CaseID: "card-1", Step: models.StepGenerate, MaxAttempts: 3}
	require.NoError(t, s.CreateTask(ctx, queued))

	// A pending task for any step blocks the case.
	active, err := s.ClaimCase(ctx, &models.Task{CaseID: "card-1", Step: models.StepReview})
	require.ErrorIs(t, err, ErrCaseBusy)
	require.NotNil(t, active)
	assert.Equal(t, queued.ID, active.ID)

	// Other cases are unaffected.
	inline := &models.Task{CaseID: "card-2", Step: models.StepReview, Payload: models.InlinePayload}
	claimed, err := s.ClaimCase(ctx, inline)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// The runner skips work for a case claimed inline.
	require.NoError(t, s.CreateTask(ctx, &models.Task{CaseID: "card-2", Step: models.StepGenerate}))
	require.NoError(t, s.CompleteTask(ctx, queued.ID))
	next, err := s.ClaimTask(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, next.IsNone())

	_, err = s.ClaimCase(ctx, &models.Task{CaseID: "card-2", Step: models.StepGenerate})
	assert.ErrorIs(t, err, ErrCaseBusy)
}

func TestListTasks_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"card-1", "card-1", "card-2"} {
		require.NoError(t, s.CreateTask(ctx, &models.Task{CaseID: id, Step: models.StepReview, MaxAttempts: 3}))
	}

	all, err := s.ListTasks(ctx, TaskListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byCase, err := s.ListTasks(ctx, TaskListFilter{CaseID: "card-1"})
	require.NoError(t, err)
	assert.Len(t, byCase, 2)

	dead, err := s.ListTasks(ctx, TaskListFilter{Status: models.TaskStatusDead})
	require.NoError(t, err)
	assert.Empty(t, dead)

	limited, err := s.ListTasks(ctx, TaskListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Articles ---

func TestArticles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &models.Article{CaseID: "card-1", Profile: "news", Content: "draft one"}
	require.NoError(t, s.PutArticle(ctx, a))
	assert.NotEmpty(t, a.ID)

	b := &models.Article{CaseID: "card-1", Profile: "news", Revision: 1, Content: "draft two"}
	require.NoError(t, s.PutArticle(ctx, b))
	require.NoError(t, s.PutArticle(ctx, &models.Article{CaseID: "card-2", Content: "other"}))

	got, err := s.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft one", got.Content)
	assert.Equal(t, "news", got.Profile)

	list, err := s.ListArticles(ctx, "card-1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	all, err := s.ListArticles(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.GetArticle(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Staging ---

func TestStaging_AtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, _, err := s.ReserveStaging(ctx, &models.StagedItem{Key: "k1", Title: "ACME beats", URL: "https://x"})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.SetStagedCard(ctx, "k1", "card-9"))

	ok, existing, err := s.ReserveStaging(ctx, &models.StagedItem{Key: "k1", Title: "ACME beats"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "card-9", existing.CardID)

	require.NoError(t, s.ReleaseStaging(ctx, "k1"))
	ok, _, err = s.ReserveStaging(ctx, &models.StagedItem{Key: "k1"})
	require.NoError(t, err)
	assert.True(t, ok, "released key can be reserved again")

	assert.ErrorIs(t, s.SetStagedCard(ctx, "missing", "c"), ErrNotFound)
}
