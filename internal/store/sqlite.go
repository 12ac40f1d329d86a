package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/pitchdesk/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes the queue runner and HTTP handlers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

const taskColumns = `id, case_id, step, payload, status, attempts, max_attempts, last_error, run_after, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var step, status string
	if err := row.Scan(&t.ID, &t.CaseID, &step, &t.Payload, &status, &t.Attempts, &t.MaxAttempts,
		&t.LastError, &t.RunAfter, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Step = models.Step(step)
	t.Status = models.TaskStatus(status)
	return t, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	if t.RunAfter.IsZero() {
		t.RunAfter = now
	}
	t.RunAfter = t.RunAfter.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CaseID, string(t.Step), t.Payload, string(t.Status), t.Attempts, t.MaxAttempts,
		t.LastError, t.RunAfter, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) FindActiveTask(ctx context.Context, caseID string, step models.Step) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE case_id = ? AND step = ? AND status IN ('pending', 'running')
		ORDER BY created_at LIMIT 1`, caseID, string(step)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active %s task for %s: %w", step, caseID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conditions []string
	var args []any

	if filter.CaseID != "" {
		conditions = append(conditions, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, now time.Time) (fn.Option[*models.Task], error) {
	none := fn.None[*models.Task]()
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return none, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'pending' AND t.run_after <= ?
		AND NOT EXISTS (
			SELECT 1 FROM tasks r WHERE r.case_id = t.case_id AND r.status = 'running'
		)
		ORDER BY t.run_after, t.created_at, t.id LIMIT 1`, now))
	if errors.Is(err, sql.ErrNoRows) {
		return none, nil
	}
	if err != nil {
		return none, fmt.Errorf("select claimable task: %w", err)
	}

	t.Status = models.TaskStatusRunning
	t.Attempts++
	t.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), t.Attempts, t.UpdatedAt, t.ID); err != nil {
		return none, fmt.Errorf("claim task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return none, fmt.Errorf("commit claim: %w", err)
	}
	return fn.Some(t), nil
}

func (s *SQLiteStore) ClaimCase(ctx context.Context, t *models.Task) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin case claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	active, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE case_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at LIMIT 1`, t.CaseID))
	if err == nil {
		return active, fmt.Errorf("case %s: %s task %s is %s: %w", t.CaseID, active.Step, active.ID, active.Status, ErrCaseBusy)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find active task: %w", err)
	}

	if t.ID == "" {
		t.ID = newULID()
	}
	now := time.Now().UTC()
	t.Status = models.TaskStatusRunning
	t.Attempts = 1
	t.RunAfter = now
	t.CreatedAt = now
	t.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CaseID, string(t.Step), t.Payload, string(t.Status), t.Attempts, t.MaxAttempts,
		t.LastError, t.RunAfter, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("claim case: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit case claim: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, models.TaskStatusDone, "")
}

func (s *SQLiteStore) FailTask(ctx context.Context, id, lastErr string, retryAt time.Time, dead bool) error {
	status := models.TaskStatusPending
	if dead {
		status = models.TaskStatusDead
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		string(status), lastErr, retryAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RetryTask puts a dead task back in the queue with a fresh attempt budget.
func (s *SQLiteStore) RetryTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TaskStatusDead {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrNotDead)
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', attempts = 0, run_after = ?, updated_at = ? WHERE id = ?`,
		now, now, id); err != nil {
		return nil, fmt.Errorf("retry task: %w", err)
	}
	return s.GetTask(ctx, id)
}

func (s *SQLiteStore) ResetRunningTasks(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'dead', last_error = 'interrupted', updated_at = ?
		WHERE status = 'running' AND payload = ? AND updated_at < ?`,
		now, models.InlinePayload, now.Add(-InlineStaleAfter)); err != nil {
		return 0, fmt.Errorf("reset inline tasks: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', updated_at = ? WHERE status = 'running' AND payload != ?`,
		now, models.InlinePayload)
	if err != nil {
		return 0, fmt.Errorf("reset running tasks: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) setTaskStatus(ctx context.Context, id string, status models.TaskStatus, lastErr string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastErr, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Articles ---

func (s *SQLiteStore) PutArticle(ctx context.Context, a *models.Article) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO articles (id, case_id, profile, revision, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, revision = excluded.revision`,
		a.ID, a.CaseID, a.Profile, a.Revision, a.Content, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put article: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArticle(ctx context.Context, id string) (*models.Article, error) {
	a := &models.Article{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, profile, revision, content, created_at FROM articles WHERE id = ?`, id,
	).Scan(&a.ID, &a.CaseID, &a.Profile, &a.Revision, &a.Content, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListArticles(ctx context.Context, caseID string, limit int) ([]*models.Article, error) {
	query := `SELECT id, case_id, profile, revision, content, created_at FROM articles`
	var args []any
	if caseID != "" {
		query += " WHERE case_id = ?"
		args = append(args, caseID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var articles []*models.Article
	for rows.Next() {
		a := &models.Article{}
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Profile, &a.Revision, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// --- Staging ---

func (s *SQLiteStore) ReserveStaging(ctx context.Context, item *models.StagedItem) (bool, *models.StagedItem, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO staged_items (key, card_id, title, url, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		item.Key, item.CardID, item.Title, item.URL, item.CreatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("reserve staging key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return true, item, nil
	}

	existing := &models.StagedItem{}
	err = s.db.QueryRowContext(ctx,
		`SELECT key, card_id, title, url, created_at FROM staged_items WHERE key = ?`, item.Key,
	).Scan(&existing.Key, &existing.CardID, &existing.Title, &existing.URL, &existing.CreatedAt)
	if err != nil {
		return false, nil, fmt.Errorf("read staging key: %w", err)
	}
	return false, existing, nil
}

func (s *SQLiteStore) SetStagedCard(ctx context.Context, key, cardID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE staged_items SET card_id = ? WHERE key = ?`, cardID, key)
	if err != nil {
		return fmt.Errorf("record staged card: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("staging key %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ReleaseStaging(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM staged_items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("release staging key: %w", err)
	}
	return nil
}
