package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository, applying the pending migrations.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// SchemaVersion returns the applied schema migration version.
func (r *Repository) SchemaVersion(ctx context.Context) (uint, error) {
	migrator, err := migrations.NewMigrator(r.db, r.logger)
	if err != nil {
		return 0, err
	}
	v, dirty, err := migrator.Version(ctx)
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty: %w", v, model.ErrStore)
	}
	return v, nil
}

const taskColumns = `
	id, thread_id, schedule_kind, schedule_value, prompt, context_mode,
	next_run_at, status, last_run_at, last_result, created_at
`

// CreateTask creates a new scheduled task.
func (r *Repository) CreateTask(ctx context.Context, t model.ScheduledTask) error {
	query := `INSERT INTO scheduled_tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.ThreadID,
		t.Schedule.Kind,
		t.Schedule.Value,
		t.Prompt,
		t.ContextMode,
		nullableMilli(t.NextRunAt),
		t.Status,
		nullableMilli(t.LastRunAt),
		t.LastResult,
		t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w: %w", err, model.ErrStore)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE id = ?`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w: %w", err, model.ErrStore)
	}

	return &task, nil
}

// ListTasks lists the tasks of a thread, or all of them.
func (r *Repository) ListTasks(ctx context.Context, threadID string) ([]model.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE (? = '' OR thread_id = ?) ORDER BY created_at, id`
	return r.queryTasks(ctx, query, threadID, threadID)
}

// ListDueTasks lists the active tasks due at now.
func (r *Repository) ListDueTasks(ctx context.Context, now time.Time) ([]model.ScheduledTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM scheduled_tasks
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
	`
	return r.queryTasks(ctx, query, model.TaskStatusActive, now.UnixMilli())
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]model.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w: %w", err, model.ErrStore)
	}
	defer rows.Close()

	tasks := []model.ScheduledTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w: %w", err, model.ErrStore)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w: %w", err, model.ErrStore)
	}

	return tasks, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.ScheduledTask) error {
	query := `
		UPDATE scheduled_tasks
		SET
			thread_id = ?,
			schedule_kind = ?,
			schedule_value = ?,
			prompt = ?,
			context_mode = ?,
			next_run_at = ?,
			status = ?,
			last_run_at = ?,
			last_result = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		t.ThreadID,
		t.Schedule.Kind,
		t.Schedule.Value,
		t.Prompt,
		t.ContextMode,
		nullableMilli(t.NextRunAt),
		t.Status,
		nullableMilli(t.LastRunAt),
		t.LastResult,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w: %w", err, model.ErrStore)
	}

	if err := expectAffected(result, "task "+t.ID); err != nil {
		return err
	}

	r.logger.Debugf("Updated task in repository: %s", t.ID)
	return nil
}

// DeleteTask deletes a task, its run history is removed in cascade.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete task: %w: %w", err, model.ErrStore)
	}

	if err := expectAffected(result, "task "+id); err != nil {
		return err
	}

	r.logger.Debugf("Deleted task from repository: %s", id)
	return nil
}

// AddTaskRun appends a run to the task history.
func (r *Repository) AddTaskRun(ctx context.Context, run model.TaskRun) error {
	query := `
		INSERT INTO task_runs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, run.TaskID, run.RunAt.UnixMilli(), run.Duration.Milliseconds(), run.Status, run.Result, run.Error)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("task %s: %w", run.TaskID, model.ErrNotFound)
		}
		return fmt.Errorf("could not insert task run: %w: %w", err, model.ErrStore)
	}

	return nil
}

// ListTaskRuns returns the latest runs of a task.
func (r *Repository) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]model.TaskRun, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_runs
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query task runs: %w: %w", err, model.ErrStore)
	}
	defer rows.Close()

	runs := []model.TaskRun{}
	for rows.Next() {
		var run model.TaskRun
		var runAt, durationMS int64
		if err := rows.Scan(&run.TaskID, &runAt, &durationMS, &run.Status, &run.Result, &run.Error); err != nil {
			return nil, fmt.Errorf("could not scan row: %w: %w", err, model.ErrStore)
		}
		run.RunAt = timeFromMilli(runAt)
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w: %w", err, model.ErrStore)
	}

	return runs, nil
}

// GetSession returns the session state of a thread.
func (r *Repository) GetSession(ctx context.Context, threadID string) (*model.SessionState, error) {
	query := `
		SELECT thread_id, session_id, last_anchor_message_id, last_processed_cursor, updated_at
		FROM sessions
		WHERE thread_id = ?
	`

	var s model.SessionState
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, query, threadID).Scan(&s.ThreadID, &s.SessionID, &s.LastAnchorMessageID, &s.LastProcessedCursor, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", threadID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query session: %w: %w", err, model.ErrStore)
	}
	s.UpdatedAt = timeFromMilli(updatedAt)

	return &s, nil
}

// SaveSession creates or replaces the session state of a thread.
func (r *Repository) SaveSession(ctx context.Context, s model.SessionState) error {
	query := `
		INSERT INTO sessions (thread_id, session_id, last_anchor_message_id, last_processed_cursor, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			last_anchor_message_id = excluded.last_anchor_message_id,
			last_processed_cursor = excluded.last_processed_cursor,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, s.ThreadID, s.SessionID, s.LastAnchorMessageID, s.LastProcessedCursor, s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("could not save session: %w: %w", err, model.ErrStore)
	}

	r.logger.Debugf("Saved session of thread: %s", s.ThreadID)
	return nil
}

// AddMessage stores an inbound message.
func (r *Repository) AddMessage(ctx context.Context, m model.Message) error {
	query := `INSERT INTO messages (id, thread_id, sender, content, timestamp) VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, m.ID, m.ThreadID, m.Sender, m.Content, m.Timestamp.UnixMilli())
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("message %s: %w", m.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert message: %w: %w", err, model.ErrStore)
	}

	return nil
}

// ListMessagesAfter returns the messages stored after the cursor.
func (r *Repository) ListMessagesAfter(ctx context.Context, threadID, cursor string) ([]model.Message, error) {
	query := `
		SELECT id, thread_id, sender, content, timestamp
		FROM messages
		WHERE thread_id = ?
		  AND seq > COALESCE((SELECT seq FROM messages WHERE id = ? AND thread_id = ?), 0)
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, threadID, cursor, threadID)
	if err != nil {
		return nil, fmt.Errorf("could not query messages: %w: %w", err, model.ErrStore)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var m model.Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Sender, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("could not scan row: %w: %w", err, model.ErrStore)
		}
		m.Timestamp = timeFromMilli(ts)
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w: %w", err, model.ErrStore)
	}

	return msgs, nil
}

// ListMessageThreads returns the threads with messages.
func (r *Repository) ListMessageThreads(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT thread_id FROM messages ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("could not query message threads: %w: %w", err, model.ErrStore)
	}
	defer rows.Close()

	threads := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("could not scan row: %w: %w", err, model.ErrStore)
		}
		threads = append(threads, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w: %w", err, model.ErrStore)
	}

	return threads, nil
}

// MarkEventProcessed records a processed delivery.
func (r *Repository) MarkEventProcessed(ctx context.Context, deliveryID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO processed_events (delivery_id, processed_at) VALUES (?, ?)`, deliveryID, at.UnixMilli())
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("delivery %s: %w", deliveryID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert processed event: %w: %w", err, model.ErrStore)
	}

	return nil
}

// CleanupProcessedEvents removes the deliveries processed before the time.
func (r *Repository) CleanupProcessedEvents(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("could not delete processed events: %w: %w", err, model.ErrStore)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get rows affected: %w: %w", err, model.ErrStore)
	}

	return int(n), nil
}

// AddJobRun stores a finished job.
func (r *Repository) AddJobRun(ctx context.Context, run model.JobRun) error {
	query := `
		INSERT INTO job_runs (job_id, thread_id, kind, container_id, status, attempts, error, log_ref, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		run.JobID,
		run.ThreadID,
		run.Kind,
		run.ContainerID,
		run.Status,
		run.Attempts,
		run.Error,
		run.LogRef,
		run.StartedAt.UnixMilli(),
		run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("could not insert job run: %w: %w", err, model.ErrStore)
	}

	return nil
}

// ListJobRuns returns the latest job runs.
func (r *Repository) ListJobRuns(ctx context.Context, threadID string, limit int) ([]model.JobRun, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT job_id, thread_id, kind, container_id, status, attempts, error, log_ref, started_at, finished_at
		FROM job_runs
		WHERE (? = '' OR thread_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, threadID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query job runs: %w: %w", err, model.ErrStore)
	}
	defer rows.Close()

	runs := []model.JobRun{}
	for rows.Next() {
		var run model.JobRun
		var startedAt, finishedAt int64
		err := rows.Scan(
			&run.JobID,
			&run.ThreadID,
			&run.Kind,
			&run.ContainerID,
			&run.Status,
			&run.Attempts,
			&run.Error,
			&run.LogRef,
			&startedAt,
			&finishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w: %w", err, model.ErrStore)
		}
		run.StartedAt = timeFromMilli(startedAt)
		run.FinishedAt = timeFromMilli(finishedAt)
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w: %w", err, model.ErrStore)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (model.ScheduledTask, error) {
	var t model.ScheduledTask
	var nextRunAt, lastRunAt sql.NullInt64
	var createdAt int64

	err := s.Scan(
		&t.ID,
		&t.ThreadID,
		&t.Schedule.Kind,
		&t.Schedule.Value,
		&t.Prompt,
		&t.ContextMode,
		&nextRunAt,
		&t.Status,
		&lastRunAt,
		&t.LastResult,
		&createdAt,
	)
	if err != nil {
		return model.ScheduledTask{}, err
	}

	t.CreatedAt = timeFromMilli(createdAt)
	if nextRunAt.Valid {
		n := timeFromMilli(nextRunAt.Int64)
		t.NextRunAt = &n
	}
	if lastRunAt.Valid {
		l := timeFromMilli(lastRunAt.Int64)
		t.LastRunAt = &l
	}

	return t, nil
}

func expectAffected(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w: %w", err, model.ErrStore)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return nil
}

func isUniqueErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}

func nullableMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.UnixMilli()
	return &u
}

func timeFromMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
