package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// schemaVersion is tracked via PRAGMA user_version. Version 1 is the
// original layout; version 2 adds the (status, type) index.
const schemaVersion = 2

// SQLiteStore implements Store on a local SQLite database shared by
// co-located instances.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and migrates
// the schema. Use ":memory:" for tests.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Serialized access avoids SQLITE_BUSY between the scheduler
	// goroutines sharing this handle.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger.With("component", "task-store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components sharing the database
// file, such as the heartbeat leader elector.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT,
				tags TEXT,
				type TEXT NOT NULL,
				trigger TEXT NOT NULL,
				payload TEXT,
				config TEXT,
				notification TEXT,
				status TEXT NOT NULL,
				last_run_at INTEGER,
				next_run_at INTEGER,
				run_count INTEGER NOT NULL DEFAULT 0,
				success_count INTEGER NOT NULL DEFAULT 0,
				failure_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				task_name TEXT NOT NULL,
				task_type TEXT NOT NULL,
				status TEXT NOT NULL,
				input TEXT,
				output TEXT,
				error TEXT,
				retry_attempt INTEGER NOT NULL DEFAULT 0,
				started_at INTEGER NOT NULL,
				completed_at INTEGER,
				duration_ms INTEGER,
				logs TEXT
			)`,
			"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
			"CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(next_run_at)",
			"CREATE INDEX IF NOT EXISTS idx_tasks_status_next_run ON tasks(status, next_run_at)",
			"CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id)",
			"CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)",
			"CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at)",
			"CREATE INDEX IF NOT EXISTS idx_executions_task_started ON executions(task_id, started_at)",
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate to v1: %w", err)
			}
		}
		version = 1
	}

	if version < 2 {
		if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_status_type ON tasks(status, type)"); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		version = 2
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

const taskColumns = `id, name, description, tags, type, trigger, payload, config,
	notification, status, last_run_at, next_run_at, run_count, success_count,
	failure_count, last_error, created_at, updated_at`

// CreateTask inserts a task; it fails on id collision.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *ScheduledTask) error {
	if task == nil {
		return NewError(CodeDBError, "task is required")
	}
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return WrapError(CodeDBError, err, "create task %s", task.ID)
	}
	return nil
}

// UpdateTask upserts a task by id.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *ScheduledTask) error {
	if task == nil {
		return NewError(CodeDBError, "task is required")
	}
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return WrapError(CodeDBError, err, "update task %s", task.ID)
	}
	return nil
}

// DeleteTask removes the task and its executions transactionally.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, WrapError(CodeDBError, err, "begin delete")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM executions WHERE task_id = ?", id); err != nil {
		return false, WrapError(CodeDBError, err, "delete executions of %s", id)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return false, WrapError(CodeDBError, err, "delete task %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, WrapError(CodeDBError, err, "delete task %s", id)
	}
	if err := tx.Commit(); err != nil {
		return false, WrapError(CodeDBError, err, "commit delete of %s", id)
	}
	return affected > 0, nil
}

// GetTask retrieves a task by id; missing or corrupt rows return nil.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, errCorruptRow) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError(CodeDBError, err, "get task %s", id)
	}
	return task, nil
}

// GetAllTasks returns every task.
func (s *SQLiteStore) GetAllTasks(ctx context.Context) ([]*ScheduledTask, error) {
	return s.queryTasks(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at ASC")
}

// GetTasksByStatus returns tasks in the given lifecycle state.
func (s *SQLiteStore) GetTasksByStatus(ctx context.Context, status TaskStatus) ([]*ScheduledTask, error) {
	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY created_at ASC",
		string(status))
}

// GetActiveEventTasks scans active tasks via the status index and
// filters event triggers in memory.
func (s *SQLiteStore) GetActiveEventTasks(ctx context.Context, eventType string) ([]*ScheduledTask, error) {
	active, err := s.GetTasksByStatus(ctx, TaskStatusActive)
	if err != nil {
		return nil, err
	}
	var out []*ScheduledTask
	for _, task := range active {
		if task.Trigger.Type != TriggerEvent {
			continue
		}
		if eventType != "" && task.Trigger.EventType != eventType {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// GetUpcomingTasks returns active tasks with a future next run,
// soonest first.
func (s *SQLiteStore) GetUpcomingTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at > ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, string(TaskStatusActive), now.UnixMilli(), limit)
}

// GetFilteredTasks applies the filter in memory over all tasks.
func (s *SQLiteStore) GetFilteredTasks(ctx context.Context, filter TaskFilter) ([]*ScheduledTask, error) {
	all, err := s.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ScheduledTask
	for _, task := range all {
		if filter.Matches(task) {
			out = append(out, task)
		}
	}
	return out, nil
}

const executionColumns = `id, task_id, task_name, task_type, status, input, output,
	error, retry_attempt, started_at, completed_at, duration_ms, logs`

// CreateExecution inserts an execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *TaskExecution) error {
	if exec == nil {
		return NewError(CodeDBError, "execution is required")
	}
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return WrapError(CodeDBError, err, "create execution %s", exec.ID)
	}
	return nil
}

// UpdateExecution rewrites an execution record.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *TaskExecution) error {
	if exec == nil {
		return NewError(CodeDBError, "execution is required")
	}
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return WrapError(CodeDBError, err, "update execution %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	exec, err := s.scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, errCorruptRow) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError(CodeDBError, err, "get execution %s", id)
	}
	return exec, nil
}

// GetTaskExecutions pages through a task's history newest first using
// the (task_id, started_at) index with before as an exclusive cursor.
func (s *SQLiteStore) GetTaskExecutions(ctx context.Context, taskID string, limit int, before *time.Time) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT " + executionColumns + " FROM executions WHERE task_id = ?"
	args := []any{taskID}
	if before != nil {
		query += " AND started_at < ?"
		args = append(args, before.UnixMilli())
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)
	return s.queryExecutions(ctx, query, args...)
}

// GetRecentExecutions returns the newest executions across all tasks.
func (s *SQLiteStore) GetRecentExecutions(ctx context.Context, limit int) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryExecutions(ctx,
		"SELECT "+executionColumns+" FROM executions ORDER BY started_at DESC LIMIT ?", limit)
}

// CleanupOldExecutions range-deletes executions older than maxAgeDays.
func (s *SQLiteStore) CleanupOldExecutions(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE started_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, WrapError(CodeDBError, err, "cleanup executions")
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, WrapError(CodeDBError, err, "cleanup executions")
	}
	return int(count), nil
}

// GetStatistics computes counts with SQL aggregates; no rows are
// materialized.
func (s *SQLiteStore) GetStatistics(ctx context.Context, now time.Time) (*Statistics, error) {
	stats := &Statistics{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? AND next_run_at IS NOT NULL AND next_run_at > ? THEN 1 END)
		FROM tasks
	`, string(TaskStatusActive), string(TaskStatusPaused), string(TaskStatusActive), now.UnixMilli()).
		Scan(&stats.TotalTasks, &stats.ActiveTasks, &stats.PausedTasks, &stats.UpcomingTasks)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "task statistics")
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END),
			AVG(CASE WHEN status = ? THEN duration_ms END)
		FROM executions
	`, string(ExecutionStatusCompleted), string(ExecutionStatusFailed), string(ExecutionStatusCompleted)).
		Scan(&stats.TotalExecutions, &stats.CompletedExecutions, &stats.FailedExecutions, &avg)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "execution statistics")
	}
	if avg.Valid {
		stats.AvgDurationMs = avg.Float64
	}
	return stats, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "query tasks")
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := s.scanTask(rows)
		if errors.Is(err, errCorruptRow) {
			continue
		}
		if err != nil {
			return nil, WrapError(CodeDBError, err, "scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(CodeDBError, err, "query tasks")
	}
	return tasks, nil
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "query executions")
	}
	defer rows.Close()

	var executions []*TaskExecution
	for rows.Next() {
		exec, err := s.scanExecution(rows)
		if errors.Is(err, errCorruptRow) {
			continue
		}
		if err != nil {
			return nil, WrapError(CodeDBError, err, "scan execution")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(CodeDBError, err, "query executions")
	}
	return executions, nil
}

// errCorruptRow marks a row whose JSON columns failed to decode. The
// row is logged and skipped.
var errCorruptRow = errors.New("corrupt row")

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func taskArgs(task *ScheduledTask) ([]any, error) {
	tags, err := marshalJSON(task.Tags)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal tags")
	}
	trigger, err := json.Marshal(task.Trigger)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal trigger")
	}
	payload, err := marshalJSON(task.Payload)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal payload")
	}
	config, err := json.Marshal(task.Config)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal config")
	}
	notification, err := json.Marshal(task.Notification)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal notification")
	}

	return []any{
		task.ID,
		task.Name,
		nullableString(task.Description),
		tags,
		task.Type,
		string(trigger),
		payload,
		string(config),
		string(notification),
		string(task.Status),
		nullableMilli(task.LastRunAt),
		nullableMilli(task.NextRunAt),
		task.RunCount,
		task.SuccessCount,
		task.FailureCount,
		nullableString(task.LastError),
		task.CreatedAt.UnixMilli(),
		task.UpdatedAt.UnixMilli(),
	}, nil
}

func (s *SQLiteStore) scanTask(sc scanner) (*ScheduledTask, error) {
	var task ScheduledTask
	var (
		description sql.NullString
		tags        sql.NullString
		trigger     string
		payload     sql.NullString
		config      sql.NullString
		notification sql.NullString
		status      string
		lastRunAt   sql.NullInt64
		nextRunAt   sql.NullInt64
		lastError   sql.NullString
		createdAt   int64
		updatedAt   int64
	)

	err := sc.Scan(
		&task.ID,
		&task.Name,
		&description,
		&tags,
		&task.Type,
		&trigger,
		&payload,
		&config,
		&notification,
		&status,
		&lastRunAt,
		&nextRunAt,
		&task.RunCount,
		&task.SuccessCount,
		&task.FailureCount,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	task.Description = description.String
	task.LastError = lastError.String
	task.CreatedAt = time.UnixMilli(createdAt)
	task.UpdatedAt = time.UnixMilli(updatedAt)
	if lastRunAt.Valid {
		t := time.UnixMilli(lastRunAt.Int64)
		task.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := time.UnixMilli(nextRunAt.Int64)
		task.NextRunAt = &t
	}

	if err := json.Unmarshal([]byte(trigger), &task.Trigger); err != nil {
		s.logger.Warn("skipping corrupt task row", "id", task.ID, "column", "trigger", "error", err)
		return nil, errCorruptRow
	}
	if err := unmarshalJSON(tags, &task.Tags); err != nil {
		s.logger.Warn("skipping corrupt task row", "id", task.ID, "column", "tags", "error", err)
		return nil, errCorruptRow
	}
	if err := unmarshalJSON(payload, &task.Payload); err != nil {
		s.logger.Warn("skipping corrupt task row", "id", task.ID, "column", "payload", "error", err)
		return nil, errCorruptRow
	}
	if err := unmarshalJSON(config, &task.Config); err != nil {
		s.logger.Warn("skipping corrupt task row", "id", task.ID, "column", "config", "error", err)
		return nil, errCorruptRow
	}
	if err := unmarshalJSON(notification, &task.Notification); err != nil {
		s.logger.Warn("skipping corrupt task row", "id", task.ID, "column", "notification", "error", err)
		return nil, errCorruptRow
	}
	return &task, nil
}

func executionArgs(exec *TaskExecution) ([]any, error) {
	input, err := marshalJSON(exec.Input)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal input")
	}
	output, err := marshalJSON(exec.Output)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal output")
	}
	logs, err := marshalJSON(exec.Logs)
	if err != nil {
		return nil, WrapError(CodeDBError, err, "marshal logs")
	}

	var duration any
	if exec.Duration != nil {
		duration = *exec.Duration
	}

	return []any{
		exec.ID,
		exec.TaskID,
		exec.TaskName,
		exec.TaskType,
		string(exec.Status),
		input,
		output,
		nullableString(exec.Error),
		exec.RetryAttempt,
		exec.StartedAt.UnixMilli(),
		nullableMilli(exec.CompletedAt),
		duration,
		logs,
	}, nil
}

func (s *SQLiteStore) scanExecution(sc scanner) (*TaskExecution, error) {
	var exec TaskExecution
	var (
		status      string
		input       sql.NullString
		output      sql.NullString
		errMsg      sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
		duration    sql.NullInt64
		logs        sql.NullString
	)

	err := sc.Scan(
		&exec.ID,
		&exec.TaskID,
		&exec.TaskName,
		&exec.TaskType,
		&status,
		&input,
		&output,
		&errMsg,
		&exec.RetryAttempt,
		&startedAt,
		&completedAt,
		&duration,
		&logs,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = ExecutionStatus(status)
	exec.Error = errMsg.String
	exec.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		exec.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		exec.Duration = &d
	}

	if err := unmarshalJSON(input, &exec.Input); err != nil {
		s.logger.Warn("skipping corrupt execution row", "id", exec.ID, "column", "input", "error", err)
		return nil, errCorruptRow
	}
	if err := unmarshalJSON(output, &exec.Output); err != nil {
		s.logger.Warn("skipping corrupt execution row", "id", exec.ID, "column", "output", "error", err)
		return nil, errCorruptRow
	}
	if err := unmarshalJSON(logs, &exec.Logs); err != nil {
		s.logger.Warn("skipping corrupt execution row", "id", exec.ID, "column", "logs", "error", err)
		return nil, errCorruptRow
	}
	return &exec, nil
}

// marshalJSON serializes v, mapping empty values to NULL.
func marshalJSON(v any) (any, error) {
	switch typed := v.(type) {
	case []string:
		if len(typed) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(typed) == 0 {
			return nil, nil
		}
	case []ExecutionLog:
		if len(typed) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable JSON column into target.
func unmarshalJSON(col sql.NullString, target any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), target)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMilli(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
