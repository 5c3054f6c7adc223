package tasks

import (
	"context"
	"strings"
	"time"
)

// Store defines durable persistence for tasks and executions.
//
// Reads return nil (not an error) for missing rows. Implementations
// must tolerate corrupt rows: a row that fails to decode is logged and
// skipped, never surfaced as a store-wide failure.
type Store interface {
	// Task operations

	// CreateTask inserts a task; it fails on id collision.
	CreateTask(ctx context.Context, task *ScheduledTask) error

	// UpdateTask upserts a task by id.
	UpdateTask(ctx context.Context, task *ScheduledTask) error

	// DeleteTask removes the task and all of its executions in one
	// transaction. It reports whether the task existed.
	DeleteTask(ctx context.Context, id string) (bool, error)

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)

	// GetAllTasks returns every task.
	GetAllTasks(ctx context.Context) ([]*ScheduledTask, error)

	// GetTasksByStatus returns tasks in the given lifecycle state.
	GetTasksByStatus(ctx context.Context, status TaskStatus) ([]*ScheduledTask, error)

	// GetActiveEventTasks returns active tasks with an event trigger,
	// optionally narrowed to one event type.
	GetActiveEventTasks(ctx context.Context, eventType string) ([]*ScheduledTask, error)

	// GetUpcomingTasks returns active tasks with NextRunAt after now,
	// soonest first.
	GetUpcomingTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error)

	// GetFilteredTasks applies the filter in memory over all tasks.
	GetFilteredTasks(ctx context.Context, filter TaskFilter) ([]*ScheduledTask, error)

	// Execution operations

	CreateExecution(ctx context.Context, exec *TaskExecution) error
	UpdateExecution(ctx context.Context, exec *TaskExecution) error
	GetExecution(ctx context.Context, id string) (*TaskExecution, error)

	// GetTaskExecutions returns a task's executions newest first,
	// paginated with before as an exclusive StartedAt cursor.
	GetTaskExecutions(ctx context.Context, taskID string, limit int, before *time.Time) ([]*TaskExecution, error)

	// GetRecentExecutions returns the newest executions across all tasks.
	GetRecentExecutions(ctx context.Context, limit int) ([]*TaskExecution, error)

	// CleanupOldExecutions deletes executions started before
	// now - maxAgeDays. It returns the number removed.
	CleanupOldExecutions(ctx context.Context, maxAgeDays int) (int, error)

	// GetStatistics computes index-based counts without loading rows.
	GetStatistics(ctx context.Context, now time.Time) (*Statistics, error)
}

// Closer is implemented by stores that need cleanup.
type Closer interface {
	Close() error
}

// Matches reports whether a task satisfies every populated criterion.
func (f TaskFilter) Matches(task *ScheduledTask) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, task.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, task.Type) {
		return false
	}
	for _, tag := range f.Tags {
		if !containsString(task.Tags, tag) {
			return false
		}
	}
	if f.Search != "" && !searchMatches(task, f.Search) {
		return false
	}
	return true
}

func searchMatches(task *ScheduledTask, search string) bool {
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(task.Name), needle) ||
		strings.Contains(strings.ToLower(task.Description), needle)
}

func containsStatus(set []TaskStatus, s TaskStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
