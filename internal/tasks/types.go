// Package tasks implements the durable, single-leader task scheduler.
//
// Tasks are bound to a trigger (cron expression, fixed interval,
// one-shot timestamp, or named event), persisted across restarts, and
// executed through a pluggable executor registry with retry, backoff,
// and timeout. Every execution is recorded; outcomes propagate through
// notifications, lifecycle hooks, and a dependency graph.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

const (
	// TaskStatusActive indicates the task is considered for firing.
	TaskStatusActive TaskStatus = "active"

	// TaskStatusPaused indicates the task will not run until resumed.
	TaskStatusPaused TaskStatus = "paused"

	// TaskStatusExpired indicates a one-shot task that already fired.
	TaskStatusExpired TaskStatus = "expired"
)

// ExecutionStatus represents the state of a task execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusSkipped   ExecutionStatus = "skipped"
)

// TriggerType discriminates the trigger variants.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerOnce     TriggerType = "once"
	TriggerEvent    TriggerType = "event"
)

// TaskTrigger is a tagged variant; exactly the fields of the tagged
// type are meaningful.
type TaskTrigger struct {
	Type TriggerType `json:"type"`

	// cron
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	// interval
	IntervalMs int64 `json:"interval_ms,omitempty"`

	// once
	RunAt *time.Time `json:"run_at,omitempty"`

	// event
	EventType   string   `json:"event_type,omitempty"`
	EventSource string   `json:"event_source,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Interval returns the interval trigger's period as a duration.
func (t *TaskTrigger) Interval() time.Duration {
	return time.Duration(t.IntervalMs) * time.Millisecond
}

// TaskConfig holds execution policy for a scheduled task.
type TaskConfig struct {
	// Timeout is the maximum duration for one execution attempt.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries is the number of re-attempts after a failure.
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryDelay is the base delay for exponential backoff.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// MaxRetryDelay caps the backoff delay. Zero means the 60 s default.
	MaxRetryDelay time.Duration `json:"max_retry_delay,omitempty"`

	// RunMissedOnStartup fires a recently missed task when the
	// scheduler comes back, instead of silently rescheduling.
	RunMissedOnStartup bool `json:"run_missed_on_startup,omitempty"`

	// AllowConcurrent permits overlapping executions of the same task.
	AllowConcurrent bool `json:"allow_concurrent,omitempty"`
}

// DefaultTaskConfig returns a TaskConfig with sensible defaults.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Timeout:       5 * time.Minute,
		MaxRetries:    0,
		RetryDelay:    30 * time.Second,
		MaxRetryDelay: time.Minute,
	}
}

// NotificationConfig selects which execution events notify the sink.
type NotificationConfig struct {
	OnStart    bool     `json:"on_start,omitempty"`
	OnComplete bool     `json:"on_complete,omitempty"`
	OnError    bool     `json:"on_error,omitempty"`
	Channels   []string `json:"channels,omitempty"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

// ScheduledTask is the durable definition of something to run.
type ScheduledTask struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Type is the key into the executor registry.
	Type string `json:"type"`

	Trigger TaskTrigger `json:"trigger"`

	// Payload is opaque to the scheduler; executors interpret it.
	Payload map[string]any `json:"payload,omitempty"`

	Config       TaskConfig         `json:"config"`
	Notification NotificationConfig `json:"notification"`

	Status TaskStatus `json:"status"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	RunCount     int64  `json:"run_count"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the task safe to hand to executors. Payload
// and tags are copied one level deep.
func (t *ScheduledTask) Clone() *ScheduledTask {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Tags != nil {
		clone.Tags = append([]string(nil), t.Tags...)
	}
	if t.Payload != nil {
		payload := make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			payload[k] = v
		}
		clone.Payload = payload
	}
	if t.Trigger.DependsOn != nil {
		clone.Trigger.DependsOn = append([]string(nil), t.Trigger.DependsOn...)
	}
	if t.LastRunAt != nil {
		lastRun := *t.LastRunAt
		clone.LastRunAt = &lastRun
	}
	if t.NextRunAt != nil {
		nextRun := *t.NextRunAt
		clone.NextRunAt = &nextRun
	}
	if t.Trigger.RunAt != nil {
		runAt := *t.Trigger.RunAt
		clone.Trigger.RunAt = &runAt
	}
	return &clone
}

// LogLevel classifies execution log entries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ExecutionLog is one line of an execution's log.
type ExecutionLog struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// TaskExecution represents one firing of a task.
type TaskExecution struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	// Denormalized for history views that outlive the task.
	TaskName string `json:"task_name"`
	TaskType string `json:"task_type"`

	Status ExecutionStatus `json:"status"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	// RetryAttempt is zero for the first attempt.
	RetryAttempt int `json:"retry_attempt"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    *int64     `json:"duration,omitempty"` // milliseconds

	Logs []ExecutionLog `json:"logs,omitempty"`
}

// IsTerminal returns true if the execution has finished.
func (e *TaskExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusSkipped:
		return true
	default:
		return false
	}
}

// AppendLog adds a log entry with a fresh id and timestamp.
func (e *TaskExecution) AppendLog(level LogLevel, message string, data map[string]any) {
	e.Logs = append(e.Logs, ExecutionLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Data:      data,
	})
}

// TaskFilter selects tasks for filtered listing. All populated criteria
// must hold.
type TaskFilter struct {
	Statuses []TaskStatus
	Types    []string
	Tags     []string

	// Search matches name and description case-insensitively.
	Search string
}

// Statistics summarizes the store contents.
type Statistics struct {
	TotalTasks  int `json:"total_tasks"`
	ActiveTasks int `json:"active_tasks"`
	PausedTasks int `json:"paused_tasks"`

	// UpcomingTasks counts active tasks with a future next run.
	UpcomingTasks int `json:"upcoming_tasks"`

	TotalExecutions     int `json:"total_executions"`
	CompletedExecutions int `json:"completed_executions"`
	FailedExecutions    int `json:"failed_executions"`

	// AvgDurationMs is the mean duration over completed executions.
	AvgDurationMs float64 `json:"avg_duration_ms"`
}
