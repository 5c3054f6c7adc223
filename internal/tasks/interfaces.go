package tasks

import (
	"context"
	"time"
)

// NotificationEvent classifies sink notifications.
type NotificationEvent string

const (
	NotifyStart    NotificationEvent = "start"
	NotifyProgress NotificationEvent = "progress"
	NotifyComplete NotificationEvent = "complete"
	NotifyError    NotificationEvent = "error"
)

// NotificationSink delivers execution notifications. Channel selection,
// templating, and transport belong to the implementation. Errors are
// logged by the scheduler and never fail an execution.
type NotificationSink interface {
	Notify(ctx context.Context, task *ScheduledTask, exec *TaskExecution, event NotificationEvent) error
}

// LifecycleHooks receives execution lifecycle callbacks. Failures
// inside hooks must be swallowed by the implementation.
type LifecycleHooks interface {
	OnTaskStart(taskID, executionID string)
	OnTaskComplete(taskID, executionID string, output map[string]any)
	OnTaskError(taskID, executionID string, err error)
}

// LeaderElector elects a single leader among co-located instances
// sharing a storage realm.
type LeaderElector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool

	// Subscribe registers a callback fired on every leadership
	// transition with the new state. The returned function removes
	// the subscription.
	Subscribe(fn func(leader bool)) (unsubscribe func())
}

// ExecutionStatusEvent is the best-effort broadcast announcing an
// execution state change to other instances.
type ExecutionStatusEvent struct {
	TaskID      string          `json:"task_id"`
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	TaskName    string          `json:"task_name"`
	Duration    *int64          `json:"duration,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StatusPublisher broadcasts execution status events to other
// instances. Loss and reordering are tolerated.
type StatusPublisher interface {
	PublishExecution(ctx context.Context, event ExecutionStatusEvent) error
}

// EventEmitter receives scheduler events emitted after successful
// executions.
type EventEmitter interface {
	Emit(eventType string, data map[string]any, source string)
}

// Metrics receives scheduler observability signals.
type Metrics interface {
	ExecutionFinished(status ExecutionStatus, duration time.Duration)
	LeaderChanged(leader bool)
	TasksScheduled(count int)
	SweepRan()
}
