// Package notify provides NotificationSink implementations. Channel
// routing and templating stay with the embedding application; these
// sinks cover logging and plain webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chronotask/chronotask/internal/tasks"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) Notify(_ context.Context, task *tasks.ScheduledTask, exec *tasks.TaskExecution, event tasks.NotificationEvent) error {
	attrs := []any{
		"event", string(event),
		"task", task.ID,
		"name", task.Name,
		"execution", exec.ID,
		"status", string(exec.Status),
	}
	if exec.Error != "" {
		attrs = append(attrs, "error", exec.Error)
	}
	s.logger.Info("task notification", attrs...)
	return nil
}

// WebhookSink posts notifications as JSON to the task's webhook URL.
// Tasks without one are ignored.
type WebhookSink struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewWebhookSink creates a webhook sink with a bounded request
// timeout.
func NewWebhookSink(logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "notify"),
		timeout: 10 * time.Second,
	}
}

type webhookPayload struct {
	Event       string         `json:"event"`
	TaskID      string         `json:"task_id"`
	TaskName    string         `json:"task_name"`
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (s *WebhookSink) Notify(ctx context.Context, task *tasks.ScheduledTask, exec *tasks.TaskExecution, event tasks.NotificationEvent) error {
	url := task.Notification.WebhookURL
	if url == "" {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		Event:       string(event),
		TaskID:      task.ID,
		TaskName:    task.Name,
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
		Error:       exec.Error,
		Output:      exec.Output,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return tasks.WrapError(tasks.CodeWebhookFailed, err, "encode webhook payload")
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return tasks.WrapError(tasks.CodeWebhookFailed, err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return tasks.WrapError(tasks.CodeWebhookFailed, err, "deliver webhook for task %s", task.ID)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return tasks.NewError(tasks.CodeWebhookFailed, "webhook for task %s returned %s", task.ID, resp.Status)
	}
	return nil
}

// Multi fans one notification out to several sinks. The first error is
// returned after every sink ran.
type Multi []tasks.NotificationSink

func (m Multi) Notify(ctx context.Context, task *tasks.ScheduledTask, exec *tasks.TaskExecution, event tasks.NotificationEvent) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, task, exec, event); err != nil && first == nil {
			first = fmt.Errorf("notification sink: %w", err)
		}
	}
	return first
}
