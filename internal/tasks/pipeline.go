package tasks

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// structuredEventTypes are task types whose successful completion emits
// a "<type>:completed" event. Everything else emits "custom".
var structuredEventTypes = map[string]bool{
	"workflow": true,
	"agent":    true,
	"backup":   true,
	"sync":     true,
}

// Execute runs one execution attempt of a task through the full
// pipeline: concurrency gate, timeout, result mapping, statistics,
// notifications and hooks, event emission, retry, rescheduling, and
// dependency chaining. It always returns the execution record.
func (s *Scheduler) Execute(ctx context.Context, task *ScheduledTask, retryAttempt int) *TaskExecution {
	now := s.now()
	exec := &TaskExecution{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		TaskName:     task.Name,
		TaskType:     task.Type,
		Input:        task.Payload,
		RetryAttempt: retryAttempt,
		StartedAt:    now,
	}

	// Concurrency gate.
	s.runMu.Lock()
	if !task.Config.AllowConcurrent {
		if _, busy := s.running[task.ID]; busy {
			s.runMu.Unlock()
			return s.recordSkipped(ctx, task, exec)
		}
	}
	s.running[task.ID] = exec
	s.runMu.Unlock()

	exec.Status = ExecutionStatusRunning
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("persisting execution", "task", task.ID, "execution", exec.ID, "error", err)
	}
	s.publish(ctx, exec)
	if task.Notification.OnStart {
		s.notify(ctx, task, exec, NotifyStart)
	}
	if s.hooks != nil {
		s.hooks.OnTaskStart(task.ID, exec.ID)
	}

	result, runErr := s.runAttempt(ctx, task, exec)

	completed := s.now()
	exec.CompletedAt = &completed
	duration := completed.Sub(exec.StartedAt).Milliseconds()
	exec.Duration = &duration

	switch {
	case runErr != nil:
		exec.Status = ExecutionStatusFailed
		exec.Error = runErr.Error()
	case result != nil && result.Success:
		exec.Status = ExecutionStatusCompleted
		exec.Output = result.Output
	default:
		exec.Status = ExecutionStatusFailed
		if result != nil && result.Error != "" {
			exec.Error = result.Error
		} else {
			exec.Error = NewError(CodeExecutionFailed, "executor reported failure").Error()
		}
	}

	s.updateStatistics(ctx, task.ID, exec)

	switch exec.Status {
	case ExecutionStatusCompleted:
		if task.Notification.OnComplete {
			s.notify(ctx, task, exec, NotifyComplete)
		}
		if s.hooks != nil {
			s.hooks.OnTaskComplete(task.ID, exec.ID, exec.Output)
		}
		s.emitCompletionEvent(task, exec)
	case ExecutionStatusFailed:
		if task.Notification.OnError {
			s.notify(ctx, task, exec, NotifyError)
		}
		if s.hooks != nil {
			s.hooks.OnTaskError(task.ID, exec.ID, errors.New(exec.Error))
		}
		s.scheduleRetry(task, exec, retryAttempt)
	}

	s.finalize(ctx, task, exec)

	if exec.Status == ExecutionStatusCompleted {
		s.triggerDependentTasks(ctx, task)
	}
	return exec
}

// recordSkipped persists a skipped execution without running anything.
// It still counts as a run.
func (s *Scheduler) recordSkipped(ctx context.Context, task *ScheduledTask, exec *TaskExecution) *TaskExecution {
	exec.Status = ExecutionStatusSkipped
	completed := exec.StartedAt
	exec.CompletedAt = &completed
	zero := int64(0)
	exec.Duration = &zero
	exec.AppendLog(LogWarn, "Skipped: concurrent execution not allowed", nil)

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("persisting skipped execution", "task", task.ID, "error", err)
	}
	s.publish(ctx, exec)
	s.updateStatistics(ctx, task.ID, exec)
	if s.metrics != nil {
		s.metrics.ExecutionFinished(ExecutionStatusSkipped, 0)
	}
	s.logger.Info("execution skipped", "task", task.ID, "execution", exec.ID)
	return exec
}

// runAttempt resolves the executor and races it against the task's
// timeout. A non-compliant executor leaks its goroutine; the attempt
// still returns when the timer fires.
func (s *Scheduler) runAttempt(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (*Result, error) {
	executor, err := s.registry.Resolve(task)
	if err != nil {
		return nil, err
	}

	timeout := task.Config.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskConfig().Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: NewError(CodeExecutionFailed, "executor panic: %v", r)}
			}
		}()
		result, err := executor.Execute(attemptCtx, task.Clone(), exec)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, NewError(CodeExecutionTimeout, "execution exceeded %s timeout", timeout)
		}
		return nil, WrapError(CodeExecutionFailed, attemptCtx.Err(), "execution cancelled")
	}
}

// updateStatistics applies the counter deltas for one finished
// execution, serialized per scheduler so concurrent executions of
// different attempts cannot lose updates.
func (s *Scheduler) updateStatistics(ctx context.Context, taskID string, exec *TaskExecution) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		if err != nil {
			s.logger.Error("loading task for statistics", "task", taskID, "error", err)
		}
		return
	}

	now := s.now()
	task.RunCount++
	task.UpdatedAt = now
	switch exec.Status {
	case ExecutionStatusCompleted:
		task.SuccessCount++
		task.LastError = ""
		started := exec.StartedAt
		task.LastRunAt = &started
	case ExecutionStatusFailed:
		task.FailureCount++
		task.LastError = exec.Error
		started := exec.StartedAt
		task.LastRunAt = &started
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("persisting statistics", "task", taskID, "error", err)
	}
}

// scheduleRetry arms a delayed re-attempt with exponential backoff and
// 25% jitter, capped at the task's max retry delay.
func (s *Scheduler) scheduleRetry(task *ScheduledTask, exec *TaskExecution, retryAttempt int) {
	if retryAttempt >= task.Config.MaxRetries {
		return
	}

	base := task.Config.RetryDelay
	if base <= 0 {
		base = DefaultTaskConfig().RetryDelay
	}
	base *= 1 << retryAttempt
	delay := base + time.Duration(rand.Float64()*0.25*float64(base))
	maxDelay := task.Config.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	exec.AppendLog(LogInfo, fmt.Sprintf("retrying attempt %d/%d in %s",
		retryAttempt+1, task.Config.MaxRetries, delay.Round(time.Millisecond)), nil)
	s.logger.Info("scheduling retry",
		"task", task.ID, "attempt", retryAttempt+1, "max", task.Config.MaxRetries, "delay", delay)

	runCtx := s.timerContext()
	s.execWg.Add(1)
	go func() {
		defer s.execWg.Done()
		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		fresh, err := s.store.GetTask(context.WithoutCancel(runCtx), task.ID)
		if err != nil || fresh == nil || fresh.Status != TaskStatusActive {
			return
		}
		s.Execute(context.WithoutCancel(runCtx), fresh, retryAttempt+1)
	}()
}

// finalize releases the running slot, persists the terminal record,
// and rearms the task's next fire. Once-triggers with no future fire
// expire.
func (s *Scheduler) finalize(ctx context.Context, task *ScheduledTask, exec *TaskExecution) {
	s.runMu.Lock()
	if current, ok := s.running[task.ID]; ok && current.ID == exec.ID {
		delete(s.running, task.ID)
	}
	s.runMu.Unlock()

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("persisting final execution", "task", task.ID, "execution", exec.ID, "error", err)
	}
	s.publish(ctx, exec)
	if s.metrics != nil && exec.Duration != nil {
		s.metrics.ExecutionFinished(exec.Status, time.Duration(*exec.Duration)*time.Millisecond)
	}

	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil || fresh == nil {
		if err != nil {
			s.logger.Error("reloading task after execution", "task", task.ID, "error", err)
		}
		return
	}

	now := s.now()
	next := ComputeNextRun(fresh, now)
	fresh.NextRunAt = next
	if fresh.Trigger.Type == TriggerOnce && next == nil {
		fresh.Status = TaskStatusExpired
	}
	fresh.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, fresh); err != nil {
		s.logger.Error("persisting next run", "task", task.ID, "error", err)
		return
	}
	if fresh.Status == TaskStatusActive && next != nil {
		s.scheduleTask(s.timerContext(), fresh)
	}
}

// emitCompletionEvent emits "<type>:completed" for the structured task
// types and "custom" with a source for everything else.
func (s *Scheduler) emitCompletionEvent(task *ScheduledTask, exec *TaskExecution) {
	if s.emitter == nil {
		return
	}
	data := map[string]any{
		"taskId":      task.ID,
		"taskName":    task.Name,
		"executionId": exec.ID,
		"output":      exec.Output,
	}
	if structuredEventTypes[task.Type] {
		s.emitter.Emit(task.Type+":completed", data, "")
		return
	}
	s.emitter.Emit("custom", data, task.Type)
}

// triggerDependentTasks fires active event tasks whose dependencies,
// including the just-completed one, all have a completed latest
// execution. The visited set breaks dependency cycles.
func (s *Scheduler) triggerDependentTasks(ctx context.Context, completed *ScheduledTask) {
	s.chainMu.Lock()
	if _, seen := s.chainVisited[completed.ID]; seen {
		s.chainMu.Unlock()
		s.logger.Warn("dependency cycle detected, aborting chain", "task", completed.ID)
		return
	}
	s.chainVisited[completed.ID] = struct{}{}
	s.chainMu.Unlock()
	defer func() {
		s.chainMu.Lock()
		delete(s.chainVisited, completed.ID)
		s.chainMu.Unlock()
	}()

	candidates, err := s.store.GetActiveEventTasks(ctx, "")
	if err != nil {
		s.logger.Error("loading dependent tasks", "task", completed.ID, "error", err)
		return
	}

	for _, candidate := range candidates {
		if !containsString(candidate.Trigger.DependsOn, completed.ID) {
			continue
		}
		s.chainMu.Lock()
		_, inChain := s.chainVisited[candidate.ID]
		s.chainMu.Unlock()
		if inChain {
			s.logger.Warn("dependency cycle detected, aborting chain",
				"task", candidate.ID, "completed", completed.ID)
			continue
		}
		if !s.dependenciesSatisfied(ctx, candidate) {
			continue
		}
		s.logger.Info("firing dependent task", "task", candidate.ID, "completed", completed.ID)
		// Synchronous so the chain observes this candidate's outcome.
		s.Execute(ctx, candidate.Clone(), 0)
	}
}

// dependenciesSatisfied reports whether every dependency's most recent
// execution completed.
func (s *Scheduler) dependenciesSatisfied(ctx context.Context, task *ScheduledTask) bool {
	for _, dep := range task.Trigger.DependsOn {
		execs, err := s.store.GetTaskExecutions(ctx, dep, 1, nil)
		if err != nil {
			s.logger.Error("checking dependency", "task", task.ID, "dependency", dep, "error", err)
			return false
		}
		if len(execs) == 0 || execs[0].Status != ExecutionStatusCompleted {
			return false
		}
	}
	return true
}

// TriggerEventTask fires every active event task matching the event
// type and, when the task restricts it, the source. Each fire runs in
// its own goroutine; failures are isolated per task.
func (s *Scheduler) TriggerEventTask(ctx context.Context, eventType, eventSource string, payload map[string]any) error {
	tasks, err := s.store.GetActiveEventTasks(ctx, eventType)
	if err != nil {
		return WrapError(CodeDBError, err, "load event tasks for %q", eventType)
	}
	for _, task := range tasks {
		if task.Trigger.EventSource != "" && task.Trigger.EventSource != eventSource {
			continue
		}
		clone := task.Clone()
		if clone.Payload == nil {
			clone.Payload = make(map[string]any, 1)
		}
		clone.Payload["event"] = map[string]any{
			"type":   eventType,
			"source": eventSource,
			"data":   payload,
		}
		s.execWg.Add(1)
		go func(t *ScheduledTask) {
			defer s.execWg.Done()
			s.Execute(context.WithoutCancel(ctx), t, 0)
		}(clone)
	}
	return nil
}

func (s *Scheduler) publish(ctx context.Context, exec *TaskExecution) {
	if s.publisher == nil {
		return
	}
	event := ExecutionStatusEvent{
		TaskID:      exec.TaskID,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		TaskName:    exec.TaskName,
		Duration:    exec.Duration,
		Error:       exec.Error,
	}
	if err := s.publisher.PublishExecution(ctx, event); err != nil {
		s.logger.Debug("publishing execution event", "execution", exec.ID, "error", err)
	}
}

func (s *Scheduler) notify(ctx context.Context, task *ScheduledTask, exec *TaskExecution, event NotificationEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Notify(ctx, task, exec, event); err != nil {
		s.logger.Warn("notification failed",
			"task", task.ID, "execution", exec.ID, "event", string(event),
			"error", WrapError(CodeNotificationFailed, err, "notify %s", event))
	}
}
