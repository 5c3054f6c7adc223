package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []NotificationEvent
}

func (c *captureSink) Notify(_ context.Context, _ *ScheduledTask, _ *TaskExecution, event NotificationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) seen() []NotificationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]NotificationEvent(nil), c.events...)
}

type captureEmitter struct {
	mu     sync.Mutex
	types  []string
	last   map[string]any
	source string
}

func (c *captureEmitter) Emit(eventType string, data map[string]any, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, eventType)
	c.last = data
	c.source = source
}

type captureHooks struct {
	mu        sync.Mutex
	starts    int
	completes int
	errors    int
}

func (c *captureHooks) OnTaskStart(_, _ string) {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
}

func (c *captureHooks) OnTaskComplete(_, _ string, _ map[string]any) {
	c.mu.Lock()
	c.completes++
	c.mu.Unlock()
}

func (c *captureHooks) OnTaskError(_, _ string, _ error) {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func TestNotificationsAndHooks(t *testing.T) {
	sink := &captureSink{}
	hooks := &captureHooks{}
	s, _, registry := newTestScheduler(t, WithNotificationSink(sink), WithHooks(hooks))
	ctx := context.Background()
	registry.Register("backup", succeedingExecutor(nil))

	task, _ := s.CreateTask(ctx, TaskInput{
		Name: "t", Type: "backup",
		Trigger:      TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
		Notification: NotificationConfig{OnStart: true, OnComplete: true, OnError: true},
	})

	if _, err := s.RunTaskNow(ctx, task.ID); err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}

	events := sink.seen()
	if len(events) != 2 || events[0] != NotifyStart || events[1] != NotifyComplete {
		t.Errorf("notifications = %v, want [start complete]", events)
	}
	if hooks.starts != 1 || hooks.completes != 1 || hooks.errors != 0 {
		t.Errorf("hooks = start %d complete %d error %d", hooks.starts, hooks.completes, hooks.errors)
	}
}

func TestErrorNotification(t *testing.T) {
	sink := &captureSink{}
	hooks := &captureHooks{}
	s, _, registry := newTestScheduler(t, WithNotificationSink(sink), WithHooks(hooks))
	ctx := context.Background()
	registry.Register("backup", ExecutorFunc(func(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (*Result, error) {
		return &Result{Success: false, Error: "boom"}, nil
	}))

	task, _ := s.CreateTask(ctx, TaskInput{
		Name: "t", Type: "backup",
		Trigger:      TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
		Notification: NotificationConfig{OnError: true},
	})
	if _, err := s.RunTaskNow(ctx, task.ID); err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}

	events := sink.seen()
	if len(events) != 1 || events[0] != NotifyError {
		t.Errorf("notifications = %v, want [error]", events)
	}
	if hooks.errors != 1 {
		t.Errorf("error hooks = %d, want 1", hooks.errors)
	}
}

func TestCompletionEventEmission(t *testing.T) {
	emitter := &captureEmitter{}
	s, _, registry := newTestScheduler(t, WithEventEmitter(emitter))
	ctx := context.Background()
	registry.Register("workflow", succeedingExecutor(nil))
	registry.Register("housekeeping", succeedingExecutor(nil))

	structured, _ := s.CreateTask(ctx, TaskInput{
		Name: "w", Type: "workflow",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	if _, err := s.RunTaskNow(ctx, structured.ID); err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}
	if len(emitter.types) != 1 || emitter.types[0] != "workflow:completed" {
		t.Errorf("emitted = %v, want [workflow:completed]", emitter.types)
	}
	if emitter.last["taskId"] != structured.ID {
		t.Errorf("event payload = %v", emitter.last)
	}

	other, _ := s.CreateTask(ctx, TaskInput{
		Name: "h", Type: "housekeeping",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	if _, err := s.RunTaskNow(ctx, other.ID); err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}
	if emitter.types[len(emitter.types)-1] != "custom" || emitter.source != "housekeeping" {
		t.Errorf("emitted = %v source %q, want custom with source housekeeping", emitter.types, emitter.source)
	}
}

func TestDependentTaskFires(t *testing.T) {
	s, store, registry := newTestScheduler(t)
	ctx := context.Background()

	var downstream atomic.Int64
	registry.Register("upstream", succeedingExecutor(nil))
	registry.Register("downstream", succeedingExecutor(&downstream))

	parent, _ := s.CreateTask(ctx, TaskInput{
		Name: "parent", Type: "upstream",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	child, _ := s.CreateTask(ctx, TaskInput{
		Name: "child", Type: "downstream",
		Trigger: TaskTrigger{
			Type:      TriggerEvent,
			EventType: "chain",
			DependsOn: []string{parent.ID},
		},
	})

	if _, err := s.RunTaskNow(ctx, parent.ID); err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}
	if downstream.Load() != 1 {
		t.Errorf("downstream executions = %d, want 1", downstream.Load())
	}
	execs, _ := store.GetTaskExecutions(ctx, child.ID, 10, nil)
	if len(execs) != 1 || execs[0].Status != ExecutionStatusCompleted {
		t.Errorf("child executions = %+v", execs)
	}
}

func TestDependentTaskWaitsForAllDependencies(t *testing.T) {
	s, _, registry := newTestScheduler(t)
	ctx := context.Background()

	var downstream atomic.Int64
	registry.Register("upstream", succeedingExecutor(nil))
	registry.Register("downstream", succeedingExecutor(&downstream))

	first, _ := s.CreateTask(ctx, TaskInput{
		Name: "first", Type: "upstream",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	second, _ := s.CreateTask(ctx, TaskInput{
		Name: "second", Type: "upstream",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	_, _ = s.CreateTask(ctx, TaskInput{
		Name: "child", Type: "downstream",
		Trigger: TaskTrigger{
			Type:      TriggerEvent,
			EventType: "chain",
			DependsOn: []string{first.ID, second.ID},
		},
	})

	if _, err := s.RunTaskNow(ctx, first.ID); err != nil {
		t.Fatalf("RunTaskNow(first) error = %v", err)
	}
	if downstream.Load() != 0 {
		t.Fatalf("child fired before all dependencies completed")
	}

	if _, err := s.RunTaskNow(ctx, second.ID); err != nil {
		t.Fatalf("RunTaskNow(second) error = %v", err)
	}
	if downstream.Load() != 1 {
		t.Errorf("downstream executions = %d, want 1", downstream.Load())
	}
}

func TestDependencyCycleIsBroken(t *testing.T) {
	s, store, registry := newTestScheduler(t)
	ctx := context.Background()
	registry.Register("node", succeedingExecutor(nil))

	// a and b depend on each other; firing a must not loop forever.
	a := &ScheduledTask{
		ID: "a", Name: "a", Type: "node", Status: TaskStatusActive,
		Trigger:   TaskTrigger{Type: TriggerEvent, EventType: "cycle", DependsOn: []string{"b"}},
		Config:    DefaultTaskConfig(),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	b := &ScheduledTask{
		ID: "b", Name: "b", Type: "node", Status: TaskStatusActive,
		Trigger:   TaskTrigger{Type: TriggerEvent, EventType: "cycle", DependsOn: []string{"a"}},
		Config:    DefaultTaskConfig(),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.CreateTask(ctx, a); err != nil {
		t.Fatalf("CreateTask(a) error = %v", err)
	}
	if err := store.CreateTask(ctx, b); err != nil {
		t.Fatalf("CreateTask(b) error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Execute(ctx, a, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dependency cycle did not terminate")
	}

	// The chain a -> b fires b once; b's chain back to a is cut.
	aExecs, _ := store.GetTaskExecutions(ctx, "a", 10, nil)
	bExecs, _ := store.GetTaskExecutions(ctx, "b", 10, nil)
	if len(aExecs) != 1 {
		t.Errorf("a executions = %d, want 1", len(aExecs))
	}
	if len(bExecs) > 1 {
		t.Errorf("b executions = %d, want at most 1", len(bExecs))
	}
}

func TestTriggerEventTask(t *testing.T) {
	s, store, registry := newTestScheduler(t)
	ctx := context.Background()

	payloads := make(chan map[string]any, 2)
	registry.Register("reactor", ExecutorFunc(func(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (*Result, error) {
		payloads <- task.Payload
		return &Result{Success: true}, nil
	}))

	matching, _ := s.CreateTask(ctx, TaskInput{
		Name: "matching", Type: "reactor",
		Payload: map[string]any{"base": "kept"},
		Trigger: TaskTrigger{Type: TriggerEvent, EventType: "deploy"},
	})
	_, _ = s.CreateTask(ctx, TaskInput{
		Name: "other-source", Type: "reactor",
		Trigger: TaskTrigger{Type: TriggerEvent, EventType: "deploy", EventSource: "ci"},
	})

	if err := s.TriggerEventTask(ctx, "deploy", "manual", map[string]any{"ref": "v2"}); err != nil {
		t.Fatalf("TriggerEventTask() error = %v", err)
	}

	select {
	case payload := <-payloads:
		if payload["base"] != "kept" {
			t.Errorf("base payload lost: %v", payload)
		}
		event, ok := payload["event"].(map[string]any)
		if !ok {
			t.Fatalf("event payload missing: %v", payload)
		}
		if event["type"] != "deploy" || event["source"] != "manual" {
			t.Errorf("event = %v", event)
		}
		data, ok := event["data"].(map[string]any)
		if !ok || data["ref"] != "v2" {
			t.Errorf("event data = %v", event["data"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("matching event task never fired")
	}

	// The source-restricted task must not fire for source "manual".
	select {
	case <-payloads:
		t.Fatal("source-restricted task fired")
	case <-time.After(100 * time.Millisecond):
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		execs, _ := store.GetTaskExecutions(ctx, matching.ID, 10, nil)
		if len(execs) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("matching task execution never persisted")
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	s, _, registry := newTestScheduler(t)
	ctx := context.Background()
	registry.Register("panicky", ExecutorFunc(func(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (*Result, error) {
		panic("kaboom")
	}))

	task, _ := s.CreateTask(ctx, TaskInput{
		Name: "t", Type: "panicky",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	exec, err := s.RunTaskNow(ctx, task.ID)
	if err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}
	if exec.Status != ExecutionStatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
}

func TestCustomHandlerResolution(t *testing.T) {
	s, _, registry := newTestScheduler(t)
	ctx := context.Background()

	var calls atomic.Int64
	registry.RegisterHandler("report", succeedingExecutor(&calls))

	task, _ := s.CreateTask(ctx, TaskInput{
		Name: "t", Type: "custom",
		Payload: map[string]any{"handler": "report"},
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	exec, err := s.RunTaskNow(ctx, task.ID)
	if err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}
	if exec.Status != ExecutionStatusCompleted || calls.Load() != 1 {
		t.Errorf("Status = %s, calls = %d", exec.Status, calls.Load())
	}

	missing, _ := s.CreateTask(ctx, TaskInput{
		Name: "t2", Type: "custom",
		Payload: map[string]any{"handler": "nope"},
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
	})
	exec, err = s.RunTaskNow(ctx, missing.ID)
	if err != nil {
		t.Fatalf("RunTaskNow() error = %v", err)
	}
	if exec.Status != ExecutionStatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
}
