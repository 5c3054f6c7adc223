package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitForExecutions polls the store until the task has at least want
// terminal executions or the deadline passes.
func waitForExecutions(t *testing.T, store Store, taskID string, want int) []*TaskExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := store.GetTaskExecutions(context.Background(), taskID, want+5, nil)
		if err != nil {
			t.Fatalf("GetTaskExecutions() error = %v", err)
		}
		terminal := 0
		for _, exec := range execs {
			if exec.IsTerminal() {
				terminal++
			}
		}
		if terminal >= want {
			return execs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %d terminal executions", taskID, want)
	return nil
}

func hasExecutionStatus(execs []*TaskExecution, status ExecutionStatus) bool {
	for _, exec := range execs {
		if exec.Status == status {
			return true
		}
	}
	return false
}

// seedTask writes a task directly to the store, bypassing CreateTask,
// the way a prior process run would have left it.
func seedTask(t *testing.T, store Store, task *ScheduledTask) {
	t.Helper()
	if task.Config.Timeout == 0 {
		cfg := DefaultTaskConfig()
		cfg.RunMissedOnStartup = task.Config.RunMissedOnStartup
		task.Config = cfg
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seeding task: %v", err)
	}
}

func TestInitializeFiresRecentlyMissedTask(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s, store, registry := newTestScheduler(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	var calls atomic.Int64
	registry.Register("backup", succeedingExecutor(&calls))

	missed := now.Add(-30 * time.Second)
	seedTask(t, store, &ScheduledTask{
		ID: "overdue", Name: "overdue", Type: "backup",
		Trigger:   TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
		Config:    TaskConfig{RunMissedOnStartup: true},
		Status:    TaskStatusActive,
		NextRunAt: &missed,
		CreatedAt: now.Add(-time.Hour),
	})

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Stop()

	execs := waitForExecutions(t, store, "overdue", 1)
	if !hasExecutionStatus(execs, ExecutionStatusCompleted) {
		t.Errorf("no completed execution in %d records", len(execs))
	}
	if calls.Load() != 1 {
		t.Errorf("executor calls = %d, want 1", calls.Load())
	}

	stored, _ := store.GetTask(ctx, "overdue")
	want := now.Add(time.Hour)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", stored.NextRunAt, want)
	}
	if stored.RunCount != 1 || stored.SuccessCount != 1 {
		t.Errorf("counters = run %d success %d", stored.RunCount, stored.SuccessCount)
	}
}

func TestInitializeReschedulesStaleTask(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s, store, registry := newTestScheduler(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	var calls atomic.Int64
	registry.Register("backup", succeedingExecutor(&calls))

	// Too far past the grace window to catch up.
	stale := now.Add(-time.Hour)
	seedTask(t, store, &ScheduledTask{
		ID: "stale", Name: "stale", Type: "backup",
		Trigger:   TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
		Config:    TaskConfig{RunMissedOnStartup: true},
		Status:    TaskStatusActive,
		NextRunAt: &stale,
		CreatedAt: now.Add(-2 * time.Hour),
	})

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Stop()

	stored, _ := store.GetTask(ctx, "stale")
	want := now.Add(time.Hour)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", stored.NextRunAt, want)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("stale task fired %d times, want 0", calls.Load())
	}
}

func TestSweepFiresMissedTask(t *testing.T) {
	var clockMu sync.Mutex
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	nowFn := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	s, store, registry := newTestScheduler(t,
		WithNow(nowFn), WithSweepInterval(20*time.Millisecond))
	ctx := context.Background()

	var calls atomic.Int64
	registry.Register("backup", succeedingExecutor(&calls))

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Stop()

	task, err := s.CreateTask(ctx, TaskInput{
		Name: "hourly", Type: "backup",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
		Config:  &TaskConfig{RunMissedOnStartup: true},
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	// Jump the clock just past the instant; the next sweep catches it.
	clockMu.Lock()
	now = now.Add(time.Hour + 10*time.Second)
	clockMu.Unlock()

	execs := waitForExecutions(t, store, task.ID, 1)
	if !hasExecutionStatus(execs, ExecutionStatusCompleted) {
		t.Errorf("no completed execution in %d records", len(execs))
	}
}

func TestTimerFiresScheduledTask(t *testing.T) {
	s, store, registry := newTestScheduler(t)
	ctx := context.Background()

	var calls atomic.Int64
	registry.Register("backup", succeedingExecutor(&calls))

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Stop()

	task, err := s.CreateTask(ctx, TaskInput{
		Name: "fast", Type: "backup",
		Trigger: TaskTrigger{Type: TriggerInterval, IntervalMs: 50},
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	waitForExecutions(t, store, task.ID, 1)
	if calls.Load() < 1 {
		t.Errorf("executor calls = %d, want >= 1", calls.Load())
	}
}

type stubElector struct {
	mu     sync.Mutex
	leader bool
	subs   []func(bool)
}

func (e *stubElector) Start(context.Context) error { return nil }
func (e *stubElector) Stop() error                 { return nil }

func (e *stubElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *stubElector) Subscribe(fn func(bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
	return func() {}
}

func (e *stubElector) setLeader(v bool) {
	e.mu.Lock()
	e.leader = v
	subs := append([]func(bool){}, e.subs...)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

func TestLeadershipGainSchedulesAndLossCancels(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	elector := &stubElector{}
	s, store, registry := newTestScheduler(t,
		WithNow(func() time.Time { return now }), WithLeaderElector(elector))
	ctx := context.Background()

	var calls atomic.Int64
	registry.Register("backup", succeedingExecutor(&calls))

	missed := now.Add(-30 * time.Second)
	seedTask(t, store, &ScheduledTask{
		ID: "overdue", Name: "overdue", Type: "backup",
		Trigger:   TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
		Config:    TaskConfig{RunMissedOnStartup: true},
		Status:    TaskStatusActive,
		NextRunAt: &missed,
		CreatedAt: now.Add(-time.Hour),
	})

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Stop()

	if s.IsLeader() {
		t.Fatal("follower considers itself leader")
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("follower fired %d executions, want 0", calls.Load())
	}

	elector.setLeader(true)
	if !s.IsLeader() {
		t.Error("leadership gain not observed")
	}
	execs := waitForExecutions(t, store, "overdue", 1)
	if !hasExecutionStatus(execs, ExecutionStatusCompleted) {
		t.Errorf("no completed execution in %d records", len(execs))
	}

	elector.setLeader(false)
	if s.IsLeader() {
		t.Error("leadership loss not observed")
	}
	s.mu.Lock()
	armed := len(s.timers)
	s.mu.Unlock()
	if armed != 0 {
		t.Errorf("timers still armed after loss = %d, want 0", armed)
	}
}

type flakyStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (f *flakyStore) GetTasksByStatus(ctx context.Context, status TaskStatus) ([]*ScheduledTask, error) {
	if f.fail.Load() {
		return nil, errors.New("store offline")
	}
	return f.MemoryStore.GetTasksByStatus(ctx, status)
}

func TestInitializeRetriesAfterStoreFailure(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	registry := NewRegistry()
	s := NewScheduler(store, registry,
		WithLogger(slog.Default()), WithNow(func() time.Time { return now }))
	ctx := context.Background()

	var calls atomic.Int64
	registry.Register("backup", succeedingExecutor(&calls))

	missed := now.Add(-30 * time.Second)
	seedTask(t, store, &ScheduledTask{
		ID: "overdue", Name: "overdue", Type: "backup",
		Trigger:   TaskTrigger{Type: TriggerInterval, IntervalMs: time.Hour.Milliseconds()},
		Config:    TaskConfig{RunMissedOnStartup: true},
		Status:    TaskStatusActive,
		NextRunAt: &missed,
		CreatedAt: now.Add(-time.Hour),
	})

	store.fail.Store(true)
	err := s.Initialize(ctx)
	if !IsCode(err, CodeInitFailed) {
		t.Fatalf("Initialize() error = %v, want %s", err, CodeInitFailed)
	}

	store.fail.Store(false)
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() retry error = %v", err)
	}
	defer s.Stop()

	execs := waitForExecutions(t, store, "overdue", 1)
	if !hasExecutionStatus(execs, ExecutionStatusCompleted) {
		t.Errorf("no completed execution in %d records", len(execs))
	}
}
