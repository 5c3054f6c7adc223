package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// driftWindow bounds single-shot timer horizons. Longer delays
	// poll once per window so clock drift and runtime throttling
	// cannot push a fire far past its instant.
	driftWindow = time.Minute

	// missedGrace is how far past its instant a task may still fire
	// during a sweep when run_missed_on_startup is set.
	missedGrace = time.Minute

	defaultSweepInterval     = time.Minute
	defaultRetentionInterval = 24 * time.Hour
	defaultRetentionMaxDays  = 30
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.With("component", "scheduler") }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSweepInterval overrides the missed-task sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.sweepInterval = d }
}

// WithRetention overrides the execution history retention policy.
func WithRetention(interval time.Duration, maxAgeDays int) Option {
	return func(s *Scheduler) {
		s.retentionInterval = interval
		s.retentionMaxDays = maxAgeDays
	}
}

// WithLeaderElector wires leader election. Without one the instance
// always considers itself leader.
func WithLeaderElector(elector LeaderElector) Option {
	return func(s *Scheduler) { s.elector = elector }
}

// WithStatusPublisher wires the cross-instance execution broadcast.
func WithStatusPublisher(publisher StatusPublisher) Option {
	return func(s *Scheduler) { s.publisher = publisher }
}

// WithNotificationSink wires execution notifications.
func WithNotificationSink(sink NotificationSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithHooks wires lifecycle hook dispatch.
func WithHooks(hooks LifecycleHooks) Option {
	return func(s *Scheduler) { s.hooks = hooks }
}

// WithEventEmitter wires the post-success event emission.
func WithEventEmitter(emitter EventEmitter) Option {
	return func(s *Scheduler) { s.emitter = emitter }
}

// WithMetrics wires observability counters.
func WithMetrics(metrics Metrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// Scheduler owns timers, fires tasks through the execution pipeline,
// and keeps task statistics. Only the elected leader arms timers and
// runs the missed-task sweep; every instance serves reads and persists
// mutations.
type Scheduler struct {
	store    Store
	registry *Registry

	elector   LeaderElector
	publisher StatusPublisher
	sink      NotificationSink
	hooks     LifecycleHooks
	emitter   EventEmitter
	metrics   Metrics

	logger *slog.Logger
	now    func() time.Time

	sweepInterval     time.Duration
	retentionInterval time.Duration
	retentionMaxDays  int

	mu          sync.Mutex
	initialized bool
	leader      bool
	timers      map[string]context.CancelFunc
	runCtx      context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	runMu   sync.Mutex
	running map[string]*TaskExecution

	// statsMu serializes read-modify-write of per-task counters.
	statsMu sync.Mutex

	chainMu      sync.Mutex
	chainVisited map[string]struct{}

	visible chan struct{}

	wg     sync.WaitGroup // sweep, retention, timers
	execWg sync.WaitGroup // in-flight executions
}

// NewScheduler creates a scheduler over the given store and executor
// registry. Call Initialize to start it.
func NewScheduler(store Store, registry *Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:             store,
		registry:          registry,
		logger:            slog.Default().With("component", "scheduler"),
		now:               time.Now,
		sweepInterval:     defaultSweepInterval,
		retentionInterval: defaultRetentionInterval,
		retentionMaxDays:  defaultRetentionMaxDays,
		timers:            make(map[string]context.CancelFunc),
		running:           make(map[string]*TaskExecution),
		chainVisited:      make(map[string]struct{}),
		visible:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize starts election, the sweep, retention, and, if this
// instance is leader, schedules every active task. It is idempotent;
// after Stop it may be called again.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.cancel = cancel
	s.initialized = true

	if s.elector != nil {
		if err := s.elector.Start(runCtx); err != nil {
			// Solo leadership keeps local behavior alive when no
			// election mechanism is available.
			s.logger.Error("leader election unavailable, assuming solo leadership", "error", err)
			s.leader = true
		} else {
			s.leader = s.elector.IsLeader()
			s.unsubscribe = s.elector.Subscribe(s.handleLeaderChange)
		}
	} else {
		s.leader = true
	}
	leader := s.leader
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LeaderChanged(leader)
	}

	s.wg.Add(2)
	go s.sweepLoop(runCtx)
	go s.retentionLoop(runCtx)

	if leader {
		if err := s.scheduleAll(runCtx); err != nil {
			s.teardown()
			return WrapError(CodeInitFailed, err, "schedule active tasks")
		}
	}

	s.logger.Info("scheduler initialized", "leader", leader)
	return nil
}

// teardown unwinds a failed Initialize so the caller can retry.
func (s *Scheduler) teardown() {
	s.mu.Lock()
	s.initialized = false
	s.leader = false
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.timers = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	if s.elector != nil {
		if err := s.elector.Stop(); err != nil {
			s.logger.Warn("stopping leader elector", "error", err)
		}
	}
}

// Stop cancels timers and background loops, waits for in-flight
// executions, and releases leadership.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = false
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.timers = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()
	s.execWg.Wait()

	if s.elector != nil {
		if err := s.elector.Stop(); err != nil {
			s.logger.Warn("stopping leader elector", "error", err)
		}
	}
	s.logger.Info("scheduler stopped")
}

// IsLeader reports whether this instance currently arms timers.
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

func (s *Scheduler) handleLeaderChange(leader bool) {
	s.mu.Lock()
	if !s.initialized || s.leader == leader {
		s.mu.Unlock()
		return
	}
	s.leader = leader
	runCtx := s.runCtx
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LeaderChanged(leader)
	}

	if leader {
		s.logger.Info("gained leadership, scheduling active tasks")
		if err := s.scheduleAll(runCtx); err != nil {
			s.logger.Error("scheduling after leadership gain", "error", err)
		}
		return
	}

	s.logger.Info("lost leadership, cancelling timers")
	s.cancelAllTimers()
}

// NotifyVisible triggers an immediate missed-task sweep, typically
// wired to the process becoming visible or foregrounded again.
func (s *Scheduler) NotifyVisible() {
	select {
	case s.visible <- struct{}{}:
	default:
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.visible:
		}
		s.sweepOnce(ctx)
	}
}

// sweepOnce fires recently missed tasks and reschedules stale ones.
func (s *Scheduler) sweepOnce(ctx context.Context) {
	if !s.IsLeader() {
		return
	}
	if s.metrics != nil {
		s.metrics.SweepRan()
	}
	active, err := s.store.GetTasksByStatus(ctx, TaskStatusActive)
	if err != nil {
		s.logger.Error("missed-task sweep", "error", err)
		return
	}
	now := s.now()
	for _, task := range active {
		if task.NextRunAt == nil || !task.NextRunAt.Before(now) {
			continue
		}
		overdue := now.Sub(*task.NextRunAt)
		if overdue < missedGrace && task.Config.RunMissedOnStartup {
			s.logger.Info("firing missed task", "task", task.ID, "overdue", overdue)
			s.fireAsync(ctx, task.ID)
			continue
		}
		task.NextRunAt = ComputeNextRun(task, now)
		task.UpdatedAt = now
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error("rescheduling stale task", "task", task.ID, "error", err)
			continue
		}
		s.scheduleTask(ctx, task)
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) {
	defer s.wg.Done()
	s.runRetention(ctx)
	ticker := time.NewTicker(s.retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRetention(ctx)
		}
	}
}

func (s *Scheduler) runRetention(ctx context.Context) {
	removed, err := s.store.CleanupOldExecutions(ctx, s.retentionMaxDays)
	if err != nil {
		s.logger.Error("execution retention cleanup", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("pruned old executions", "removed", removed, "max_age_days", s.retentionMaxDays)
	}
}

// scheduleAll applies sweep semantics to every active task and arms
// timers for the rest. Runs on startup and leadership gain.
func (s *Scheduler) scheduleAll(ctx context.Context) error {
	active, err := s.store.GetTasksByStatus(ctx, TaskStatusActive)
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}
	now := s.now()
	scheduled := 0
	for _, task := range active {
		if task.NextRunAt == nil {
			task.NextRunAt = ComputeNextRun(task, now)
			task.UpdatedAt = now
			if err := s.store.UpdateTask(ctx, task); err != nil {
				s.logger.Error("persisting next run", "task", task.ID, "error", err)
				continue
			}
		}
		if task.NextRunAt != nil && task.NextRunAt.Before(now) {
			overdue := now.Sub(*task.NextRunAt)
			if overdue < missedGrace && task.Config.RunMissedOnStartup {
				s.logger.Info("firing missed task", "task", task.ID, "overdue", overdue)
				s.fireAsync(ctx, task.ID)
				continue
			}
			task.NextRunAt = ComputeNextRun(task, now)
			task.UpdatedAt = now
			if err := s.store.UpdateTask(ctx, task); err != nil {
				s.logger.Error("persisting next run", "task", task.ID, "error", err)
				continue
			}
		}
		s.scheduleTask(ctx, task)
		scheduled++
	}
	if s.metrics != nil {
		s.metrics.TasksScheduled(scheduled)
	}
	return nil
}

// scheduleTask arms (or re-arms) the timer for one task. A prior timer
// for the same id is cancelled first. No-op on followers.
func (s *Scheduler) scheduleTask(ctx context.Context, task *ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || !s.leader {
		return
	}
	if cancel, ok := s.timers[task.ID]; ok {
		cancel()
		delete(s.timers, task.ID)
	}
	if task.Status != TaskStatusActive || task.NextRunAt == nil {
		return
	}

	timerCtx, cancel := context.WithCancel(ctx)
	s.timers[task.ID] = cancel
	s.wg.Add(1)
	go s.runTimer(timerCtx, task.ID, *task.NextRunAt)
}

// runTimer waits out the delay in drift-resistant steps, then fires.
// Delays beyond driftWindow wake once per window and re-measure against
// the clock instead of trusting one long timer.
func (s *Scheduler) runTimer(ctx context.Context, taskID string, fireAt time.Time) {
	defer s.wg.Done()
	for {
		remaining := fireAt.Sub(s.now())
		if remaining <= 0 {
			break
		}
		wait := remaining
		if wait > driftWindow {
			wait = driftWindow
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	// A re-arm cancels the old context before replacing the map entry,
	// so a live context means the entry is still ours to release.
	if ctx.Err() != nil {
		return
	}
	s.cancelTimer(taskID)
	s.fireAsync(ctx, taskID)
}

func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	if cancel, ok := s.timers[taskID]; ok {
		cancel()
		delete(s.timers, taskID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) cancelAllTimers() {
	s.mu.Lock()
	for id, cancel := range s.timers {
		cancel()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// fireAsync reloads the task and runs the pipeline in its own
// goroutine. The execution outlives ctx cancellation; only its own
// timeout bounds it.
func (s *Scheduler) fireAsync(ctx context.Context, taskID string) {
	s.execWg.Add(1)
	go func() {
		defer s.execWg.Done()
		task, err := s.store.GetTask(context.WithoutCancel(ctx), taskID)
		if err != nil {
			s.logger.Error("loading task for fire", "task", taskID, "error", err)
			return
		}
		if task == nil || task.Status != TaskStatusActive {
			return
		}
		s.Execute(context.WithoutCancel(ctx), task, 0)
	}()
}

// TaskInput is the caller-supplied part of a new task.
type TaskInput struct {
	Name         string
	Description  string
	Tags         []string
	Type         string
	Trigger      TaskTrigger
	Payload      map[string]any
	Config       *TaskConfig
	Notification NotificationConfig
}

// CreateTask validates the input, assigns identity and defaults,
// persists the task, and schedules it if this instance leads.
func (s *Scheduler) CreateTask(ctx context.Context, input TaskInput) (*ScheduledTask, error) {
	if input.Name == "" {
		return nil, NewError(CodeInvalidTrigger, "task name is required")
	}
	if input.Type == "" {
		return nil, NewError(CodeInvalidTrigger, "task type is required")
	}
	if err := input.Trigger.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	task := &ScheduledTask{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Description:  input.Description,
		Tags:         input.Tags,
		Type:         input.Type,
		Trigger:      input.Trigger,
		Payload:      input.Payload,
		Config:       mergeConfig(input.Config),
		Notification: input.Notification,
		Status:       TaskStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	task.NextRunAt = ComputeNextRun(task, now)

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.scheduleTask(s.timerContext(), task)
	return task.Clone(), nil
}

// TaskPatch carries the fields of an update; nil fields are untouched.
type TaskPatch struct {
	Name         *string
	Description  *string
	Tags         *[]string
	Type         *string
	Trigger      *TaskTrigger
	Payload      *map[string]any
	Config       *TaskConfig
	Notification *NotificationConfig
}

// UpdateTask applies a patch. A trigger change recomputes the next
// fire; an armed timer is always re-armed against the new state.
func (s *Scheduler) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, NewError(CodeTaskNotFound, "task %s not found", id)
	}

	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Tags != nil {
		task.Tags = *patch.Tags
	}
	if patch.Type != nil {
		task.Type = *patch.Type
	}
	if patch.Payload != nil {
		task.Payload = *patch.Payload
	}
	if patch.Config != nil {
		task.Config = mergeConfig(patch.Config)
	}
	if patch.Notification != nil {
		task.Notification = *patch.Notification
	}
	now := s.now()
	if patch.Trigger != nil {
		if err := patch.Trigger.Validate(); err != nil {
			return nil, err
		}
		task.Trigger = *patch.Trigger
		task.NextRunAt = ComputeNextRun(task, now)
	}
	task.UpdatedAt = now

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.cancelTimer(id)
	if task.Status == TaskStatusActive {
		s.scheduleTask(s.timerContext(), task)
	}
	return task.Clone(), nil
}

// DeleteTask cancels the timer and removes the task with its history.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	s.cancelTimer(id)
	existed, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return err
	}
	if !existed {
		return NewError(CodeTaskNotFound, "task %s not found", id)
	}
	return nil
}

// PauseTask moves an active task to paused and cancels its timer.
func (s *Scheduler) PauseTask(ctx context.Context, id string) (*ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, NewError(CodeTaskNotFound, "task %s not found", id)
	}
	if task.Status != TaskStatusActive {
		return nil, NewError(CodeInvalidTrigger, "task %s is %s, not active", id, task.Status)
	}
	task.Status = TaskStatusPaused
	task.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.cancelTimer(id)
	return task.Clone(), nil
}

// ResumeTask moves a paused task back to active, recomputes the next
// fire, and schedules it.
func (s *Scheduler) ResumeTask(ctx context.Context, id string) (*ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, NewError(CodeTaskNotFound, "task %s not found", id)
	}
	if task.Status != TaskStatusPaused {
		return nil, NewError(CodeInvalidTrigger, "task %s is %s, not paused", id, task.Status)
	}
	now := s.now()
	task.Status = TaskStatusActive
	task.NextRunAt = ComputeNextRun(task, now)
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.scheduleTask(s.timerContext(), task)
	return task.Clone(), nil
}

// RunTaskNow executes a task immediately, subject to the same
// concurrency gate as scheduled fires. The returned execution may be
// skipped.
func (s *Scheduler) RunTaskNow(ctx context.Context, id string) (*TaskExecution, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, NewError(CodeTaskNotFound, "task %s not found", id)
	}
	return s.Execute(ctx, task, 0), nil
}

// GetTask returns a task by id.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *Scheduler) ListTasks(ctx context.Context, filter TaskFilter) ([]*ScheduledTask, error) {
	return s.store.GetFilteredTasks(ctx, filter)
}

// GetStatistics summarizes tasks and execution history.
func (s *Scheduler) GetStatistics(ctx context.Context) (*Statistics, error) {
	return s.store.GetStatistics(ctx, s.now())
}

// timerContext returns the run context for arming timers. Before
// Initialize it falls back to Background; scheduleTask drops the arm
// anyway when uninitialized.
func (s *Scheduler) timerContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func mergeConfig(c *TaskConfig) TaskConfig {
	merged := DefaultTaskConfig()
	if c == nil {
		return merged
	}
	if c.Timeout > 0 {
		merged.Timeout = c.Timeout
	}
	if c.MaxRetries > 0 {
		merged.MaxRetries = c.MaxRetries
	}
	if c.RetryDelay > 0 {
		merged.RetryDelay = c.RetryDelay
	}
	if c.MaxRetryDelay > 0 {
		merged.MaxRetryDelay = c.MaxRetryDelay
	}
	merged.RunMissedOnStartup = c.RunMissedOnStartup
	merged.AllowConcurrent = c.AllowConcurrent
	return merged
}
