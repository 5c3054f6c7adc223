package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral use. All
// reads and writes copy, so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*ScheduledTask
	executions map[string]*TaskExecution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*ScheduledTask),
		executions: make(map[string]*TaskExecution),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *ScheduledTask) error {
	if task == nil {
		return NewError(CodeDBError, "task is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return NewError(CodeDBError, "task %s already exists", task.ID)
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *ScheduledTask) error {
	if task == nil {
		return NewError(CodeDBError, "task is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[id]; !exists {
		return false, nil
	}
	delete(m.tasks, id)
	for execID, exec := range m.executions {
		if exec.TaskID == id {
			delete(m.executions, execID)
		}
	}
	return true, nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id].Clone(), nil
}

func (m *MemoryStore) GetAllTasks(_ context.Context) ([]*ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ScheduledTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetTasksByStatus(ctx context.Context, status TaskStatus) ([]*ScheduledTask, error) {
	all, err := m.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ScheduledTask
	for _, task := range all {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetActiveEventTasks(ctx context.Context, eventType string) ([]*ScheduledTask, error) {
	active, err := m.GetTasksByStatus(ctx, TaskStatusActive)
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

func (m *MemoryStore) GetUpcomingTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 10
	}
	active, err := m.GetTasksByStatus(ctx, TaskStatusActive)
	if err != nil {
		return nil, err
	}
	var out []*ScheduledTask
	for _, task := range active {
		if task.NextRunAt != nil && task.NextRunAt.After(now) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRunAt.Before(*out[j].NextRunAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetFilteredTasks(ctx context.Context, filter TaskFilter) ([]*ScheduledTask, error) {
	all, err := m.GetAllTasks(ctx)
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

func (m *MemoryStore) CreateExecution(_ context.Context, exec *TaskExecution) error {
	if exec == nil {
		return NewError(CodeDBError, "execution is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *TaskExecution) error {
	if exec == nil {
		return NewError(CodeDBError, "execution is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneExecution(m.executions[id]), nil
}

func (m *MemoryStore) GetTaskExecutions(_ context.Context, taskID string, limit int, before *time.Time) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TaskExecution
	for _, exec := range m.executions {
		if exec.TaskID != taskID {
			continue
		}
		if before != nil && !exec.StartedAt.Before(*before) {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	sortExecutionsDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetRecentExecutions(_ context.Context, limit int) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TaskExecution, 0, len(m.executions))
	for _, exec := range m.executions {
		out = append(out, cloneExecution(exec))
	}
	sortExecutionsDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CleanupOldExecutions(_ context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, exec := range m.executions {
		if exec.StartedAt.Before(cutoff) {
			delete(m.executions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetStatistics(_ context.Context, now time.Time) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Statistics{TotalTasks: len(m.tasks), TotalExecutions: len(m.executions)}
	for _, task := range m.tasks {
		switch task.Status {
		case TaskStatusActive:
			stats.ActiveTasks++
			if task.NextRunAt != nil && task.NextRunAt.After(now) {
				stats.UpcomingTasks++
			}
		case TaskStatusPaused:
			stats.PausedTasks++
		}
	}
	var durSum int64
	var durCount int
	for _, exec := range m.executions {
		switch exec.Status {
		case ExecutionStatusCompleted:
			stats.CompletedExecutions++
			if exec.Duration != nil {
				durSum += *exec.Duration
				durCount++
			}
		case ExecutionStatusFailed:
			stats.FailedExecutions++
		}
	}
	if durCount > 0 {
		stats.AvgDurationMs = float64(durSum) / float64(durCount)
	}
	return stats, nil
}

func cloneExecution(e *TaskExecution) *TaskExecution {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Input != nil {
		clone.Input = make(map[string]any, len(e.Input))
		for k, v := range e.Input {
			clone.Input[k] = v
		}
	}
	if e.Output != nil {
		clone.Output = make(map[string]any, len(e.Output))
		for k, v := range e.Output {
			clone.Output[k] = v
		}
	}
	if e.Logs != nil {
		clone.Logs = append([]ExecutionLog(nil), e.Logs...)
	}
	if e.CompletedAt != nil {
		completed := *e.CompletedAt
		clone.CompletedAt = &completed
	}
	if e.Duration != nil {
		dur := *e.Duration
		clone.Duration = &dur
	}
	return &clone
}

func sortExecutionsDesc(execs []*TaskExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return strings.Compare(execs[i].ID, execs[j].ID) > 0
		}
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})
}
