package tasks

import (
	"context"
	"sync"
)

// Result is the outcome of one execution attempt.
type Result struct {
	Success bool
	Output  map[string]any
	Error   string
}

// Executor runs a task of a given type. Execute should honor ctx
// cancellation; the scheduler enforces the task's timeout through it.
type Executor interface {
	Execute(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (*Result, error) {
	return f(ctx, task, exec)
}

// Registry maps task types to executors. Tasks of type "custom" are
// dispatched by the handler name in their payload instead.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Executor
	handlers map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[string]Executor),
		handlers: make(map[string]Executor),
	}
}

// Register binds an executor to a task type, replacing any previous
// binding.
func (r *Registry) Register(taskType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[taskType] = executor
}

// RegisterHandler binds a named handler for tasks of type "custom".
func (r *Registry) RegisterHandler(name string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = executor
}

// Resolve finds the executor for a task. Custom tasks resolve through
// their payload's "handler" entry.
func (r *Registry) Resolve(task *ScheduledTask) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if task.Type == "custom" {
		name, _ := task.Payload["handler"].(string)
		if name == "" {
			return nil, NewError(CodePluginHandlerNotFound, "custom task %s has no handler in payload", task.ID)
		}
		executor, ok := r.handlers[name]
		if !ok {
			return nil, NewError(CodePluginHandlerNotFound, "no handler registered for %q", name)
		}
		return executor, nil
	}

	executor, ok := r.byType[task.Type]
	if !ok {
		return nil, NewError(CodeExecutorNotFound, "no executor registered for type %q", task.Type)
	}
	return executor, nil
}

// Types returns the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// Has reports whether a type has an executor.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[taskType]
	return ok
}
