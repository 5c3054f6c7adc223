// Package hooks fans execution lifecycle callbacks out to registered
// listeners. Listener failures and panics are contained; an execution
// never fails because of a hook.
package hooks

import (
	"log/slog"
	"sync"
)

// TaskHooks receives execution lifecycle callbacks.
type TaskHooks interface {
	OnTaskStart(taskID, executionID string)
	OnTaskComplete(taskID, executionID string, output map[string]any)
	OnTaskError(taskID, executionID string, err error)
}

// Registry multiplexes lifecycle callbacks to every registered
// listener. It implements the same interface it fans out.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	hooks  map[int]TaskHooks
	nextID int
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "hooks"),
		hooks:  make(map[int]TaskHooks),
	}
}

// Register adds a listener; the returned function removes it.
func (r *Registry) Register(h TaskHooks) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.hooks[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

func (r *Registry) OnTaskStart(taskID, executionID string) {
	for _, h := range r.snapshot() {
		r.safely("OnTaskStart", taskID, func() { h.OnTaskStart(taskID, executionID) })
	}
}

func (r *Registry) OnTaskComplete(taskID, executionID string, output map[string]any) {
	for _, h := range r.snapshot() {
		r.safely("OnTaskComplete", taskID, func() { h.OnTaskComplete(taskID, executionID, output) })
	}
}

func (r *Registry) OnTaskError(taskID, executionID string, err error) {
	for _, h := range r.snapshot() {
		r.safely("OnTaskError", taskID, func() { h.OnTaskError(taskID, executionID, err) })
	}
}

func (r *Registry) snapshot() []TaskHooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskHooks, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	return out
}

func (r *Registry) safely(hook, taskID string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("hook panicked", "hook", hook, "task", taskID, "panic", p)
		}
	}()
	fn()
}

// Funcs adapts plain functions to TaskHooks. Nil fields are skipped.
type Funcs struct {
	Start    func(taskID, executionID string)
	Complete func(taskID, executionID string, output map[string]any)
	Error    func(taskID, executionID string, err error)
}

func (f Funcs) OnTaskStart(taskID, executionID string) {
	if f.Start != nil {
		f.Start(taskID, executionID)
	}
}

func (f Funcs) OnTaskComplete(taskID, executionID string, output map[string]any) {
	if f.Complete != nil {
		f.Complete(taskID, executionID, output)
	}
}

func (f Funcs) OnTaskError(taskID, executionID string, err error) {
	if f.Error != nil {
		f.Error(taskID, executionID, err)
	}
}
