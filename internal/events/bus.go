// Package events is the in-process event bus bridging executions and
// event-triggered tasks. The scheduler emits completion events here;
// emitted events fan out to subscribers and fire matching event tasks.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives emitted events.
type Handler func(eventType string, data map[string]any, source string)

// TaskTriggerer fires event-triggered tasks. Implemented by the
// scheduler.
type TaskTriggerer interface {
	TriggerEventTask(ctx context.Context, eventType, eventSource string, payload map[string]any) error
}

// Bus dispatches events to subscribers and to event-triggered tasks.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	subs      map[int]Handler
	nextSub   int
	triggerer TaskTriggerer
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "events"),
		subs:   make(map[int]Handler),
	}
}

// Bind connects the bus to the scheduler's event task triggering.
// Without a binding, events reach subscribers only.
func (b *Bus) Bind(t TaskTriggerer) {
	b.mu.Lock()
	b.triggerer = t
	b.mu.Unlock()
}

// Subscribe registers a handler; the returned function removes it.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Emit dispatches the event to subscribers, then fires matching event
// tasks asynchronously. Subscriber panics are contained.
func (b *Bus) Emit(eventType string, data map[string]any, source string) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	triggerer := b.triggerer
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.dispatch(fn, eventType, data, source)
	}

	if triggerer == nil {
		return
	}
	go func() {
		if err := triggerer.TriggerEventTask(context.Background(), eventType, source, data); err != nil {
			b.logger.Warn("triggering event tasks", "event", eventType, "error", err)
		}
	}()
}

func (b *Bus) dispatch(fn Handler, eventType string, data map[string]any, source string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", eventType, "panic", r)
		}
	}()
	fn(eventType, data, source)
}
