package hooks

import (
	"errors"
	"log/slog"
	"testing"
)

func TestRegistryFansOut(t *testing.T) {
	r := NewRegistry(slog.Default())

	var firstStarts, secondStarts, completes, errs int
	r.Register(Funcs{
		Start: func(taskID, executionID string) { firstStarts++ },
	})
	r.Register(Funcs{
		Start:    func(taskID, executionID string) { secondStarts++ },
		Complete: func(taskID, executionID string, output map[string]any) { completes++ },
		Error:    func(taskID, executionID string, err error) { errs++ },
	})

	r.OnTaskStart("t1", "e1")
	r.OnTaskComplete("t1", "e1", nil)
	r.OnTaskError("t1", "e1", errors.New("boom"))

	if firstStarts != 1 || secondStarts != 1 {
		t.Errorf("starts = %d, %d; want 1, 1", firstStarts, secondStarts)
	}
	if completes != 1 || errs != 1 {
		t.Errorf("completes = %d, errors = %d; want 1, 1", completes, errs)
	}
}

func TestRegistryContainsPanics(t *testing.T) {
	r := NewRegistry(slog.Default())

	r.Register(Funcs{
		Start: func(taskID, executionID string) { panic("hook bug") },
	})
	var called bool
	r.Register(Funcs{
		Start: func(taskID, executionID string) { called = true },
	})

	r.OnTaskStart("t1", "e1")
	if !called {
		t.Error("panicking hook blocked the rest")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(slog.Default())

	calls := 0
	remove := r.Register(Funcs{
		Start: func(taskID, executionID string) { calls++ },
	})

	r.OnTaskStart("t1", "e1")
	remove()
	r.OnTaskStart("t1", "e2")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
