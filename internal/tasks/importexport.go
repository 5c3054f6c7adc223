package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// exportVersion is the only envelope version this build reads or
// writes.
const exportVersion = 1

// ExportEnvelope is the portable task bundle. Execution history is
// never exported.
type ExportEnvelope struct {
	Version    int              `json:"version"`
	ExportedAt time.Time        `json:"exportedAt"`
	Tasks      []*ScheduledTask `json:"tasks"`
}

// ImportMode selects how imported tasks interact with existing ones.
type ImportMode string

const (
	// ImportMerge keeps existing tasks and skips colliding ids.
	ImportMerge ImportMode = "merge"

	// ImportReplace deletes every existing task first.
	ImportReplace ImportMode = "replace"
)

// ImportResult reports the outcome of an import. Skipped counts
// merge-mode id collisions only; invalid entries land in Errors.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// ExportTasks bundles tasks into an envelope. With no ids, every task
// is exported.
func (s *Scheduler) ExportTasks(ctx context.Context, ids ...string) (*ExportEnvelope, error) {
	envelope := &ExportEnvelope{Version: exportVersion, ExportedAt: s.now()}

	if len(ids) == 0 {
		all, err := s.store.GetAllTasks(ctx)
		if err != nil {
			return nil, err
		}
		envelope.Tasks = all
		return envelope, nil
	}

	for _, id := range ids {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, NewError(CodeTaskNotFound, "task %s not found", id)
		}
		envelope.Tasks = append(envelope.Tasks, task)
	}
	return envelope, nil
}

// ImportTasks loads tasks from an envelope. Imported tasks restart
// fresh: counters zeroed, history fields cleared, status active, next
// fire recomputed. Per-task failures are collected, never raised.
func (s *Scheduler) ImportTasks(ctx context.Context, envelope *ExportEnvelope, mode ImportMode) (*ImportResult, error) {
	result := &ImportResult{}
	if envelope == nil {
		result.Errors = append(result.Errors, "empty import envelope")
		return result, nil
	}
	if envelope.Version != exportVersion {
		result.Errors = append(result.Errors,
			fmt.Sprintf("unsupported envelope version %d", envelope.Version))
		return result, nil
	}

	if mode == ImportReplace {
		existing, err := s.store.GetAllTasks(ctx)
		if err != nil {
			return nil, err
		}
		for _, task := range existing {
			s.cancelTimer(task.ID)
			if _, err := s.store.DeleteTask(ctx, task.ID); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("delete existing task %s: %v", task.ID, err))
			}
		}
	}

	now := s.now()
	for _, incoming := range envelope.Tasks {
		if incoming == nil {
			result.Errors = append(result.Errors, "null task entry")
			continue
		}
		if incoming.Name == "" || incoming.Type == "" || incoming.Trigger.Type == "" {
			result.Errors = append(result.Errors,
				fmt.Sprintf("task %q missing required fields", firstNonEmpty(incoming.ID, incoming.Name)))
			continue
		}
		if err := incoming.Trigger.Validate(); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("task %q: %v", firstNonEmpty(incoming.ID, incoming.Name), err))
			continue
		}

		if mode == ImportMerge && incoming.ID != "" {
			existing, err := s.store.GetTask(ctx, incoming.ID)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("task %s: %v", incoming.ID, err))
				continue
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}

		task := incoming.Clone()
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		task.Status = TaskStatusActive
		task.RunCount = 0
		task.SuccessCount = 0
		task.FailureCount = 0
		task.LastRunAt = nil
		task.LastError = ""
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		task.NextRunAt = ComputeNextRun(task, now)

		if err := s.store.UpdateTask(ctx, task); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("task %s: %v", task.ID, err))
			continue
		}
		s.scheduleTask(s.timerContext(), task)
		result.Imported++
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "(unnamed)"
}
