package tasks

import (
	"time"

	"github.com/chronotask/chronotask/internal/cron"
)

// Validate checks the trigger's tagged fields.
func (t *TaskTrigger) Validate() error {
	switch t.Type {
	case TriggerCron:
		if _, err := cron.Parse(t.Expression); err != nil {
			return WrapError(CodeInvalidCron, err, "invalid cron expression %q", t.Expression)
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return WrapError(CodeInvalidTrigger, err, "unknown time zone %q", t.Timezone)
			}
		}
		return nil
	case TriggerInterval:
		if t.IntervalMs <= 0 {
			return NewError(CodeInvalidTrigger, "interval must be positive, got %d ms", t.IntervalMs)
		}
		return nil
	case TriggerOnce:
		if t.RunAt == nil || t.RunAt.IsZero() {
			return NewError(CodeInvalidTrigger, "once trigger requires run_at")
		}
		return nil
	case TriggerEvent:
		if t.EventType == "" {
			return NewError(CodeInvalidTrigger, "event trigger requires event_type")
		}
		return nil
	default:
		return NewError(CodeInvalidTrigger, "unknown trigger type %q", t.Type)
	}
}

// location resolves the trigger's time zone, falling back to UTC when
// the zone cannot be loaded.
func (t *TaskTrigger) location() *time.Location {
	if t.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ComputeNextRun computes the next fire instant for a task. It is a
// pure function of the trigger, the clock, and the task's run history.
// A nil result means the trigger cannot produce a future fire.
func ComputeNextRun(task *ScheduledTask, now time.Time) *time.Time {
	switch task.Trigger.Type {
	case TriggerCron:
		expr, err := cron.Parse(task.Trigger.Expression)
		if err != nil {
			return nil
		}
		next, ok := expr.Next(now, task.Trigger.location())
		if !ok {
			return nil
		}
		return &next

	case TriggerInterval:
		interval := task.Trigger.Interval()
		if interval <= 0 {
			return nil
		}
		base := task.CreatedAt
		if task.LastRunAt != nil {
			base = *task.LastRunAt
		}
		next := base.Add(interval)
		if !next.After(now) {
			next = now.Add(interval)
		}
		return &next

	case TriggerOnce:
		if task.Trigger.RunAt != nil && task.Trigger.RunAt.After(now) {
			runAt := *task.Trigger.RunAt
			return &runAt
		}
		return nil

	default:
		// event triggers have no timed fire
		return nil
	}
}
