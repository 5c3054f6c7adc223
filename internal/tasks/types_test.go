package tasks

import (
	"errors"
	"testing"
	"time"
)

func TestCloneIsIndependent(t *testing.T) {
	runAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	original := &ScheduledTask{
		ID:      "t1",
		Name:    "backup",
		Tags:    []string{"nightly"},
		Payload: map[string]any{"target": "s3"},
		Trigger: TaskTrigger{
			Type:      TriggerOnce,
			RunAt:     &runAt,
			DependsOn: []string{"t0"},
		},
	}

	clone := original.Clone()
	clone.Tags[0] = "changed"
	clone.Payload["target"] = "changed"
	clone.Trigger.DependsOn[0] = "changed"
	*clone.Trigger.RunAt = runAt.Add(time.Hour)

	if original.Tags[0] != "nightly" {
		t.Errorf("clone shares tags with original")
	}
	if original.Payload["target"] != "s3" {
		t.Errorf("clone shares payload with original")
	}
	if original.Trigger.DependsOn[0] != "t0" {
		t.Errorf("clone shares dependsOn with original")
	}
	if !original.Trigger.RunAt.Equal(runAt) {
		t.Errorf("clone shares runAt pointer with original")
	}
}

func TestCloneNil(t *testing.T) {
	var task *ScheduledTask
	if task.Clone() != nil {
		t.Errorf("Clone() of nil = non-nil")
	}
}

func TestExecutionIsTerminal(t *testing.T) {
	cases := []struct {
		status ExecutionStatus
		want   bool
	}{
		{ExecutionStatusRunning, false},
		{ExecutionStatusCompleted, true},
		{ExecutionStatusFailed, true},
		{ExecutionStatusSkipped, true},
	}
	for _, tc := range cases {
		exec := &TaskExecution{Status: tc.status}
		if got := exec.IsTerminal(); got != tc.want {
			t.Errorf("IsTerminal() with %s = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestAppendLog(t *testing.T) {
	exec := &TaskExecution{}
	exec.AppendLog(LogInfo, "first", nil)
	exec.AppendLog(LogError, "second", map[string]any{"k": "v"})

	if len(exec.Logs) != 2 {
		t.Fatalf("len(Logs) = %d, want 2", len(exec.Logs))
	}
	if exec.Logs[0].Message != "first" || exec.Logs[0].Level != LogInfo {
		t.Errorf("Logs[0] = %+v", exec.Logs[0])
	}
	if exec.Logs[0].ID == "" || exec.Logs[0].ID == exec.Logs[1].ID {
		t.Errorf("log ids not unique: %q, %q", exec.Logs[0].ID, exec.Logs[1].ID)
	}
}

func TestTaskFilterMatches(t *testing.T) {
	task := &ScheduledTask{
		Name:        "Nightly Backup",
		Description: "dumps the database",
		Type:        "backup",
		Tags:        []string{"nightly", "db"},
		Status:      TaskStatusActive,
	}

	cases := []struct {
		name   string
		filter TaskFilter
		want   bool
	}{
		{"empty filter", TaskFilter{}, true},
		{"status match", TaskFilter{Statuses: []TaskStatus{TaskStatusActive}}, true},
		{"status miss", TaskFilter{Statuses: []TaskStatus{TaskStatusPaused}}, false},
		{"type match", TaskFilter{Types: []string{"backup", "sync"}}, true},
		{"type miss", TaskFilter{Types: []string{"sync"}}, false},
		{"all tags present", TaskFilter{Tags: []string{"nightly", "db"}}, true},
		{"missing tag", TaskFilter{Tags: []string{"nightly", "missing"}}, false},
		{"search name case-insensitive", TaskFilter{Search: "nightly"}, true},
		{"search description", TaskFilter{Search: "DATABASE"}, true},
		{"search miss", TaskFilter{Search: "restore"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(task); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	base := NewError(CodeTaskNotFound, "task %s not found", "t1")
	if got := CodeOf(base); got != CodeTaskNotFound {
		t.Errorf("CodeOf() = %s, want %s", got, CodeTaskNotFound)
	}

	wrapped := WrapError(CodeDBError, errors.New("disk full"), "update failed")
	if got := CodeOf(wrapped); got != CodeDBError {
		t.Errorf("CodeOf(wrapped) = %s, want %s", got, CodeDBError)
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Errorf("Unwrap() does not expose cause")
	}

	plain := errors.New("anything")
	if got := CodeOf(plain); got != CodeUnknown {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeUnknown)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
	if !IsCode(base, CodeTaskNotFound) {
		t.Errorf("IsCode() = false, want true")
	}
}
