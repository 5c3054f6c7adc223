// handlers.go implements the command handlers behind commands.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronotask/chronotask/internal/bus"
	"github.com/chronotask/chronotask/internal/tasks"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	defer func() {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("closing bus", "error", err)
		}
	}()

	// Cross-instance execution announcements refresh follower views.
	unsubBus := a.bus.Subscribe(func(msg bus.Message) {
		switch msg.Kind {
		case bus.KindExecution:
			if msg.Execution != nil {
				a.logger.Debug("execution on peer instance",
					"instance", msg.Instance,
					"task", msg.Execution.TaskID,
					"status", string(msg.Execution.Status))
			}
		case bus.KindLeader:
			if msg.Leader != nil {
				a.logger.Info("leadership claimed elsewhere", "holder", msg.Leader.HolderID)
			}
		}
	})
	defer unsubBus()

	unsubLeader := a.elector.Subscribe(func(isLeader bool) {
		if isLeader {
			if err := a.bus.AnnounceLeader(ctx, a.instanceID); err != nil {
				a.logger.Debug("announcing leadership", "error", err)
			}
		}
	})
	defer unsubLeader()

	if err := a.scheduler.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}
	defer a.scheduler.Stop()

	var metricsServer *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		go func() {
			a.logger.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// SIGCONT after being backgrounded maps to a visibility sweep.
	visible := make(chan os.Signal, 1)
	signal.Notify(visible, syscall.SIGCONT)

	a.logger.Info("chronotask running",
		"instance", a.instanceID,
		"data_dir", a.cfg.DataDir,
		"leader", a.scheduler.IsLeader())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			a.logger.Info("shutting down")
			return nil
		case <-visible:
			a.scheduler.NotifyVisible()
		}
	}
}

func runTaskList(ctx context.Context, configPath string, debug bool, status, taskType, search string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	filter := tasks.TaskFilter{Search: search}
	if status != "" {
		filter.Statuses = []tasks.TaskStatus{tasks.TaskStatus(status)}
	}
	if taskType != "" {
		filter.Types = []string{taskType}
	}

	list, err := a.scheduler.ListTasks(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tTRIGGER\tNEXT RUN\tRUNS")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			t.ID, t.Name, t.Type, t.Status,
			describeTrigger(&t.Trigger),
			formatTime(t.NextRunAt),
			t.RunCount)
	}
	return w.Flush()
}

func runTaskShow(ctx context.Context, configPath string, debug bool, id string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	task, err := a.scheduler.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", id)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))

	execs, err := a.store.GetTaskExecutions(ctx, id, 10, nil)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		return nil
	}
	fmt.Println("\nRecent executions:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, e := range execs {
		duration := ""
		if e.Duration != nil {
			duration = (time.Duration(*e.Duration) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Status, e.StartedAt.Format(time.RFC3339), duration, e.Error)
	}
	return w.Flush()
}

type createFlags struct {
	name            string
	description     string
	taskType        string
	cron            string
	timezone        string
	interval        time.Duration
	runAt           string
	event           string
	tags            []string
	payload         string
	timeout         time.Duration
	maxRetries      int
	runMissed       bool
	allowConcurrent bool
}

func runTaskCreate(ctx context.Context, configPath string, debug bool, flags createFlags) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	trigger, err := buildTrigger(flags)
	if err != nil {
		return err
	}

	var payload map[string]any
	if flags.payload != "" {
		if err := json.Unmarshal([]byte(flags.payload), &payload); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
	}

	cfg := tasks.DefaultTaskConfig()
	if flags.timeout > 0 {
		cfg.Timeout = flags.timeout
	}
	cfg.MaxRetries = flags.maxRetries
	cfg.RunMissedOnStartup = flags.runMissed
	cfg.AllowConcurrent = flags.allowConcurrent

	task, err := a.scheduler.CreateTask(ctx, tasks.TaskInput{
		Name:        flags.name,
		Description: flags.description,
		Tags:        flags.tags,
		Type:        flags.taskType,
		Trigger:     trigger,
		Payload:     payload,
		Config:      &cfg,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created task %s (%s), next run %s\n",
		task.ID, task.Name, formatTime(task.NextRunAt))
	return nil
}

func buildTrigger(flags createFlags) (tasks.TaskTrigger, error) {
	switch {
	case flags.cron != "":
		return tasks.TaskTrigger{
			Type:       tasks.TriggerCron,
			Expression: flags.cron,
			Timezone:   flags.timezone,
		}, nil
	case flags.interval > 0:
		return tasks.TaskTrigger{
			Type:       tasks.TriggerInterval,
			IntervalMs: flags.interval.Milliseconds(),
		}, nil
	case flags.runAt != "":
		at, err := time.Parse(time.RFC3339, flags.runAt)
		if err != nil {
			return tasks.TaskTrigger{}, fmt.Errorf("parse --at: %w", err)
		}
		return tasks.TaskTrigger{Type: tasks.TriggerOnce, RunAt: &at}, nil
	case flags.event != "":
		return tasks.TaskTrigger{Type: tasks.TriggerEvent, EventType: flags.event}, nil
	default:
		return tasks.TaskTrigger{}, fmt.Errorf("one of --cron, --interval, --at, --event is required")
	}
}

func runTaskRun(ctx context.Context, configPath string, debug bool, id string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	exec, err := a.scheduler.RunTaskNow(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Execution %s: %s", exec.ID, exec.Status)
	if exec.Error != "" {
		fmt.Printf(" (%s)", exec.Error)
	}
	fmt.Println()
	return nil
}

func runTaskPause(ctx context.Context, configPath string, debug bool, id string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	task, err := a.scheduler.PauseTask(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Paused task %s (%s)\n", task.ID, task.Name)
	return nil
}

func runTaskResume(ctx context.Context, configPath string, debug bool, id string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	task, err := a.scheduler.ResumeTask(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Resumed task %s (%s), next run %s\n",
		task.ID, task.Name, formatTime(task.NextRunAt))
	return nil
}

func runTaskDelete(ctx context.Context, configPath string, debug bool, id string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.scheduler.DeleteTask(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", id)
	return nil
}

func runExport(ctx context.Context, configPath string, debug bool, ids []string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	envelope, err := a.scheduler.ExportTasks(ctx, ids...)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(envelope)
}

func runImport(ctx context.Context, configPath string, debug bool, file, mode string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	importMode := tasks.ImportMode(mode)
	if importMode != tasks.ImportMerge && importMode != tasks.ImportReplace {
		return fmt.Errorf("mode must be merge or replace, got %q", mode)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var envelope tasks.ExportEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("parse export file: %w", err)
	}

	result, err := a.scheduler.ImportTasks(ctx, &envelope, importMode)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d, skipped %d\n", result.Imported, result.Skipped)
	for _, msg := range result.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}

func runStats(ctx context.Context, configPath string, debug bool) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.scheduler.GetStatistics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Tasks:      %d total, %d active, %d paused, %d upcoming\n",
		stats.TotalTasks, stats.ActiveTasks, stats.PausedTasks, stats.UpcomingTasks)
	fmt.Printf("Executions: %d total, %d completed, %d failed\n",
		stats.TotalExecutions, stats.CompletedExecutions, stats.FailedExecutions)
	if stats.AvgDurationMs > 0 {
		fmt.Printf("Average duration: %.0f ms\n", stats.AvgDurationMs)
	}
	return nil
}

func describeTrigger(t *tasks.TaskTrigger) string {
	switch t.Type {
	case tasks.TriggerCron:
		return "cron " + t.Expression
	case tasks.TriggerInterval:
		return "every " + t.Interval().String()
	case tasks.TriggerOnce:
		if t.RunAt != nil {
			return "once at " + t.RunAt.Format(time.RFC3339)
		}
		return "once"
	case tasks.TriggerEvent:
		return "on " + t.EventType
	default:
		return string(t.Type)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
