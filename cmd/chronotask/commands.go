// commands.go contains the cobra command definitions. Each builder
// wires flags and delegates to a handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:           "chronotask",
		Short:         "Durable single-leader task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	root.AddCommand(
		buildServeCmd(&configPath, &debug),
		buildTaskCmd(&configPath, &debug),
		buildExportCmd(&configPath, &debug),
		buildImportCmd(&configPath, &debug),
		buildStatsCmd(&configPath, &debug),
	)
	return root
}

func buildServeCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler",
		Long: `Run the scheduler in the foreground.

The process joins leader election for the configured data directory.
While it leads it arms task timers, runs the missed-task sweep, and
prunes old execution history. Followers keep serving reads and persist
mutations for the leader to pick up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, *debug)
		},
	}
}

func buildTaskCmd(configPath *string, debug *bool) *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}

	var (
		filterStatus string
		filterType   string
		search       string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskList(cmd.Context(), *configPath, *debug, filterStatus, filterType, search)
		},
	}
	list.Flags().StringVar(&filterStatus, "status", "", "Filter by status (active|paused|expired)")
	list.Flags().StringVar(&filterType, "type", "", "Filter by task type")
	list.Flags().StringVar(&search, "search", "", "Match name and description")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task with recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskShow(cmd.Context(), *configPath, *debug, args[0])
		},
	}

	var create createFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Example: `  # Nightly backup at 03:00 local time
  chronotask task create --name nightly --type backup --cron "0 3 * * *"

  # Sync every five minutes
  chronotask task create --name sync --type sync --interval 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskCreate(cmd.Context(), *configPath, *debug, create)
		},
	}
	createCmd.Flags().StringVar(&create.name, "name", "", "Task name (required)")
	createCmd.Flags().StringVar(&create.description, "description", "", "Task description")
	createCmd.Flags().StringVar(&create.taskType, "type", "", "Task type (required)")
	createCmd.Flags().StringVar(&create.cron, "cron", "", "Cron expression trigger")
	createCmd.Flags().StringVar(&create.timezone, "timezone", "", "IANA time zone for the cron trigger")
	createCmd.Flags().DurationVar(&create.interval, "interval", 0, "Interval trigger period")
	createCmd.Flags().StringVar(&create.runAt, "at", "", "One-shot trigger instant (RFC 3339)")
	createCmd.Flags().StringVar(&create.event, "event", "", "Event trigger type")
	createCmd.Flags().StringSliceVar(&create.tags, "tag", nil, "Tags (repeatable)")
	createCmd.Flags().StringVar(&create.payload, "payload", "", "JSON payload")
	createCmd.Flags().DurationVar(&create.timeout, "timeout", 0, "Execution timeout")
	createCmd.Flags().IntVar(&create.maxRetries, "max-retries", 0, "Retry attempts after failure")
	createCmd.Flags().BoolVar(&create.runMissed, "run-missed", false, "Fire recently missed runs on startup")
	createCmd.Flags().BoolVar(&create.allowConcurrent, "allow-concurrent", false, "Permit overlapping executions")
	_ = createCmd.MarkFlagRequired("name")
	_ = createCmd.MarkFlagRequired("type")

	run := &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskRun(cmd.Context(), *configPath, *debug, args[0])
		},
	}
	pause := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause an active task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskPause(cmd.Context(), *configPath, *debug, args[0])
		},
	}
	resume := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskResume(cmd.Context(), *configPath, *debug, args[0])
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskDelete(cmd.Context(), *configPath, *debug, args[0])
		},
	}

	task.AddCommand(list, show, createCmd, run, pause, resume, del)
	return task
}

func buildExportCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "export [id...]",
		Short: "Export tasks as JSON to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), *configPath, *debug, args)
		},
	}
}

func buildImportCmd(configPath *string, debug *bool) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import tasks from a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), *configPath, *debug, args[0], mode)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "merge", "Import mode: merge or replace")
	return cmd
}

func buildStatsCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task and execution statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), *configPath, *debug)
		},
	}
}

func defaultConfigPath() string {
	return "chronotask.yaml"
}
