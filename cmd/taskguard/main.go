package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskguard/taskguard/alerting"
	"github.com/taskguard/taskguard/config"
	"github.com/taskguard/taskguard/db"
	"github.com/taskguard/taskguard/logger"
	"github.com/taskguard/taskguard/monitor"
)

// Version is set at build time via -ldflags
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskguard",
	Short: "taskguard - monitoring and alerting for scheduled tasks and workflows",
	Long: `taskguard watches scheduled tasks and workflows and alerts when they
misbehave: scheduled runs that never happened, executions that never started
or went silent, and service tasks running below their required instance
count.

Examples:
  taskguard run                       # Start the monitoring loop
  taskguard run --config ./tg.yaml    # Start with a config file
  taskguard version                   # Show version`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitoring loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if err := logger.Initialize(cfg.Monitor.JSONLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Cleanup()
		log := logger.Logger

		conn, err := db.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.Migrate(conn, log); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}

		taskStore := monitor.NewTaskStore(conn)
		workflowStore := monitor.NewWorkflowStore(conn)
		executionStore := monitor.NewExecutionStore(conn)
		detectionStore := monitor.NewDetectionStore(conn)
		targetStore := alerting.NewTargetStore(conn)
		alertStore := alerting.NewAlertStore(conn)

		registry := alerting.NewDefaultRegistry(log)
		limiter := alerting.NewLimiter(targetStore, registry, log)
		dispatcher := monitor.NewDispatcher(targetStore, alertStore, limiter, log)
		postpone := monitor.NewPostponementCoordinator(alertStore, executionStore, taskStore, workflowStore, dispatcher, log)

		compliance := monitor.NewComplianceChecker(executionStore, detectionStore, dispatcher, cfg.Policy, log,
			monitor.NewTaskSource(taskStore),
			monitor.NewWorkflowSource(workflowStore))
		health := monitor.NewHealthChecker(executionStore, taskStore, detectionStore, dispatcher, postpone, cfg.Policy, log)
		concurrency := monitor.NewConcurrencyChecker(taskStore, executionStore, detectionStore, dispatcher, cfg.Policy, log)

		runner := monitor.NewRunner(cfg.Monitor.PollInterval(), postpone, log,
			compliance, health, concurrency)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		runner.Start(ctx)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Infow("Shutting down", "signal", sig.String())

		runner.Stop()
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show taskguard version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskguard %s\n", Version)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
