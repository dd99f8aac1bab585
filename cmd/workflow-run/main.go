package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/tomjamescn/yawe/pkg/config"
	"github.com/tomjamescn/yawe/pkg/log"
	"github.com/tomjamescn/yawe/pkg/notify"
	"github.com/tomjamescn/yawe/pkg/protocol"
	"github.com/tomjamescn/yawe/pkg/registry"
	"github.com/tomjamescn/yawe/pkg/remote"
	"github.com/tomjamescn/yawe/pkg/state"
	"github.com/tomjamescn/yawe/pkg/tasks"
	"github.com/tomjamescn/yawe/pkg/transfer"
	"github.com/tomjamescn/yawe/pkg/workflow"
)

// Exit codes 1-63 carry the failure count; everything above is reserved for
// conditions where no task ran at all, so wrapper scripts can tell "the
// workflow failed" from "the run never started".
const (
	maxFailureExit = 63

	exitConfigError       = 64
	exitNoTasks           = 65
	exitDuplicateNames    = 66
	exitStartTaskNotFound = 67
	exitNothingToResume   = 68
	exitLockHeld          = 69
	exitStateInvalid      = 70
	exitInterrupted       = 130

	// cleanupAge is how long snapshots of successful runs are kept.
	cleanupAge = 30 * 24 * time.Hour
)

func main() {
	cmd := &cli.Command{
		Name:                  "workflow-run",
		Usage:                 "Run a sequential task workflow with crash-safe checkpoints",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Workflow configuration file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("WORKFLOW_CONFIG"),
			},
			&cli.BoolFlag{
				Name:    "resume",
				Aliases: []string{"r"},
				Usage:   "Resume the latest failed or interrupted run",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Resume even when the config file changed since the snapshot",
			},
			&cli.StringFlag{
				Name:  "from-task",
				Usage: "Start at the named task, skipping the ones before it",
			},
			&cli.BoolFlag{
				Name:  "clean-state",
				Usage: "Remove snapshots of successful runs older than 30 days, then exit",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); defaults to the config file value",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	logLevel := cmd.String("log-level")
	if logLevel == "" {
		logLevel = cfg.Logger.Level
	}

	if err := log.Setup(logLevel, cfg.Logger.LogDir, cfg.Logger.LogName); err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	logger := log.WithModule("workflow-run")
	manager := state.NewManager(cfg, log.WithModule("state"))

	if cmd.Bool("clean-state") {
		removed, err := manager.CleanupOldStates(cleanupAge)
		if err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}

		logger.Info("State cleanup finished", "removed", removed, "dir", manager.Dir())

		return nil
	}

	if len(cfg.Workflow.Tasks) == 0 {
		logger.Warn("No tasks configured, nothing to do", "config", cfg.Path)
		return cli.Exit("", exitNoTasks)
	}

	locked, err := manager.AcquireLock()
	if err != nil {
		return cli.Exit(err.Error(), exitLockHeld)
	}

	if !locked {
		return cli.Exit(
			fmt.Sprintf("another run of this workflow holds the lock (%s); wait for it to finish", manager.LockPath()),
			exitLockHeld)
	}
	defer manager.ReleaseLock()

	opts := []workflow.Option{workflow.WithStateManager(manager)}

	switch {
	case cmd.Bool("resume"):
		resumeState, err := manager.LoadLatestFailedState()
		if err != nil {
			return cli.Exit(err.Error(), exitStateInvalid)
		}

		if resumeState == nil {
			return cli.Exit("no resumable snapshot found (only failed or interrupted runs leave one)", exitNothingToResume)
		}

		if err := manager.ValidateState(resumeState, cmd.Bool("force")); err != nil {
			return cli.Exit(err.Error(), exitStateInvalid)
		}

		opts = append(opts, workflow.WithResumeState(resumeState))
	case cmd.String("from-task") != "":
		opts = append(opts, workflow.WithStartTask(cmd.String("from-task")))
	}

	deps := buildDependencies(cfg)
	if deps.Remote != nil {
		defer deps.Remote.CloseAll()
	}

	reg := registry.NewRegistry(log.WithModule("registry"))
	tasks.RegisterBuiltins(reg)

	engine := workflow.New(cfg, deps, reg, opts...)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := engine.Run(runCtx)

	return exitError(failed, err)
}

func buildDependencies(cfg *config.Config) *protocol.Dependencies {
	deps := &protocol.Dependencies{
		Logger: log.WithModule("tasks"),
		Config: cfg,
	}

	// NewNotifier returns a typed nil for disabled configs; assigning that to
	// the interface field would make it non-nil.
	if notifier := notify.NewNotifier(cfg.Notifier, log.WithModule("notify")); notifier != nil {
		deps.Notifier = notifier
	}

	if len(cfg.Hosts) > 0 {
		dialer := remote.NewDialer(cfg.Hosts, log.WithModule("remote"))
		deps.Remote = dialer
		deps.Transfer = transfer.NewService(dialer, log.WithModule("transfer"))
	}

	return deps
}

func exitError(failed int, err error) error {
	if errors.Is(err, workflow.ErrInterrupted) {
		return cli.Exit("", exitInterrupted)
	}

	if err != nil {
		var duplicateErr *workflow.DuplicateTaskError
		if errors.As(err, &duplicateErr) {
			return cli.Exit(err.Error(), exitDuplicateNames)
		}

		var notFoundErr *workflow.TaskNotFoundError
		if errors.As(err, &notFoundErr) {
			return cli.Exit(err.Error(), exitStartTaskNotFound)
		}

		return cli.Exit(err.Error(), exitConfigError)
	}

	if failed > 0 {
		if failed > maxFailureExit {
			failed = maxFailureExit
		}

		return cli.Exit("", failed)
	}

	return nil
}
