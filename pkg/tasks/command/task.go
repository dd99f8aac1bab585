// Package command runs shell commands on SSH hosts or the local machine,
// with templated commands and configurable result checks.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tomjamescn/yawe/pkg/config"
	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
	"github.com/tomjamescn/yawe/pkg/remote"
	"github.com/tomjamescn/yawe/pkg/template"
)

const (
	executorSSH   = "ssh"
	executorLocal = "local"

	// fileCheckTimeout bounds the auxiliary commands probing expected files.
	fileCheckTimeout = 10 * time.Second

	// outputTailLines is how much command output ExportContext keeps.
	outputTailLines = 20
)

// defaultErrorKeywords flag a failure in command output even when the exit
// code looks clean.
var defaultErrorKeywords = []string{"Error:", "ERROR:", "Exception:", "Traceback", "FAILED"}

// Task executes one configured command.
type Task struct {
	name        string
	opts        protocol.Options
	deps        *protocol.Dependencies
	workflowCtx models.WorkflowContext
	logger      *slog.Logger

	command  string
	exitCode int
	output   string
	duration time.Duration
	ran      bool
}

func NewTask(spec models.TaskSpec, deps *protocol.Dependencies, workflowCtx models.WorkflowContext) *Task {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Task{
		name:        spec.Name,
		opts:        protocol.Options(spec.Options),
		deps:        deps,
		workflowCtx: workflowCtx,
		logger:      logger.With("task", spec.Name, "task_type", "command"),
		exitCode:    -1,
	}
}

func (t *Task) Execute(ctx context.Context) (bool, string) {
	command, err := t.renderCommand()
	if err != nil {
		return false, err.Error()
	}

	t.command = command

	executor := t.opts.String("executor", executorSSH)

	var (
		output  string
		code    int
		execErr error
	)

	start := time.Now()

	switch executor {
	case executorSSH:
		output, code, execErr = t.runSSH(ctx, command)
	case executorLocal:
		output, code, execErr = t.runLocal(ctx, command)
	default:
		return false, fmt.Sprintf("unknown executor '%s' (want ssh or local)", executor)
	}

	t.duration = time.Since(start)
	t.output = output
	t.exitCode = code
	t.ran = true

	if output != "" {
		t.logger.Debug("Command output", "output", lastLines(output, outputTailLines))
	}

	if execErr != nil {
		return false, execErr.Error()
	}

	return t.checkResult(ctx, output, code)
}

// ExportContext publishes the command outcome for downstream tasks.
func (t *Task) ExportContext() (map[string]any, error) {
	if !t.ran {
		return nil, nil
	}

	return map[string]any{
		"command":          t.command,
		"exit_code":        t.exitCode,
		"output_tail":      lastLines(t.output, outputTailLines),
		"duration_seconds": math.Round(t.duration.Seconds()*100) / 100,
	}, nil
}

// renderCommand resolves the command text: command_template wins over
// command; both are rendered against the workflow context overlaid with the
// task's params.
func (t *Task) renderCommand() (string, error) {
	raw := t.opts.String("command_template", "")
	if raw == "" {
		raw = t.opts.String("command", "")
	}

	if raw == "" {
		return "", fmt.Errorf("command task '%s' needs a command or command_template option", t.name)
	}

	rendered, err := template.Render(raw, template.RenderVars(t.workflowCtx, t.opts.Params()))
	if err != nil {
		return "", fmt.Errorf("failed to render command: %w", err)
	}

	if rendered == "" {
		return "", fmt.Errorf("command task '%s' rendered an empty command", t.name)
	}

	return rendered, nil
}

func (t *Task) timeout() time.Duration {
	seconds := t.opts.Int("timeout", 0)
	if seconds == 0 {
		seconds = t.opts.Params().Int("timeout", 0)
	}

	if seconds == 0 {
		return t.deps.Config.Tasks.CommandTimeoutDuration()
	}

	return time.Duration(seconds) * time.Second
}

func (t *Task) runSSH(ctx context.Context, command string) (string, int, error) {
	host := t.opts.String("host", "")
	if host == "" {
		return "", -1, fmt.Errorf("command task '%s' needs a host for the ssh executor", t.name)
	}

	if t.deps.Remote == nil {
		return "", -1, fmt.Errorf("command task '%s' needs configured hosts for the ssh executor", t.name)
	}

	client, err := t.deps.Remote.Client(host)
	if err != nil {
		return "", -1, err
	}

	t.logger.Info("Running remote command", "host", host)

	if retry := t.opts.Map("retry"); retry != nil {
		policy := remote.RetryPolicy{
			MaxRetries: retry.Int("max_retries", 3),
			Interval:   time.Duration(retry.Int("retry_interval", 300)) * time.Second,
		}

		t.logger.Info("Retry enabled", "max_retries", policy.MaxRetries, "interval", policy.Interval)

		return client.RunWithRetry(ctx, command, t.timeout(), policy, t.name, t.deps.Notifier)
	}

	return client.Run(ctx, command, t.timeout())
}

func (t *Task) runLocal(ctx context.Context, command string) (string, int, error) {
	shell := t.opts.String("shell", "")
	if shell == "" {
		shell = t.deps.Config.Tasks.LocalShell
	}

	if shell == "" {
		shell = config.DefaultLocalShell
	}

	timeout := t.timeout()
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.logger.Info("Running local command", "shell", shell)

	cmd := exec.CommandContext(ctx, shell, "-c", command)

	output, err := cmd.CombinedOutput()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return string(output), -1, fmt.Errorf("command timed out after %s", timeout)
		}

		return string(output), -1, ctxErr
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), exitErr.ExitCode(), nil
		}

		return string(output), -1, fmt.Errorf("failed to run command: %w", err)
	}

	return string(output), 0, nil
}

// checkResult applies the configured result checks in order: exit code,
// error keywords, success keywords, expected files. The first violation
// fails the task.
func (t *Task) checkResult(ctx context.Context, output string, exitCode int) (bool, string) {
	if t.opts.Bool("check_exit_code", true) && exitCode != 0 {
		return false, fmt.Sprintf("unexpected exit code: %d", exitCode)
	}

	if t.opts.Bool("check_error_keywords", true) {
		keywords := t.opts.StringSlice("error_keywords")
		if len(keywords) == 0 {
			keywords = defaultErrorKeywords
		}

		for _, keyword := range keywords {
			if strings.Contains(output, keyword) {
				return false, fmt.Sprintf("output contains error keyword: %s", keyword)
			}
		}
	}

	if t.opts.Bool("check_success_keywords", false) {
		keywords := t.opts.StringSlice("success_keywords")
		if len(keywords) > 0 && !containsAny(output, keywords) {
			return false, fmt.Sprintf("output contains none of the success keywords: %s", strings.Join(keywords, ", "))
		}
	}

	if t.opts.Bool("check_output_files", false) {
		if ok, message := t.checkExpectedFiles(ctx); !ok {
			return false, message
		}
	}

	return true, "command succeeded"
}

func (t *Task) checkExpectedFiles(ctx context.Context) (bool, string) {
	executor := t.opts.String("executor", executorSSH)

	for _, entry := range t.opts.Slice("expected_files") {
		raw, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		file := protocol.Options(raw)

		path := file.String("path", "")
		if path == "" {
			continue
		}

		size, exists, err := t.statFile(ctx, executor, path)
		if err != nil {
			return false, fmt.Sprintf("failed to check expected file %s: %v", path, err)
		}

		if file.Bool("must_exist", true) && !exists {
			return false, fmt.Sprintf("expected file missing: %s", path)
		}

		minSize := file.Int("min_size", 0)
		if exists && minSize > 0 && size < int64(minSize) {
			return false, fmt.Sprintf("expected file too small: %s (want >= %d bytes, got %d)", path, minSize, size)
		}
	}

	return true, "expected files present"
}

func (t *Task) statFile(ctx context.Context, executor, path string) (size int64, exists bool, err error) {
	if executor == executorLocal {
		info, statErr := os.Stat(path)
		if errors.Is(statErr, os.ErrNotExist) {
			return 0, false, nil
		}

		if statErr != nil {
			return 0, false, statErr
		}

		if info.IsDir() {
			return 0, false, nil
		}

		return info.Size(), true, nil
	}

	client, err := t.deps.Remote.Client(t.opts.String("host", ""))
	if err != nil {
		return 0, false, err
	}

	output, code, err := client.Run(ctx, "stat -c %s "+quoteArg(path), fileCheckTimeout)
	if err != nil {
		return 0, false, err
	}

	if code != 0 {
		return 0, false, nil
	}

	size, parseErr := strconv.ParseInt(strings.TrimSpace(output), 10, 64)
	if parseErr != nil {
		t.logger.Warn("Failed to parse remote file size", "path", path, "output", strings.TrimSpace(output))
		return 0, true, nil
	}

	return size, true, nil
}

func containsAny(s string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(s, keyword) {
			return true
		}
	}

	return false
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}

	return strings.Join(lines[len(lines)-n:], "\n")
}

func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
